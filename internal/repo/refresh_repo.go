package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/echochat/server/internal/model"
)

// RefreshTokenRepo persists the refresh-token set in Postgres. Tokens are
// stored hashed; the plaintext never touches the database.
type RefreshTokenRepo struct {
	db *sql.DB
}

// NewRefreshTokenRepo creates a new RefreshTokenRepo instance.
func NewRefreshTokenRepo(db *sql.DB) *RefreshTokenRepo {
	return &RefreshTokenRepo{db: db}
}

// Insert appends a refresh-token entry to the user's set.
func (r *RefreshTokenRepo) Insert(ctx context.Context, token model.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, session_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.UserID, token.TokenHash, token.SessionID, token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// FindByHash returns the user's entry matching the presented token hash,
// regardless of expiry; expiry handling belongs to the caller.
func (r *RefreshTokenRepo) FindByHash(ctx context.Context, userID uuid.UUID, tokenHash string) (model.RefreshToken, error) {
	var tok model.RefreshToken
	var idStr, userIDStr, sessionStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, session_id, issued_at, expires_at
		FROM refresh_tokens
		WHERE user_id = $1 AND token_hash = $2
	`, userID, tokenHash).Scan(
		&idStr,
		&userIDStr,
		&tok.TokenHash,
		&sessionStr,
		&tok.IssuedAt,
		&tok.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshToken{}, fmt.Errorf("refresh token: %w", ErrNotFound)
		}
		return model.RefreshToken{}, fmt.Errorf("find refresh token: %w", err)
	}

	if tok.ID, err = uuid.Parse(idStr); err != nil {
		return model.RefreshToken{}, fmt.Errorf("parse token ID: %w", err)
	}
	if tok.UserID, err = uuid.Parse(userIDStr); err != nil {
		return model.RefreshToken{}, fmt.Errorf("parse user ID: %w", err)
	}
	if tok.SessionID, err = uuid.Parse(sessionStr); err != nil {
		return model.RefreshToken{}, fmt.Errorf("parse session ID: %w", err)
	}
	return tok, nil
}

// DeleteByID removes a single entry. Used for rotation and expiry drops.
func (r *RefreshTokenRepo) DeleteByID(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// DeleteAllForUser replaces the user's set with the empty set. Used on every
// login, on logout, and as the reuse/theft response.
func (r *RefreshTokenRepo) DeleteAllForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete refresh tokens for user: %w", err)
	}
	return nil
}
