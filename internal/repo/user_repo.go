package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/echochat/server/internal/model"
)

// UserRepo is the Postgres-backed durable identity record store.
type UserRepo struct {
	db *sql.DB
}

// NewUserRepo creates a new UserRepo instance.
func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, phone_number, display_name, role, verified, active_session_id, created_at`

// GetByID retrieves a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, id))
}

// GetByPhone retrieves a user by canonical phone number.
func (r *UserRepo) GetByPhone(ctx context.Context, phone string) (model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE phone_number = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, phone))
}

// Create inserts a new verified identity record.
func (r *UserRepo) Create(ctx context.Context, phone, displayName, role string) (model.User, error) {
	query := `
		INSERT INTO users (phone_number, display_name, role, verified)
		VALUES ($1, $2, $3, TRUE)
		RETURNING ` + userColumns
	user, err := r.scanUser(r.db.QueryRowContext(ctx, query, phone, displayName, role))
	if err != nil {
		return model.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// MarkVerified sets verified = TRUE for the user.
func (r *UserRepo) MarkVerified(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `UPDATE users SET verified = TRUE WHERE id = $1`, id)
}

// SetDisplayName overwrites the user's display name.
func (r *UserRepo) SetDisplayName(ctx context.Context, id uuid.UUID, displayName string) error {
	return r.exec(ctx, `UPDATE users SET display_name = $2 WHERE id = $1`, id, displayName)
}

// SetActiveSession records the single currently-authorized session.
func (r *UserRepo) SetActiveSession(ctx context.Context, id, sessionID uuid.UUID) error {
	return r.exec(ctx, `UPDATE users SET active_session_id = $2 WHERE id = $1`, id, sessionID)
}

// ClearActiveSession marks the user logged out everywhere.
func (r *UserRepo) ClearActiveSession(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, `UPDATE users SET active_session_id = NULL WHERE id = $1`, id)
}

func (r *UserRepo) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}
	return nil
}

func (r *UserRepo) scanUser(row *sql.Row) (model.User, error) {
	var user model.User
	var idStr string
	var sessionStr sql.NullString
	err := row.Scan(
		&idStr,
		&user.PhoneNumber,
		&user.DisplayName,
		&user.Role,
		&user.Verified,
		&sessionStr,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, fmt.Errorf("user: %w", ErrNotFound)
		}
		return model.User{}, fmt.Errorf("query user: %w", err)
	}

	user.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.User{}, fmt.Errorf("parse user ID: %w", err)
	}
	if sessionStr.Valid && sessionStr.String != "" {
		sid, err := uuid.Parse(sessionStr.String)
		if err != nil {
			return model.User{}, fmt.Errorf("parse session ID: %w", err)
		}
		user.ActiveSessionID = &sid
	}
	return user, nil
}
