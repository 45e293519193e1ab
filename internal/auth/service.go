// Package auth owns the durable identity record and the session/token
// lifecycle: login completion after OTP verification, refresh-token rotation
// with reuse detection, and logout. One active session per account: logging
// in anywhere invalidates every other device's refresh token immediately.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/echochat/server/internal/model"
	"github.com/echochat/server/internal/repo"
)

// UserStore is the durable identity-record collaborator. Each method is an
// atomic field update; failures here are always hard errors, never fail-open.
type UserStore interface {
	GetByPhone(ctx context.Context, phone string) (model.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (model.User, error)
	// Create inserts a new verified identity record.
	Create(ctx context.Context, phone, displayName, role string) (model.User, error)
	MarkVerified(ctx context.Context, id uuid.UUID) error
	SetDisplayName(ctx context.Context, id uuid.UUID, displayName string) error
	SetActiveSession(ctx context.Context, id, sessionID uuid.UUID) error
	ClearActiveSession(ctx context.Context, id uuid.UUID) error
}

// TokenStore persists the refresh-token set per user.
type TokenStore interface {
	Insert(ctx context.Context, token model.RefreshToken) error
	FindByHash(ctx context.Context, userID uuid.UUID, tokenHash string) (model.RefreshToken, error)
	DeleteByID(ctx context.Context, id uuid.UUID) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) error
}

// Service is the session & token manager.
//
// The read-modify-write sequences in CompleteLogin and Refresh are not
// transactional: two concurrent Refresh calls presenting the same still-valid
// token can both pass the lookup, and the last writer wins, invalidating the
// other's freshly minted pair. Refresh calls for one token are not concurrent
// in normal client behavior; a stronger guarantee would need compare-and-swap
// on the stored hash or a per-identity advisory lock.
type Service struct {
	users  UserStore
	tokens TokenStore
	tm     *TokenManager
}

// NewService wires the session manager to its stores and token signer.
func NewService(users UserStore, tokens TokenStore, tm *TokenManager) *Service {
	return &Service{users: users, tokens: tokens, tm: tm}
}

// LoginResult carries a freshly minted token pair and the identity summary.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	SessionID    uuid.UUID
	IsNewUser    bool
	User         model.User
}

// CompleteLogin runs after a successful OTP verification: it creates or
// updates the identity record, starts a new session, and mints a token pair.
// Any previously issued refresh token is dead from this point on.
func (s *Service) CompleteLogin(ctx context.Context, phone, displayName string) (*LoginResult, error) {
	user, err := s.users.GetByPhone(ctx, phone)
	isNew := false
	switch {
	case errors.Is(err, repo.ErrNotFound):
		user, err = s.users.Create(ctx, phone, displayName, model.RoleUser)
		if err != nil {
			return nil, fmt.Errorf("create user: %w", err)
		}
		isNew = true
	case err != nil:
		return nil, fmt.Errorf("lookup user: %w", err)
	default:
		if !user.Verified {
			if err := s.users.MarkVerified(ctx, user.ID); err != nil {
				return nil, fmt.Errorf("mark verified: %w", err)
			}
			user.Verified = true
		}
		if displayName != "" {
			// Last write wins.
			if err := s.users.SetDisplayName(ctx, user.ID, displayName); err != nil {
				return nil, fmt.Errorf("set display name: %w", err)
			}
			user.DisplayName = displayName
		}
	}

	sessionID := uuid.New()
	if err := s.users.SetActiveSession(ctx, user.ID, sessionID); err != nil {
		return nil, fmt.Errorf("set active session: %w", err)
	}
	// Replace the refresh-token set with the single new entry.
	if err := s.tokens.DeleteAllForUser(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("clear refresh tokens: %w", err)
	}
	user.ActiveSessionID = &sessionID

	access, refresh, entry, err := s.mintPair(user, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sessionID,
		IsNewUser:    isNew,
		User:         user,
	}, nil
}

// Refresh exchanges a still-valid refresh token for a new pair without
// re-running OTP. The presented token is rotated out; replaying it later
// trips reuse detection and revokes the whole account's sessions.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	claims, err := s.tm.ParseRefresh(refreshToken)
	if err != nil {
		// Malformed and expired deliberately collapse into one signal.
		return nil, ErrTokenInvalid
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	entry, err := s.tokens.FindByHash(ctx, user.ID, HashToken(refreshToken))
	if errors.Is(err, repo.ErrNotFound) {
		// A well-formed, unexpired token with no record was rotated away
		// or the session was reset: treat the presenter as hostile and
		// revoke everything rather than trusting them.
		if err := s.tokens.DeleteAllForUser(ctx, user.ID); err != nil {
			return nil, fmt.Errorf("revoke refresh tokens: %w", err)
		}
		if err := s.users.ClearActiveSession(ctx, user.ID); err != nil {
			return nil, fmt.Errorf("clear active session: %w", err)
		}
		return nil, ErrTokenRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("find refresh token: %w", err)
	}

	if user.ActiveSessionID == nil || entry.SessionID != *user.ActiveSessionID {
		// Another device logged in since this token was issued. The record
		// is already consistent; nothing to revoke.
		return nil, ErrSessionSuperseded
	}

	if time.Now().After(entry.ExpiresAt) {
		if err := s.tokens.DeleteByID(ctx, entry.ID); err != nil {
			return nil, fmt.Errorf("drop expired token: %w", err)
		}
		return nil, ErrTokenExpired
	}

	// Rotate: the presented entry goes away before its replacement lands.
	if err := s.tokens.DeleteByID(ctx, entry.ID); err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	access, refresh, next, err := s.mintPair(user, entry.SessionID)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Insert(ctx, next); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &LoginResult{
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    entry.SessionID,
		User:         user,
	}, nil
}

// Logout drops every refresh token and clears the active session. Idempotent.
func (s *Service) Logout(ctx context.Context, userID uuid.UUID) error {
	if err := s.tokens.DeleteAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	if err := s.users.ClearActiveSession(ctx, userID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("clear active session: %w", err)
	}
	return nil
}

func (s *Service) mintPair(user model.User, sessionID uuid.UUID) (access, refresh string, entry model.RefreshToken, err error) {
	access, err = s.tm.SignAccess(user.ID, user.Role, sessionID)
	if err != nil {
		return "", "", model.RefreshToken{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err = s.tm.SignRefresh(user.ID, user.Role, sessionID)
	if err != nil {
		return "", "", model.RefreshToken{}, fmt.Errorf("sign refresh token: %w", err)
	}

	now := time.Now()
	entry = model.RefreshToken{
		ID:        uuid.New(),
		UserID:    user.ID,
		TokenHash: HashToken(refresh),
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.tm.RefreshTTL()),
	}
	return access, refresh, entry, nil
}
