package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes. Access and refresh tokens are signed with distinct secrets
// and carry an explicit purpose claim, so a leaked access token can never be
// replayed as a refresh token and vice versa.
const (
	purposeAccess  = "access"
	purposeRefresh = "refresh"
)

// Claims carried by both token kinds.
type Claims struct {
	UserID    uuid.UUID `json:"sub"`
	Role      string    `json:"role"`
	SessionID uuid.UUID `json:"sid"`
	Purpose   string    `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies the bearer credentials.
type TokenManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

// NewTokenManager creates a TokenManager with separate secrets per purpose.
func NewTokenManager(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *TokenManager {
	return &TokenManager{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
	}
}

// RefreshTTL is the lifetime stamped on refresh tokens.
func (m *TokenManager) RefreshTTL() time.Duration { return m.refreshTTL }

// SignAccess mints a short-lived access token.
func (m *TokenManager) SignAccess(userID uuid.UUID, role string, sessionID uuid.UUID) (string, error) {
	return m.sign(purposeAccess, m.accessSecret, m.accessTTL, userID, role, sessionID)
}

// SignRefresh mints a refresh token.
func (m *TokenManager) SignRefresh(userID uuid.UUID, role string, sessionID uuid.UUID) (string, error) {
	return m.sign(purposeRefresh, m.refreshSecret, m.refreshTTL, userID, role, sessionID)
}

func (m *TokenManager) sign(purpose string, secret []byte, ttl time.Duration, userID uuid.UUID, role string, sessionID uuid.UUID) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:    userID,
		Role:      role,
		SessionID: sessionID,
		Purpose:   purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", purpose, err)
	}
	return signed, nil
}

// ParseAccess verifies an access token and returns its claims.
func (m *TokenManager) ParseAccess(tokenString string) (*Claims, error) {
	return m.parse(tokenString, purposeAccess, m.accessSecret)
}

// ParseRefresh verifies a refresh token and returns its claims.
func (m *TokenManager) ParseRefresh(tokenString string) (*Claims, error) {
	return m.parse(tokenString, purposeRefresh, m.refreshSecret)
}

func (m *TokenManager) parse(tokenString, purpose string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Purpose != purpose {
		return nil, fmt.Errorf("wrong token purpose")
	}
	return claims, nil
}
