package model

import (
	"time"

	"github.com/google/uuid"
)

// Roles assignable to a user. New accounts start as RoleUser.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the durable identity record, one per phone number. It is created
// lazily on the first successful OTP verification and never hard-deleted here.
type User struct {
	ID              uuid.UUID
	PhoneNumber     string
	DisplayName     string
	Role            string
	Verified        bool
	ActiveSessionID *uuid.UUID
	CreatedAt       time.Time
}

// RefreshToken is one entry of a user's refresh-token set. Only entries whose
// SessionID matches the user's ActiveSessionID are live; everything else is
// logically dead even before it is physically removed.
type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	SessionID uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
}
