package auth

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is the umbrella failure for token operations. The transport
// layer maps everything below it to one generic response so callers cannot
// probe which condition applied; the specific values exist for logs and tests.
var ErrUnauthorized = errors.New("unauthorized")

var (
	// ErrTokenInvalid covers malformed tokens, bad signatures, and tokens
	// past their signed expiry. Deliberately one value for all three.
	ErrTokenInvalid = fmt.Errorf("%w: invalid token", ErrUnauthorized)
	// ErrTokenRevoked is the reuse/theft signal: a well-formed token that
	// is no longer on record. Raising it has already wiped the account's
	// sessions.
	ErrTokenRevoked = fmt.Errorf("%w: revoked, login again", ErrUnauthorized)
	// ErrSessionSuperseded means another device logged in after this
	// token was issued.
	ErrSessionSuperseded = fmt.Errorf("%w: session superseded", ErrUnauthorized)
	// ErrTokenExpired means the stored entry outlived its expiry.
	ErrTokenExpired = fmt.Errorf("%w: expired", ErrUnauthorized)
)
