package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns SHA-256 hex of the token string. Refresh tokens are
// persisted only as hashes; a database leak must not yield usable tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
