package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const sessionKeyBytes = 16

// URLSafeUUID returns a 128-bit random identifier encoded as unpadded
// base64url. Identifiers starting with "_" or "-" are regenerated because
// CouchDB rejects leading underscores in _users document names.
func URLSafeUUID() string {
	for {
		var raw [sessionKeyBytes]byte
		if _, err := rand.Read(raw[:]); err != nil {
			// crypto/rand never fails on supported platforms; fall back to
			// a v4 UUID rather than returning a predictable value.
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		s := base64.RawURLEncoding.EncodeToString(raw[:])
		if s[0] != '_' && s[0] != '-' {
			return s
		}
	}
}

// UserID returns a fresh 32-character lowercase hex identifier.
func UserID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IsUserID reports whether s looks like a UserID value.
func IsUserID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashToken is the deterministic one-way digest used for forgot-password
// tokens and email-verification lookups. Only the digest is ever persisted.
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
