package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations is fixed: stored records carry no cost parameters, so the
	// count can only change together with a data migration.
	Iterations = 10000

	saltLength = 16
	keyLength  = 20
)

// ErrMismatch is the benign failure returned when a password does not match
// the stored derivation. Callers translate it to their own error shape.
var ErrMismatch = errors.New("password mismatch")

// Record is a salted PBKDF2 derivation as persisted on the user document.
type Record struct {
	Salt       string `json:"salt"`
	DerivedKey string `json:"derived_key"`
}

// Hash derives a new Record from plain with a fresh random salt.
func Hash(plain string) (Record, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Record{}, err
	}

	key := pbkdf2.Key([]byte(plain), salt, Iterations, keyLength, sha256.New)

	return Record{
		Salt:       hex.EncodeToString(salt),
		DerivedKey: hex.EncodeToString(key),
	}, nil
}

// Verify re-derives plain against rec and compares in constant time.
// It returns ErrMismatch on any failure that the caller should treat as a
// wrong password, including a malformed record.
func Verify(rec Record, plain string) error {
	if rec.Salt == "" || rec.DerivedKey == "" {
		return ErrMismatch
	}

	salt, err := hex.DecodeString(rec.Salt)
	if err != nil {
		return ErrMismatch
	}
	expected, err := hex.DecodeString(rec.DerivedKey)
	if err != nil {
		return ErrMismatch
	}

	computed := pbkdf2.Key([]byte(plain), salt, Iterations, len(expected), sha256.New)
	if subtle.ConstantTimeCompare(computed, expected) != 1 {
		return ErrMismatch
	}

	return nil
}
