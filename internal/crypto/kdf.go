package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize          = 32
	KeySize           = 32
	DefaultIterations = 480_000
)

// Derive stretches a password or recovery code into a wrapping key using
// PBKDF2-HMAC-SHA256. Deterministic for identical inputs; the iteration
// count is the cost parameter and should keep derivation in the hundreds
// of milliseconds on commodity hardware.
func Derive(secret string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(secret), salt, iterations, KeySize, sha256.New)
}

// NewSalt returns a fresh random KDF salt. Salts are not secret but must
// never be shared between installations.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// NewMasterKey generates a fresh random master key.
func NewMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// NewRecoveryCode returns a human-typable recovery code: 16 random bytes,
// base32 without padding.
func NewRecoveryCode() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}
