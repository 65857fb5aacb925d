// Package credentials issues and hashes the legacy studio join password.
//
// Join passwords are deprecated in favour of invite links. They are only ever
// issued to an admin once and stored hashed; nothing verifies them.
package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/platinummonkey/kiln/pkg/studio"
)

const (
	// SaltBytes is the random salt size before hex encoding
	SaltBytes = 16
	// KeyBytes is the derived key size before hex encoding
	KeyBytes = 64

	scryptN = 16384
	scryptR = 8
	scryptP = 1
)

// Generate returns a random URL-safe string of exactly length characters
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive, got %d", length)
	}

	// 3 bytes encode to 4 characters
	buf := make([]byte, (length*3+3)/4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:length], nil
}

// Hash derives an scrypt hash of password under a fresh random salt
func Hash(password string) (studio.JoinPassword, error) {
	salt := make([]byte, SaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return studio.JoinPassword{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)

	key, err := derive(password, saltHex)
	if err != nil {
		return studio.JoinPassword{}, err
	}

	return studio.JoinPassword{
		Hash:      key,
		Salt:      saltHex,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// derive keys scrypt with the hex salt text
func derive(password, saltHex string) (string, error) {
	key, err := scrypt.Key([]byte(password), []byte(saltHex), scryptN, scryptR, scryptP, KeyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
