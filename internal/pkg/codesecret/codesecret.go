// Package codesecret generates, hashes and verifies numeric validation codes.
package codesecret

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCost is the bcrypt cost used for stored codes
	DefaultCost = 10
)

var ErrInvalidLength = errors.New("code length must be positive")

// Generate returns a cryptographically secure numeric code of the given length
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}

	var b strings.Builder
	b.Grow(length)
	ten := big.NewInt(10)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// Hash hashes a code using bcrypt.
// Costs below bcrypt.MinCost are raised to it.
func Hash(code string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// Verify compares a submitted code with a stored hash in constant time
func Verify(code, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code))
	return err == nil
}

// IsNumeric reports whether s has exactly length ASCII digits
func IsNumeric(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
