// services/secrets.go - credential generation for vault entries
package services

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// RandomHex returns n random bytes as a hex string.
func RandomHex(n int) (string, error) {
	if n < 1 || n > 256 {
		return "", fmt.Errorf("random secret length must be 1..256 bytes, got %d", n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// BcryptHash produces a pre-hashed credential for services that expect one.
func BcryptHash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// HtpasswdEntry builds a user:hash line in the form the registry and reverse
// proxy consume.
func HtpasswdEntry(user, password string) (string, error) {
	h, err := BcryptHash(password)
	if err != nil {
		return "", err
	}
	return user + ":" + h, nil
}
