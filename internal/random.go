// Package internal holds crypto helpers shared by the engine and its stores.
package internal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// NewSecret returns 32 bytes of CSPRNG output, used as a per-account HMAC
// key for verification codes.
func NewSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random secret: %w", err)
	}
	return b, nil
}

// NewOTP returns a random numeric code of exactly digits characters,
// left-padded with zeros. Uses crypto/rand; modulo bias is avoided by
// drawing uniformly from [0, 10^digits).
func NewOTP(digits int) (string, error) {
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("read random otp: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// HashCode computes HMAC-SHA256(code) under the account's verification
// secret. The raw code is never persisted.
func HashCode(secret []byte, code string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(code))
	return mac.Sum(nil)
}
