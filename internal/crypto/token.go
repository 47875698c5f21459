package crypto

import (
	"crypto/sha256"
	"encoding/base64"
)

// TokenBytes is the entropy of a grant token (256 bits).
const TokenBytes = 32

// NewToken returns a fresh URL-safe grant token.
func NewToken() (string, error) {
	b, err := RandBytes(TokenBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenHash returns the SHA-256 of a raw token. Only the hash is persisted.
func TokenHash(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return h[:]
}
