package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/and161185/backup-keeper/internal/errs"
)

// CredentialScheme prefixes every upload credential.
const CredentialScheme = "bk"

const (
	prefixBytes = 6
	secretBytes = 24
)

// Credential is a parsed upload credential "bk_<prefix>_<secret>".
// Prefix is public and unique per server; Secret is only ever held by the uploader.
type Credential struct {
	Prefix string
	Secret string
}

// String renders the credential in its wire form.
func (c Credential) String() string {
	return CredentialScheme + "_" + c.Prefix + "_" + c.Secret
}

// NewCredential generates a fresh random credential.
func NewCredential() (Credential, error) {
	p, err := RandBytes(prefixBytes)
	if err != nil {
		return Credential{}, err
	}
	s, err := RandBytes(secretBytes)
	if err != nil {
		return Credential{}, err
	}
	return Credential{
		Prefix: hex.EncodeToString(p),
		Secret: base64.RawURLEncoding.EncodeToString(s),
	}, nil
}

// ParseCredential splits a raw credential. The secret may itself contain '_'
// (base64url alphabet), so only the first two separators are significant.
func ParseCredential(raw string) (Credential, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "_", 3)
	if len(parts) != 3 || parts[0] != CredentialScheme {
		return Credential{}, fmt.Errorf("malformed credential: %w", errs.ErrUnauthorized)
	}
	if len(parts[1]) != hex.EncodedLen(prefixBytes) || parts[2] == "" {
		return Credential{}, fmt.Errorf("malformed credential: %w", errs.ErrUnauthorized)
	}
	if _, err := hex.DecodeString(parts[1]); err != nil {
		return Credential{}, fmt.Errorf("malformed credential prefix: %w", errs.ErrUnauthorized)
	}
	return Credential{Prefix: parts[1], Secret: parts[2]}, nil
}
