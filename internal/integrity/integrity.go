// Package integrity verifies uploaded bytes against a declared SHA-256 digest in a single pass.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/and161185/backup-keeper/internal/errs"
)

// HexLen is the length of a hex-encoded SHA-256 digest.
const HexLen = sha256.Size * 2

// Digest is a parsed, lowercase hex SHA-256 digest.
type Digest string

// ParseDigest validates a declared digest: exactly 64 hex characters, any case.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if len(s) != HexLen {
		return "", fmt.Errorf("%w: want %d hex chars, got %d", errs.ErrInvalidDigestFormat, HexLen, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrInvalidDigestFormat, err)
	}
	return Digest(strings.ToLower(s)), nil
}

// Verifier hashes bytes as they flow to their final location and compares the result
// with the declared digest once the stream ends.
type Verifier struct {
	declared Digest
	h        hash.Hash
	n        int64
}

// NewVerifier returns a verifier for the declared digest.
func NewVerifier(declared Digest) *Verifier {
	return &Verifier{declared: declared, h: sha256.New()}
}

// Reader wraps r so that every byte read is also hashed.
func (v *Verifier) Reader(r io.Reader) io.Reader {
	return io.TeeReader(r, hashCounter{v})
}

// Sum returns the hex digest of the bytes seen so far.
func (v *Verifier) Sum() string { return hex.EncodeToString(v.h.Sum(nil)) }

// Count returns the number of bytes hashed so far.
func (v *Verifier) Count() int64 { return v.n }

// Verify compares the computed digest with the declared one.
func (v *Verifier) Verify() error {
	if got := v.Sum(); got != string(v.declared) {
		return fmt.Errorf("%w: declared %s, computed %s", errs.ErrIntegrityMismatch, v.declared, got)
	}
	return nil
}

type hashCounter struct{ v *Verifier }

func (w hashCounter) Write(p []byte) (int, error) {
	w.v.n += int64(len(p))
	return w.v.h.Write(p)
}

// SumReader hashes r to EOF in 64 KiB chunks and returns the hex digest and byte count.
func SumReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.CopyBuffer(h, r, make([]byte, 64*1024))
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
