// Package blob persists artifact bytes under derived addresses and streams them back.
package blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/and161185/backup-keeper/internal/errs"
)

// Store owns artifact bytes and the address-to-bytes mapping.
type Store interface {
	// Put writes r to address. It never overwrites: an existing address yields
	// errs.ErrAddressCollision. If the number of bytes differs from expectedSize,
	// or the stream is aborted, partial bytes are removed and errs.ErrSizeMismatch returned.
	Put(ctx context.Context, address string, r io.Reader, expectedSize int64) (int64, error)

	// Open returns a sequential reader. Missing bytes yield errs.ErrArtifactNotFound.
	Open(ctx context.Context, address string) (io.ReadCloser, error)

	// Delete removes the bytes at address. Absence is not an error.
	Delete(ctx context.Context, address string) error
}

// ValidateAddress rejects addresses that could escape the storage root: absolute paths,
// backslashes, empty segments and "." or ".." segments.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("empty address: %w", errs.ErrInvalidAddressInput)
	}
	if strings.HasPrefix(address, "/") || strings.ContainsAny(address, "\\\x00") {
		return fmt.Errorf("address %q: %w", address, errs.ErrInvalidAddressInput)
	}
	for _, seg := range strings.Split(address, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("address %q: %w", address, errs.ErrInvalidAddressInput)
		}
	}
	return nil
}

// ctxReader fails reads once ctx is done so that an aborted upload stops promptly.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// limitedCopy copies at most expected+1 bytes so that oversize streams are detected
// without draining them.
func limitedCopy(ctx context.Context, w io.Writer, r io.Reader, expected int64) (int64, error) {
	return io.Copy(w, io.LimitReader(ctxReader{ctx: ctx, r: r}, expected+1))
}

func sizeMismatch(written, expected int64) error {
	return fmt.Errorf("%w: wrote %d bytes, declared %d", errs.ErrSizeMismatch, written, expected)
}
