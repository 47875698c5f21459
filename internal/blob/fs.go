package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/backup-keeper/internal/errs"
)

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// FS stores artifacts as files under a private root directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed and returns a filesystem store.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root path: %w", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("create root directory: %w", err)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute root path.
func (s *FS) Root() string { return s.root }

// resolve maps a relative address to an absolute path that stays within the root.
func (s *FS) resolve(address string) (string, error) {
	if err := ValidateAddress(address); err != nil {
		return "", err
	}
	abs := filepath.Join(s.root, filepath.FromSlash(address))
	if !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("address %q escapes storage root: %w", address, errs.ErrInvalidAddressInput)
	}
	return abs, nil
}

// Put creates the file exclusively and streams r into it.
func (s *FS) Put(ctx context.Context, address string, r io.Reader, expectedSize int64) (written int64, err error) {
	if expectedSize < 0 {
		return 0, fmt.Errorf("negative size %d: %w", expectedSize, errs.ErrInvalidRequest)
	}
	path, err := s.resolve(address)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return 0, fmt.Errorf("create artifact directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, fmt.Errorf("%s: %w", address, errs.ErrAddressCollision)
		}
		return 0, fmt.Errorf("create artifact file: %w", err)
	}

	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close artifact file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	written, err = limitedCopy(ctx, f, r, expectedSize)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, io.ErrUnexpectedEOF) {
			return written, fmt.Errorf("%w: upload aborted after %d bytes: %v", errs.ErrSizeMismatch, written, err)
		}
		return written, fmt.Errorf("write artifact: %w", err)
	}
	if written != expectedSize {
		return written, sizeMismatch(written, expectedSize)
	}
	if err = f.Sync(); err != nil {
		return written, fmt.Errorf("sync artifact: %w", err)
	}
	return written, nil
}

// Open opens the artifact file for sequential reading.
func (s *FS) Open(_ context.Context, address string) (io.ReadCloser, error) {
	path, err := s.resolve(address)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", address, errs.ErrArtifactNotFound)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// Delete removes the artifact file; a missing file is fine.
func (s *FS) Delete(_ context.Context, address string) error {
	path, err := s.resolve(address)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
