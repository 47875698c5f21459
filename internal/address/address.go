// Package address derives filesystem-safe, hierarchical storage addresses for backup artifacts.
package address

import (
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/and161185/backup-keeper/internal/errs"
)

const (
	// TimestampLayout is the second-resolution completion timestamp used in file names.
	TimestampLayout = "20060102_150405"
	// Extension is appended to every derived file name.
	Extension = ".bak"

	maxSegmentLen = 100
)

// Derive returns "<server>/<database>/<YYYYMMDD_HHMMSS>_<stem>.bak".
// The same inputs (timestamp truncated to the second) always yield the same address.
func Derive(serverName, dbName string, completedAt time.Time, filename string) (string, error) {
	srv := Slug(serverName)
	if srv == "" {
		return "", fmt.Errorf("server name %q: %w", serverName, errs.ErrInvalidAddressInput)
	}
	db := Slug(dbName)
	if db == "" {
		return "", fmt.Errorf("database name %q: %w", dbName, errs.ErrInvalidAddressInput)
	}
	stem := Slug(Stem(filename))
	if stem == "" {
		return "", fmt.Errorf("file name %q: %w", filename, errs.ErrInvalidAddressInput)
	}
	if completedAt.IsZero() {
		return "", fmt.Errorf("completion timestamp: %w", errs.ErrInvalidAddressInput)
	}

	name := completedAt.UTC().Format(TimestampLayout) + "_" + stem + Extension
	return path.Join(srv, db, name), nil
}

// Stem returns the file name without directories and without its last extension.
// Both slash styles are treated as separators since uploaders run on Windows too.
func Stem(filename string) string {
	base := filename
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug lowercases s, folds accented letters to ASCII and collapses every run of other
// characters into a single '-'. The result never contains '.', '/' or '\'.
func Slug(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}

	out := strings.TrimRight(b.String(), "-")
	if len(out) > maxSegmentLen {
		out = strings.TrimRight(out[:maxSegmentLen], "-")
	}
	return out
}
