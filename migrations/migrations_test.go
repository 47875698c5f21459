package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFS_ContainsGooseMigrations(t *testing.T) {
	t.Parallel()

	names, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	for _, n := range names {
		b, err := fs.ReadFile(FS, n)
		require.NoError(t, err)
		body := string(b)
		require.Contains(t, body, "-- +goose Up", n)
		require.Contains(t, body, "-- +goose Down", n)
	}

	initSQL, err := fs.ReadFile(FS, "00001_init.sql")
	require.NoError(t, err)
	for _, table := range []string{"servers", "artifacts", "artifact_addresses", "grants", "credential_limiter"} {
		require.True(t, strings.Contains(string(initSQL), "CREATE TABLE "+table+" ("), table)
	}
}
