package address

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/backup-keeper/internal/errs"
)

func TestDerive_Layout(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 11, 26, 8, 56, 28, 0, time.UTC)
	got, err := Derive("SQL Prod #1", "Sales_DB", ts, "sales_full.bak")
	require.NoError(t, err)
	require.Equal(t, "sql-prod-1/sales-db/20251126_085628_sales-full.bak", got)
}

func TestDerive_DeterministicToTheSecond(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 1, 2, 3, 4, 5, 100, time.UTC)
	a, err := Derive("srv", "db", ts, "x.bak")
	require.NoError(t, err)
	b, err := Derive("srv", "db", ts.Add(800*time.Millisecond), "x.bak")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Derive("srv", "db", ts.Add(time.Second), "x.bak")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestDerive_UsesUTC(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+3", 3*60*60)
	local := time.Date(2025, 1, 2, 3, 0, 0, 0, loc)
	got, err := Derive("srv", "db", local, "x.bak")
	require.NoError(t, err)
	require.Equal(t, "srv/db/20250102_000000_x.bak", got)
}

func TestDerive_DifferentDatabasesNeverCollide(t *testing.T) {
	t.Parallel()

	ts := time.Now()
	seen := map[string]string{}
	for _, db := range []string{"orders", "orders2", "billing", "hr", "Orders-Archive"} {
		addr, err := Derive("srv", db, ts, "daily.bak")
		require.NoError(t, err)
		if prev, ok := seen[addr]; ok {
			t.Fatalf("collision between %q and %q: %s", prev, db, addr)
		}
		seen[addr] = db
		require.True(t, strings.HasPrefix(addr, "srv/"+Slug(db)+"/"))
	}
}

func TestDerive_EmptySegments(t *testing.T) {
	t.Parallel()

	ts := time.Now()
	cases := []struct {
		name, server, db, file string
		zeroTime               bool
	}{
		{name: "server", server: "!!!", db: "db", file: "a.bak"},
		{name: "db", server: "srv", db: " / ", file: "a.bak"},
		{name: "file", server: "srv", db: "db", file: "....bak"},
		{name: "only dots", server: "..", db: "db", file: "a.bak"},
		{name: "zero time", server: "srv", db: "db", file: "a.bak", zeroTime: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			at := ts
			if tc.zeroTime {
				at = time.Time{}
			}
			_, err := Derive(tc.server, tc.db, at, tc.file)
			require.ErrorIs(t, err, errs.ErrInvalidAddressInput)
		})
	}
}

func TestDerive_TraversalInputsAreNeutralised(t *testing.T) {
	t.Parallel()

	addr, err := Derive("../../etc", `..\..\windows`, time.Now(), "../../passwd")
	require.NoError(t, err)
	require.NotContains(t, addr, "..")
	require.NotContains(t, addr, `\`)
	require.Len(t, strings.Split(addr, "/"), 3)
}

func TestSlug(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Hello World":    "hello-world",
		"  trim--me  ":   "trim-me",
		"Crème Brûlée":   "creme-brulee",
		"ÄÖÜ_äöü":        "aou-aou",
		"db.name.with.x": "db-name-with-x",
		"日本":             "",
		"":               "",
	}
	for in, want := range cases {
		require.Equal(t, want, Slug(in), "slug(%q)", in)
	}

	long := strings.Repeat("ab-", 100)
	require.LessOrEqual(t, len(Slug(long)), maxSegmentLen)
	require.False(t, strings.HasSuffix(Slug(long), "-"))
}

func TestStem(t *testing.T) {
	t.Parallel()

	require.Equal(t, "backup", Stem("backup.bak"))
	require.Equal(t, "backup.full", Stem("dir/backup.full.bak"))
	require.Equal(t, "backup", Stem(`C:\temp\backup.bak`))
	require.Equal(t, ".hidden", Stem(".hidden"))
	require.Equal(t, "noext", Stem("noext"))
}
