package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/model"
)

var grantCols = []string{"id", "artifact_id", "token_hash", "issued_at", "expires_at", "consumed_at"}

func TestGrantRepo_Create(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	now := time.Now().UTC()
	g := &model.Grant{
		ID:         uuid.Must(uuid.NewV4()),
		ArtifactID: uuid.Must(uuid.NewV4()),
		TokenHash:  []byte("hash"),
		IssuedAt:   now,
		ExpiresAt:  now.Add(15 * time.Minute),
	}

	mock.ExpectExec(`INSERT INTO grants \(id, artifact_id, token_hash, issued_at, expires_at\) VALUES \(\$1, \$2, \$3, \$4, \$5\)`).
		WithArgs(g.ID, g.ArtifactID, g.TokenHash, g.IssuedAt, g.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(context.Background(), g))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepo_ExpireLive(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	art := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE grants SET expires_at=\$2 WHERE artifact_id=\$1 AND consumed_at IS NULL AND expires_at > \$2`).
		WithArgs(art, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	n, err := r.ExpireLive(context.Background(), art, now)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestGrantRepo_Consume(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	ctx := context.Background()
	art := uuid.Must(uuid.NewV4())
	id := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()
	hash := []byte("hash")
	const q = `UPDATE grants SET consumed_at=\$3 WHERE artifact_id=\$1 AND token_hash=\$2 AND consumed_at IS NULL AND expires_at >= \$3 RETURNING`

	mock.ExpectQuery(q).WithArgs(art, hash, now).
		WillReturnRows(pgxmock.NewRows(grantCols).AddRow(id, art, hash, now.Add(-time.Minute), now.Add(time.Minute), &now))
	g, err := r.Consume(ctx, art, hash, now)
	require.NoError(t, err)
	require.Equal(t, id, g.ID)
	require.True(t, g.Consumed())

	mock.ExpectQuery(q).WithArgs(art, hash, now).WillReturnError(pgx.ErrNoRows)
	_, err = r.Consume(ctx, art, hash, now)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepo_Find(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	ctx := context.Background()
	art := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()
	const q = `FROM grants WHERE artifact_id=\$1 ORDER BY \(token_hash = \$2\) DESC LIMIT 1`

	mock.ExpectQuery(q).WithArgs(art, []byte("want")).
		WillReturnRows(pgxmock.NewRows(grantCols).AddRow(uuid.Must(uuid.NewV4()), art, []byte("want"), now, now, (*time.Time)(nil)))
	g, err := r.Find(ctx, art, []byte("want"))
	require.NoError(t, err)
	require.False(t, g.Consumed())

	mock.ExpectQuery(q).WithArgs(art, []byte("want")).
		WillReturnRows(pgxmock.NewRows(grantCols).AddRow(uuid.Must(uuid.NewV4()), art, []byte("other"), now, now, (*time.Time)(nil)))
	_, err = r.Find(ctx, art, []byte("want"))
	require.ErrorIs(t, err, errs.ErrTokenMismatch)

	mock.ExpectQuery(q).WithArgs(art, []byte("want")).WillReturnError(pgx.ErrNoRows)
	_, err = r.Find(ctx, art, []byte("want"))
	require.ErrorIs(t, err, errs.ErrGrantNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantRepo_Prune(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGrantRepo(db)
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	mock.ExpectExec(`DELETE FROM grants WHERE expires_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	n, err := r.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}
