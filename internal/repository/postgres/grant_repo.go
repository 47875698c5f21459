package postgres

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/model"
)

// GrantRepo implements GrantRepository using PostgreSQL.
type GrantRepo struct{ db *DB }

// NewGrantRepo constructs a grant repository.
func NewGrantRepo(db *DB) *GrantRepo { return &GrantRepo{db: db} }

// Create inserts a grant row.
func (r *GrantRepo) Create(ctx context.Context, g *model.Grant) error {
	const q = `
INSERT INTO grants (id, artifact_id, token_hash, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, g.ID, g.ArtifactID, g.TokenHash, g.IssuedAt, g.ExpiresAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// ExpireLive closes every live grant of the artifact at now.
func (r *GrantRepo) ExpireLive(ctx context.Context, artifactID uuid.UUID, now time.Time) (int64, error) {
	const q = `
UPDATE grants SET expires_at=$2
WHERE artifact_id=$1 AND consumed_at IS NULL AND expires_at > $2`
	tag, err := r.db.Pool.Exec(ctx, q, artifactID, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Consume is the single conditional update that makes redemption at-most-once.
func (r *GrantRepo) Consume(ctx context.Context, artifactID uuid.UUID, tokenHash []byte, now time.Time) (*model.Grant, error) {
	const q = `
UPDATE grants SET consumed_at=$3
WHERE artifact_id=$1 AND token_hash=$2 AND consumed_at IS NULL AND expires_at >= $3
RETURNING id, artifact_id, token_hash, issued_at, expires_at, consumed_at`
	g, err := scanGrant(r.db.Pool.QueryRow(ctx, q, artifactID, tokenHash, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return g, err
}

// Find prefers the row whose hash matches; any other row only proves the artifact has grants.
func (r *GrantRepo) Find(ctx context.Context, artifactID uuid.UUID, tokenHash []byte) (*model.Grant, error) {
	const q = `
SELECT id, artifact_id, token_hash, issued_at, expires_at, consumed_at
FROM grants WHERE artifact_id=$1
ORDER BY (token_hash = $2) DESC
LIMIT 1`
	g, err := scanGrant(r.db.Pool.QueryRow(ctx, q, artifactID, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrGrantNotFound
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare(g.TokenHash, tokenHash) != 1 {
		return nil, errs.ErrTokenMismatch
	}
	return g, nil
}

// Prune deletes grants that expired before cutoff.
func (r *GrantRepo) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM grants WHERE expires_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanGrant(row pgx.Row) (*model.Grant, error) {
	var g model.Grant
	if err := row.Scan(&g.ID, &g.ArtifactID, &g.TokenHash, &g.IssuedAt, &g.ExpiresAt, &g.ConsumedAt); err != nil {
		return nil, err
	}
	return &g, nil
}
