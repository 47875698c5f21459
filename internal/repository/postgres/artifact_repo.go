package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/model"
)

// ArtifactRepo implements ArtifactRepository using PostgreSQL.
type ArtifactRepo struct{ db *DB }

// NewArtifactRepo constructs an artifact repository.
func NewArtifactRepo(db *DB) *ArtifactRepo { return &ArtifactRepo{db: db} }

const artifactColumns = `a.id, a.server_id, a.db_name, COALESCE(a.storage_address, ''), a.size_bytes,
a.checksum_sha256, a.backup_started_at, a.backup_completed_at, a.duration_seconds, a.status,
COALESCE(a.failure_reason, ''), a.created_at`

// ReserveAddress inserts the address reservation row.
func (r *ArtifactRepo) ReserveAddress(ctx context.Context, address string, artifactID uuid.UUID) error {
	const q = `INSERT INTO artifact_addresses (address, artifact_id) VALUES ($1, $2)`
	_, err := r.db.Pool.Exec(ctx, q, address, artifactID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", address, errs.ErrAddressCollision)
	}
	return err
}

// ReleaseAddress removes a reservation, but only while no artifact record uses it.
func (r *ArtifactRepo) ReleaseAddress(ctx context.Context, address string, artifactID uuid.UUID) error {
	const q = `
DELETE FROM artifact_addresses
WHERE address=$1 AND artifact_id=$2
  AND NOT EXISTS (SELECT 1 FROM artifacts WHERE id=$2)`
	_, err := r.db.Pool.Exec(ctx, q, address, artifactID)
	return err
}

// Create inserts an artifact row. Empty address and reason are stored as NULL.
func (r *ArtifactRepo) Create(ctx context.Context, a *model.Artifact) error {
	const q = `
INSERT INTO artifacts (id, server_id, db_name, storage_address, size_bytes, checksum_sha256,
  backup_started_at, backup_completed_at, duration_seconds, status, failure_reason)
VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, NULLIF($11, ''))
RETURNING created_at`
	err := r.db.Pool.QueryRow(ctx, q,
		a.ID, a.ServerID, a.DBName, a.StorageAddress, a.SizeBytes, a.ChecksumSHA256,
		a.BackupStartedAt, a.BackupCompletedAt, a.DurationSeconds, string(a.Status), a.FailureReason,
	).Scan(&a.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("artifact %s: %w", a.ID, errs.ErrAlreadyExists)
	}
	return err
}

// GetByID selects an artifact by ID.
func (r *ArtifactRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Artifact, error) {
	q := `SELECT ` + artifactColumns + ` FROM artifacts a WHERE a.id=$1`
	var a model.Artifact
	if err := scanArtifact(r.db.Pool.QueryRow(ctx, q, id), &a); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// List returns the group's artifacts matching f, newest completion first.
func (r *ArtifactRepo) List(ctx context.Context, f model.ArtifactFilter) ([]model.ArtifactView, error) {
	where := []string{"s.group_id = $1"}
	args := []any{f.GroupID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ServerName != "" {
		add("s.name = $%d", f.ServerName)
	}
	if f.DBName != "" {
		add("a.db_name = $%d", f.DBName)
	}
	if f.CompletedFrom != nil {
		add("a.backup_completed_at >= $%d", *f.CompletedFrom)
	}
	if f.CompletedUntil != nil {
		add("a.backup_completed_at <= $%d", *f.CompletedUntil)
	}
	args = append(args, f.Limit)

	q := `SELECT ` + artifactColumns + `, s.name
FROM artifacts a JOIN servers s ON s.id = a.server_id
WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(`
ORDER BY a.backup_completed_at DESC, a.id
LIMIT $%d`, len(args))

	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ArtifactView
	for rows.Next() {
		var v model.ArtifactView
		if err := scanArtifact(rows, &v.Artifact, &v.ServerName); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Stats aggregates the group's artifacts.
func (r *ArtifactRepo) Stats(ctx context.Context, groupID int64) (model.StorageStats, error) {
	const q = `
SELECT
  COUNT(*) FILTER (WHERE a.status = 'succeeded'),
  COUNT(*) FILTER (WHERE a.status = 'failed'),
  COALESCE(SUM(a.size_bytes) FILTER (WHERE a.status = 'succeeded'), 0)::bigint
FROM artifacts a JOIN servers s ON s.id = a.server_id
WHERE s.group_id = $1`
	var st model.StorageStats
	if err := r.db.Pool.QueryRow(ctx, q, groupID).Scan(&st.ArtifactCount, &st.FailedCount, &st.TotalBytes); err != nil {
		return model.StorageStats{}, err
	}
	return st, nil
}

func scanArtifact(row pgx.Row, a *model.Artifact, extra ...any) error {
	var status string
	dest := []any{
		&a.ID, &a.ServerID, &a.DBName, &a.StorageAddress, &a.SizeBytes,
		&a.ChecksumSHA256, &a.BackupStartedAt, &a.BackupCompletedAt, &a.DurationSeconds, &status,
		&a.FailureReason, &a.CreatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	a.Status = model.ArtifactStatus(status)
	return nil
}
