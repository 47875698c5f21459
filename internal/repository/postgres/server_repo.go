package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/model"
)

// ServerRepo implements ServerRepository using PostgreSQL.
type ServerRepo struct{ db *DB }

// NewServerRepo constructs a server repository.
func NewServerRepo(db *DB) *ServerRepo { return &ServerRepo{db: db} }

const serverColumns = `id, name, host, group_id, key_prefix, secret_hash, secret_salt, created_at`

// Create inserts a new server row.
func (r *ServerRepo) Create(ctx context.Context, s *model.Server) error {
	const q = `
INSERT INTO servers (id, name, host, group_id, key_prefix, secret_hash, secret_salt)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.db.Pool.Exec(ctx, q, s.ID, s.Name, s.Host, s.GroupID, s.KeyPrefix, s.SecretHash, s.SecretSalt)
	if isUniqueViolation(err) {
		return fmt.Errorf("server %q: %w", s.Name, errs.ErrAlreadyExists)
	}
	return err
}

// GetByID selects a server by ID.
func (r *ServerRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Server, error) {
	q := `SELECT ` + serverColumns + ` FROM servers WHERE id=$1`
	return scanServer(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByKeyPrefix selects a server by its credential prefix.
func (r *ServerRepo) GetByKeyPrefix(ctx context.Context, prefix string) (*model.Server, error) {
	q := `SELECT ` + serverColumns + ` FROM servers WHERE key_prefix=$1`
	return scanServer(r.db.Pool.QueryRow(ctx, q, prefix))
}

// List returns every server ordered by name.
func (r *ServerRepo) List(ctx context.Context) ([]model.Server, error) {
	q := `SELECT ` + serverColumns + ` FROM servers ORDER BY name`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Server
	for rows.Next() {
		var s model.Server
		if err := rows.Scan(&s.ID, &s.Name, &s.Host, &s.GroupID, &s.KeyPrefix, &s.SecretHash, &s.SecretSalt, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanServer(row pgx.Row) (*model.Server, error) {
	var s model.Server
	if err := row.Scan(&s.ID, &s.Name, &s.Host, &s.GroupID, &s.KeyPrefix, &s.SecretHash, &s.SecretSalt, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}
