// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/backup-keeper/internal/model"
)

// ServerRepository provides access to registered upload sources.
type ServerRepository interface {
	// Create inserts a new server. Duplicate name or key prefix yields errs.ErrAlreadyExists.
	Create(ctx context.Context, s *model.Server) error
	// GetByID loads a server by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Server, error)
	// GetByKeyPrefix loads the server owning an upload credential prefix.
	GetByKeyPrefix(ctx context.Context, prefix string) (*model.Server, error)
	// List returns all servers ordered by name.
	List(ctx context.Context) ([]model.Server, error)
}

// ArtifactRepository persists artifact records and the address reservations backing them.
type ArtifactRepository interface {
	// ReserveAddress claims address for artifactID. A taken address yields errs.ErrAddressCollision.
	// Reservations outlive the artifact record so an address is never handed out twice.
	ReserveAddress(ctx context.Context, address string, artifactID uuid.UUID) error
	// ReleaseAddress drops a reservation whose artifact record was never created.
	ReleaseAddress(ctx context.Context, address string, artifactID uuid.UUID) error
	// Create inserts an artifact record.
	Create(ctx context.Context, a *model.Artifact) error
	// GetByID loads an artifact by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Artifact, error)
	// List returns artifacts owned by f.GroupID, newest completion first.
	List(ctx context.Context, f model.ArtifactFilter) ([]model.ArtifactView, error)
	// Stats summarises artifacts owned by groupID.
	Stats(ctx context.Context, groupID int64) (model.StorageStats, error)
}

// GrantRepository stores retrieval grants.
type GrantRepository interface {
	// Create inserts a new grant.
	Create(ctx context.Context, g *model.Grant) error
	// ExpireLive sets expires_at=now on every unconsumed, unexpired grant of the artifact.
	ExpireLive(ctx context.Context, artifactID uuid.UUID, now time.Time) (int64, error)
	// Consume atomically marks the grant matching (artifactID, tokenHash) consumed at now,
	// provided it is unconsumed and not expired. Otherwise it returns errs.ErrNotFound and
	// changes nothing.
	Consume(ctx context.Context, artifactID uuid.UUID, tokenHash []byte, now time.Time) (*model.Grant, error)
	// Find returns the grant of the artifact whose hash equals tokenHash. If the artifact has
	// no grants it returns errs.ErrGrantNotFound; if none matches, errs.ErrTokenMismatch.
	Find(ctx context.Context, artifactID uuid.UUID, tokenHash []byte) (*model.Grant, error)
	// Prune deletes grants that expired before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}
