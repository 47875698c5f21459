// Package events publishes artifact and grant lifecycle events.
package events

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Subjects.
const (
	SubjectArtifactStored = "backups.artifact.stored"
	SubjectArtifactFailed = "backups.artifact.failed"
	SubjectGrantIssued    = "backups.grant.issued"
	SubjectGrantRedeemed  = "backups.grant.redeemed"
)

// ArtifactEvent describes a stored or failed backup.
type ArtifactEvent struct {
	ArtifactID  uuid.UUID `json:"artifact_id"`
	ServerID    uuid.UUID `json:"server_id"`
	ServerName  string    `json:"server_name"`
	DBName      string    `json:"db_name"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	Checksum    string    `json:"checksum_sha256,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// GrantEvent describes a grant issue or redemption. It never carries the token.
type GrantEvent struct {
	GrantID    uuid.UUID `json:"grant_id,omitempty"`
	ArtifactID uuid.UUID `json:"artifact_id"`
	Subject    string    `json:"subject,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	At         time.Time `json:"at"`
}

// Publisher sends an event to subject. Implementations must not block for long:
// events are best effort and never fail the operation that produced them.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, any) error { return nil }
