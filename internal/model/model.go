// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// ArtifactStatus is the lifecycle state of an artifact record.
type ArtifactStatus string

// Artifact statuses.
const (
	StatusSucceeded ArtifactStatus = "succeeded"
	StatusFailed    ArtifactStatus = "failed"
)

// Artifact is a stored backup file and its metadata.
type Artifact struct {
	ID                uuid.UUID      // PK
	ServerID          uuid.UUID      // FK -> servers.id
	DBName            string         // database the backup was taken from
	StorageAddress    string         // relative path; empty for failed records
	SizeBytes         int64          // verified byte count
	ChecksumSHA256    string         // lowercase hex, 64 chars
	BackupStartedAt   time.Time      // capture window start
	BackupCompletedAt time.Time      // capture window end (>= start)
	DurationSeconds   int64          // declared by the uploader
	Status            ArtifactStatus // succeeded | failed
	FailureReason     string         // failed records only
	CreatedAt         time.Time
}

// Retrievable reports whether the artifact has bytes that may be streamed.
func (a Artifact) Retrievable() bool {
	return a.Status == StatusSucceeded && a.StorageAddress != ""
}

// Server is an uploading source. The raw upload secret is never stored.
type Server struct {
	ID         uuid.UUID // PK
	Name       string
	Host       string
	GroupID    int64  // ownership tag compared against caller groups
	KeyPrefix  string // public part of the upload credential, unique
	SecretHash []byte // Argon2id(secret, SecretSalt)
	SecretSalt []byte
	CreatedAt  time.Time
}

// Grant is a single-use retrieval capability for one artifact.
type Grant struct {
	ID         uuid.UUID
	ArtifactID uuid.UUID
	TokenHash  []byte // SHA-256 of the raw token
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time // nil until the first successful redemption
}

// Consumed reports whether the grant has been redeemed.
func (g Grant) Consumed() bool { return g.ConsumedAt != nil }

// ExpiredAt reports whether the grant is past its expiry at now.
func (g Grant) ExpiredAt(now time.Time) bool { return now.After(g.ExpiresAt) }

// GrantRef is what a caller receives when a grant is issued. Token is shown once.
type GrantRef struct {
	ArtifactID uuid.UUID
	Token      string
	ExpiresAt  time.Time
	URL        string
}

// Caller is an authenticated interactive identity passed explicitly into the core.
type Caller struct {
	Subject string
	GroupID int64
}

// UploadMeta is the declared metadata accompanying an upload.
type UploadMeta struct {
	DBName            string
	BackupStartedAt   time.Time
	BackupCompletedAt time.Time
	DurationSeconds   int64
	ChecksumSHA256    string
	SizeBytes         int64
	OriginalFilename  string
}

// FailureReport describes a backup run that produced no artifact.
type FailureReport struct {
	DBName            string
	BackupStartedAt   time.Time
	BackupCompletedAt time.Time
	DurationSeconds   int64
	Reason            string
}

// ArtifactFilter narrows artifact listings.
type ArtifactFilter struct {
	GroupID        int64
	ServerName     string
	DBName         string
	CompletedFrom  *time.Time
	CompletedUntil *time.Time
	Limit          int
}

// ArtifactView is an artifact joined with its server name for listings.
type ArtifactView struct {
	Artifact
	ServerName string
}

// StorageStats summarises stored artifacts for a group.
type StorageStats struct {
	ArtifactCount int64
	FailedCount   int64
	TotalBytes    int64
}
