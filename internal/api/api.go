// Package api holds the JSON and multipart wire format shared by the HTTP boundary and the
// uploader agent, plus conversions from domain types.
package api

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/backup-keeper/internal/model"
)

// Routes.
const (
	PathUpload   = "/api/backups/upload"
	PathFailures = "/api/backups/failures"
	PathBackups  = "/api/backups"
	PathStats    = "/api/backups/stats"
)

// GrantsPath returns the grant request route for an artifact.
func GrantsPath(id uuid.UUID) string { return "/api/backups/" + id.String() + "/grants" }

// StreamPath returns the redemption route for an artifact.
func StreamPath(id uuid.UUID) string { return "/backups/" + id.String() + "/stream" }

// Multipart upload fields. Text fields must precede FieldFile.
const (
	FieldDatabase    = "database_name"
	FieldStartedAt   = "backup_started_at"
	FieldCompletedAt = "backup_completed_at"
	FieldDuration    = "duration_seconds"
	FieldChecksum    = "checksum_sha256"
	FieldSize        = "file_size_bytes"
	FieldFile        = "backup_file"
)

// StatusOK and StatusError are the values of the "status" member of every JSON body.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// UploadResponse acknowledges an upload or failure report.
type UploadResponse struct {
	Status   string    `json:"status"`
	BackupID uuid.UUID `json:"backup_id"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// FailureRequest reports a backup run that produced no file.
type FailureRequest struct {
	DatabaseName      string    `json:"database_name"`
	BackupStartedAt   time.Time `json:"backup_started_at"`
	BackupCompletedAt time.Time `json:"backup_completed_at"`
	DurationSeconds   int64     `json:"duration_seconds"`
	Reason            string    `json:"reason"`
}

// GrantRequest optionally overrides the grant lifetime.
type GrantRequest struct {
	TTLSeconds int64 `json:"ttl_seconds,omitempty"`
}

// GrantResponse carries a freshly issued grant. The token is shown only here.
type GrantResponse struct {
	URL        string    `json:"url"`
	ArtifactID uuid.UUID `json:"artifact_id"`
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Backup is one listed artifact.
type Backup struct {
	ID                uuid.UUID `json:"id"`
	ServerName        string    `json:"server_name"`
	DatabaseName      string    `json:"database_name"`
	Status            string    `json:"status"`
	SizeBytes         int64     `json:"size_bytes"`
	ChecksumSHA256    string    `json:"checksum_sha256,omitempty"`
	BackupStartedAt   time.Time `json:"backup_started_at"`
	BackupCompletedAt time.Time `json:"backup_completed_at"`
	DurationSeconds   int64     `json:"duration_seconds"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// ListResponse is the body of a listing.
type ListResponse struct {
	Backups []Backup `json:"backups"`
	Count   int      `json:"count"`
}

// StatsResponse summarises group storage.
type StatsResponse struct {
	ArtifactCount int64 `json:"artifact_count"`
	FailedCount   int64 `json:"failed_count"`
	TotalBytes    int64 `json:"total_bytes"`
}

// ToBackup converts a listing row.
func ToBackup(v model.ArtifactView) Backup {
	return Backup{
		ID:                v.ID,
		ServerName:        v.ServerName,
		DatabaseName:      v.DBName,
		Status:            string(v.Status),
		SizeBytes:         v.SizeBytes,
		ChecksumSHA256:    v.ChecksumSHA256,
		BackupStartedAt:   v.BackupStartedAt,
		BackupCompletedAt: v.BackupCompletedAt,
		DurationSeconds:   v.DurationSeconds,
		FailureReason:     v.FailureReason,
		CreatedAt:         v.CreatedAt,
	}
}

// ToListResponse converts a listing. The slice is never nil so clients see [].
func ToListResponse(views []model.ArtifactView) ListResponse {
	out := make([]Backup, 0, len(views))
	for _, v := range views {
		out = append(out, ToBackup(v))
	}
	return ListResponse{Backups: out, Count: len(out)}
}

// ToGrantResponse converts an issued grant.
func ToGrantResponse(ref model.GrantRef) GrantResponse {
	return GrantResponse{URL: ref.URL, ArtifactID: ref.ArtifactID, Token: ref.Token, ExpiresAt: ref.ExpiresAt}
}

// ToStatsResponse converts storage stats.
func ToStatsResponse(s model.StorageStats) StatsResponse {
	return StatsResponse{ArtifactCount: s.ArtifactCount, FailedCount: s.FailedCount, TotalBytes: s.TotalBytes}
}

// FromFailureRequest converts a failure report body.
func FromFailureRequest(r FailureRequest) model.FailureReport {
	return model.FailureReport{
		DBName:            r.DatabaseName,
		BackupStartedAt:   r.BackupStartedAt,
		BackupCompletedAt: r.BackupCompletedAt,
		DurationSeconds:   r.DurationSeconds,
		Reason:            r.Reason,
	}
}
