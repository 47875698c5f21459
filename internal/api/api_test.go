package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/backup-keeper/internal/model"
)

func TestPaths(t *testing.T) {
	t.Parallel()
	id := uuid.Must(uuid.FromString("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	require.Equal(t, "/api/backups/6ba7b810-9dad-11d1-80b4-00c04fd430c8/grants", GrantsPath(id))
	require.Equal(t, "/backups/6ba7b810-9dad-11d1-80b4-00c04fd430c8/stream", StreamPath(id))
}

func TestToListResponse_EmptyIsArray(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(ToListResponse(nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"backups":[],"count":0}`, string(b))
}

func TestToBackup_FailedRecord(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	v := model.ArtifactView{
		Artifact: model.Artifact{
			ID:                uuid.Must(uuid.NewV4()),
			DBName:            "sales",
			Status:            model.StatusFailed,
			FailureReason:     "disk full",
			BackupStartedAt:   at,
			BackupCompletedAt: at,
		},
		ServerName: "sql-1",
	}
	got := ToBackup(v)
	require.Equal(t, "failed", got.Status)
	require.Equal(t, "sql-1", got.ServerName)
	require.Equal(t, "disk full", got.FailureReason)
	require.Empty(t, got.ChecksumSHA256)
}

func TestFromFailureRequest(t *testing.T) {
	t.Parallel()
	at := time.Now().UTC()
	r := FromFailureRequest(FailureRequest{DatabaseName: "db", BackupStartedAt: at, BackupCompletedAt: at, DurationSeconds: 3, Reason: "x"})
	require.Equal(t, model.FailureReport{DBName: "db", BackupStartedAt: at, BackupCompletedAt: at, DurationSeconds: 3, Reason: "x"}, r)
}
