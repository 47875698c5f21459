package httpserver

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/api"
	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/model"
)

// maxFieldBytes bounds every text field of an upload.
const maxFieldBytes = 1 << 10

var uploadTextFields = map[string]bool{
	api.FieldDatabase:    true,
	api.FieldStartedAt:   true,
	api.FieldCompletedAt: true,
	api.FieldDuration:    true,
	api.FieldChecksum:    true,
	api.FieldSize:        true,
}

// handleUpload streams the backup_file part straight into custody. Text fields must come
// first: the file part is never buffered.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	srv, ok := ServerFromCtx(r.Context())
	if !ok {
		s.respondError(w, r, errs.ErrUnauthorized)
		return
	}
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		s.respondError(w, r, fmt.Errorf("multipart body: %w", errs.ErrInvalidRequest))
		return
	}

	fields := make(map[string]string, len(uploadTextFields))
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.respondError(w, r, fmt.Errorf("missing %s: %w", api.FieldFile, errs.ErrInvalidRequest))
			return
		}
		if err != nil {
			s.respondError(w, r, fmt.Errorf("read multipart: %w: %w", errs.ErrInvalidRequest, err))
			return
		}

		name := part.FormName()
		if name == api.FieldFile {
			meta, err := parseUploadMeta(fields, part.FileName())
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			a, err := s.custody.Ingest(r.Context(), srv, meta, part)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			respondJSON(w, http.StatusCreated, api.UploadResponse{Status: api.StatusOK, BackupID: a.ID})
			return
		}
		if !uploadTextFields[name] {
			_ = part.Close()
			continue
		}
		v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
		if err != nil {
			s.respondError(w, r, fmt.Errorf("read %s: %w: %w", name, errs.ErrInvalidRequest, err))
			return
		}
		if len(v) > maxFieldBytes {
			s.respondError(w, r, fmt.Errorf("field %s too long: %w", name, errs.ErrInvalidRequest))
			return
		}
		fields[name] = strings.TrimSpace(string(v))
	}
}

func parseUploadMeta(fields map[string]string, filename string) (model.UploadMeta, error) {
	for name := range uploadTextFields {
		if fields[name] == "" {
			return model.UploadMeta{}, fmt.Errorf("missing %s: %w", name, errs.ErrInvalidRequest)
		}
	}
	started, err := time.Parse(time.RFC3339, fields[api.FieldStartedAt])
	if err != nil {
		return model.UploadMeta{}, fmt.Errorf("%s: %w", api.FieldStartedAt, errs.ErrInvalidRequest)
	}
	completed, err := time.Parse(time.RFC3339, fields[api.FieldCompletedAt])
	if err != nil {
		return model.UploadMeta{}, fmt.Errorf("%s: %w", api.FieldCompletedAt, errs.ErrInvalidRequest)
	}
	duration, err := strconv.ParseInt(fields[api.FieldDuration], 10, 64)
	if err != nil {
		return model.UploadMeta{}, fmt.Errorf("%s: %w", api.FieldDuration, errs.ErrInvalidRequest)
	}
	size, err := strconv.ParseInt(fields[api.FieldSize], 10, 64)
	if err != nil {
		return model.UploadMeta{}, fmt.Errorf("%s: %w", api.FieldSize, errs.ErrInvalidRequest)
	}
	return model.UploadMeta{
		DBName:            fields[api.FieldDatabase],
		BackupStartedAt:   started,
		BackupCompletedAt: completed,
		DurationSeconds:   duration,
		ChecksumSHA256:    fields[api.FieldChecksum],
		SizeBytes:         size,
		OriginalFilename:  filename,
	}, nil
}

func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	srv, ok := ServerFromCtx(r.Context())
	if !ok {
		s.respondError(w, r, errs.ErrUnauthorized)
		return
	}
	var req api.FailureRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, r, fmt.Errorf("decode failure report: %w", errs.ErrInvalidRequest))
		return
	}
	a, err := s.custody.ReportFailure(r.Context(), srv, api.FromFailureRequest(req))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, api.UploadResponse{Status: api.StatusOK, BackupID: a.ID})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromCtx(r.Context())
	f, err := parseFilter(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	views, err := s.custody.List(r.Context(), caller, f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, api.ToListResponse(views))
}

func parseFilter(r *http.Request) (model.ArtifactFilter, error) {
	q := r.URL.Query()
	f := model.ArtifactFilter{
		ServerName: strings.TrimSpace(q.Get("server")),
		DBName:     strings.TrimSpace(q.Get("db")),
	}
	for key, dst := range map[string]**time.Time{"from": &f.CompletedFrom, "until": &f.CompletedUntil} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return model.ArtifactFilter{}, fmt.Errorf("%s: %w", key, errs.ErrInvalidRequest)
		}
		*dst = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return model.ArtifactFilter{}, fmt.Errorf("limit: %w", errs.ErrInvalidRequest)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromCtx(r.Context())
	st, err := s.custody.Stats(r.Context(), caller)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, api.ToStatsResponse(st))
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromCtx(r.Context())
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, fmt.Errorf("bad id: %w", errs.ErrInvalidRequest))
		return
	}

	var req api.GrantRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			s.respondError(w, r, fmt.Errorf("decode grant request: %w", errs.ErrInvalidRequest))
			return
		}
	}
	if req.TTLSeconds < 0 {
		s.respondError(w, r, fmt.Errorf("negative ttl: %w", errs.ErrInvalidRequest))
		return
	}
	// compared in seconds so the conversion below cannot overflow
	if req.TTLSeconds > int64(s.maxGrantTTL/time.Second) {
		s.respondError(w, r, fmt.Errorf("ttl_seconds above %d: %w", int64(s.maxGrantTTL/time.Second), errs.ErrInvalidRequest))
		return
	}

	ref, err := s.custody.RequestRetrieval(r.Context(), caller, id, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusCreated, api.ToGrantResponse(ref))
}

// handleStream redeems the grant and streams the bytes. The grant is the only
// authorization: the URL can be handed to tooling without caller credentials.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, errs.ErrGrantNotFound)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		s.respondError(w, r, errs.ErrGrantNotFound)
		return
	}

	a, rc, err := s.custody.OpenRetrieval(r.Context(), id, token)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer rc.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(a.SizeBytes, 10))
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(a.StorageAddress)}))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Checksum-Sha256", a.ChecksumSHA256)
	w.WriteHeader(http.StatusOK)

	if n, err := io.Copy(w, rc); err != nil {
		s.log.Warn("stream interrupted",
			zap.String("artifact_id", a.ID.String()),
			zap.Int64("sent", n),
			zap.Error(err))
	}
}
