// Package httpserver exposes the backup custody HTTP API.
package httpserver

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/api"
	"github.com/and161185/backup-keeper/internal/grant"
	"github.com/and161185/backup-keeper/internal/metrics"
	"github.com/and161185/backup-keeper/internal/model"
)

// Custody is the artifact custody core as seen by the boundary.
type Custody interface {
	Ingest(ctx context.Context, srv model.Server, meta model.UploadMeta, body io.Reader) (model.Artifact, error)
	ReportFailure(ctx context.Context, srv model.Server, r model.FailureReport) (model.Artifact, error)
	RequestRetrieval(ctx context.Context, caller model.Caller, artifactID uuid.UUID, ttl time.Duration) (model.GrantRef, error)
	OpenRetrieval(ctx context.Context, artifactID uuid.UUID, token string) (model.Artifact, io.ReadCloser, error)
	List(ctx context.Context, caller model.Caller, f model.ArtifactFilter) ([]model.ArtifactView, error)
	Stats(ctx context.Context, caller model.Caller) (model.StorageStats, error)
}

// ServerAuthenticator resolves upload credentials.
type ServerAuthenticator interface {
	Authenticate(ctx context.Context, raw, ip string) (model.Server, error)
}

// CallerVerifier resolves caller JWTs.
type CallerVerifier interface {
	Verify(raw string) (model.Caller, error)
}

// Options tune the boundary.
type Options struct {
	RevealNotFound bool
	MaxUploadBytes int64
	RequestTimeout time.Duration
	// MaxGrantTTL bounds ttl_seconds on grant requests; zero means grant.DefaultMaxTTL.
	MaxGrantTTL    time.Duration
	Metrics        *metrics.Metrics
}

// Server wires services into HTTP handlers.
type Server struct {
	custody Custody
	servers ServerAuthenticator
	callers CallerVerifier
	log     *zap.Logger
	metrics *metrics.Metrics

	revealNotFound bool
	maxUpload      int64
	reqTimeout     time.Duration
	maxGrantTTL    time.Duration
}

// New constructs the HTTP server with injected services.
func New(custody Custody, servers ServerAuthenticator, callers CallerVerifier, log *zap.Logger, opts Options) *Server {
	maxGrantTTL := opts.MaxGrantTTL
	if maxGrantTTL <= 0 {
		maxGrantTTL = grant.DefaultMaxTTL
	}
	return &Server{
		custody:        custody,
		servers:        servers,
		callers:        callers,
		log:            log,
		metrics:        opts.Metrics,
		revealNotFound: opts.RevealNotFound,
		maxUpload:      opts.MaxUploadBytes,
		reqTimeout:     opts.RequestTimeout,
		maxGrantTTL:    maxGrantTTL,
	}
}

// Routes builds the chi router. Uploads and streams are long-lived, so the request
// timeout only applies to the JSON endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(Logging(s.log, s.metrics))
	r.Use(Recover(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": api.StatusOK})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireServer)
		r.Post(api.PathUpload, s.handleUpload)
		r.With(s.timeout).Post(api.PathFailures, s.handleFailure)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireCaller)
		r.Use(s.timeout)
		r.Get(api.PathBackups, s.handleList)
		r.Get(api.PathStats, s.handleStats)
		r.Post("/api/backups/{id}/grants", s.handleGrant)
	})

	r.Get("/backups/{id}/stream", s.handleStream)
	return r
}

func (s *Server) timeout(next http.Handler) http.Handler {
	if s.reqTimeout <= 0 {
		return next
	}
	return middleware.Timeout(s.reqTimeout)(next)
}
