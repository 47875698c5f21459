package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/address"
	"github.com/and161185/backup-keeper/internal/blob"
	"github.com/and161185/backup-keeper/internal/errs"
	"github.com/and161185/backup-keeper/internal/events"
	"github.com/and161185/backup-keeper/internal/grant"
	"github.com/and161185/backup-keeper/internal/guard"
	"github.com/and161185/backup-keeper/internal/integrity"
	"github.com/and161185/backup-keeper/internal/metrics"
	"github.com/and161185/backup-keeper/internal/model"
	"github.com/and161185/backup-keeper/internal/repository"
)

// Listing limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// cleanupTimeout bounds compensating deletes that run after the request context is gone.
const cleanupTimeout = 30 * time.Second

// CustodyService ingests artifacts and brokers their retrieval through grants.
type CustodyService struct {
	artifacts repository.ArtifactRepository
	servers   repository.ServerRepository
	blobs     blob.Store
	grants    *grant.Manager
	log       *zap.Logger

	events    events.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	publicURL string
}

// CustodyOption customises CustodyService.
type CustodyOption func(*CustodyService)

// WithEvents sets the lifecycle event publisher.
func WithEvents(p events.Publisher) CustodyOption {
	return func(s *CustodyService) { s.events = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) CustodyOption {
	return func(s *CustodyService) { s.metrics = m }
}

// WithTracer sets the tracer used for custody spans.
func WithTracer(t trace.Tracer) CustodyOption {
	return func(s *CustodyService) { s.tracer = t }
}

// WithClock overrides the wall clock used for redemption.
func WithClock(now func() time.Time) CustodyOption {
	return func(s *CustodyService) { s.now = now }
}

// WithPublicURL sets the base URL used to build grant links.
func WithPublicURL(u string) CustodyOption {
	return func(s *CustodyService) { s.publicURL = strings.TrimRight(u, "/") }
}

// NewCustodyService constructs CustodyService.
func NewCustodyService(
	artifacts repository.ArtifactRepository,
	servers repository.ServerRepository,
	blobs blob.Store,
	grants *grant.Manager,
	log *zap.Logger,
	opts ...CustodyOption,
) *CustodyService {
	s := &CustodyService{
		artifacts: artifacts,
		servers:   servers,
		blobs:     blobs,
		grants:    grants,
		log:       log,
		events:    events.Nop{},
		tracer:    noop.NewTracerProvider().Tracer(""),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ingest verifies and stores an upload from srv. The body is hashed in the same pass
// that writes it. On any failure no record exists and no bytes remain.
func (s *CustodyService) Ingest(ctx context.Context, srv model.Server, meta model.UploadMeta, body io.Reader) (a model.Artifact, err error) {
	ctx, span := s.tracer.Start(ctx, "custody.Ingest", trace.WithAttributes(
		attribute.String("server", srv.Name),
		attribute.String("db", meta.DBName),
		attribute.Int64("size", meta.SizeBytes),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveUpload(err, a.SizeBytes)
	}()

	digest, err := validateUpload(meta)
	if err != nil {
		return model.Artifact{}, err
	}
	addr, err := address.Derive(srv.Name, meta.DBName, meta.BackupCompletedAt, meta.OriginalFilename)
	if err != nil {
		return model.Artifact{}, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Artifact{}, err
	}

	if err := s.artifacts.ReserveAddress(ctx, addr, id); err != nil {
		return model.Artifact{}, err
	}
	// From here on every failure must undo what was done so far.
	cleanupCtx := context.WithoutCancel(ctx)
	release := func() {
		c, cancel := context.WithTimeout(cleanupCtx, cleanupTimeout)
		defer cancel()
		if rerr := s.artifacts.ReleaseAddress(c, addr, id); rerr != nil {
			s.log.Warn("release address", zap.String("address", addr), zap.Error(rerr))
		}
	}
	discard := func() {
		c, cancel := context.WithTimeout(cleanupCtx, cleanupTimeout)
		defer cancel()
		if derr := s.blobs.Delete(c, addr); derr != nil {
			s.log.Error("delete rejected artifact bytes",
				zap.String("severity", string(errs.KindConsistency)),
				zap.String("address", addr),
				zap.Error(derr))
		}
		release()
	}

	v := integrity.NewVerifier(digest)
	n, err := s.blobs.Put(ctx, addr, v.Reader(body), meta.SizeBytes)
	if err != nil {
		release()
		return model.Artifact{}, err
	}
	if err := v.Verify(); err != nil {
		discard()
		return model.Artifact{}, err
	}

	a = model.Artifact{
		ID:                id,
		ServerID:          srv.ID,
		DBName:            strings.TrimSpace(meta.DBName),
		StorageAddress:    addr,
		SizeBytes:         n,
		ChecksumSHA256:    v.Sum(),
		BackupStartedAt:   meta.BackupStartedAt.UTC(),
		BackupCompletedAt: meta.BackupCompletedAt.UTC(),
		DurationSeconds:   meta.DurationSeconds,
		Status:            model.StatusSucceeded,
	}
	if err := s.artifacts.Create(ctx, &a); err != nil {
		discard()
		return model.Artifact{}, fmt.Errorf("record artifact: %w", err)
	}

	s.log.Info("artifact stored",
		zap.String("artifact_id", a.ID.String()),
		zap.String("server", srv.Name),
		zap.String("address", addr),
		zap.Int64("size", n),
	)
	s.publish(ctx, events.SubjectArtifactStored, events.ArtifactEvent{
		ArtifactID:  a.ID,
		ServerID:    srv.ID,
		ServerName:  srv.Name,
		DBName:      a.DBName,
		SizeBytes:   a.SizeBytes,
		Checksum:    a.ChecksumSHA256,
		CompletedAt: a.BackupCompletedAt,
	})
	return a, nil
}

// ReportFailure records a backup run that produced no bytes.
func (s *CustodyService) ReportFailure(ctx context.Context, srv model.Server, r model.FailureReport) (model.Artifact, error) {
	if err := validateWindow(r.DBName, r.BackupStartedAt, r.BackupCompletedAt, r.DurationSeconds); err != nil {
		return model.Artifact{}, err
	}
	reason := strings.TrimSpace(r.Reason)
	if reason == "" {
		return model.Artifact{}, fmt.Errorf("empty failure reason: %w", errs.ErrInvalidRequest)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Artifact{}, err
	}
	a := model.Artifact{
		ID:                id,
		ServerID:          srv.ID,
		DBName:            strings.TrimSpace(r.DBName),
		BackupStartedAt:   r.BackupStartedAt.UTC(),
		BackupCompletedAt: r.BackupCompletedAt.UTC(),
		DurationSeconds:   r.DurationSeconds,
		Status:            model.StatusFailed,
		FailureReason:     reason,
	}
	if err := s.artifacts.Create(ctx, &a); err != nil {
		return model.Artifact{}, fmt.Errorf("record failure: %w", err)
	}

	s.log.Info("backup failure reported",
		zap.String("artifact_id", a.ID.String()),
		zap.String("server", srv.Name),
		zap.String("db", a.DBName),
	)
	s.publish(ctx, events.SubjectArtifactFailed, events.ArtifactEvent{
		ArtifactID:  a.ID,
		ServerID:    srv.ID,
		ServerName:  srv.Name,
		DBName:      a.DBName,
		Reason:      reason,
		CompletedAt: a.BackupCompletedAt,
	})
	return a, nil
}

// RequestRetrieval authorizes caller for the artifact and issues a grant.
// A ttl of zero uses the manager default.
func (s *CustodyService) RequestRetrieval(ctx context.Context, caller model.Caller, artifactID uuid.UUID, ttl time.Duration) (ref model.GrantRef, err error) {
	ctx, span := s.tracer.Start(ctx, "custody.RequestRetrieval", trace.WithAttributes(
		attribute.String("artifact_id", artifactID.String()),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveGrant(metrics.OpIssue, err)
	}()

	a, err := s.artifacts.GetByID(ctx, artifactID)
	if err != nil {
		return model.GrantRef{}, fmt.Errorf("artifact %s: %w", artifactID, err)
	}
	owner, err := s.servers.GetByID(ctx, a.ServerID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			s.log.Error("artifact owner missing",
				zap.String("severity", string(errs.KindConsistency)),
				zap.String("artifact_id", a.ID.String()),
				zap.String("server_id", a.ServerID.String()))
			return model.GrantRef{}, fmt.Errorf("owner of artifact %s missing", a.ID)
		}
		return model.GrantRef{}, fmt.Errorf("load owner: %w", err)
	}
	if err := guard.Authorize(caller, *owner); err != nil {
		s.log.Info("retrieval denied",
			zap.String("subject", caller.Subject),
			zap.String("artifact_id", a.ID.String()))
		return model.GrantRef{}, err
	}
	if !a.Retrievable() {
		return model.GrantRef{}, fmt.Errorf("artifact %s has no bytes: %w", a.ID, errs.ErrNotFound)
	}

	ref, err = s.grants.Issue(ctx, a.ID, ttl)
	if err != nil {
		return model.GrantRef{}, err
	}
	ref.URL = s.streamURL(a.ID, ref.Token)

	s.publish(ctx, events.SubjectGrantIssued, events.GrantEvent{
		ArtifactID: a.ID,
		Subject:    caller.Subject,
		ExpiresAt:  ref.ExpiresAt,
		At:         s.now().UTC(),
	})
	return ref, nil
}

// OpenRetrieval redeems token for the artifact and returns a reader over its bytes.
// The bytes are opened before the grant is consumed so that missing bytes never burn a grant.
func (s *CustodyService) OpenRetrieval(ctx context.Context, artifactID uuid.UUID, token string) (a model.Artifact, rc io.ReadCloser, err error) {
	ctx, span := s.tracer.Start(ctx, "custody.OpenRetrieval", trace.WithAttributes(
		attribute.String("artifact_id", artifactID.String()),
	))
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveGrant(metrics.OpRedeem, err)
	}()

	art, err := s.artifacts.GetByID(ctx, artifactID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.Artifact{}, nil, errs.ErrGrantNotFound
		}
		return model.Artifact{}, nil, fmt.Errorf("artifact %s: %w", artifactID, err)
	}
	if !art.Retrievable() {
		return model.Artifact{}, nil, errs.ErrGrantNotFound
	}

	rc, err = s.blobs.Open(ctx, art.StorageAddress)
	if err != nil {
		if errors.Is(err, errs.ErrArtifactNotFound) {
			s.log.Error("recorded artifact has no bytes",
				zap.String("severity", string(errs.KindConsistency)),
				zap.String("artifact_id", art.ID.String()),
				zap.String("address", art.StorageAddress))
		}
		return model.Artifact{}, nil, err
	}

	g, err := s.grants.Redeem(ctx, art.ID, token, s.now())
	if err != nil {
		_ = rc.Close()
		return model.Artifact{}, nil, err
	}

	s.publish(ctx, events.SubjectGrantRedeemed, events.GrantEvent{
		GrantID:    g.ID,
		ArtifactID: art.ID,
		ExpiresAt:  g.ExpiresAt,
		At:         *g.ConsumedAt,
	})
	return *art, rc, nil
}

// List returns the caller's group artifacts matching f.
func (s *CustodyService) List(ctx context.Context, caller model.Caller, f model.ArtifactFilter) ([]model.ArtifactView, error) {
	if f.CompletedFrom != nil && f.CompletedUntil != nil && f.CompletedUntil.Before(*f.CompletedFrom) {
		return nil, fmt.Errorf("until before from: %w", errs.ErrInvalidRequest)
	}
	switch {
	case f.Limit < 0:
		return nil, fmt.Errorf("negative limit: %w", errs.ErrInvalidRequest)
	case f.Limit == 0:
		f.Limit = DefaultListLimit
	case f.Limit > MaxListLimit:
		f.Limit = MaxListLimit
	}
	f.GroupID = caller.GroupID
	return s.artifacts.List(ctx, f)
}

// Stats summarises the caller's group storage.
func (s *CustodyService) Stats(ctx context.Context, caller model.Caller) (model.StorageStats, error) {
	return s.artifacts.Stats(ctx, caller.GroupID)
}

func (s *CustodyService) streamURL(id uuid.UUID, token string) string {
	return s.publicURL + "/backups/" + id.String() + "/stream?token=" + url.QueryEscape(token)
}

// publish is best effort: a broker outage never fails custody operations.
func (s *CustodyService) publish(ctx context.Context, subject string, v any) {
	if err := s.events.Publish(ctx, subject, v); err != nil {
		s.log.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func validateUpload(meta model.UploadMeta) (integrity.Digest, error) {
	if err := validateWindow(meta.DBName, meta.BackupStartedAt, meta.BackupCompletedAt, meta.DurationSeconds); err != nil {
		return "", err
	}
	if meta.SizeBytes < 0 {
		return "", fmt.Errorf("negative size: %w", errs.ErrInvalidRequest)
	}
	if strings.TrimSpace(meta.OriginalFilename) == "" {
		return "", fmt.Errorf("missing filename: %w", errs.ErrInvalidRequest)
	}
	return integrity.ParseDigest(meta.ChecksumSHA256)
}

func validateWindow(db string, started, completed time.Time, duration int64) error {
	switch {
	case strings.TrimSpace(db) == "":
		return fmt.Errorf("missing database name: %w", errs.ErrInvalidRequest)
	case started.IsZero() || completed.IsZero():
		return fmt.Errorf("missing backup window: %w", errs.ErrInvalidRequest)
	case completed.Before(started):
		return fmt.Errorf("backup completed before it started: %w", errs.ErrInvalidRequest)
	case duration < 0:
		return fmt.Errorf("negative duration: %w", errs.ErrInvalidRequest)
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.Classify(err)))
	}
	span.End()
}
