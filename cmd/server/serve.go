package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/blob"
	"github.com/and161185/backup-keeper/internal/config"
	"github.com/and161185/backup-keeper/internal/events"
	"github.com/and161185/backup-keeper/internal/grant"
	"github.com/and161185/backup-keeper/internal/limiter"
	"github.com/and161185/backup-keeper/internal/metrics"
	"github.com/and161185/backup-keeper/internal/migrate"
	"github.com/and161185/backup-keeper/internal/repository"
	"github.com/and161185/backup-keeper/internal/repository/memory"
	"github.com/and161185/backup-keeper/internal/repository/postgres"
	grpcserver "github.com/and161185/backup-keeper/internal/server/grpc"
	httpserver "github.com/and161185/backup-keeper/internal/server/http"
	"github.com/and161185/backup-keeper/internal/service"
	"github.com/and161185/backup-keeper/internal/telemetry"
)

const metricsNamespace = "bk"

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, log := a.cfg, a.log
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config:\n%w", err)
	}
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("http", cfg.HTTP.Addr),
		zap.String("grpc", cfg.Ops.GRPCAddr),
		zap.String("storage", cfg.Storage.Backend),
	)

	tel, err := telemetry.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	if cfg.Database.Migrate {
		if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	}
	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	blobs, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	policy, err := grant.ParsePolicy(cfg.Grants.Policy)
	if err != nil {
		return err
	}

	m := metrics.New(metricsNamespace)
	pub, closePub, err := openPublisher(cfg.Events, cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	defer closePub()

	var lim limiter.Limiter = limiter.Nop{}
	if cfg.Limiter.Enabled {
		lim = limiter.NewPG(db.Pool, cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor)
	}

	var grants repository.GrantRepository = postgres.NewGrantRepo(db)
	if cfg.Grants.Store == config.StoreMemory {
		log.Warn("grants kept in memory: they do not survive restarts and are not shared between instances")
		grants = memory.NewGrantRepo()
	}

	serverRepo := postgres.NewServerRepo(db)
	servers := service.NewServerService(serverRepo, lim)
	custody := service.NewCustodyService(
		postgres.NewArtifactRepo(db),
		serverRepo,
		blobs,
		grant.NewManager(grants,
			grant.WithDefaultTTL(cfg.Grants.TTL),
			grant.WithMaxTTL(cfg.Grants.MaxTTL),
			grant.WithPolicy(policy)),
		log,
		service.WithEvents(pub),
		service.WithMetrics(m),
		service.WithTracer(tel.Tracer()),
		service.WithPublicURL(cfg.HTTP.PublicURL),
	)
	callers := service.NewCallerTokens([]byte(cfg.Auth.JWTSecret), cfg.Auth.Leeway)

	api := httpserver.New(custody, servers, callers, log, httpserver.Options{
		RevealNotFound: cfg.Auth.RevealNotFound,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxGrantTTL:    cfg.Grants.MaxTTL,
		Metrics:        m,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           tel.Middleware(api.Routes()),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	ops := grpcserver.NewOps(db, m, log, cfg.Ops.HealthInterval, cfg.Ops.Reflection)
	lis, err := net.Listen("tcp", cfg.Ops.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Ops.GRPCAddr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go ops.Watch(runCtx)
	go grant.NewReaper(grants, cfg.Grants.Retention, cfg.Grants.ReapInterval, log).Run(runCtx)

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("grpc listening", zap.String("addr", cfg.Ops.GRPCAddr))
		if err := ops.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error("server error", zap.Error(runErr))
	}

	cancel()
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer scancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	ops.Stop(cfg.HTTP.ShutdownTimeout)
	log.Info("shutdown complete")
	return runErr
}

func openBlobStore(ctx context.Context, c config.Storage) (blob.Store, error) {
	if c.Backend == config.BackendS3 {
		return blob.NewS3(ctx, blob.S3Config{
			Endpoint:       c.S3.Endpoint,
			Region:         c.S3.Region,
			AccessKey:      c.S3.AccessKey,
			SecretKey:      c.S3.SecretKey,
			Bucket:         c.S3.Bucket,
			Prefix:         c.S3.Prefix,
			ForcePathStyle: c.S3.ForcePathStyle,
		})
	}
	return blob.NewFS(c.Root)
}

func openPublisher(c config.Events, name string) (events.Publisher, func(), error) {
	if c.NATSURL == "" {
		return events.Nop{}, func() {}, nil
	}
	n, err := events.NewNATS(c.NATSURL, c.SubjectPrefix, nats.Name(name))
	if err != nil {
		return nil, nil, err
	}
	return n, n.Close, nil
}
