// Package grpcserver runs the operational gRPC endpoint: the standard health service,
// driven by a periodic database ping, and optional reflection.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/backup-keeper/internal/metrics"
)

// ServiceName is the health service name reported alongside the overall "" entry.
const ServiceName = "backupkeeper.Custody"

const pingTimeout = 3 * time.Second

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ops is the operational gRPC server.
type Ops struct {
	srv      *grpc.Server
	health   *health.Server
	db       Pinger
	metrics  *metrics.Metrics
	log      *zap.Logger
	interval time.Duration
}

// NewOps builds the gRPC server with interceptors, health and, when reflect is set,
// reflection. Status starts NOT_SERVING until the first successful ping.
func NewOps(db Pinger, m *metrics.Metrics, log *zap.Logger, interval time.Duration, reflect bool) *Ops {
	s := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	)
	if interval <= 0 {
		interval = 10 * time.Second
	}
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if reflect {
		reflection.Register(s)
	}
	o := &Ops{srv: s, health: hs, db: db, metrics: m, log: log, interval: interval}
	o.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return o
}

// Serve blocks serving lis.
func (o *Ops) Serve(lis net.Listener) error { return o.srv.Serve(lis) }

// Check pings the database once and updates health and metrics.
func (o *Ops) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	err := o.db.Ping(ctx)
	o.metrics.SetDBUp(err == nil)
	if err != nil {
		o.log.Warn("database ping failed", zap.Error(err))
		o.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	o.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch runs Check every interval until ctx is done.
func (o *Ops) Watch(ctx context.Context) {
	o.Check(ctx)
	t := time.NewTicker(o.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.Check(ctx)
		}
	}
}

// Stop marks everything NOT_SERVING and stops gracefully, forcing after timeout.
func (o *Ops) Stop(timeout time.Duration) {
	o.health.Shutdown()
	done := make(chan struct{})
	go func() {
		o.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		o.srv.Stop()
	}
}

func (o *Ops) set(st healthpb.HealthCheckResponse_ServingStatus) {
	o.health.SetServingStatus("", st)
	o.health.SetServingStatus(ServiceName, st)
}
