package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/and161185/backup-keeper/internal/metrics"
)

type fakePinger struct {
	mu  sync.Mutex
	err error
}

func (p *fakePinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakePinger) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func startOps(t *testing.T, db Pinger, m *metrics.Metrics) (*Ops, healthpb.HealthClient) {
	t.Helper()
	ops := NewOps(db, m, zaptest.NewLogger(t), time.Hour, true)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = ops.Serve(lis) }()
	t.Cleanup(func() { ops.Stop(time.Second) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return ops, healthpb.NewHealthClient(conn)
}

func dbUp(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "bk_database_up" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("bk_database_up not registered")
	return 0
}

func TestOps_HealthFollowsPing(t *testing.T) {
	t.Parallel()
	db := &fakePinger{err: errors.New("connection refused")}
	m := metrics.New("bk")
	ops, client := startOps(t, db, m)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus(), "not serving before the first ping")

	require.False(t, ops.Check(ctx))
	require.Zero(t, dbUp(t, m))

	db.set(nil)
	require.True(t, ops.Check(ctx))
	require.Equal(t, 1.0, dbUp(t, m))

	for _, svc := range []string{"", ServiceName} {
		resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		require.NoError(t, err)
		require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus(), "service %q", svc)
	}

	db.set(errors.New("gone"))
	require.False(t, ops.Check(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestOps_WatchStopsWithContext(t *testing.T) {
	t.Parallel()
	ops := NewOps(&fakePinger{}, nil, zaptest.NewLogger(t), 5*time.Millisecond, false)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		ops.Watch(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not return after cancel")
	}
	ops.Stop(time.Second)
}
