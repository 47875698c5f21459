package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/and161185/backup-keeper/internal/errs"
)

func TestObserveUpload(t *testing.T) {
	t.Parallel()
	m := New("bk")

	m.ObserveUpload(nil, 100)
	m.ObserveUpload(fmt.Errorf("wrap: %w", errs.ErrIntegrityMismatch), 50)

	require.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("none")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.uploads.WithLabelValues("integrity")))
	require.Equal(t, 100.0, testutil.ToFloat64(m.uploadBytes))
}

func TestObserveGrant(t *testing.T) {
	t.Parallel()
	m := New("bk")

	m.ObserveGrant(OpRedeem, errs.ErrGrantExpired)
	m.ObserveGrant(OpIssue, nil)

	require.Equal(t, 1.0, testutil.ToFloat64(m.grants.WithLabelValues(OpRedeem, "grant")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.grants.WithLabelValues(OpIssue, "none")))
}

func TestNilReceiverIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveUpload(nil, 1)
	m.ObserveGrant(OpIssue, nil)
	m.ObserveHTTP("GET", "/", 200, time.Millisecond)
	m.SetDBUp(true)
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()
	m := New("bk")
	m.ObserveHTTP("GET", "/healthz", 200, time.Millisecond)
	m.SetDBUp(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, string(body), `bk_http_requests_total{code="200",method="GET",route="/healthz"} 1`)
	require.Contains(t, string(body), "bk_database_up 1")
}
