package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExporterOptions(t *testing.T) {
	t.Parallel()

	opts, err := exporterOptions("http://collector:4318/v1/traces")
	require.NoError(t, err)
	require.Len(t, opts, 3)

	opts, err = exporterOptions("https://collector:4318")
	require.NoError(t, err)
	require.Len(t, opts, 1)

	for _, bad := range []string{"collector:4318", "://", "http://"} {
		_, err := exporterOptions(bad)
		require.Error(t, err, bad)
	}
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	p, err := Init(context.Background(), "bk-test", "")
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown(context.Background())) }()

	_, span := p.Tracer().Start(context.Background(), "op")
	require.False(t, span.SpanContext().IsValid())
	span.End()

	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
