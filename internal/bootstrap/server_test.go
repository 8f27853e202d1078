package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Domenick1991/paysession/config"
	"github.com/Domenick1991/paysession/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServers(t *testing.T, swaggerDir string) *Servers {
	t.Helper()
	gin.SetMode(gin.TestMode)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := &config.Config{
		HTTP: config.HTTPConfig{Address: "127.0.0.1:0", SwaggerDir: swaggerDir},
		GRPC: config.GRPCConfig{Address: lis.Addr().String()},
	}
	registry := prometheus.NewRegistry()
	metrics.NewMetrics(registry).SessionCreated()

	s, err := newServers(cfg, gin.New(), registry)
	require.NoError(t, err)

	go s.grpcServer.Serve(lis)
	t.Cleanup(func() {
		s.healthConn.Close()
		s.grpcServer.Stop()
	})
	return s
}

func serve(s *Servers, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServers_Metrics(t *testing.T) {
	s := newTestServers(t, "")

	w := serve(s, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "paysession_sessions_created_total 1")
}

func TestServers_Healthz(t *testing.T) {
	s := newTestServers(t, "")

	w := serve(s, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "SERVING")
}

func TestServers_Swagger(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payments.swagger.json"), []byte(`{"swagger":"2.0"}`), 0o644))
	s := newTestServers(t, dir)

	w := serve(s, SwaggerSpecPath)
	assert.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.JSONEq(t, `{"swagger":"2.0"}`, string(body))

	w = serve(s, "/docs/index.html")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "swagger")
}

func TestServers_SwaggerDisabled(t *testing.T) {
	s := newTestServers(t, "")

	w := serve(s, SwaggerSpecPath)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func listenerClosed(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
	if err != nil {
		return true
	}
	conn.Close()
	return false
}

func TestServers_GRPCFailureStopsHTTP(t *testing.T) {
	s := newTestServers(t, "")

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, grpcLis.Close())
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := httpLis.Addr().String()

	err = s.serve(context.Background(), grpcLis, httpLis, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "grpc server")
	assert.Eventually(t, func() bool { return listenerClosed(httpAddr) }, 2*time.Second, 20*time.Millisecond)
}

func TestServers_GracefulShutdown(t *testing.T) {
	s := newTestServers(t, "")

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := httpLis.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, grpcLis, httpLis, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpAddr + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.True(t, listenerClosed(httpAddr))
}
