package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxionhq/fluxion/internal/metrics"
	"github.com/fluxionhq/fluxion/internal/protocol"
	"github.com/fluxionhq/fluxion/internal/runtime"
	"github.com/fluxionhq/fluxion/internal/supervisor"
	"github.com/fluxionhq/fluxion/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func inProcessStart(boot protocol.Bootstrap, onMessage func(*protocol.Message)) (supervisor.Process, error) {
	return worker.StartInProcess(boot, onMessage, testLogger())
}

type fixture struct {
	srv  *Server
	root string
}

func newFixture(t *testing.T, maxRequestBytes int64, withMetrics bool) *fixture {
	t.Helper()
	root := t.TempDir()
	rt, err := runtime.New(runtime.Config{
		Dir:    root,
		Logger: testLogger(),
		Start:  inProcessStart,
	})
	require.NoError(t, err)
	t.Cleanup(rt.Close)

	cfg := Config{
		Runtime:         rt,
		Logger:          testLogger(),
		MaxRequestBytes: maxRequestBytes,
	}
	if withMetrics {
		registry := prometheus.NewRegistry()
		cfg.Metrics = metrics.NewCollector(registry)
		cfg.MetricsRegistry = registry
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	return &fixture{srv: srv, root: root}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) do(method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, body)
	f.srv.ServeHTTP(rec, req)
	return rec
}

// TestNotFoundJSON verifies the 404 shape for unroutable paths.
func TestNotFoundJSON(t *testing.T) {
	f := newFixture(t, 0, false)

	rec := f.do(http.MethodGet, "/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var payload struct {
		Message string `json:"message"`
		Method  string `json:"method"`
		URL     string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "Route not found", payload.Message)
	assert.Equal(t, "GET", payload.Method)
	assert.Equal(t, "/missing", payload.URL)
}

// TestHandlerServed verifies dynamic dispatch through the boundary.
func TestHandlerServed(t *testing.T) {
	f := newFixture(t, 0, false)
	f.write(t, "hello.mjs", `export default function () { return "hello"; }`)

	rec := f.do(http.MethodGet, "/hello", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
}

// TestStaticServed verifies static fallthrough with MIME headers.
func TestStaticServed(t *testing.T) {
	f := newFixture(t, 0, false)
	f.write(t, "public/app.js", "console.log(1)")

	rec := f.do(http.MethodGet, "/public/app.js", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/javascript; charset=utf-8", rec.Header().Get("Content-Type"))
}

// TestRequestBodyCap verifies over-cap bodies answer 413 while small
// ones flow through.
func TestRequestBodyCap(t *testing.T) {
	f := newFixture(t, 8, false)
	f.write(t, "echo.mjs", `export default function (req) { return String(req.text().length); }`)

	rec := f.do(http.MethodPost, "/echo", strings.NewReader("123456789"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "request body too large")

	rec = f.do(http.MethodPost, "/echo", strings.NewReader("12345"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Body.String())
}

// TestHealthz verifies the health endpoint shape.
func TestHealthz(t *testing.T) {
	f := newFixture(t, 0, false)

	rec := f.do(http.MethodGet, "/_fluxion/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		OK  bool  `json:"ok"`
		Now int64 `json:"now"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.True(t, payload.OK)
	assert.NotZero(t, payload.Now)
}

// TestRoutesEndpoint verifies the routes meta endpoint shape.
func TestRoutesEndpoint(t *testing.T) {
	f := newFixture(t, 0, false)
	f.write(t, "a.mjs", `export default function () { return 1; }`)
	f.write(t, "b.txt", "b")

	rec := f.do(http.MethodGet, "/_fluxion/routes", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Routes struct {
			Handlers []struct {
				Route string `json:"route"`
			} `json:"handlers"`
			StaticFiles []struct {
				Route string `json:"route"`
			} `json:"staticFiles"`
		} `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Routes.Handlers, 1)
	assert.Equal(t, "/a", payload.Routes.Handlers[0].Route)
	require.Len(t, payload.Routes.StaticFiles, 1)
	assert.Equal(t, "/b.txt", payload.Routes.StaticFiles[0].Route)
}

// TestWorkersEndpoint verifies the workers meta endpoint shape.
func TestWorkersEndpoint(t *testing.T) {
	f := newFixture(t, 0, false)

	rec := f.do(http.MethodGet, "/_fluxion/workers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Workers []struct {
			ID     string   `json:"id"`
			Status string   `json:"status"`
			DBSet  []string `json:"dbSet"`
		} `json:"workers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Workers, 1)
	assert.Equal(t, "fluxion-worker-all", payload.Workers[0].ID)
	assert.Equal(t, "stopped", payload.Workers[0].Status)
}

// TestMetaUnknownPath verifies unknown meta paths are 404 JSON.
func TestMetaUnknownPath(t *testing.T) {
	f := newFixture(t, 0, false)
	rec := f.do(http.MethodGet, "/_fluxion/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Route not found")
}

// TestMetaRejectsNonGet verifies the meta API is read-only.
func TestMetaRejectsNonGet(t *testing.T) {
	f := newFixture(t, 0, false)
	rec := f.do(http.MethodPost, "/_fluxion/healthz", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestMetricsEndpoint verifies /metrics is exposed when a registry is
// configured and carries the fluxion families after traffic.
func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 0, true)

	f.do(http.MethodGet, "/missing", nil) // generate one observation

	rec := f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fluxion_requests_total")
	assert.Contains(t, rec.Body.String(), "fluxion_request_duration_seconds")
}

// TestMetricsDisabled verifies /metrics falls through to routing when no
// registry is configured.
func TestMetricsDisabled(t *testing.T) {
	f := newFixture(t, 0, false)
	rec := f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestInvalidMaxRequestBytes verifies startup failure on a negative cap.
func TestInvalidMaxRequestBytes(t *testing.T) {
	_, err := New(Config{MaxRequestBytes: -1, Logger: testLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxRequestBytes")
}
