// Package runtime composes the core: path parsing, handler resolution,
// worker selection, dispatch over the execution protocol, and static
// fallback. It owns the supervisors and the dispatcher-side handler metadata
// cache; everything it hands out is a value-typed copy.
package runtime

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fluxionhq/fluxion/internal/metrics"
	"github.com/fluxionhq/fluxion/internal/protocol"
	"github.com/fluxionhq/fluxion/internal/routing"
	"github.com/fluxionhq/fluxion/internal/static"
	"github.com/fluxionhq/fluxion/internal/supervisor"
	"github.com/fluxionhq/fluxion/pkg/types"
)

// Config assembles a file runtime. Dir is the dynamic directory; Databases
// the declared capability universe; a nil Workers list means the "all"
// strategy. Start defaults to the subprocess transport.
type Config struct {
	Dir           string
	Databases     []string
	Workers       []WorkerSpec
	WorkerOptions supervisor.Options
	Start         supervisor.StartFunc
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

// FileRuntime serves requests out of one dynamic directory.
type FileRuntime struct {
	root      string
	static    *static.Responder
	workers   []*supervisor.Supervisor
	inspector *supervisor.Supervisor
	log       *slog.Logger
	metrics   *metrics.Collector

	mu          sync.Mutex
	metaCache   map[string]protocol.HandlerMeta
	lastVersion map[string]string
}

// New validates the configuration and builds the runtime. Misconfiguration
// (missing directory, bad worker specs) fails fast.
func New(cfg Config) (*FileRuntime, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Start == nil {
		cfg.Start = supervisor.ExecStart(cfg.Logger)
	}

	root, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("runtime: dynamic directory %s: %w", cfg.Dir, err)
	}
	if !root.IsDir() {
		return nil, fmt.Errorf("runtime: dynamic directory %s is not a directory", cfg.Dir)
	}
	absRoot, err := abs(cfg.Dir)
	if err != nil {
		return nil, err
	}

	declared := protocol.NormalizeDBSet(cfg.Databases)
	supervisors, err := buildSupervisors(cfg, declared)
	if err != nil {
		return nil, err
	}

	return &FileRuntime{
		root:        absRoot,
		static:      static.NewResponder(absRoot),
		workers:     supervisors,
		inspector:   inspectWorker(supervisors, declared),
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		metaCache:   make(map[string]protocol.HandlerMeta),
		lastVersion: make(map[string]string),
	}, nil
}

func abs(dir string) (string, error) {
	a, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("runtime: resolve %s: %w", dir, err)
	}
	return a, nil
}

// Dispatch answers one request from the dynamic directory. It returns
// (false, nil) when nothing routes — the boundary emits the 404 — and a
// non-nil error only for boundary-level failures (body too large, I/O).
// Handler-level failures are written here as 5xx JSON.
func (rt *FileRuntime) Dispatch(w http.ResponseWriter, r *http.Request) (bool, error) {
	rawPath := r.URL.EscapedPath()
	segments, ok := routing.ParsePath(rawPath)
	if !ok {
		return false, nil
	}

	resolution, err := routing.ResolveHandler(rt.root, rawPath, segments)
	if err != nil {
		return false, err
	}
	if resolution != nil {
		return true, rt.serveHandler(w, r, resolution)
	}

	return rt.static.Serve(w, r, segments)
}

func (rt *FileRuntime) serveHandler(w http.ResponseWriter, r *http.Request, res *routing.Resolution) error {
	meta, cached := rt.cachedMeta(res.AbsPath, res.Version)
	if !cached {
		m, err := rt.inspector.Inspect(r.Context(), res.AbsPath, res.Version)
		if err != nil {
			rt.writeWorkerFailure(w, r, err)
			return nil
		}
		meta = *m
		rt.storeMeta(res.AbsPath, res.Version, meta)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	req := &protocol.ExecuteRequest{
		FilePath: res.AbsPath,
		Version:  res.Version,
		Method:   r.Method,
		URL:      r.URL.RequestURI(),
		Headers:  r.Header,
		Body:     body,
		IP:       clientIP(r),
	}

	rt.logVersionTransition(res)
	worker := selectWorker(rt.workers, meta.DB)
	result, err := worker.Execute(r.Context(), req)
	if err != nil && protocol.CodeOf(err) == protocol.CodeVersionMismatch {
		// The file changed between our resolve and the worker's cache
		// lookup. Force the rotation and retry exactly once.
		worker.Restart("handler version changed: " + res.RelPath)
		result, err = worker.Execute(r.Context(), req)
	}
	if err != nil {
		rt.writeWorkerFailure(w, r, err)
		return nil
	}

	if result.Meta != nil {
		rt.storeMeta(res.AbsPath, res.Version, *result.Meta)
	}
	rt.metrics.SetWorkerInflight(worker.ID(), worker.Inflight())
	applyResponse(w, result.Response)
	return nil
}

func (rt *FileRuntime) cachedMeta(path, version string) (protocol.HandlerMeta, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	meta, ok := rt.metaCache[path+"\x00"+version]
	return meta, ok
}

func (rt *FileRuntime) storeMeta(path, version string, meta protocol.HandlerMeta) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.metaCache[path+"\x00"+version] = meta
}

func (rt *FileRuntime) logVersionTransition(res *routing.Resolution) {
	rt.mu.Lock()
	prev, known := rt.lastVersion[res.AbsPath]
	rt.lastVersion[res.AbsPath] = res.Version
	rt.mu.Unlock()

	switch {
	case !known:
		rt.log.Info("handler loaded", "file", res.RelPath, "version", res.Version)
	case prev != res.Version:
		rt.log.Info("handler reloaded", "file", res.RelPath, "from", prev, "to", res.Version)
	}
}

// writeWorkerFailure maps a dispatch failure onto the client response.
// Capacity failures keep their limit-describing message, as does
// WORKER_DB_NOT_AVAILABLE; everything else is an opaque 500 with the detail
// in the log.
func (rt *FileRuntime) writeWorkerFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := protocol.CodeOf(err)
	rt.metrics.RecordHandlerFailure(string(code))
	switch code {
	case protocol.CodeOverloaded:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": err.Error()})
	case protocol.CodeTimeout:
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"message": err.Error()})
	case protocol.CodeResponseTooLarge, protocol.CodeDBNotAvailable:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": err.Error()})
	default:
		rt.log.Error("handler execution failed", "method", r.Method, "url", r.URL.RequestURI(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Internal Server Error"})
	}
}

func applyResponse(w http.ResponseWriter, resp *protocol.HandlerResponse) {
	if resp == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "Internal Server Error"})
		return
	}
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

// RouteSnapshot walks the dynamic directory and returns the current
// routable surface.
func (rt *FileRuntime) RouteSnapshot() (types.RouteSnapshot, error) {
	return routing.WalkRoutes(rt.root)
}

// WorkerSnapshots returns a per-binding view in declaration order.
func (rt *FileRuntime) WorkerSnapshots() []types.WorkerSnapshot {
	snaps := make([]types.WorkerSnapshot, 0, len(rt.workers))
	for _, s := range rt.workers {
		snaps = append(snaps, s.Snapshot())
	}
	return snaps
}

// Close shuts every supervisor down. Idempotent.
func (rt *FileRuntime) Close() {
	for _, s := range rt.workers {
		s.Close()
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
