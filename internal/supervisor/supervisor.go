// Package supervisor owns the lifecycle of one handler worker: lazy spawn,
// admission control, request/response correlation, timeouts, memory-driven
// restarts, and teardown. Parallelism exists only across supervisors; within
// one, every piece of shared state sits behind a single mutex.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fluxionhq/fluxion/internal/protocol"
	"github.com/fluxionhq/fluxion/pkg/types"
)

// ErrClosed rejects work after Close.
var ErrClosed = errors.New("supervisor: runtime worker closed")

// Config assembles one supervisor.
type Config struct {
	ID              string
	DBSet           []string
	IsFallbackAllDB bool
	Options         Options
	Start           StartFunc
	Logger          *slog.Logger
	// OnRestart, when set, observes every restart with its reason.
	OnRestart func(workerID, reason string)
}

type callResult struct {
	msg *protocol.Message
	err error
}

type inflightCall struct {
	ch    chan callResult
	timer *time.Timer
}

// Supervisor owns exactly one live worker at a time plus the inflight table.
type Supervisor struct {
	id              string
	dbSet           []string
	isFallbackAllDB bool
	opts            Options
	start           StartFunc
	log             *slog.Logger
	onRestart       func(workerID, reason string)

	mu                sync.Mutex
	state             types.WorkerStatus
	proc              Process
	nextID            uint64
	inflight          map[uint64]*inflightCall
	versions          map[string]string
	lastMemory        *types.MemorySnapshot
	restartCount      int
	lastRestartReason string
	lastRestartAt     int64
	restarting        chan struct{} // non-nil while a restart is underway
}

// New builds a stopped supervisor; the first Execute or Inspect spawns the
// worker.
func New(cfg Config) *Supervisor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		id:              cfg.ID,
		dbSet:           protocol.NormalizeDBSet(cfg.DBSet),
		isFallbackAllDB: cfg.IsFallbackAllDB,
		opts:            withDefaults(cfg.Options),
		start:           cfg.Start,
		log:             log,
		onRestart:       cfg.OnRestart,
		state:           types.StatusStopped,
		nextID:          1,
		inflight:        make(map[uint64]*inflightCall),
		versions:        make(map[string]string),
	}
}

// ID returns the binding id.
func (s *Supervisor) ID() string { return s.id }

// DBSet returns a copy of the capability set.
func (s *Supervisor) DBSet() []string { return append([]string(nil), s.dbSet...) }

// IsFallbackAllDB reports whether this binding was synthesized as the
// all-database fallback.
func (s *Supervisor) IsFallbackAllDB() bool { return s.isFallbackAllDB }

// Inflight returns the current number of outstanding calls.
func (s *Supervisor) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Execute dispatches one handler request and waits for its result. Typed
// failures carry protocol codes; a worker restart mid-flight fails the call
// with "runtime worker restarted".
func (s *Supervisor) Execute(ctx context.Context, req *protocol.ExecuteRequest) (*protocol.ExecuteResult, error) {
	proc, id, call, err := s.admit(ctx, req.FilePath, req.Version)
	if err != nil {
		return nil, err
	}

	msg := &protocol.Message{Type: protocol.TypeExecute, ID: id, Execute: req}
	if err := proc.Send(msg); err != nil {
		s.dropCall(id)
		go s.Restart("worker pipe failed")
		return nil, fmt.Errorf("supervisor: send to worker %s: %w", s.id, err)
	}

	select {
	case res := <-call.ch:
		if res.err != nil {
			return nil, res.err
		}
		result := res.msg.Result
		if result == nil {
			return nil, fmt.Errorf("supervisor: worker %s returned an empty result", s.id)
		}
		if !result.OK {
			if result.Error != nil {
				return nil, result.Error.AsError()
			}
			return nil, fmt.Errorf("supervisor: worker %s reported failure without detail", s.id)
		}
		return result, nil
	case <-ctx.Done():
		s.dropCall(id)
		return nil, ctx.Err()
	}
}

// Inspect loads the handler in the worker and returns only its metadata.
// Inspects share the admission path with executes and count against
// maxInflight.
func (s *Supervisor) Inspect(ctx context.Context, filePath, version string) (*protocol.HandlerMeta, error) {
	proc, id, call, err := s.admit(ctx, filePath, version)
	if err != nil {
		return nil, err
	}

	msg := &protocol.Message{Type: protocol.TypeInspect, ID: id, Inspect: &protocol.InspectRequest{FilePath: filePath, Version: version}}
	if err := proc.Send(msg); err != nil {
		s.dropCall(id)
		go s.Restart("worker pipe failed")
		return nil, fmt.Errorf("supervisor: send to worker %s: %w", s.id, err)
	}

	select {
	case res := <-call.ch:
		if res.err != nil {
			return nil, res.err
		}
		outcome := res.msg.InspectResult
		if outcome == nil {
			return nil, fmt.Errorf("supervisor: worker %s returned an empty inspect result", s.id)
		}
		if !outcome.OK {
			if outcome.Error != nil {
				return nil, outcome.Error.AsError()
			}
			return nil, fmt.Errorf("supervisor: worker %s reported failure without detail", s.id)
		}
		return outcome.Meta, nil
	case <-ctx.Done():
		s.dropCall(id)
		return nil, ctx.Err()
	}
}

// admit applies the admission policy and registers the inflight record:
// closed supervisors reject, an in-progress restart is awaited, a known
// version that differs forces a restart first (the cache-eviction contract),
// and a full inflight table fails with WORKER_OVERLOADED.
func (s *Supervisor) admit(ctx context.Context, filePath, version string) (Process, uint64, *inflightCall, error) {
	for {
		s.mu.Lock()
		if s.state == types.StatusClosed {
			s.mu.Unlock()
			return nil, 0, nil, ErrClosed
		}
		if s.restarting != nil {
			ch := s.restarting
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, 0, nil, ctx.Err()
			}
			continue
		}
		if known, ok := s.versions[filePath]; ok && known != version {
			s.mu.Unlock()
			s.Restart("handler version changed: " + filePath)
			continue
		}

		if len(s.inflight) >= s.opts.MaxInflight {
			s.mu.Unlock()
			return nil, 0, nil, protocol.NewCodedError(protocol.CodeOverloaded,
				"worker %s overloaded: %d requests in flight", s.id, s.opts.MaxInflight)
		}
		if err := s.ensureProcLocked(); err != nil {
			s.mu.Unlock()
			return nil, 0, nil, err
		}
		s.versions[filePath] = version
		id := s.nextID
		s.nextID++
		call := &inflightCall{ch: make(chan callResult, 1)}
		call.timer = time.AfterFunc(s.opts.RequestTimeout, func() { s.timeoutCall(id) })
		s.inflight[id] = call
		proc := s.proc
		s.mu.Unlock()
		return proc, id, call, nil
	}
}

// ensureProcLocked spawns the worker if none is live. Caller holds s.mu.
func (s *Supervisor) ensureProcLocked() error {
	if s.proc != nil {
		return nil
	}
	boot := protocol.Bootstrap{
		WorkerID:                 s.id,
		DBSet:                    append([]string(nil), s.dbSet...),
		MemorySampleIntervalMS:   s.opts.MemorySampleInterval.Milliseconds(),
		MaxResponseBytes:         s.opts.MaxResponseBytes,
		MaxOldGenerationSizeMB:   s.opts.MaxOldGenerationSizeMB,
		MaxYoungGenerationSizeMB: s.opts.MaxYoungGenerationSizeMB,
		StackSizeMB:              s.opts.StackSizeMB,
	}
	proc, err := s.start(boot, s.handleMessage)
	if err != nil {
		return fmt.Errorf("supervisor: start worker %s: %w", s.id, err)
	}
	s.proc = proc
	s.state = types.StatusRunning
	go s.watch(proc)
	s.log.Info("worker spawned", "worker", s.id, "pid", proc.PID())
	return nil
}

// watch restarts the supervisor when its current worker dies underneath it.
func (s *Supervisor) watch(proc Process) {
	<-proc.Done()
	s.mu.Lock()
	current := s.proc == proc && s.state == types.StatusRunning
	s.mu.Unlock()
	if current {
		s.Restart("worker exited unexpectedly")
	}
}

// timeoutCall expires one inflight request and rotates the worker, which may
// be stuck: restart is the only guaranteed cancellation.
func (s *Supervisor) timeoutCall(id uint64) {
	s.mu.Lock()
	call, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	call.ch <- callResult{err: protocol.NewCodedError(protocol.CodeTimeout,
		"worker %s request timed out after %s", s.id, s.opts.RequestTimeout)}
	go s.Restart("request timeout")
}

// dropCall removes an inflight record without delivering a result (context
// cancellation, send failure).
func (s *Supervisor) dropCall(id uint64) {
	s.mu.Lock()
	call, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	if ok {
		call.timer.Stop()
	}
}

// handleMessage routes worker-originated frames: by type first, then by
// correlation id. Results for unknown ids (post-timeout, post-restart) are
// dropped.
func (s *Supervisor) handleMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeResult, protocol.TypeInspectResult:
		s.mu.Lock()
		call, ok := s.inflight[msg.ID]
		if ok {
			delete(s.inflight, msg.ID)
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		call.timer.Stop()
		call.ch <- callResult{msg: msg}

	case protocol.TypeMemorySample:
		s.handleMemorySample(msg.MemorySample)
	}
}

func (s *Supervisor) handleMemorySample(sample *protocol.MemorySample) {
	if sample == nil {
		return
	}
	s.mu.Lock()
	s.lastMemory = &types.MemorySnapshot{
		HeapUsed:     sample.HeapUsed,
		RSS:          sample.RSS,
		External:     sample.External,
		ArrayBuffers: sample.ArrayBuffers,
		SampledAt:    time.Now().UnixMilli(),
	}
	inflight := len(s.inflight)
	s.mu.Unlock()

	hard := uint64(s.opts.MemoryHardLimitMB) << 20
	soft := uint64(s.opts.MemorySoftLimitMB) << 20
	switch {
	case sample.HeapUsed > hard:
		go s.Restart("memory hard limit exceeded")
	case sample.HeapUsed > soft && (inflight == 0 || s.opts.SoftLimitAlways):
		go s.Restart("memory soft limit exceeded")
	}
}

// Restart rotates the worker: at most one restart runs at a time, and
// concurrent callers wait for it. The version table is cleared, every
// outstanding call fails with the reason, and a fresh worker is spawned.
func (s *Supervisor) Restart(reason string) {
	s.mu.Lock()
	if s.state == types.StatusClosed {
		s.mu.Unlock()
		return
	}
	if s.restarting != nil {
		ch := s.restarting
		s.mu.Unlock()
		<-ch
		return
	}
	ch := make(chan struct{})
	s.restarting = ch
	s.state = types.StatusRestarting
	calls := s.drainInflightLocked()
	s.versions = make(map[string]string)
	proc := s.proc
	s.proc = nil
	s.restartCount++
	s.lastRestartReason = reason
	s.lastRestartAt = time.Now().UnixMilli()
	s.mu.Unlock()

	s.log.Warn("restarting runtime worker", "worker", s.id, "reason", reason)
	if s.onRestart != nil {
		s.onRestart(s.id, reason)
	}

	restartErr := fmt.Errorf("runtime worker restarted: %s", reason)
	for _, call := range calls {
		call.timer.Stop()
		call.ch <- callResult{err: restartErr}
	}
	if proc != nil {
		proc.Kill()
		<-proc.Done()
	}

	s.mu.Lock()
	if s.state != types.StatusClosed {
		s.state = types.StatusStopped
		if err := s.ensureProcLocked(); err != nil {
			s.log.Error("respawn after restart failed", "worker", s.id, "error", err)
		}
	}
	s.restarting = nil
	s.mu.Unlock()
	close(ch)
}

// ClearCache rotates the worker, discarding every loaded module.
func (s *Supervisor) ClearCache() {
	s.Restart("cache cleared")
}

// Close shuts the supervisor down for good: outstanding calls fail with
// "runtime worker closed", the worker is terminated, and every later call is
// rejected. Idempotent.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.state == types.StatusClosed {
		s.mu.Unlock()
		return
	}
	s.state = types.StatusClosed
	calls := s.drainInflightLocked()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.ch <- callResult{err: ErrClosed}
	}
	if proc != nil {
		proc.Kill()
		<-proc.Done()
	}
	s.log.Info("worker closed", "worker", s.id)
}

// drainInflightLocked empties the inflight table. Caller holds s.mu.
func (s *Supervisor) drainInflightLocked() []*inflightCall {
	calls := make([]*inflightCall, 0, len(s.inflight))
	for _, call := range s.inflight {
		calls = append(calls, call)
	}
	s.inflight = make(map[uint64]*inflightCall)
	return calls
}

// Snapshot returns a value-typed copy of the supervisor state for the meta
// API.
func (s *Supervisor) Snapshot() types.WorkerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	handlers := make([]types.TrackedHandler, 0, len(s.versions))
	for path, version := range s.versions {
		handlers = append(handlers, types.TrackedHandler{FilePath: path, Version: version})
	}
	sort.Slice(handlers, func(i, j int) bool { return handlers[i].FilePath < handlers[j].FilePath })

	snap := types.WorkerSnapshot{
		ID:                s.id,
		Status:            s.state,
		Inflight:          len(s.inflight),
		TrackedHandlers:   len(handlers),
		Handlers:          handlers,
		RestartCount:      s.restartCount,
		LastRestartReason: s.lastRestartReason,
		LastRestartAt:     s.lastRestartAt,
		Limits:            s.opts.Limits(),
		DBSet:             append([]string(nil), s.dbSet...),
		IsFallbackAllDB:   s.isFallbackAllDB,
	}
	if s.proc != nil {
		snap.PID = s.proc.PID()
	}
	if s.lastMemory != nil {
		memory := *s.lastMemory
		snap.Memory = &memory
	}
	return snap
}
