package worker

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"

	"github.com/fluxionhq/fluxion/internal/protocol"
)

// engine owns one JS runtime (via the goja_nodejs event loop) and the
// process-local module cache. All JS-touching work runs on the loop; the
// frame loop and the memory sampler stay off it.
type engine struct {
	boot protocol.Bootstrap
	loop *eventloop.EventLoop
	log  *slog.Logger

	// modules is touched only from the loop goroutine.
	modules map[string]*moduleEntry
	drive   goja.Callable

	// bufferBytes approximates bytes retained by cached module sources and
	// in-flight request bodies; reported as the arrayBuffers sample field.
	bufferBytes atomic.Int64
}

type moduleEntry struct {
	handler goja.Value
	meta    protocol.HandlerMeta
	version string
}

// driveSrc settles any handler return value through the promise machinery,
// so sync returns, async functions, and thenables all take one path.
const driveSrc = `(function(value, done) {
	Promise.resolve(value).then(
		function (v) { done(undefined, v); },
		function (e) { done((e === undefined || e === null) ? new Error("handler rejected") : e, undefined); }
	);
})`

func newEngine(boot protocol.Bootstrap, log *slog.Logger) *engine {
	registry := require.NewRegistry()
	loop := eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(true),
	)
	return &engine{
		boot:    boot,
		loop:    loop,
		log:     log,
		modules: make(map[string]*moduleEntry),
	}
}

// module returns the cached entry for filePath, loading it on first use.
// A cached entry with a different version is a hard protocol failure: the
// supervisor must rotate this worker before the new version becomes
// servable, because an evaluated module cannot be truly unloaded in place.
// Must be called on the loop.
func (e *engine) module(vm *goja.Runtime, filePath, version string) (*moduleEntry, error) {
	if entry, ok := e.modules[filePath]; ok {
		if entry.version == version {
			return entry, nil
		}
		return nil, protocol.NewCodedError(protocol.CodeVersionMismatch,
			"handler version changed: %s (loaded %s, requested %s)", filePath, entry.version, version)
	}

	src, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("worker: read module %s: %w", filePath, err)
	}
	handler, meta, err := loadModule(vm, filePath, string(src))
	if err != nil {
		return nil, err
	}

	entry := &moduleEntry{handler: handler, meta: meta, version: version}
	e.modules[filePath] = entry
	e.bufferBytes.Add(int64(len(src)))
	e.log.Debug("module loaded", "file", filePath, "version", version, "db", meta.DB)
	return entry, nil
}

// checkDB verifies the handler's declared requirements against this worker's
// capability set.
func (e *engine) checkDB(meta protocol.HandlerMeta) error {
	if missing := protocol.MissingFrom(meta.DB, e.boot.DBSet); len(missing) > 0 {
		return protocol.NewCodedError(protocol.CodeDBNotAvailable,
			"handler requires databases %v not available on worker %s", missing, e.boot.WorkerID)
	}
	return nil
}

type executeOutcome struct {
	resp *protocol.HandlerResponse
	meta *protocol.HandlerMeta
	err  error
}

// execute runs one handler request to completion and reports the outcome.
// Requests are handled strictly one at a time, in arrival order.
func (e *engine) execute(req *protocol.ExecuteRequest) *protocol.ExecuteResult {
	start := time.Now()
	bodyLen := int64(len(req.Body))
	e.bufferBytes.Add(bodyLen)
	defer e.bufferBytes.Add(-bodyLen)

	done := make(chan executeOutcome, 1)
	e.loop.RunOnLoop(func(vm *goja.Runtime) {
		entry, err := e.module(vm, req.FilePath, req.Version)
		if err != nil {
			done <- executeOutcome{err: err}
			return
		}
		meta := entry.meta
		if err := e.checkDB(meta); err != nil {
			done <- executeOutcome{meta: &meta, err: err}
			return
		}

		sink := newResponseSink(e.boot.MaxResponseBytes)
		reqObj := buildRequest(vm, req)
		resObj := bindResponse(vm, sink)
		ctxObj := buildContext(vm, e.boot)

		handler, ok := goja.AssertFunction(entry.handler)
		if !ok {
			done <- executeOutcome{meta: &meta, err: badExport(req.FilePath)}
			return
		}
		ret, err := handler(goja.Undefined(), reqObj, resObj, ctxObj)
		if err != nil {
			done <- executeOutcome{meta: &meta, err: sink.failure(jsError(vm, err))}
			return
		}
		if ret == nil {
			ret = goja.Undefined()
		}
		e.settle(vm, ret, func(value goja.Value, thrown goja.Value) {
			if thrown != nil {
				done <- executeOutcome{meta: &meta, err: sink.failure(serializeThrown(thrown))}
				return
			}
			resp, err := sink.finalize(value)
			done <- executeOutcome{resp: resp, meta: &meta, err: err}
		})
	})

	out := <-done
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	result := &protocol.ExecuteResult{
		ElapsedMS: time.Since(start).Milliseconds(),
		HeapUsed:  m.HeapAlloc,
		Meta:      out.meta,
	}
	if out.err != nil {
		result.Error = protocol.PayloadFromError(out.err)
		return result
	}
	result.OK = true
	result.Response = out.resp
	return result
}

// inspect loads (or reuses) the module and returns only its metadata.
func (e *engine) inspect(req *protocol.InspectRequest) *protocol.InspectOutcome {
	done := make(chan *protocol.InspectOutcome, 1)
	e.loop.RunOnLoop(func(vm *goja.Runtime) {
		entry, err := e.module(vm, req.FilePath, req.Version)
		if err != nil {
			done <- &protocol.InspectOutcome{Error: protocol.PayloadFromError(err)}
			return
		}
		if err := e.checkDB(entry.meta); err != nil {
			done <- &protocol.InspectOutcome{Error: protocol.PayloadFromError(err)}
			return
		}
		meta := entry.meta
		done <- &protocol.InspectOutcome{OK: true, Meta: &meta}
	})
	return <-done
}

// settle routes the handler's return value through the promise driver and
// invokes cb exactly once on the loop goroutine.
func (e *engine) settle(vm *goja.Runtime, ret goja.Value, cb func(value goja.Value, thrown goja.Value)) {
	if e.drive == nil {
		prog, err := goja.Compile("fluxion:drive", driveSrc, false)
		if err != nil {
			cb(nil, vm.NewGoError(fmt.Errorf("compile drive helper: %w", err)))
			return
		}
		val, err := vm.RunProgram(prog)
		if err != nil {
			cb(nil, vm.NewGoError(fmt.Errorf("install drive helper: %w", err)))
			return
		}
		drive, ok := goja.AssertFunction(val)
		if !ok {
			cb(nil, vm.NewGoError(fmt.Errorf("drive helper is not callable")))
			return
		}
		e.drive = drive
	}

	doneFn := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		thrown := call.Argument(0)
		if goja.IsUndefined(thrown) || goja.IsNull(thrown) {
			cb(call.Argument(1), nil)
		} else {
			cb(nil, thrown)
		}
		return goja.Undefined()
	})
	if _, err := e.drive(goja.Undefined(), ret, doneFn); err != nil {
		if ex, ok := err.(*goja.Exception); ok {
			cb(nil, ex.Value())
			return
		}
		cb(nil, vm.NewGoError(err))
	}
}
