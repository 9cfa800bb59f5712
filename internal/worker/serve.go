// Package worker implements the handler execution side of the runtime: a
// long-lived isolated process that loads .mjs handler modules into an
// embedded JS engine, runs them against synthesized requests, and reports
// typed results over a framed stdio protocol.
package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/dop251/goja"

	"github.com/fluxionhq/fluxion/internal/protocol"
)

// approxStackFrameBytes turns the byte-denominated stack cap into the
// engine's call-depth budget; the interpreter accounts stack in frames, not
// bytes.
const approxStackFrameBytes = 512

func stackFrameBudget(stackSizeMB int) int {
	if stackSizeMB <= 0 {
		return 0
	}
	return (stackSizeMB << 20) / approxStackFrameBytes
}

// Serve runs the worker loop: read the bootstrap frame, then process
// execute/inspect frames FIFO until the input stream closes. The memory
// sampler writes to the same frame writer from its own goroutine, so samples
// may interleave with results on the wire; the dispatcher routes by type
// before ID.
func Serve(r io.Reader, w io.Writer, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	reader := protocol.NewFrameReader(r)
	writer := protocol.NewFrameWriter(w)

	first, err := reader.ReadMessage()
	if err != nil {
		return fmt.Errorf("worker: read bootstrap: %w", err)
	}
	if first.Type != protocol.TypeBootstrap || first.Bootstrap == nil {
		return errors.New("worker: first frame must be a bootstrap")
	}
	boot := *first.Bootstrap
	boot.DBSet = protocol.NormalizeDBSet(boot.DBSet)
	// The old-generation cap maps onto the process soft memory limit. The
	// young-generation cap has no equivalent on a non-generational collector
	// and is surfaced in snapshots only.
	if boot.MaxOldGenerationSizeMB > 0 {
		debug.SetMemoryLimit(int64(boot.MaxOldGenerationSizeMB) << 20)
	}

	eng := newEngine(boot, log)
	eng.loop.Start()
	defer eng.loop.Stop()

	if frames := stackFrameBudget(boot.StackSizeMB); frames > 0 {
		eng.loop.RunOnLoop(func(vm *goja.Runtime) {
			vm.SetMaxCallStackSize(frames)
		})
	}

	stopSampler := eng.startMemorySampler(writer)
	defer stopSampler()

	log.Info("worker started", "worker", boot.WorkerID, "dbSet", boot.DBSet)

	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("worker: read frame: %w", err)
		}
		switch msg.Type {
		case protocol.TypeExecute:
			result := eng.execute(msg.Execute)
			out := &protocol.Message{Type: protocol.TypeResult, ID: msg.ID, Result: result}
			if err := writer.WriteMessage(out); err != nil {
				return fmt.Errorf("worker: write result: %w", err)
			}
		case protocol.TypeInspect:
			outcome := eng.inspect(msg.Inspect)
			out := &protocol.Message{Type: protocol.TypeInspectResult, ID: msg.ID, InspectResult: outcome}
			if err := writer.WriteMessage(out); err != nil {
				return fmt.Errorf("worker: write inspect result: %w", err)
			}
		default:
			log.Warn("worker: dropping unexpected message", "type", msg.Type, "id", msg.ID)
		}
	}
}

// startMemorySampler reports memory usage at the bootstrap interval until
// the returned stop function is called. Sampling never runs on the request
// path.
func (e *engine) startMemorySampler(writer *protocol.FrameWriter) func() {
	interval := time.Duration(e.boot.MemorySampleIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				var m runtime.MemStats
				runtime.ReadMemStats(&m)
				sample := &protocol.MemorySample{
					HeapUsed:     m.HeapAlloc,
					RSS:          m.Sys,
					External:     m.Sys - m.HeapSys,
					ArrayBuffers: uint64(max(e.bufferBytes.Load(), 0)),
				}
				msg := &protocol.Message{Type: protocol.TypeMemorySample, MemorySample: sample}
				if err := writer.WriteMessage(msg); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(stop) }
}
