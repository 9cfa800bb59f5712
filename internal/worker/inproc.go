package worker

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/fluxionhq/fluxion/internal/protocol"
)

// InProcess runs the worker loop inside the current process over in-memory
// pipes. It trades real heap isolation for zero spawn cost, so it exists for
// tests and local development; production supervisors spawn the subprocess
// transport instead.
type InProcess struct {
	writer *protocol.FrameWriter
	toIn   *io.PipeWriter
	fromW  *io.PipeWriter
	done   chan struct{}
	kill   sync.Once
}

// StartInProcess boots a worker goroutine, delivers the bootstrap frame, and
// forwards every worker-originated message to onMessage.
func StartInProcess(boot protocol.Bootstrap, onMessage func(*protocol.Message), log *slog.Logger) (*InProcess, error) {
	if log == nil {
		log = slog.Default()
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	p := &InProcess{
		writer: protocol.NewFrameWriter(inW),
		toIn:   inW,
		fromW:  outW,
		done:   make(chan struct{}),
	}

	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := Serve(inR, outW, log); err != nil {
			log.Error("in-process worker exited", "error", err)
		}
		outW.Close()
	}()

	go func() {
		defer close(p.done)
		reader := protocol.NewFrameReader(outR)
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				break
			}
			onMessage(msg)
		}
		<-serveDone
	}()

	boot.DBSet = protocol.NormalizeDBSet(boot.DBSet)
	if err := p.writer.WriteMessage(&protocol.Message{Type: protocol.TypeBootstrap, Bootstrap: &boot}); err != nil {
		p.Kill()
		return nil, err
	}
	return p, nil
}

// Send delivers one dispatcher message to the worker.
func (p *InProcess) Send(msg *protocol.Message) error {
	select {
	case <-p.done:
		return errors.New("worker: in-process worker is gone")
	default:
	}
	return p.writer.WriteMessage(msg)
}

// Kill tears the pipes down, which ends the worker loop.
func (p *InProcess) Kill() {
	p.kill.Do(func() {
		p.toIn.Close()
		p.fromW.Close()
	})
}

// Done is closed once the worker loop and its reader have exited.
func (p *InProcess) Done() <-chan struct{} { return p.done }

// PID reports 0: there is no separate process.
func (p *InProcess) PID() int { return 0 }
