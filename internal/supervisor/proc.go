package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/fluxionhq/fluxion/internal/protocol"
)

// Process is one live worker as seen by its supervisor.
type Process interface {
	// Send delivers a dispatcher message to the worker.
	Send(msg *protocol.Message) error
	// Kill forcibly terminates the worker. Idempotent.
	Kill()
	// Done is closed once the worker has fully exited.
	Done() <-chan struct{}
	// PID identifies the OS process, or 0 when there is none.
	PID() int
}

// StartFunc spawns a worker, delivers its bootstrap, and arranges for every
// worker-originated message to reach onMessage. The supervisor never touches
// the wire directly, which is what lets tests substitute an in-process
// worker.
type StartFunc func(boot protocol.Bootstrap, onMessage func(*protocol.Message)) (Process, error)

// ExecStart returns the production transport: the current executable
// re-invoked with the hidden worker subcommand, framed protocol over
// stdin/stdout, stderr forwarded to the log.
func ExecStart(log *slog.Logger) StartFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(boot protocol.Bootstrap, onMessage func(*protocol.Message)) (Process, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("supervisor: locate executable: %w", err)
		}
		cmd := exec.Command(exe, "worker")
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("supervisor: worker stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("supervisor: worker stdout: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("supervisor: worker stderr: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("supervisor: start worker process: %w", err)
		}

		p := &execProcess{
			cmd:    cmd,
			writer: protocol.NewFrameWriter(stdin),
			stdin:  stdin,
			done:   make(chan struct{}),
		}

		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				log.Warn("worker stderr", "worker", boot.WorkerID, "line", scanner.Text())
			}
		}()
		go func() {
			reader := protocol.NewFrameReader(stdout)
			for {
				msg, err := reader.ReadMessage()
				if err != nil {
					if err != io.EOF {
						log.Warn("worker stream ended", "worker", boot.WorkerID, "error", err)
					}
					return
				}
				onMessage(msg)
			}
		}()
		go func() {
			cmd.Wait()
			close(p.done)
		}()

		if err := p.writer.WriteMessage(&protocol.Message{Type: protocol.TypeBootstrap, Bootstrap: &boot}); err != nil {
			p.Kill()
			return nil, fmt.Errorf("supervisor: send bootstrap: %w", err)
		}
		return p, nil
	}
}

type execProcess struct {
	cmd    *exec.Cmd
	writer *protocol.FrameWriter
	stdin  io.Closer
	done   chan struct{}
	kill   sync.Once
}

func (p *execProcess) Send(msg *protocol.Message) error {
	return p.writer.WriteMessage(msg)
}

func (p *execProcess) Kill() {
	p.kill.Do(func() {
		p.stdin.Close()
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
	})
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
