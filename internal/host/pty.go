// Package host is the authoritative side of the shared-terminal protocol: it
// owns the real PTY, decides who controls it, and broadcasts control events
// to every connected client. Clients only mirror what this package says.
package host

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// Signal types for PTY process control.
type Signal int

const (
	SIGINT  Signal = Signal(syscall.SIGINT)
	SIGTERM Signal = Signal(syscall.SIGTERM)
	SIGKILL Signal = Signal(syscall.SIGKILL)
	SIGSTOP Signal = Signal(syscall.SIGSTOP)
	SIGCONT Signal = Signal(syscall.SIGCONT)
)

// PTY wraps a pseudo-terminal running a shell or agent process.
type PTY struct {
	ID   string
	file *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewPTY starts command in a pty of the given size, rooted at dir when
// non-empty.
func NewPTY(command, dir string, cols, rows uint16) (*PTY, error) {
	cmd := exec.Command(command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	p := &PTY{
		ID:   uuid.New().String(),
		file: ptmx,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Read reads PTY output.
func (p *PTY) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	file := p.file
	p.mu.Unlock()

	return file.Read(buf)
}

// Write sends input to the PTY.
func (p *PTY) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	file := p.file
	p.mu.Unlock()

	return file.Write(data)
}

// Resize changes the PTY window size.
func (p *PTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return os.ErrClosed
	}
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

// Signal sends a signal to the PTY process.
func (p *PTY) Signal(sig Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return os.ErrClosed
	}
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(syscall.Signal(sig))
}

// Pid returns the process id, or 0 when the process is gone.
func (p *PTY) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Close kills the process and closes the PTY file. Idempotent.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return p.file.Close()
}

// Done returns a channel closed when the PTY process exits.
func (p *PTY) Done() <-chan struct{} {
	return p.done
}
