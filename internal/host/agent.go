package host

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AgentState is the agent process lifecycle state.
type AgentState string

const (
	AgentRunning AgentState = "running"
	AgentPaused  AgentState = "paused"
	AgentStopped AgentState = "stopped"
)

var (
	ErrAgentStopped = errors.New("agent is stopped")
)

// Agent supervises an autonomous agent process attached to its own PTY.
// While the agent runs, its hub drops all human input; pausing hands the
// terminal back to whoever holds control.
type Agent struct {
	id  string
	pty *PTY
	hub *Hub
	log *zap.Logger

	mu    sync.RWMutex
	state AgentState
}

// NewAgent starts command in an agent-mode PTY.
func NewAgent(id, command, dir string, cols, rows uint16, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := NewPTY(command, dir, cols, rows)
	if err != nil {
		return nil, err
	}

	hub := NewHub(p, "", "", logger) // agent PTYs have no human creator
	hub.SetAgentMode(true)
	go hub.Run()
	go WatchCwd(p, hub, 2*time.Second)

	a := &Agent{
		id:    id,
		pty:   p,
		hub:   hub,
		log:   logger.Named("agent"),
		state: AgentRunning,
	}
	hub.Notice("info", "agent started")
	return a, nil
}

// ID returns the agent's identifier.
func (a *Agent) ID() string {
	return a.id
}

// State returns the agent's current state.
func (a *Agent) State() AgentState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Hub returns the PTY hub for WebSocket connections.
func (a *Agent) Hub() *Hub {
	return a.hub
}

// Write sends input to the agent PTY.
func (a *Agent) Write(data []byte) (int, error) {
	a.mu.RLock()
	state := a.state
	a.mu.RUnlock()

	if state == AgentStopped {
		return 0, ErrAgentStopped
	}
	return a.pty.Write(data)
}

// Pause stops the agent with SIGSTOP and unblocks human input.
func (a *Agent) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == AgentStopped {
		return ErrAgentStopped
	}
	if a.state == AgentPaused {
		return nil
	}

	if err := a.pty.Signal(SIGSTOP); err != nil {
		return err
	}

	a.state = AgentPaused
	a.hub.SetAgentRunning(false)
	return nil
}

// Resume continues the agent with SIGCONT and blocks human input again.
func (a *Agent) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == AgentStopped {
		return ErrAgentStopped
	}
	if a.state == AgentRunning {
		return nil
	}

	if err := a.pty.Signal(SIGCONT); err != nil {
		return err
	}

	a.state = AgentRunning
	a.hub.SetAgentRunning(true)
	return nil
}

// Stop terminates the agent with escalating signals: SIGINT three times,
// then SIGTERM, then SIGKILL.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.state == AgentStopped {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	// A paused process cannot handle signals; resume first.
	a.Resume()

	done := a.pty.Done()

	for i := 0; i < 3; i++ {
		a.pty.Signal(SIGINT)
		select {
		case <-done:
			a.markStopped()
			return nil
		case <-time.After(500 * time.Millisecond):
		}
	}

	a.pty.Signal(SIGTERM)
	select {
	case <-done:
		a.markStopped()
		return nil
	case <-time.After(time.Second):
	}

	a.pty.Signal(SIGKILL)
	select {
	case <-done:
	case <-time.After(time.Second):
		a.log.Warn("agent did not exit after SIGKILL, closing pty anyway",
			zap.String("agent", a.id))
	}
	a.markStopped()
	return nil
}

func (a *Agent) markStopped() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = AgentStopped
	a.hub.Notice("info", "agent stopped")
	a.hub.SetAgentStopped() // notify clients before closing
	a.hub.Stop()
	a.pty.Close()
}

// Resize changes the agent PTY window size.
func (a *Agent) Resize(cols, rows uint16) error {
	a.mu.RLock()
	state := a.state
	a.mu.RUnlock()

	if state == AgentStopped {
		return ErrAgentStopped
	}
	return a.pty.Resize(cols, rows)
}
