package sessions

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coterm-dev/coterm/internal/host"
)

var (
	ErrPTYNotFound   = errors.New("pty not found")
	ErrNoAgent       = errors.New("no agent running")
	ErrAgentExists   = errors.New("agent already running")
	ErrSessionClosed = errors.New("session closed")
)

// PTYInfo pairs a PTY id with its hub.
type PTYInfo struct {
	ID  string
	Hub *host.Hub
}

// Session groups the PTYs and optional agent sharing one workspace.
type Session struct {
	ID        string
	Workspace string

	log         *zap.Logger
	shell       string
	gracePeriod time.Duration

	mu     sync.RWMutex
	ptys   map[string]*PTYInfo
	agent  *host.Agent
	closed bool
}

// NewSession creates an empty session rooted at workspace.
func NewSession(id, workspace, shell string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		ID:          id,
		Workspace:   workspace,
		log:         logger.Named("session"),
		shell:       shell,
		gracePeriod: host.DefaultGracePeriod,
		ptys:        make(map[string]*PTYInfo),
	}
}

// CreatePTY starts a shell PTY. The creator, when identified, starts out
// holding control.
func (s *Session) CreatePTY(creatorID, creatorName string) (*PTYInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	p, err := host.NewPTY(s.shell, s.Workspace, 80, 24)
	if err != nil {
		return nil, err
	}

	hub := host.NewHub(p, creatorID, creatorName, s.log)
	hub.Turn().SetGracePeriod(s.gracePeriod)
	go hub.Run()
	go host.WatchCwd(p, hub, 2*time.Second)

	info := &PTYInfo{ID: p.ID, Hub: hub}
	s.ptys[p.ID] = info
	return info, nil
}

// Hub returns the hub for a PTY id.
func (s *Session) Hub(ptyID string) (*host.Hub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.ptys[ptyID]
	if !ok {
		return nil, ErrPTYNotFound
	}
	return info.Hub, nil
}

// ListPTYs returns the session's PTYs.
func (s *Session) ListPTYs() []*PTYInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*PTYInfo, 0, len(s.ptys))
	for _, info := range s.ptys {
		out = append(out, info)
	}
	return out
}

// ClosePTY stops one PTY and removes it.
func (s *Session) ClosePTY(ptyID string) error {
	s.mu.Lock()
	info, ok := s.ptys[ptyID]
	if ok {
		delete(s.ptys, ptyID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrPTYNotFound
	}
	info.Hub.Stop()
	return nil
}

// StartAgent launches the agent process for this session. Only one agent
// may run at a time.
func (s *Session) StartAgent(command string) (*host.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.agent != nil && s.agent.State() != host.AgentStopped {
		return nil, ErrAgentExists
	}

	agent, err := host.NewAgent(s.ID, command, s.Workspace, 80, 24, s.log)
	if err != nil {
		return nil, err
	}
	agent.Hub().Turn().SetGracePeriod(s.gracePeriod)
	s.agent = agent
	return agent, nil
}

// Agent returns the session's agent.
func (s *Session) Agent() (*host.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.agent == nil {
		return nil, ErrNoAgent
	}
	return s.agent, nil
}

// Close stops the agent and all PTYs.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	agent := s.agent
	ptys := make([]*PTYInfo, 0, len(s.ptys))
	for _, info := range s.ptys {
		ptys = append(ptys, info)
	}
	s.ptys = make(map[string]*PTYInfo)
	s.mu.Unlock()

	if agent != nil {
		agent.Stop()
	}
	for _, info := range ptys {
		info.Hub.Stop()
	}
	return nil
}
