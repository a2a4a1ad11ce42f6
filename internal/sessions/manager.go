// Package sessions tracks collaboration sessions: each owns a workspace
// directory, a set of shared PTYs, and at most one agent.
package sessions

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coterm-dev/coterm/internal/host"
)

var ErrSessionNotFound = errors.New("session not found")

// Manager handles session lifecycle.
type Manager struct {
	log           *zap.Logger
	workspaceBase string
	shell         string
	gracePeriod   time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. Workspaces are created under
// workspaceBase; PTYs run shell.
func NewManager(workspaceBase, shell string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		log:           logger.Named("sessions"),
		workspaceBase: workspaceBase,
		shell:         shell,
		gracePeriod:   host.DefaultGracePeriod,
		sessions:      make(map[string]*Session),
	}
}

// SetGracePeriod sets how long a disconnected controller keeps control in
// sessions created afterwards.
func (m *Manager) SetGracePeriod(d time.Duration) {
	if d > 0 {
		m.gracePeriod = d
	}
}

// Create creates a new session with its own workspace directory.
func (m *Manager) Create() (*Session, error) {
	id := uuid.New().String()

	workspace := filepath.Join(m.workspaceBase, id)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, err
	}

	session := NewSession(id, workspace, m.shell, m.log)
	session.gracePeriod = m.gracePeriod

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	m.log.Info("session created", zap.String("session", id))
	return session, nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Delete closes a session and removes its workspace.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	if err := session.Close(); err != nil {
		return err
	}
	os.RemoveAll(session.Workspace)
	m.log.Info("session deleted", zap.String("session", id))
	return nil
}

// List returns all session IDs.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown closes all sessions and removes their workspaces.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
		os.RemoveAll(session.Workspace)
	}
}
