// Command hostd runs the authoritative shared-terminal host: session and
// PTY management over HTTP, terminal streams and turn-taking over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/coterm-dev/coterm/internal/auth"
	"github.com/coterm-dev/coterm/internal/config"
	"github.com/coterm-dev/coterm/internal/host"
	"github.com/coterm-dev/coterm/internal/logging"
	"github.com/coterm-dev/coterm/internal/sessions"
	"github.com/coterm-dev/coterm/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		logger = logging.NewDefault()
	}
	defer logger.Sync()

	manager := sessions.NewManager(cfg.Host.WorkspaceBase, cfg.Host.Shell, logger)
	manager.SetGracePeriod(cfg.Host.GracePeriod)
	server := NewServer(manager, cfg, logger)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Host.Port,
		Handler: server.Handler(),
	}

	go func() {
		logger.Info("starting host", zap.String("port", cfg.Host.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	manager.Shutdown()
}

// Server wires the HTTP API to the session manager.
type Server struct {
	sessions *sessions.Manager
	cfg      *config.Config
	log      *zap.Logger
	wsRouter *ws.Router
	auth     *auth.Middleware
}

// NewServer creates the host HTTP server.
func NewServer(sm *sessions.Manager, cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		sessions: sm,
		cfg:      cfg,
		log:      logger.Named("http"),
		wsRouter: ws.NewRouter(sm, logger),
		auth:     auth.NewMiddleware(cfg.Host.APIToken),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Session management.
	mux.HandleFunc("POST /sessions", s.auth.RequireAuth(s.handleCreateSession))
	mux.HandleFunc("DELETE /sessions/{sessionId}", s.auth.RequireAuth(s.handleDeleteSession))

	// PTY management.
	mux.HandleFunc("GET /sessions/{sessionId}/ptys", s.auth.RequireAuth(s.handleListPTYs))
	mux.HandleFunc("POST /sessions/{sessionId}/ptys", s.auth.RequireAuth(s.handleCreatePTY))
	mux.HandleFunc("DELETE /sessions/{sessionId}/ptys/{ptyId}", s.auth.RequireAuth(s.handleDeletePTY))

	// Terminal streams.
	mux.HandleFunc("GET /sessions/{sessionId}/ptys/{ptyId}/ws", s.wsRouter.HandlePTY)
	mux.HandleFunc("GET /sessions/{sessionId}/agent/ws", s.wsRouter.HandleAgent)

	// Agent lifecycle.
	mux.HandleFunc("POST /sessions/{sessionId}/agent", s.auth.RequireAuth(s.handleStartAgent))
	mux.HandleFunc("GET /sessions/{sessionId}/agent", s.auth.RequireAuth(s.handleGetAgent))
	mux.HandleFunc("POST /sessions/{sessionId}/agent/pause", s.auth.RequireAuth(s.handlePauseAgent))
	mux.HandleFunc("POST /sessions/{sessionId}/agent/resume", s.auth.RequireAuth(s.handleResumeAgent))
	mux.HandleFunc("POST /sessions/{sessionId}/agent/stop", s.auth.RequireAuth(s.handleStopAgent))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Create()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": session.ID})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("sessionId")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPTYs(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.PathValue("sessionId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	type ptyEntry struct {
		ID string `json:"id"`
	}
	ptys := session.ListPTYs()
	entries := make([]ptyEntry, 0, len(ptys))
	for _, p := range ptys {
		entries = append(entries, ptyEntry{ID: p.ID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ptys": entries})
}

func (s *Server) handleCreatePTY(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.PathValue("sessionId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var body struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
	}
	json.NewDecoder(r.Body).Decode(&body) // empty body = anonymous creator

	info, err := session.CreatePTY(body.UserID, body.UserName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": info.ID})
}

func (s *Server) handleDeletePTY(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.PathValue("sessionId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := session.ClosePTY(r.PathValue("ptyId")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartAgent(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Get(r.PathValue("sessionId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	var body struct {
		Command string `json:"command"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	command := body.Command
	if command == "" {
		command = s.cfg.Host.AgentCommand
	}

	agent, err := session.StartAgent(command)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":    agent.ID(),
		"state": string(agent.State()),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.agentOr404(w, r)
	if agent == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":    agent.ID(),
		"state": string(agent.State()),
	})
}

func (s *Server) handlePauseAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.agentOr404(w, r)
	if agent == nil {
		return
	}
	if err := agent.Pause(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(agent.State())})
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.agentOr404(w, r)
	if agent == nil {
		return
	}
	if err := agent.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(agent.State())})
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.agentOr404(w, r)
	if agent == nil {
		return
	}
	if err := agent.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(agent.State())})
}

func (s *Server) agentOr404(w http.ResponseWriter, r *http.Request) *host.Agent {
	session, err := s.sessions.Get(r.PathValue("sessionId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil
	}
	agent, err := session.Agent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil
	}
	return agent
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
