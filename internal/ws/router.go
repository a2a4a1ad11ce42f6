package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coterm-dev/coterm/internal/host"
	"github.com/coterm-dev/coterm/internal/sessions"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the deployment domain is fixed
		return true
	},
}

// Router upgrades HTTP requests to PTY WebSockets.
type Router struct {
	sessions *sessions.Manager
	log      *zap.Logger
}

// NewRouter creates a WebSocket router over the session manager.
func NewRouter(sm *sessions.Manager, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{sessions: sm, log: logger.Named("router")}
}

// HandlePTY connects a client to a terminal PTY. Identity comes from the
// user_id and user_name query parameters; clients without a user_id are
// view-only.
func (r *Router) HandlePTY(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("sessionId")
	ptyID := req.PathValue("ptyId")
	userID := req.URL.Query().Get("user_id")
	userName := req.URL.Query().Get("user_name")

	session, err := r.sessions.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	hub, err := session.Hub(ptyID)
	if err != nil {
		http.Error(w, "pty not found", http.StatusNotFound)
		return
	}

	r.serve(w, req, hub, userID, userName)
}

// HandleAgent connects a client to the session's agent PTY.
func (r *Router) HandleAgent(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("sessionId")
	userID := req.URL.Query().Get("user_id")
	userName := req.URL.Query().Get("user_name")

	session, err := r.sessions.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	agent, err := session.Agent()
	if err != nil {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}

	r.serve(w, req, agent.Hub(), userID, userName)
}

func (r *Router) serve(w http.ResponseWriter, req *http.Request, hub *host.Hub, userID, userName string) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, hub, userID, userName, r.log)
	if client == nil {
		// Hub already stopped.
		return
	}
	go client.ReadPump()
	go client.WritePump()
}
