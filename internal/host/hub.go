package host

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// HubMessage is one frame fanned out to clients. Binary frames carry PTY
// output, text frames carry JSON control events.
type HubMessage struct {
	IsBinary bool
	Data     []byte
}

// ClientInfo holds one connected client's identity and output channel.
type ClientInfo struct {
	UserID string
	Name   string
	Output chan HubMessage
}

// ControlEvent is the wire shape of every JSON event the hub broadcasts.
type ControlEvent struct {
	Type           string    `json:"type"`
	Controller     string    `json:"controller,omitempty"`
	ControllerName string    `json:"controller_name,omitempty"`
	AgentState     string    `json:"agent_state,omitempty"`
	Cwd            string    `json:"cwd,omitempty"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	Requests       []Request `json:"requests,omitempty"`
	Level          string    `json:"level,omitempty"`
	Message        string    `json:"message,omitempty"`
}

// Hub multiplexes one PTY across many clients: PTY output fans out as binary
// frames, turn-taking and lifecycle events as JSON text frames. It is the
// single authority for control grants and agent state.
type Hub struct {
	pty  *PTY
	turn *TurnController
	log  *zap.Logger

	mu      sync.RWMutex
	clients map[chan HubMessage]*ClientInfo

	// Agent mode: human input is dropped while the agent is running.
	agentMode  bool
	agentState string // "running", "paused" or "stopped"; empty if not agent mode

	cwd string // last observed working directory

	register     chan *ClientInfo
	unregister   chan chan HubMessage
	stop         chan struct{}
	stopOnce     sync.Once
	readLoopDone chan struct{}
}

// NewHub creates a hub for p. When creatorID is non-empty that user starts
// out holding control.
func NewHub(p *PTY, creatorID, creatorName string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		pty:          p,
		turn:         NewTurnController(),
		log:          logger.Named("hub"),
		clients:      make(map[chan HubMessage]*ClientInfo),
		register:     make(chan *ClientInfo),
		unregister:   make(chan chan HubMessage),
		stop:         make(chan struct{}),
		readLoopDone: make(chan struct{}),
	}

	h.turn.SetOnExpire(func(userID string) {
		controller, name := h.turn.Controller()
		h.broadcastEvent(ControlEvent{
			Type:           "control_expired",
			From:           userID,
			Controller:     controller,
			ControllerName: name,
		})
	})

	if creatorID != "" {
		h.turn.TakeControl(creatorID, creatorName)
	}
	return h
}

// Run drives the hub until the PTY closes or Stop is called.
func (h *Hub) Run() {
	go h.readLoop()

	for {
		select {
		case info := <-h.register:
			h.mu.Lock()
			h.clients[info.Output] = info
			h.mu.Unlock()
			h.sendControlState(info.Output)

		case client := <-h.unregister:
			h.mu.Lock()
			info, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client)
				if info.UserID != "" {
					h.turn.Disconnect(info.UserID)
				}
			}
			h.mu.Unlock()

		case <-h.readLoopDone:
			// The PTY is gone; tell clients before tearing down.
			h.broadcastEvent(ControlEvent{Type: "pty_closed"})
			h.Stop()
			return

		case <-h.stop:
			h.mu.Lock()
			h.turn.Stop()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) readLoop() {
	defer close(h.readLoopDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := h.pty.Read(buf)
		if err != nil {
			return
		}
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.broadcastBinary(data)
		}
	}
}

// RegisterClient adds a client. Returns false if the hub already stopped.
func (h *Hub) RegisterClient(userID, name string, client chan HubMessage) bool {
	select {
	case h.register <- &ClientInfo{UserID: userID, Name: name, Output: client}:
		return true
	case <-h.stop:
		return false
	}
}

// Unregister removes a client. Safe to call after the hub stopped.
func (h *Hub) Unregister(client chan HubMessage) {
	select {
	case h.unregister <- client:
	case <-h.stop:
		h.mu.Lock()
		if info, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client)
			if info.UserID != "" {
				h.turn.Disconnect(info.UserID)
			}
		}
		h.mu.Unlock()
	}
}

// Stop shuts down the hub and kills the PTY. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.pty.Close()
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Write sends keystrokes to the PTY. Non-controllers are silently dropped,
// as is any human input while an agent is running.
func (h *Hub) Write(userID string, data []byte) (int, error) {
	if h.inputBlocked(userID) {
		return 0, nil
	}
	return h.pty.Write(data)
}

// Execute applies text and a carriage return in one PTY write so the typed
// text and its submission cannot be split by interleaved input.
func (h *Hub) Execute(userID, text string) (int, error) {
	if h.inputBlocked(userID) {
		return 0, nil
	}
	return h.pty.Write(append([]byte(text), '\r'))
}

func (h *Hub) inputBlocked(userID string) bool {
	h.mu.RLock()
	agentBusy := h.agentMode && h.agentState == "running"
	h.mu.RUnlock()

	if agentBusy {
		return true
	}
	return !h.turn.IsController(userID)
}

// WriteAgent bypasses the human input gates. Only for agent-originated
// writes.
func (h *Hub) WriteAgent(data []byte) (int, error) {
	return h.pty.Write(data)
}

// Resize changes the PTY window size.
func (h *Hub) Resize(cols, rows uint16) error {
	return h.pty.Resize(cols, rows)
}

// Signal forwards a signal to the PTY process.
func (h *Hub) Signal(sig Signal) error {
	return h.pty.Signal(sig)
}

// PTY returns the hub's pseudo-terminal.
func (h *Hub) PTY() *PTY {
	return h.pty
}

// Turn exposes the turn controller for configuration.
func (h *Hub) Turn() *TurnController {
	return h.turn
}

// TakeControl attempts to take control of an idle terminal.
func (h *Hub) TakeControl(userID, name string) bool {
	if h.turn.TakeControl(userID, name) {
		h.broadcastEvent(ControlEvent{
			Type:           "control_taken",
			Controller:     userID,
			ControllerName: name,
		})
		return true
	}
	return false
}

// RequestControl queues a request for control. When no one holds control the
// requester gets it immediately instead of queueing.
func (h *Hub) RequestControl(userID, name string) {
	if !h.turn.HasController() {
		if h.turn.TakeControl(userID, name) {
			h.broadcastEvent(ControlEvent{
				Type:           "control_taken",
				Controller:     userID,
				ControllerName: name,
			})
			return
		}
	}

	h.turn.RequestControl(userID, name)
	h.broadcastEvent(ControlEvent{
		Type:     "control_requested",
		From:     userID,
		Requests: h.turn.PendingRequests(),
	})
}

// GrantControl transfers control from the current controller to toUserID.
func (h *Hub) GrantControl(fromUserID, toUserID string) bool {
	if h.turn.GrantControl(fromUserID, toUserID) {
		_, name := h.turn.Controller()
		h.broadcastEvent(ControlEvent{
			Type:           "control_granted",
			From:           fromUserID,
			To:             toUserID,
			Controller:     toUserID,
			ControllerName: name,
		})
		return true
	}
	return false
}

// RevokeControl releases control. Only the controller may revoke.
func (h *Hub) RevokeControl(userID string) bool {
	if h.turn.RevokeControl(userID) {
		h.broadcastEvent(ControlEvent{
			Type: "control_revoked",
			From: userID,
		})
		return true
	}
	return false
}

// Controller returns the current controller's user ID.
func (h *Hub) Controller() string {
	id, _ := h.turn.Controller()
	return id
}

// IsController checks whether userID currently holds control.
func (h *Hub) IsController(userID string) bool {
	return h.turn.IsController(userID)
}

// Reconnect cancels a user's disconnect grace period.
func (h *Hub) Reconnect(userID string) {
	h.turn.Reconnect(userID)
}

// SetAgentMode marks this hub as hosting an agent PTY. While the agent runs,
// human input is dropped regardless of who holds control.
func (h *Hub) SetAgentMode(enabled bool) {
	h.mu.Lock()
	h.agentMode = enabled
	if enabled {
		h.agentState = "running"
	} else {
		h.agentState = ""
	}
	h.mu.Unlock()

	if enabled {
		h.broadcastEvent(ControlEvent{Type: "agent_state", AgentState: "running"})
	}
}

// SetAgentRunning flips the agent between running and paused.
func (h *Hub) SetAgentRunning(running bool) {
	state := "paused"
	if running {
		state = "running"
	}

	h.mu.Lock()
	h.agentState = state
	h.mu.Unlock()

	h.broadcastEvent(ControlEvent{Type: "agent_state", AgentState: state})
}

// SetAgentStopped marks the agent terminated and tells clients. Call before
// Stop so the event still reaches them.
func (h *Hub) SetAgentStopped() {
	h.mu.Lock()
	h.agentState = "stopped"
	h.mu.Unlock()

	h.broadcastEvent(ControlEvent{Type: "agent_state", AgentState: "stopped"})
	h.broadcastEvent(ControlEvent{Type: "agent_stopped"})
}

// IsAgentRunning reports whether this is an agent hub with a running agent.
func (h *Hub) IsAgentRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agentMode && h.agentState == "running"
}

// SetCwd records the PTY's working directory, broadcasting cwd_changed only
// on an actual change.
func (h *Hub) SetCwd(cwd string) {
	h.mu.Lock()
	if cwd == "" || cwd == h.cwd {
		h.mu.Unlock()
		return
	}
	h.cwd = cwd
	h.mu.Unlock()

	h.broadcastEvent(ControlEvent{Type: "cwd_changed", Cwd: cwd})
}

// Notice broadcasts a leveled diagnostic notice to all clients.
func (h *Hub) Notice(level, message string) {
	h.broadcastEvent(ControlEvent{Type: "talkito_notice", Level: level, Message: message})
}

// BroadcastRaw fans out a pre-encoded JSON event, for side channels like
// audio and tts_status whose payloads the hub does not interpret.
func (h *Hub) BroadcastRaw(data []byte) {
	h.broadcastText(data)
}

// sendControlState sends the full resynchronization snapshot to one client.
func (h *Hub) sendControlState(client chan HubMessage) {
	h.mu.RLock()
	agentState := h.agentState
	cwd := h.cwd
	h.mu.RUnlock()

	controller, name := h.turn.Controller()
	event := ControlEvent{
		Type:           "control_state",
		Controller:     controller,
		ControllerName: name,
		Requests:       h.turn.PendingRequests(),
		AgentState:     agentState,
		Cwd:            cwd,
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal control_state failed", zap.Error(err))
		return
	}
	select {
	case client <- HubMessage{Data: data}:
	default:
	}
}

func (h *Hub) broadcastEvent(event ControlEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error("marshal control event failed",
			zap.String("event", event.Type), zap.Error(err))
		return
	}
	h.broadcastText(data)
}

func (h *Hub) broadcastBinary(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg := HubMessage{IsBinary: true, Data: data}
	for client := range h.clients {
		select {
		case client <- msg:
		default:
			// Client buffer full, skip.
		}
	}
}

func (h *Hub) broadcastText(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	msg := HubMessage{Data: data}
	for client := range h.clients {
		select {
		case client <- msg:
		default:
		}
	}
}
