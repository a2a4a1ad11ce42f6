// Package terminal interprets a shared-terminal WebSocket as terminal
// semantics: binary frames are raw PTY bytes, text frames are control
// events. The Session is the single source of truth for whether the local
// user may type right now.
package terminal

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/coterm-dev/coterm/internal/wsconn"
)

// Transport is the slice of the connection layer the session needs. Both
// send methods report success without error and never queue.
type Transport interface {
	SendJSON(v any) bool
	SendBinary(data []byte) bool
}

// command is an outbound control command.
type command struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`
}

// Session tracks turn-taking and agent state for one (session, pty) pair and
// gates outbound input on it. All local state is advisory: the server is the
// sole authority and every claim is provisional until echoed back in a
// control event.
type Session struct {
	transport Transport
	userID    string
	log       *zap.Logger

	mu    sync.Mutex
	turn  TurnState
	agent AgentState
	cwd   string

	subMu      sync.Mutex
	nextSubID  int
	outputSubs map[int]func([]byte)
	turnSubs   map[int]func(TurnState)
	agentSubs  map[int]func(AgentState)
	cwdSubs    map[int]func(string)
	closedSubs map[int]func()
	audioSubs  map[int]func(json.RawMessage)
	ttsSubs    map[int]func(json.RawMessage)
	stopSubs   map[int]func(json.RawMessage)
	noticeSubs map[int]func(level, message string)
}

// NewSession creates a session on top of an established transport. The
// initial state is blocked: control arrives only via server events.
func NewSession(t Transport, userID string, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		transport:  t,
		userID:     userID,
		log:        logger.Named("terminal"),
		outputSubs: make(map[int]func([]byte)),
		turnSubs:   make(map[int]func(TurnState)),
		agentSubs:  make(map[int]func(AgentState)),
		cwdSubs:    make(map[int]func(string)),
		closedSubs: make(map[int]func()),
		audioSubs:  make(map[int]func(json.RawMessage)),
		ttsSubs:    make(map[int]func(json.RawMessage)),
		stopSubs:   make(map[int]func(json.RawMessage)),
		noticeSubs: make(map[int]func(level, message string)),
	}
	s.turn = derive(TurnState{}, userID, AgentNone)
	return s
}

// Attach builds a session wired to a wsconn.Conn: binary frames feed output
// subscribers, text frames feed the control state machine, and any drop of
// the connection resets turn-taking state.
func Attach(conn *wsconn.Conn, userID string, logger *zap.Logger) *Session {
	s := NewSession(conn, userID, logger)
	conn.SetBinaryHandler(s.HandleBinaryMessage)
	conn.SetTextHandler(s.HandleTextMessage)
	conn.OnStateChange(func(st wsconn.State) {
		switch st {
		case wsconn.StateDisconnected, wsconn.StateReconnecting, wsconn.StateFailed:
			s.HandleDisconnected()
		}
	})
	return s
}

// UserID returns the local user's ID.
func (s *Session) UserID() string {
	return s.userID
}

// TurnState returns a snapshot of the current turn-taking state.
func (s *Session) TurnState() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn.clone()
}

// AgentState returns the last observed agent state.
func (s *Session) AgentState() AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agent
}

// Cwd returns the last reported working directory.
func (s *Session) Cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// SendInput sends text as raw keystroke bytes. Returns false when input is
// blocked or the socket is down.
func (s *Session) SendInput(text string) bool {
	return s.SendRawInput([]byte(text))
}

// SendRawInput sends pre-encoded keystroke bytes, subject to the same gate
// as SendInput.
func (s *Session) SendRawInput(data []byte) bool {
	if !s.allowInput() {
		return false
	}
	return s.transport.SendBinary(data)
}

// SendExecute asks the server to apply text and submit it atomically,
// avoiding a race between separate type and enter frames.
func (s *Session) SendExecute(text string) bool {
	if !s.allowInput() {
		return false
	}
	return s.transport.SendJSON(command{Type: "execute", Text: text})
}

// SendResize reports the emulator's dimensions. Never gated; this layer does
// not track dimensions itself.
func (s *Session) SendResize(cols, rows uint16) bool {
	return s.transport.SendJSON(command{Type: "resize", Cols: cols, Rows: rows})
}

// TakeControl claims an idle terminal. The claim is provisional until the
// server echoes control_taken.
func (s *Session) TakeControl() bool {
	return s.transport.SendJSON(command{Type: "take_control"})
}

// RequestControl asks the current controller for control. The local pending
// flag is set optimistically and reconciled on the next control event.
func (s *Session) RequestControl() bool {
	sent := s.transport.SendJSON(command{Type: "request_control"})
	if sent {
		s.mu.Lock()
		s.turn.HasPendingRequest = true
		turn := s.turn.clone()
		s.mu.Unlock()
		s.notifyTurn(turn)
	}
	return sent
}

// GrantControl hands control to another user. Only honored by the server
// when the local user is the controller.
func (s *Session) GrantControl(userID string) bool {
	return s.transport.SendJSON(command{Type: "grant_control", To: userID})
}

// RevokeControl releases control.
func (s *Session) RevokeControl() bool {
	return s.transport.SendJSON(command{Type: "revoke_control"})
}

func (s *Session) allowInput() bool {
	s.mu.Lock()
	blocked, reason := s.turn.InputBlocked, s.turn.BlockReason
	s.mu.Unlock()
	if blocked {
		s.log.Warn("input blocked", zap.String("reason", string(reason)))
		return false
	}
	return true
}

// HandleBinaryMessage delivers raw PTY output to output subscribers.
func (s *Session) HandleBinaryMessage(data []byte) {
	s.subMu.Lock()
	subs := make([]func([]byte), 0, len(s.outputSubs))
	for _, fn := range s.outputSubs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(data)
	}
}

// HandleTextMessage decodes one control event and applies it. Malformed or
// unknown frames are logged and dropped; the connection stays up.
func (s *Session) HandleTextMessage(text string) {
	ev, err := ParseEvent([]byte(text))
	if err != nil {
		s.log.Warn("dropping control frame", zap.Error(err))
		return
	}
	s.apply(ev)
}

// HandleDisconnected resets turn-taking state. Stale control must never
// survive a drop; the server's next control_state is authoritative.
func (s *Session) HandleDisconnected() {
	s.mu.Lock()
	// Agent state is per-connection knowledge; it resyncs with the next
	// control_state snapshot.
	s.agent = AgentNone
	s.turn = derive(TurnState{}, s.userID, AgentNone)
	turn := s.turn.clone()
	s.mu.Unlock()
	s.notifyTurn(turn)
}

// apply is the exhaustive dispatch over inbound event kinds.
func (s *Session) apply(ev Event) {
	switch ev := ev.(type) {
	case ControlStateEvent:
		s.applyControlState(ev)

	case ControlTakenEvent:
		s.mutateTurn(func(ts *TurnState) {
			ts.Controller = ev.Controller
			ts.ControllerName = ev.ControllerName
			ts.HasPendingRequest = false
		})

	case ControlRequestedEvent:
		s.mutateTurn(func(ts *TurnState) {
			ts.PendingRequests = ev.Requests
			ts.HasPendingRequest = ts.hasRequestFrom(s.userID)
		})

	case ControlGrantedEvent:
		s.mutateTurn(func(ts *TurnState) {
			ts.Controller = ev.Controller
			ts.ControllerName = ev.ControllerName
			ts.HasPendingRequest = false
		})

	case ControlRevokedEvent:
		s.mutateTurn(func(ts *TurnState) {
			ts.Controller = ""
			ts.ControllerName = ""
		})

	case ControlExpiredEvent:
		s.mutateTurn(func(ts *TurnState) {
			ts.Controller = ev.Controller
			ts.ControllerName = ""
			ts.HasPendingRequest = false
		})

	case AgentStateEvent:
		s.mu.Lock()
		s.agent = ev.State
		s.turn = derive(s.turn, s.userID, s.agent)
		agent := s.agent
		turn := s.turn.clone()
		s.mu.Unlock()
		s.notifyAgent(agent)
		s.notifyTurn(turn)

	case PTYClosedEvent:
		s.subMu.Lock()
		subs := make([]func(), 0, len(s.closedSubs))
		for _, fn := range s.closedSubs {
			subs = append(subs, fn)
		}
		s.subMu.Unlock()
		for _, fn := range subs {
			fn()
		}

	case CwdChangedEvent:
		s.applyCwd(ev.Cwd)

	case AudioEvent:
		s.notifyRaw(s.snapshotRaw(&s.audioSubs), ev.Payload)

	case TTSStatusEvent:
		s.notifyRaw(s.snapshotRaw(&s.ttsSubs), ev.Payload)

	case NoticeEvent:
		switch ev.Level {
		case "error":
			s.log.Error("notice", zap.String("message", ev.Message))
		case "warning":
			s.log.Warn("notice", zap.String("message", ev.Message))
		default:
			s.log.Info("notice", zap.String("message", ev.Message))
		}
		s.subMu.Lock()
		subs := make([]func(string, string), 0, len(s.noticeSubs))
		for _, fn := range s.noticeSubs {
			subs = append(subs, fn)
		}
		s.subMu.Unlock()
		for _, fn := range subs {
			fn(ev.Level, ev.Message)
		}

	case AgentStoppedEvent:
		s.notifyRaw(s.snapshotRaw(&s.stopSubs), ev.Payload)
	}
}

func (s *Session) applyControlState(ev ControlStateEvent) {
	s.mu.Lock()
	s.turn.Controller = ev.Controller
	s.turn.ControllerName = ev.ControllerName
	s.turn.PendingRequests = ev.Requests
	s.turn.HasPendingRequest = s.turn.hasRequestFrom(s.userID)
	if ev.AgentState != nil {
		s.agent = *ev.AgentState
	}
	agent := s.agent
	s.turn = derive(s.turn, s.userID, agent)
	turn := s.turn.clone()

	var cwdChanged bool
	var cwd string
	if ev.Cwd != nil && *ev.Cwd != s.cwd {
		s.cwd = *ev.Cwd
		cwd = s.cwd
		cwdChanged = true
	}
	s.mu.Unlock()

	s.notifyTurn(turn)
	if ev.AgentState != nil {
		s.notifyAgent(agent)
	}
	if cwdChanged {
		s.notifyCwd(cwd)
	}
}

func (s *Session) applyCwd(cwd string) {
	s.mu.Lock()
	if cwd == s.cwd {
		// Redundant report; skip subscriber churn.
		s.mu.Unlock()
		return
	}
	s.cwd = cwd
	s.mu.Unlock()
	s.notifyCwd(cwd)
}

// mutateTurn applies fn under the lock, re-derives the gate, and notifies
// turn subscribers.
func (s *Session) mutateTurn(fn func(*TurnState)) {
	s.mu.Lock()
	fn(&s.turn)
	s.turn = derive(s.turn, s.userID, s.agent)
	turn := s.turn.clone()
	s.mu.Unlock()
	s.notifyTurn(turn)
}

// Subscriptions. Each returns a disposer that removes the subscription.

// OnOutput subscribes to raw PTY output bytes.
func (s *Session) OnOutput(fn func([]byte)) func() {
	return subscribe(s, s.outputSubs, fn)
}

// OnTurnState subscribes to turn-taking state changes.
func (s *Session) OnTurnState(fn func(TurnState)) func() {
	return subscribe(s, s.turnSubs, fn)
}

// OnAgentState subscribes to agent state changes.
func (s *Session) OnAgentState(fn func(AgentState)) func() {
	return subscribe(s, s.agentSubs, fn)
}

// OnCwdChanged subscribes to working-directory changes.
func (s *Session) OnCwdChanged(fn func(string)) func() {
	return subscribe(s, s.cwdSubs, fn)
}

// OnPTYClosed subscribes to the underlying process ending.
func (s *Session) OnPTYClosed(fn func()) func() {
	return subscribe(s, s.closedSubs, fn)
}

// OnAudio subscribes to opaque audio payloads.
func (s *Session) OnAudio(fn func(json.RawMessage)) func() {
	return subscribe(s, s.audioSubs, fn)
}

// OnTTSStatus subscribes to opaque text-to-speech status payloads.
func (s *Session) OnTTSStatus(fn func(json.RawMessage)) func() {
	return subscribe(s, s.ttsSubs, fn)
}

// OnAgentStopped subscribes to the agent's final payload.
func (s *Session) OnAgentStopped(fn func(json.RawMessage)) func() {
	return subscribe(s, s.stopSubs, fn)
}

// OnNotice subscribes to leveled diagnostic notices.
func (s *Session) OnNotice(fn func(level, message string)) func() {
	return subscribe(s, s.noticeSubs, fn)
}

func subscribe[T any](s *Session, m map[int]T, fn T) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	m[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(m, id)
		s.subMu.Unlock()
	}
}

func (s *Session) notifyTurn(ts TurnState) {
	s.subMu.Lock()
	subs := make([]func(TurnState), 0, len(s.turnSubs))
	for _, fn := range s.turnSubs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(ts)
	}
}

func (s *Session) notifyAgent(state AgentState) {
	s.subMu.Lock()
	subs := make([]func(AgentState), 0, len(s.agentSubs))
	for _, fn := range s.agentSubs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

func (s *Session) notifyCwd(cwd string) {
	s.subMu.Lock()
	subs := make([]func(string), 0, len(s.cwdSubs))
	for _, fn := range s.cwdSubs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(cwd)
	}
}

func (s *Session) snapshotRaw(m *map[int]func(json.RawMessage)) []func(json.RawMessage) {
	s.subMu.Lock()
	subs := make([]func(json.RawMessage), 0, len(*m))
	for _, fn := range *m {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	return subs
}

func (s *Session) notifyRaw(subs []func(json.RawMessage), payload json.RawMessage) {
	for _, fn := range subs {
		fn(payload)
	}
}
