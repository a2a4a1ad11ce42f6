package terminal

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records outbound frames without a socket.
type fakeTransport struct {
	mu     sync.Mutex
	json   []map[string]any
	binary [][]byte
	ok     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ok: true}
}

func (f *fakeTransport) SendJSON(v any) bool {
	if !f.ok {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	var m map[string]any
	json.Unmarshal(data, &m)
	f.mu.Lock()
	f.json = append(f.json, m)
	f.mu.Unlock()
	return true
}

func (f *fakeTransport) SendBinary(data []byte) bool {
	if !f.ok {
		return false
	}
	f.mu.Lock()
	f.binary = append(f.binary, data)
	f.mu.Unlock()
	return true
}

func (f *fakeTransport) lastJSON() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.json) == 0 {
		return nil
	}
	return f.json[len(f.json)-1]
}

func (f *fakeTransport) jsonCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.json)
}

func (f *fakeTransport) binaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.binary)
}

func newTestSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	return NewSession(tr, "alice", nil), tr
}

func apply(s *Session, frames ...string) {
	for _, f := range frames {
		s.HandleTextMessage(f)
	}
}

func TestInitialStateIsBlocked(t *testing.T) {
	s, _ := newTestSession(t)
	ts := s.TurnState()
	assert.True(t, ts.InputBlocked)
	assert.Equal(t, BlockNotController, ts.BlockReason)
	assert.False(t, ts.IsController)
}

func TestInputGatedUntilControl(t *testing.T) {
	s, tr := newTestSession(t)

	assert.False(t, s.SendInput("ls\r"))
	assert.False(t, s.SendExecute("ls"))
	assert.Equal(t, 0, tr.binaryCount())
	assert.Equal(t, 0, tr.jsonCount())

	apply(s, `{"type":"control_taken","controller":"alice","controller_name":"Alice"}`)

	assert.True(t, s.SendInput("ls\r"))
	assert.Equal(t, 1, tr.binaryCount())
	assert.True(t, s.SendExecute("ls"))
	assert.Equal(t, map[string]any{"type": "execute", "text": "ls"}, tr.lastJSON())
}

func TestControlCommandsAreNeverGated(t *testing.T) {
	s, tr := newTestSession(t)

	assert.True(t, s.SendResize(120, 40))
	assert.Equal(t, map[string]any{"type": "resize", "cols": float64(120), "rows": float64(40)}, tr.lastJSON())

	assert.True(t, s.TakeControl())
	assert.Equal(t, map[string]any{"type": "take_control"}, tr.lastJSON())

	assert.True(t, s.GrantControl("bob"))
	assert.Equal(t, map[string]any{"type": "grant_control", "to": "bob"}, tr.lastJSON())

	assert.True(t, s.RevokeControl())
	assert.Equal(t, map[string]any{"type": "revoke_control"}, tr.lastJSON())
}

func TestRequestGrantFlow(t *testing.T) {
	s, _ := newTestSession(t)

	apply(s, `{"type":"control_taken","controller":"bob","controller_name":"Bob"}`)
	ts := s.TurnState()
	assert.Equal(t, "bob", ts.Controller)
	assert.True(t, ts.InputBlocked)

	// Optimistic pending flag on send.
	require.True(t, s.RequestControl())
	assert.True(t, s.TurnState().HasPendingRequest)

	// Server echoes the request list, pending flag survives reconciliation.
	apply(s, `{"type":"control_requested","requests":[{"user_id":"alice","name":"Alice"}]}`)
	ts = s.TurnState()
	assert.True(t, ts.HasPendingRequest)
	assert.Len(t, ts.PendingRequests, 1)

	apply(s, `{"type":"control_granted","controller":"alice","controller_name":"Alice"}`)
	ts = s.TurnState()
	assert.True(t, ts.IsController)
	assert.False(t, ts.InputBlocked)
	assert.False(t, ts.HasPendingRequest)
}

func TestRequestControlNotSentLeavesPendingClear(t *testing.T) {
	s, tr := newTestSession(t)
	tr.ok = false

	assert.False(t, s.RequestControl())
	assert.False(t, s.TurnState().HasPendingRequest)
}

func TestControlStateReconcilesPendingFlag(t *testing.T) {
	s, _ := newTestSession(t)

	require.True(t, s.RequestControl())
	assert.True(t, s.TurnState().HasPendingRequest)

	// A snapshot without our request clears the optimistic flag.
	apply(s, `{"type":"control_state","controller":"bob","requests":[]}`)
	assert.False(t, s.TurnState().HasPendingRequest)

	// A snapshot that includes it keeps it set.
	apply(s, `{"type":"control_state","controller":"bob","requests":[{"user_id":"alice"}]}`)
	assert.True(t, s.TurnState().HasPendingRequest)
}

func TestAgentRunningOverridesControl(t *testing.T) {
	s, tr := newTestSession(t)

	apply(s,
		`{"type":"control_taken","controller":"alice"}`,
		`{"type":"agent_state","agent_state":"running"}`,
	)

	ts := s.TurnState()
	assert.True(t, ts.IsController, "control is retained while the agent runs")
	assert.True(t, ts.InputBlocked)
	assert.Equal(t, BlockAgentRunning, ts.BlockReason)
	assert.False(t, s.SendInput("x"))
	assert.Equal(t, 0, tr.binaryCount())

	apply(s, `{"type":"agent_state","agent_state":"paused"}`)
	ts = s.TurnState()
	assert.False(t, ts.InputBlocked)
	assert.True(t, s.SendInput("x"))
}

func TestControlExpiredRevertsController(t *testing.T) {
	s, _ := newTestSession(t)

	apply(s,
		`{"type":"control_taken","controller":"bob","controller_name":"Bob"}`,
		`{"type":"control_expired","controller":"alice"}`,
	)

	ts := s.TurnState()
	assert.Equal(t, "alice", ts.Controller)
	assert.True(t, ts.IsController)
	assert.False(t, ts.InputBlocked)
}

func TestControlRevokedClearsController(t *testing.T) {
	s, _ := newTestSession(t)

	apply(s,
		`{"type":"control_taken","controller":"alice"}`,
		`{"type":"control_revoked"}`,
	)

	ts := s.TurnState()
	assert.Equal(t, "", ts.Controller)
	assert.True(t, ts.InputBlocked)
	assert.Equal(t, BlockNotController, ts.BlockReason)
}

func TestDisconnectResetsTurnAndAgentState(t *testing.T) {
	s, _ := newTestSession(t)

	apply(s,
		`{"type":"control_taken","controller":"alice"}`,
		`{"type":"agent_state","agent_state":"running"}`,
	)
	require.Equal(t, AgentRunning, s.AgentState())

	s.HandleDisconnected()

	ts := s.TurnState()
	assert.Equal(t, "", ts.Controller)
	assert.False(t, ts.IsController)
	assert.False(t, ts.HasPendingRequest)
	assert.True(t, ts.InputBlocked)
	assert.Equal(t, BlockNotController, ts.BlockReason, "reset must not retain the agent reason")
	assert.Equal(t, AgentNone, s.AgentState())
}

func TestControlStateResyncAfterReconnect(t *testing.T) {
	s, _ := newTestSession(t)

	apply(s, `{"type":"control_taken","controller":"alice"}`)
	s.HandleDisconnected()

	apply(s, `{"type":"control_state","controller":"alice","controller_name":"Alice","agent_state":"paused","cwd":"/srv"}`)

	ts := s.TurnState()
	assert.True(t, ts.IsController)
	assert.False(t, ts.InputBlocked)
	assert.Equal(t, AgentPaused, s.AgentState())
	assert.Equal(t, "/srv", s.Cwd())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	s, _ := newTestSession(t)

	apply(s, `{"type":"control_taken","controller":"alice"}`)
	before := s.TurnState()

	apply(s,
		`not json`,
		`{"type":"no_such_event"}`,
		`{"type":"agent_state"}`,
	)

	assert.Equal(t, before, s.TurnState())
}

func TestBinaryOutputFansOut(t *testing.T) {
	s, _ := newTestSession(t)

	var got [][]byte
	unsub := s.OnOutput(func(data []byte) { got = append(got, data) })

	s.HandleBinaryMessage([]byte("hello"))
	require.Len(t, got, 1)
	assert.Equal(t, []byte("hello"), got[0])

	unsub()
	s.HandleBinaryMessage([]byte("bye"))
	assert.Len(t, got, 1)
}

func TestCwdNotifiesOnlyOnChange(t *testing.T) {
	s, _ := newTestSession(t)

	var changes []string
	s.OnCwdChanged(func(cwd string) { changes = append(changes, cwd) })

	apply(s,
		`{"type":"cwd_changed","cwd":"/a"}`,
		`{"type":"cwd_changed","cwd":"/a"}`,
		`{"type":"cwd_changed","cwd":"/b"}`,
	)

	assert.Equal(t, []string{"/a", "/b"}, changes)
	assert.Equal(t, "/b", s.Cwd())
}

func TestPTYClosedNotifies(t *testing.T) {
	s, _ := newTestSession(t)

	closed := false
	s.OnPTYClosed(func() { closed = true })
	apply(s, `{"type":"pty_closed"}`)
	assert.True(t, closed)
}

func TestNoticeAndSideChannelsFanOut(t *testing.T) {
	s, _ := newTestSession(t)

	var level, message string
	s.OnNotice(func(l, m string) { level, message = l, m })

	var audio, tts, stopped json.RawMessage
	s.OnAudio(func(p json.RawMessage) { audio = p })
	s.OnTTSStatus(func(p json.RawMessage) { tts = p })
	s.OnAgentStopped(func(p json.RawMessage) { stopped = p })

	apply(s,
		`{"type":"talkito_notice","level":"error","message":"boom"}`,
		`{"type":"audio","chunk":"AAAA"}`,
		`{"type":"tts_status","status":"idle"}`,
		`{"type":"agent_stopped","exit_code":1}`,
	)

	assert.Equal(t, "error", level)
	assert.Equal(t, "boom", message)
	assert.JSONEq(t, `{"type":"audio","chunk":"AAAA"}`, string(audio))
	assert.JSONEq(t, `{"type":"tts_status","status":"idle"}`, string(tts))
	assert.JSONEq(t, `{"type":"agent_stopped","exit_code":1}`, string(stopped))
}

func TestTurnSubscriberSeesDerivedState(t *testing.T) {
	s, _ := newTestSession(t)

	var states []TurnState
	s.OnTurnState(func(ts TurnState) { states = append(states, ts) })

	apply(s, `{"type":"control_taken","controller":"alice","controller_name":"Alice"}`)
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.True(t, last.IsController)
	assert.False(t, last.InputBlocked)
}
