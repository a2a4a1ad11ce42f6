// Package wsconn owns a single WebSocket connection's lifecycle: dialing,
// reconnection with exponential backoff, heartbeat, and dispatch of inbound
// frames. It knows nothing about what the frames mean.
package wsconn

import (
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection lifecycle state. Exactly one value is active at a
// time; transitions are observable only through OnStateChange subscribers.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures a Conn. Zero-valued fields fall back to defaults.
type Options struct {
	// URL is the ws:// or wss:// endpoint to dial.
	URL string
	// BaseDelay is the first reconnect delay. Default 1s.
	BaseDelay time.Duration
	// MaxDelay caps the reconnect delay. Default 30s.
	MaxDelay time.Duration
	// Factor is the backoff multiplier. Default 1.5.
	Factor float64
	// MaxAttempts is the reconnect ceiling before the connection is
	// considered failed. Default 10.
	MaxAttempts int
	// HeartbeatInterval enables a periodic {"type":"ping"} JSON frame while
	// connected. Zero disables the heartbeat.
	HeartbeatInterval time.Duration
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Factor <= 0 {
		o.Factor = 1.5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// ReconnectDelay returns the backoff delay for the given attempt count:
// min(BaseDelay * Factor^attempts, MaxDelay).
func (o Options) ReconnectDelay(attempts int) time.Duration {
	d := float64(o.BaseDelay) * math.Pow(o.Factor, float64(attempts))
	if d > float64(o.MaxDelay) {
		return o.MaxDelay
	}
	return time.Duration(d)
}

type pingFrame struct {
	Type string `json:"type"`
}

// Conn manages one logical WebSocket connection across reconnects.
type Conn struct {
	opts Options
	log  *zap.Logger

	mu             sync.Mutex
	ws             *websocket.Conn
	state          State
	attempts       int
	generation     uint64 // bumped on every dial and every Disconnect
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	binaryHandler  func([]byte)
	textHandler    func(string)

	subMu     sync.Mutex
	nextSubID int
	stateSubs map[int]func(State)
	errorSubs map[int]func(error)
}

// New creates a Conn. It does not dial until Connect is called.
func New(opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		opts:      opts,
		log:       opts.Logger.Named("wsconn"),
		state:     StateDisconnected,
		stateSubs: make(map[int]func(State)),
		errorSubs: make(map[int]func(error)),
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetBinaryHandler installs the hook for inbound binary frames.
func (c *Conn) SetBinaryHandler(fn func([]byte)) {
	c.mu.Lock()
	c.binaryHandler = fn
	c.mu.Unlock()
}

// SetTextHandler installs the hook for inbound text frames.
func (c *Conn) SetTextHandler(fn func(string)) {
	c.mu.Lock()
	c.textHandler = fn
	c.mu.Unlock()
}

// OnStateChange subscribes to state transitions. The returned function
// removes the subscription.
func (c *Conn) OnStateChange(fn func(State)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.stateSubs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.stateSubs, id)
		c.subMu.Unlock()
	}
}

// OnError subscribes to transport errors. Errors do not change connection
// state by themselves; the close that follows does.
func (c *Conn) OnError(fn func(error)) func() {
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.errorSubs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.errorSubs, id)
		c.subMu.Unlock()
	}
}

// Connect starts dialing. It is a no-op while already connecting or
// connected. Dialing happens on a background goroutine; the outcome is
// reported through OnStateChange.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.log.Debug("connect ignored", zap.Stringer("state", c.state))
		c.mu.Unlock()
		return
	}
	notify := c.dialLocked()
	c.mu.Unlock()
	notify()
}

// Disconnect closes the connection intentionally: pending timers are
// cancelled, the retry counter resets, and the close is never retried.
// Calling it while already disconnected is a safe no-op.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	// Bumping the generation detaches the read pump and any in-flight dial
	// before the socket closes, so the abnormal-close path cannot fire.
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	c.attempts = 0
	if c.ws != nil {
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.ws.Close()
		c.ws = nil
	}
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	notify()
}

// SendJSON sends v as a text frame. Returns false without error when the
// socket is not open; nothing is queued.
func (c *Conn) SendJSON(v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.ws == nil {
		return false
	}
	if err := c.ws.WriteJSON(v); err != nil {
		c.log.Debug("json write failed", zap.Error(err))
		return false
	}
	return true
}

// SendBinary sends data as a binary frame. Returns false without error when
// the socket is not open; nothing is queued.
func (c *Conn) SendBinary(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.ws == nil {
		return false
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		c.log.Debug("binary write failed", zap.Error(err))
		return false
	}
	return true
}

// dialLocked starts a dial attempt under the current lock and returns the
// deferred state notification.
func (c *Conn) dialLocked() func() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	var notify func()
	if c.attempts > 0 {
		notify = c.setStateLocked(StateReconnecting)
	} else {
		notify = c.setStateLocked(StateConnecting)
	}
	c.generation++
	gen := c.generation
	go c.dial(gen)
	return notify
}

func (c *Conn) dial(gen uint64) {
	ws, resp, err := c.opts.Dialer.Dial(c.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	if gen != c.generation {
		// Superseded by Disconnect or another Connect.
		c.mu.Unlock()
		if err == nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("dial failed", zap.String("url", c.opts.URL), zap.Error(err))
		notify := c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.notifyError(err)
		notify()
		return
	}

	c.ws = ws
	c.attempts = 0
	notify := c.setStateLocked(StateConnected)
	c.startHeartbeatLocked()
	go c.readPump(gen, ws)
	c.mu.Unlock()
	notify()
}

func (c *Conn) readPump(gen uint64, ws *websocket.Conn) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.mu.Lock()
		binary, text := c.binaryHandler, c.textHandler
		c.mu.Unlock()
		switch msgType {
		case websocket.BinaryMessage:
			if binary != nil {
				binary(data)
			}
		case websocket.TextMessage:
			if text != nil {
				text(string(data))
			}
		}
	}
}

func (c *Conn) handleClose(gen uint64, err error) {
	clean := websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway)

	c.mu.Lock()
	if gen != c.generation {
		// An intentional disconnect already ran; nothing to do.
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.ws = nil
	var notify func()
	if clean {
		c.log.Info("connection closed cleanly")
		c.attempts = 0
		notify = c.setStateLocked(StateDisconnected)
	} else {
		c.log.Warn("connection lost", zap.Error(err))
		notify = c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	if !clean {
		c.notifyError(err)
	}
	notify()
}

// scheduleReconnectLocked either arms the reconnect timer or, when attempts
// are exhausted, marks the connection failed. Failed is terminal until the
// caller explicitly reconnects.
func (c *Conn) scheduleReconnectLocked() func() {
	if c.attempts >= c.opts.MaxAttempts {
		c.log.Error("reconnect attempts exhausted",
			zap.Int("attempts", c.attempts))
		return c.setStateLocked(StateFailed)
	}
	delay := c.opts.ReconnectDelay(c.attempts)
	c.attempts++
	c.log.Info("scheduling reconnect",
		zap.Int("attempt", c.attempts), zap.Duration("delay", delay))
	notify := c.setStateLocked(StateReconnecting)
	c.reconnectTimer = time.AfterFunc(delay, c.retry)
	return notify
}

func (c *Conn) retry() {
	c.mu.Lock()
	if c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	notify := c.dialLocked()
	c.mu.Unlock()
	notify()
}

func (c *Conn) startHeartbeatLocked() {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.heartbeatStop = stop
	interval := c.opts.HeartbeatInterval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.SendJSON(pingFrame{Type: "ping"})
			case <-stop:
				return
			}
		}
	}()
}

func (c *Conn) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// setStateLocked records the transition and returns a closure that notifies
// subscribers. Callers invoke it after releasing the lock so a subscriber may
// call back into the Conn.
func (c *Conn) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	return func() { c.notifyState(s) }
}

func (c *Conn) notifyState(s State) {
	c.subMu.Lock()
	subs := make([]func(State), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (c *Conn) notifyError(err error) {
	c.subMu.Lock()
	subs := make([]func(error), 0, len(c.errorSubs))
	for _, fn := range c.errorSubs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(err)
	}
}
