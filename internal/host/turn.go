package host

import (
	"sync"
	"time"
)

// DefaultGracePeriod is how long a disconnected controller keeps control.
const DefaultGracePeriod = 10 * time.Second

// Request is one outstanding control request.
type Request struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// TurnController enforces single-writer access to one PTY. It tracks the
// current controller, an ordered queue of pending requests, and grace timers
// for controllers that dropped their connection.
type TurnController struct {
	mu sync.RWMutex

	controller     string
	controllerName string
	disconnected   map[string]bool
	graceTimers    map[string]*time.Timer
	requests       []Request
	gracePeriod    time.Duration
	onExpire       func(userID string)
}

// NewTurnController creates a turn controller with the default grace period.
func NewTurnController() *TurnController {
	return &TurnController{
		disconnected: make(map[string]bool),
		graceTimers:  make(map[string]*time.Timer),
		requests:     make([]Request, 0),
		gracePeriod:  DefaultGracePeriod,
	}
}

// SetGracePeriod sets the grace period for disconnected controllers.
func (tc *TurnController) SetGracePeriod(d time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.gracePeriod = d
}

// SetOnExpire sets the callback invoked when a controller's grace period
// expires.
func (tc *TurnController) SetOnExpire(fn func(userID string)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.onExpire = fn
}

// Controller returns the current controller's user ID and display name.
func (tc *TurnController) Controller() (string, string) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.controller, tc.controllerName
}

// HasController returns true if someone currently holds control.
func (tc *TurnController) HasController() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.controller != ""
}

// IsController checks whether userID is the current controller.
func (tc *TurnController) IsController(userID string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.controller != "" && tc.controller == userID
}

// TakeControl succeeds only when no one holds control.
func (tc *TurnController) TakeControl(userID, name string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.controller != "" {
		return false
	}

	tc.controller = userID
	tc.controllerName = name
	delete(tc.disconnected, userID)
	tc.removeRequestLocked(userID)
	return true
}

// RequestControl queues a control request. Controllers and duplicates are
// not queued.
func (tc *TurnController) RequestControl(userID, name string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.controller == userID {
		return
	}
	for _, r := range tc.requests {
		if r.UserID == userID {
			return
		}
	}
	tc.requests = append(tc.requests, Request{UserID: userID, Name: name})
}

// CancelRequest removes a pending control request.
func (tc *TurnController) CancelRequest(userID string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.removeRequestLocked(userID)
}

// PendingRequests returns a copy of the request queue in arrival order.
func (tc *TurnController) PendingRequests() []Request {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	result := make([]Request, len(tc.requests))
	copy(result, tc.requests)
	return result
}

// GrantControl transfers control from the current controller to another
// user. Only the current controller can grant.
func (tc *TurnController) GrantControl(fromUserID, toUserID string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.controller != fromUserID {
		return false
	}

	tc.controller = toUserID
	tc.controllerName = tc.requestNameLocked(toUserID)
	delete(tc.disconnected, toUserID)
	tc.removeRequestLocked(toUserID)

	if timer, ok := tc.graceTimers[fromUserID]; ok {
		timer.Stop()
		delete(tc.graceTimers, fromUserID)
	}
	return true
}

// RevokeControl releases control. Only the controller can revoke.
func (tc *TurnController) RevokeControl(userID string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.controller != userID {
		return false
	}

	tc.controller = ""
	tc.controllerName = ""
	delete(tc.disconnected, userID)

	if timer, ok := tc.graceTimers[userID]; ok {
		timer.Stop()
		delete(tc.graceTimers, userID)
	}
	return true
}

// Disconnect marks a user as disconnected and, if they hold control, starts
// the grace period after which control expires.
func (tc *TurnController) Disconnect(userID string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.disconnected[userID] = true

	if tc.controller == userID {
		if timer, ok := tc.graceTimers[userID]; ok {
			timer.Stop()
		}
		tc.graceTimers[userID] = time.AfterFunc(tc.gracePeriod, func() {
			tc.expireGracePeriod(userID)
		})
	}
}

// Reconnect clears disconnected status and cancels the grace timer.
func (tc *TurnController) Reconnect(userID string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	delete(tc.disconnected, userID)

	if timer, ok := tc.graceTimers[userID]; ok {
		timer.Stop()
		delete(tc.graceTimers, userID)
	}
}

// IsDisconnected checks whether a user is currently disconnected.
func (tc *TurnController) IsDisconnected(userID string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.disconnected[userID]
}

func (tc *TurnController) expireGracePeriod(userID string) {
	var expired bool
	var callback func(string)

	tc.mu.Lock()
	// Only expire if still disconnected and still controller.
	if tc.disconnected[userID] && tc.controller == userID {
		tc.controller = ""
		tc.controllerName = ""
		delete(tc.disconnected, userID)
		expired = true
		callback = tc.onExpire
	}
	delete(tc.graceTimers, userID)
	tc.mu.Unlock()

	// Callback runs outside the lock to avoid deadlock.
	if expired && callback != nil {
		callback(userID)
	}
}

func (tc *TurnController) requestNameLocked(userID string) string {
	for _, r := range tc.requests {
		if r.UserID == userID {
			return r.Name
		}
	}
	return ""
}

func (tc *TurnController) removeRequestLocked(userID string) {
	for i, r := range tc.requests {
		if r.UserID == userID {
			tc.requests = append(tc.requests[:i], tc.requests[i+1:]...)
			return
		}
	}
}

// Stop cancels all grace timers.
func (tc *TurnController) Stop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	for _, timer := range tc.graceTimers {
		timer.Stop()
	}
	tc.graceTimers = make(map[string]*time.Timer)
}
