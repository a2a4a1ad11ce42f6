package terminal

// AgentState is the observed lifecycle state of the autonomous agent driving
// the terminal. The empty value means no agent has been observed this
// session.
type AgentState string

const (
	AgentNone    AgentState = ""
	AgentRunning AgentState = "running"
	AgentPaused  AgentState = "paused"
	AgentStopped AgentState = "stopped"
)

// BlockReason explains why input is currently blocked.
type BlockReason string

const (
	BlockNone          BlockReason = ""
	BlockAgentRunning  BlockReason = "agent_running"
	BlockNotController BlockReason = "not_controller"
)

// TurnState is the client's mirror of who may type. Controller is the user
// ID of the current controller (empty = no one). IsController, InputBlocked
// and BlockReason are derived and never set directly.
type TurnState struct {
	Controller        string
	ControllerName    string
	IsController      bool
	HasPendingRequest bool
	PendingRequests   []ControlRequest
	InputBlocked      bool
	BlockReason       BlockReason
}

// DeriveBlock computes the input gate from exactly two inputs. A running
// agent always overrides human turn-taking.
func DeriveBlock(isController bool, agent AgentState) (blocked bool, reason BlockReason) {
	if agent == AgentRunning {
		return true, BlockAgentRunning
	}
	if !isController {
		return true, BlockNotController
	}
	return false, BlockNone
}

// derive recomputes the derived fields of ts for the given local user and
// agent state. Every mutation of Controller or the agent state must pass
// through here.
func derive(ts TurnState, userID string, agent AgentState) TurnState {
	ts.IsController = ts.Controller != "" && ts.Controller == userID
	ts.InputBlocked, ts.BlockReason = DeriveBlock(ts.IsController, agent)
	return ts
}

// clone returns a copy safe to hand to subscribers.
func (ts TurnState) clone() TurnState {
	out := ts
	if ts.PendingRequests != nil {
		out.PendingRequests = make([]ControlRequest, len(ts.PendingRequests))
		copy(out.PendingRequests, ts.PendingRequests)
	}
	return out
}

// hasRequestFrom reports whether userID appears in the pending list.
func (ts TurnState) hasRequestFrom(userID string) bool {
	for _, r := range ts.PendingRequests {
		if r.UserID == userID {
			return true
		}
	}
	return false
}
