package terminal

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveBlock(t *testing.T) {
	tests := []struct {
		name         string
		isController bool
		agent        AgentState
		blocked      bool
		reason       BlockReason
	}{
		{"controller, no agent", true, AgentNone, false, BlockNone},
		{"controller, agent paused", true, AgentPaused, false, BlockNone},
		{"controller, agent stopped", true, AgentStopped, false, BlockNone},
		{"controller, agent running", true, AgentRunning, true, BlockAgentRunning},
		{"not controller, no agent", false, AgentNone, true, BlockNotController},
		{"not controller, agent running", false, AgentRunning, true, BlockAgentRunning},
		{"not controller, agent paused", false, AgentPaused, true, BlockNotController},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocked, reason := DeriveBlock(tt.isController, tt.agent)
			assert.Equal(t, tt.blocked, blocked)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestDeriveIsController(t *testing.T) {
	ts := derive(TurnState{Controller: "alice"}, "alice", AgentNone)
	assert.True(t, ts.IsController)
	assert.False(t, ts.InputBlocked)

	ts = derive(TurnState{Controller: "bob"}, "alice", AgentNone)
	assert.False(t, ts.IsController)
	assert.Equal(t, BlockNotController, ts.BlockReason)

	// An empty controller never matches, even for an empty local user ID.
	ts = derive(TurnState{Controller: ""}, "", AgentNone)
	assert.False(t, ts.IsController)
	assert.Equal(t, BlockNotController, ts.BlockReason)
}

// TestDeriveRandomized walks random controller/agent combinations and checks
// the gate invariant holds after every derivation: blocked iff the agent is
// running or the local user is not the controller, with agent_running winning.
func TestDeriveRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	controllers := []string{"", "alice", "bob", "carol"}
	agents := []AgentState{AgentNone, AgentRunning, AgentPaused, AgentStopped}

	ts := TurnState{}
	for i := 0; i < 1000; i++ {
		ts.Controller = controllers[rng.Intn(len(controllers))]
		agent := agents[rng.Intn(len(agents))]
		ts = derive(ts, "alice", agent)

		wantController := ts.Controller == "alice"
		assert.Equal(t, wantController, ts.IsController)

		switch {
		case agent == AgentRunning:
			assert.True(t, ts.InputBlocked)
			assert.Equal(t, BlockAgentRunning, ts.BlockReason)
		case !wantController:
			assert.True(t, ts.InputBlocked)
			assert.Equal(t, BlockNotController, ts.BlockReason)
		default:
			assert.False(t, ts.InputBlocked)
			assert.Equal(t, BlockNone, ts.BlockReason)
		}
	}
}

func TestCloneCopiesPendingRequests(t *testing.T) {
	ts := TurnState{PendingRequests: []ControlRequest{{UserID: "bob"}}}
	cp := ts.clone()
	cp.PendingRequests[0].UserID = "mallory"
	assert.Equal(t, "bob", ts.PendingRequests[0].UserID)
}
