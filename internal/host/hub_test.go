package host

import (
	"bytes"
	"testing"
	"time"
)

func newTestHub(t *testing.T, creatorID, creatorName string) (*Hub, *PTY) {
	t.Helper()
	p, err := NewPTY("/bin/sh", "", 80, 24)
	if err != nil {
		t.Fatalf("NewPTY: %v", err)
	}
	h := NewHub(p, creatorID, creatorName, nil)
	go h.Run()
	t.Cleanup(h.Stop)
	return h, p
}

func registerTestClient(t *testing.T, h *Hub, userID, name string) chan HubMessage {
	t.Helper()
	ch := make(chan HubMessage, 64)
	if !h.RegisterClient(userID, name, ch) {
		t.Fatal("RegisterClient returned false")
	}
	time.Sleep(50 * time.Millisecond)
	return ch
}

// waitForEvent drains ch until a text frame containing needle arrives.
func waitForEvent(t *testing.T, ch chan HubMessage, needle string) []byte {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting for %q", needle)
			}
			if !msg.IsBinary && bytes.Contains(msg.Data, []byte(needle)) {
				return msg.Data
			}
		case <-timeout:
			t.Fatalf("timeout waiting for event containing %q", needle)
		}
	}
}

// waitForBinary drains ch until a binary frame containing needle arrives.
func waitForBinary(t *testing.T, ch chan HubMessage, needle string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting for output %q", needle)
			}
			if msg.IsBinary && bytes.Contains(msg.Data, []byte(needle)) {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for output containing %q", needle)
		}
	}
}

func TestHubSendsControlStateOnRegister(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	ch := registerTestClient(t, h, "bob", "Bob")

	data := waitForEvent(t, ch, `"type":"control_state"`)
	if !bytes.Contains(data, []byte(`"controller":"alice"`)) {
		t.Fatalf("snapshot missing controller: %s", data)
	}
	if !bytes.Contains(data, []byte(`"controller_name":"Alice"`)) {
		t.Fatalf("snapshot missing controller name: %s", data)
	}
}

func TestHubBroadcastsOutputToAllClients(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	chAlice := registerTestClient(t, h, "alice", "Alice")
	chBob := registerTestClient(t, h, "bob", "Bob")

	if _, err := h.Write("alice", []byte("echo hub-output-check\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitForBinary(t, chAlice, "hub-output-check")
	waitForBinary(t, chBob, "hub-output-check")
}

func TestHubDropsNonControllerInput(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	registerTestClient(t, h, "bob", "Bob")

	n, err := h.Write("bob", []byte("echo should-not-run\r"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 0 {
		t.Fatalf("non-controller write wrote %d bytes, want 0", n)
	}
}

func TestHubControlHandoff(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	chBob := registerTestClient(t, h, "bob", "Bob")

	h.RequestControl("bob", "Bob")
	data := waitForEvent(t, chBob, `"type":"control_requested"`)
	if !bytes.Contains(data, []byte(`"user_id":"bob"`)) {
		t.Fatalf("request list missing bob: %s", data)
	}

	if !h.GrantControl("alice", "bob") {
		t.Fatal("GrantControl failed")
	}
	data = waitForEvent(t, chBob, `"type":"control_granted"`)
	if !bytes.Contains(data, []byte(`"controller":"bob"`)) {
		t.Fatalf("grant missing new controller: %s", data)
	}
	if !bytes.Contains(data, []byte(`"controller_name":"Bob"`)) {
		t.Fatalf("grant missing display name: %s", data)
	}

	if !h.RevokeControl("bob") {
		t.Fatal("RevokeControl failed")
	}
	waitForEvent(t, chBob, `"type":"control_revoked"`)

	if !h.TakeControl("alice", "Alice") {
		t.Fatal("TakeControl after revoke failed")
	}
	waitForEvent(t, chBob, `"type":"control_taken"`)
}

func TestHubRequestControlTakesWhenIdle(t *testing.T) {
	h, _ := newTestHub(t, "", "")
	ch := registerTestClient(t, h, "bob", "Bob")

	h.RequestControl("bob", "Bob")
	waitForEvent(t, ch, `"type":"control_taken"`)

	if !h.IsController("bob") {
		t.Fatal("bob should hold control of an idle terminal")
	}
}

func TestHubAgentModeBlocksAllInput(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	ch := registerTestClient(t, h, "alice", "Alice")

	h.SetAgentMode(true)
	waitForEvent(t, ch, `"agent_state":"running"`)

	n, _ := h.Write("alice", []byte("echo blocked\r"))
	if n != 0 {
		t.Fatal("controller input must be dropped while the agent runs")
	}

	h.SetAgentRunning(false)
	waitForEvent(t, ch, `"agent_state":"paused"`)

	if _, err := h.Write("alice", []byte("echo resumed\r")); err != nil {
		t.Fatalf("Write after pause: %v", err)
	}
	waitForBinary(t, ch, "resumed")
}

func TestHubAgentStopped(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	ch := registerTestClient(t, h, "bob", "Bob")

	h.SetAgentMode(true)
	h.SetAgentStopped()

	waitForEvent(t, ch, `"agent_state":"stopped"`)
	waitForEvent(t, ch, `"type":"agent_stopped"`)
}

func TestHubExecuteAppendsCarriageReturn(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	ch := registerTestClient(t, h, "alice", "Alice")

	if _, err := h.Execute("alice", "echo exec-check"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitForBinary(t, ch, "exec-check")

	n, _ := h.Execute("bob", "echo never")
	if n != 0 {
		t.Fatal("Execute by non-controller must be dropped")
	}
}

func TestHubCwdBroadcastOnlyOnChange(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	ch := registerTestClient(t, h, "bob", "Bob")

	h.SetCwd("/tmp")
	waitForEvent(t, ch, `"cwd":"/tmp"`)

	h.SetCwd("/tmp") // no change, no event
	h.SetCwd("/var")
	data := waitForEvent(t, ch, `"type":"cwd_changed"`)
	if !bytes.Contains(data, []byte(`"cwd":"/var"`)) {
		t.Fatalf("expected the /var event next, got: %s", data)
	}
}

func TestHubNotice(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	ch := registerTestClient(t, h, "bob", "Bob")

	h.Notice("warning", "disk almost full")
	data := waitForEvent(t, ch, `"type":"talkito_notice"`)
	if !bytes.Contains(data, []byte(`"level":"warning"`)) {
		t.Fatalf("notice missing level: %s", data)
	}
}

func TestHubBroadcastRaw(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	ch := registerTestClient(t, h, "bob", "Bob")

	h.BroadcastRaw([]byte(`{"type":"audio","chunk":"AAAA"}`))
	waitForEvent(t, ch, `"type":"audio"`)
}

func TestHubPTYClosedOnProcessExit(t *testing.T) {
	h, p := newTestHub(t, "alice", "Alice")
	ch := registerTestClient(t, h, "bob", "Bob")

	p.Signal(SIGKILL)
	waitForEvent(t, ch, `"type":"pty_closed"`)

	// The hub tears down after announcing; the channel must close.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("client channel never closed after pty_closed")
		}
	}
}

func TestHubControlExpiredBroadcast(t *testing.T) {
	h, _ := newTestHub(t, "alice", "Alice")
	h.Turn().SetGracePeriod(50 * time.Millisecond)

	chAlice := registerTestClient(t, h, "alice", "Alice")
	chBob := registerTestClient(t, h, "bob", "Bob")

	h.Unregister(chAlice)
	waitForEvent(t, chBob, `"type":"control_expired"`)

	if h.IsController("alice") {
		t.Fatal("alice should have lost control after the grace period")
	}
}
