package ws

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestConnectSendsControlStateSnapshot(t *testing.T) {
	server, sm := setupTestServer(t)
	session, _ := sm.Create()
	info, _ := session.CreatePTY("", "")

	conn := dialWithUser(t, server, session.ID, info.ID, "user1", "User One")

	// The first text frame after registration is the snapshot.
	waitForControlEvent(t, conn, "control_state")
}

func TestConnectUnknownSessionFails(t *testing.T) {
	server, _ := setupTestServer(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/sessions/no-such-session/ptys/no-such-pty/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestConnectUnknownPTYFails(t *testing.T) {
	server, sm := setupTestServer(t)
	session, _ := sm.Create()

	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/sessions/" + session.ID + "/ptys/no-such-pty/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown pty")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestAgentEndpointWithoutAgentFails(t *testing.T) {
	server, sm := setupTestServer(t)
	session, _ := sm.Create()

	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/sessions/" + session.ID + "/agent/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail when no agent is running")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}

func TestAgentEndpoint(t *testing.T) {
	server, sm := setupTestServer(t)
	session, _ := sm.Create()
	if _, err := session.StartAgent("/bin/sh"); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/sessions/" + session.ID + "/agent/ws?user_id=viewer&user_name=Viewer"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial agent ws: %v", err)
	}
	defer conn.Close()

	event := waitForControlEvent(t, conn, "control_state")
	if event.AgentState != "running" {
		t.Errorf("agent_state = %q, want running", event.AgentState)
	}
}

func TestOutputBroadcastToMultipleClients(t *testing.T) {
	server, sm := setupTestServer(t)
	session, _ := sm.Create()
	info, _ := session.CreatePTY("user1", "User One")

	conn1 := dialWithUser(t, server, session.ID, info.ID, "user1", "User One")
	conn2 := dialWithUser(t, server, session.ID, info.ID, "", "")
	time.Sleep(50 * time.Millisecond)

	if err := conn1.WriteMessage(websocket.BinaryMessage, []byte("echo fanout-check\r")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitForOutput(t, conn1, "fanout-check")
	waitForOutput(t, conn2, "fanout-check")
}

func TestResizeCommand(t *testing.T) {
	server, sm := setupTestServer(t)
	session, _ := sm.Create()
	info, _ := session.CreatePTY("user1", "User One")

	conn := dialWithUser(t, server, session.ID, info.ID, "user1", "User One")
	time.Sleep(50 * time.Millisecond)

	sendCommand(t, conn, Command{Type: "resize", Cols: 120, Rows: 40})
	time.Sleep(50 * time.Millisecond)

	// stty reports the size the resize set.
	conn.WriteMessage(websocket.BinaryMessage, []byte("stty size\r"))
	waitForOutput(t, conn, "40 120")
}

func TestMalformedCommandIsIgnored(t *testing.T) {
	server, sm := setupTestServer(t)
	session, _ := sm.Create()
	info, _ := session.CreatePTY("user1", "User One")

	conn := dialWithUser(t, server, session.ID, info.ID, "user1", "User One")
	time.Sleep(50 * time.Millisecond)

	conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))

	// The connection survives and still carries traffic.
	conn.WriteMessage(websocket.BinaryMessage, []byte("echo still-alive\r"))
	waitForOutput(t, conn, "still-alive")
}
