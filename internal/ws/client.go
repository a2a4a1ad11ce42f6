package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coterm-dev/coterm/internal/host"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Command is the JSON shape of every client-to-host control message.
type Command struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`
	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`
}

// Client is the host side of one WebSocket: it routes inbound binary frames
// to the PTY through the turn-taking gate and inbound text frames to the
// control handler, and pumps hub output back out.
type Client struct {
	conn   *websocket.Conn
	hub    *host.Hub
	userID string
	name   string
	log    *zap.Logger
	output chan host.HubMessage
}

// NewClient registers a client with the hub. Returns nil if the hub already
// stopped.
func NewClient(conn *websocket.Conn, hub *host.Hub, userID, name string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		conn:   conn,
		hub:    hub,
		userID: userID,
		name:   name,
		log:    logger.Named("client"),
		output: make(chan host.HubMessage, 256),
	}
	if !hub.RegisterClient(userID, name, c.output) {
		conn.Close()
		return nil
	}
	if userID != "" {
		hub.Reconnect(userID)
	}
	return c
}

// ReadPump reads frames from the socket until it closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c.output)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket closed", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			// Binary = keystrokes. Anonymous clients are view-only.
			if c.userID != "" {
				c.hub.Write(c.userID, data)
			}

		case websocket.TextMessage:
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				c.log.Warn("invalid control command", zap.Error(err))
				continue
			}
			c.handleCommand(cmd)
		}
	}
}

func (c *Client) handleCommand(cmd Command) {
	switch cmd.Type {
	case "resize":
		if cmd.Cols > 0 && cmd.Rows > 0 {
			c.hub.Resize(cmd.Cols, cmd.Rows)
		}

	case "take_control":
		if c.userID != "" {
			c.hub.TakeControl(c.userID, c.name)
		}

	case "request_control":
		if c.userID != "" {
			c.hub.RequestControl(c.userID, c.name)
		}

	case "grant_control":
		if c.userID != "" && cmd.To != "" {
			c.hub.GrantControl(c.userID, cmd.To)
		}

	case "revoke_control":
		if c.userID != "" {
			c.hub.RevokeControl(c.userID)
		}

	case "execute":
		if c.userID != "" && cmd.Text != "" {
			c.hub.Execute(c.userID, cmd.Text)
		}

	case "ping":
		// Client keepalive; presence is sufficient.

	default:
		c.log.Warn("unknown command type", zap.String("type", cmd.Type))
	}
}

// WritePump pumps hub output to the socket and keeps the connection alive
// with protocol-level pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.output:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			frameType := websocket.TextMessage
			if msg.IsBinary {
				frameType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(frameType, msg.Data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// UserID returns the client's user ID.
func (c *Client) UserID() string {
	return c.userID
}
