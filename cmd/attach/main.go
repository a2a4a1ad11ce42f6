// Command attach connects a local terminal to a shared PTY. Output streams
// to stdout; keystrokes are forwarded only while the local user holds
// control and no agent is running.
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/coterm-dev/coterm/internal/config"
	"github.com/coterm-dev/coterm/internal/logging"
	"github.com/coterm-dev/coterm/internal/terminal"
	"github.com/coterm-dev/coterm/internal/wsconn"
)

func main() {
	var (
		hostAddr  = flag.String("host", "localhost:8080", "host address")
		sessionID = flag.String("session", "", "session id")
		ptyID     = flag.String("pty", "", "pty id (empty with -agent attaches to the agent pty)")
		agentPTY  = flag.Bool("agent", false, "attach to the session's agent pty")
		userID    = flag.String("user", "", "user id")
		userName  = flag.String("name", "", "display name")
		take      = flag.Bool("take", false, "take control on connect")
	)
	flag.Parse()

	if *sessionID == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: attach -session <id> -user <id> [-pty <id> | -agent]")
		os.Exit(1)
	}
	if !*agentPTY && *ptyID == "" {
		fmt.Fprintln(os.Stderr, "attach: either -pty or -agent is required")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level})
	if err != nil {
		logger = logging.NewDefault()
	}
	defer logger.Sync()

	var path string
	if *agentPTY {
		path = fmt.Sprintf("/sessions/%s/agent/ws", *sessionID)
	} else {
		path = fmt.Sprintf("/sessions/%s/ptys/%s/ws", *sessionID, *ptyID)
	}
	u := url.URL{
		Scheme: "ws",
		Host:   *hostAddr,
		Path:   path,
		RawQuery: url.Values{
			"user_id":   {*userID},
			"user_name": {*userName},
		}.Encode(),
	}

	conn := wsconn.New(wsconn.Options{
		URL:               u.String(),
		BaseDelay:         cfg.Client.ReconnectBaseDelay,
		MaxDelay:          cfg.Client.ReconnectMaxDelay,
		Factor:            cfg.Client.ReconnectFactor,
		MaxAttempts:       cfg.Client.MaxReconnects,
		HeartbeatInterval: cfg.Client.HeartbeatInterval,
		Logger:            logger,
	})
	session := terminal.Attach(conn, *userID, logger)

	session.OnOutput(func(data []byte) {
		os.Stdout.Write(data)
	})
	session.OnTurnState(func(ts terminal.TurnState) {
		switch {
		case ts.IsController && !ts.InputBlocked:
			banner("you have control")
		case ts.BlockReason == terminal.BlockAgentRunning:
			banner("agent running, input blocked")
		case ts.Controller == "":
			banner("no one has control (take with take_control)")
		case !ts.IsController:
			who := ts.ControllerName
			if who == "" {
				who = ts.Controller
			}
			banner(fmt.Sprintf("%s has control", who))
		}
	})
	session.OnNotice(func(level, message string) {
		banner(fmt.Sprintf("[%s] %s", level, message))
	})
	session.OnPTYClosed(func() {
		banner("terminal closed")
	})
	session.OnCwdChanged(func(cwd string) {
		banner("cwd: " + cwd)
	})

	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() { doneOnce.Do(func() { close(done) }) }
	conn.OnStateChange(func(st wsconn.State) {
		switch st {
		case wsconn.StateReconnecting:
			banner("reconnecting...")
		case wsconn.StateConnected:
			banner("connected")
			sendSize(session)
			if *take {
				session.TakeControl()
			}
		case wsconn.StateFailed:
			banner("connection failed, giving up")
			finish()
		}
	})

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach: stdin is not a terminal: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	conn.Connect()

	// Track window size changes.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			sendSize(session)
		}
	}()

	// Pump stdin; Ctrl-Q detaches.
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				finish()
				return
			}
			for i := 0; i < n; i++ {
				if buf[i] == 0x11 { // Ctrl-Q
					finish()
					return
				}
			}
			session.SendRawInput(append([]byte(nil), buf[:n]...))
		}
	}()

	<-done
	conn.Disconnect()
}

func sendSize(session *terminal.Session) {
	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		session.SendResize(uint16(cols), uint16(rows))
	}
}

func banner(msg string) {
	fmt.Fprintf(os.Stderr, "\r\n[coterm] %s\r\n", msg)
}
