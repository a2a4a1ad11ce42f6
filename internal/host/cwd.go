package host

import (
	"fmt"
	"os"
	"time"
)

// WatchCwd polls the PTY process's working directory and reports changes to
// the hub until the process exits. On platforms without /proc the readlink
// fails and the loop exits after the first tick.
func WatchCwd(p *PTY, hub *Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.Done():
			return
		case <-ticker.C:
			pid := p.Pid()
			if pid == 0 {
				return
			}
			cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
			if err != nil {
				return
			}
			hub.SetCwd(cwd)
		}
	}
}
