package escalation

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Guard makes sure at most one escalation runs at a time. An in-process
// holder expires after timeout so a stuck run cannot wedge the supervisor.
// The lock file keeps a second supervisor instance out and carries the start
// time for operators.
type Guard struct {
	path    string
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   uint64
	held    bool
	started time.Time
	file    *flock.Flock
}

func NewGuard(path string, timeout time.Duration) *Guard {
	return &Guard{path: path, timeout: timeout, now: time.Now}
}

// TryAcquire returns a non-zero token when the guard was taken.
func (g *Guard) TryAcquire() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.held {
		if now.Sub(g.started) < g.timeout {
			return 0, nil
		}
		slog.Warn("escalation guard expired, taking over", "started", g.started, "timeout", g.timeout)
		g.unlockFile()
	}

	if g.path != "" {
		fl := flock.New(g.path)
		locked, err := fl.TryLock()
		if err != nil {
			return 0, fmt.Errorf("lock %s: %w", g.path, err)
		}
		if !locked {
			_ = fl.Close()
			started, ok := readStamp(g.path)
			if !ok || now.Sub(started) < g.timeout {
				return 0, nil
			}
			// the other holder outlived its deadline; run without the file lock
			slog.Warn("escalation lock file is stale, ignoring it", "path", g.path, "started", started)
		} else {
			g.file = fl
			if err := os.WriteFile(g.path, []byte(strconv.FormatInt(now.Unix(), 10)), 0o600); err != nil {
				slog.Warn("write escalation lock stamp failed", "path", g.path, "error", err)
			}
		}
	}

	g.token++
	g.held = true
	g.started = now
	return g.token, nil
}

// Release frees the guard if token still owns it.
func (g *Guard) Release(token uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held || token != g.token {
		return
	}
	g.held = false
	g.started = time.Time{}
	g.unlockFile()
}

// Held reports whether a run holds the guard and has not expired.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held && g.now().Sub(g.started) < g.timeout
}

func (g *Guard) unlockFile() {
	if g.file == nil {
		return
	}
	_ = os.Remove(g.path)
	_ = g.file.Unlock()
	g.file = nil
}

func readStamp(path string) (time.Time, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}
