// Package tmux starts and tears down worker sessions.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/botwarden/internal/inspector"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultSettle  = 500 * time.Millisecond
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- arguments are built from configured worker paths
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Scanner snapshots the process table.
type Scanner interface {
	Scan(ctx context.Context) (*inspector.Table, error)
}

type Config struct {
	Interpreter string
	Timeout     time.Duration
	// Settle is how long to wait after a kill or launch before re-sampling.
	Settle time.Duration
}

// Controller owns the tmux side of a worker: one session per worker,
// named <base>_<MMDD>_<N>.
type Controller struct {
	cfg    Config
	runner Runner
	procs  Scanner
	kill   func(ctx context.Context, pid int32) error
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

func New(cfg Config, procs Scanner) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	return &Controller{
		cfg:    cfg,
		runner: ExecRunner{},
		procs:  procs,
		kill:   killPID,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// WithRunner replaces the command runner.
func (c *Controller) WithRunner(r Runner) *Controller {
	c.runner = r
	return c
}

// SessionName is the session base name of a worker: its file name without extension.
func SessionName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// InSession reports whether any of sessions belongs to the worker at path.
func InSession(sessions []string, path string) bool {
	base := SessionName(path)
	for _, s := range sessions {
		if belongs(s, base) {
			return true
		}
	}
	return false
}

func belongs(session, base string) bool {
	return session == base || strings.HasPrefix(session, base+"_")
}

// NextSessionName returns <base>_<MMDD>_<N> where N is one more than the
// highest counter among today's sessions for the worker.
func NextSessionName(sessions []string, path string, now time.Time) string {
	prefix := SessionName(path) + "_" + now.Format("0102") + "_"
	highest := 0
	for _, s := range sessions {
		rest, ok := strings.CutPrefix(s, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n > highest {
			highest = n
		}
	}
	return prefix + strconv.Itoa(highest+1)
}

// ListSessions returns the names of live sessions. No tmux server means no sessions.
func (c *Controller) ListSessions(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "ls", "-F", "#{session_name}")
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux ls: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (c *Controller) HasSession(ctx context.Context, path string) (bool, error) {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return false, err
	}
	return InSession(sessions, path), nil
}

// Terminate kills every session of the worker and then every matching
// process, children first. It keeps going past individual failures.
func (c *Controller) Terminate(ctx context.Context, path string) error {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return err
	}
	base := SessionName(path)
	var errs []error
	for _, s := range sessions {
		if !belongs(s, base) {
			continue
		}
		if _, err := c.run(ctx, "kill-session", "-t", s); err != nil {
			slog.Warn("kill tmux session failed", "session", s, "error", err)
			continue
		}
		slog.Info("killed tmux session", "session", s)
	}

	tbl, err := c.procs.Scan(ctx)
	if err != nil {
		return fmt.Errorf("scan before kill: %w", err)
	}
	killed := 0
	for _, p := range tbl.Matching(path) {
		for _, child := range tbl.Descendants(p.PID) {
			_ = c.kill(ctx, child)
		}
		if err := c.kill(ctx, p.PID); err != nil {
			errs = append(errs, fmt.Errorf("kill %d: %w", p.PID, err))
			continue
		}
		killed++
	}
	if killed > 0 {
		if err := c.sleep(ctx, c.cfg.Settle); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

// Launch tears down the worker and starts it in a fresh session. It returns
// the pids found after settling; an empty slice means the launch did not
// produce a process.
func (c *Controller) Launch(ctx context.Context, path string) ([]int32, error) {
	if err := c.Terminate(ctx, path); err != nil {
		slog.Warn("terminate before launch incomplete", "worker", path, "error", err)
	}
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	name := NextSessionName(sessions, path, c.now())
	command := fmt.Sprintf("%s %q", c.cfg.Interpreter, path)
	if _, err := c.run(ctx, "new-session", "-d", "-s", name, command); err != nil {
		return nil, fmt.Errorf("tmux new-session %s: %w", name, err)
	}
	slog.Info("started tmux session", "session", name, "worker", path)

	if err := c.sleep(ctx, c.cfg.Settle); err != nil {
		return nil, err
	}
	tbl, err := c.procs.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan after launch: %w", err)
	}
	return tbl.SampleWorker(path).PIDs, nil
}

func (c *Controller) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.runner.Run(ctx, "tmux", args...)
}

func killPID(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	return p.KillWithContext(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
