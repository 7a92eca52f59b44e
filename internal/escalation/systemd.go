package escalation

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/loykin/botwarden/internal/inspector"
)

// CommandFunc runs an external command.
type CommandFunc func(ctx context.Context, name string, args ...string) error

func execCommand(ctx context.Context, name string, args ...string) error {
	// #nosec G204 -- unit and process names come from configuration
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// Scanner snapshots the process table.
type Scanner interface {
	Scan(ctx context.Context) (*inspector.Table, error)
}

// Pinger checks that the database accepts connections.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Systemd manages the database through systemctl. The service counts as
// running when its process is present and, if a Pinger is set, it answers.
type Systemd struct {
	Unit        string
	ProcessName string
	Sudo        bool
	Timeout     time.Duration
	Procs       Scanner
	Pinger      Pinger
	Command     CommandFunc
}

func (s *Systemd) Name() string { return s.Unit }

func (s *Systemd) Restart(ctx context.Context) error {
	return s.exec(ctx, "systemctl", "restart", s.Unit)
}

func (s *Systemd) Kill(ctx context.Context) error {
	return s.exec(ctx, "pkill", "-9", s.ProcessName)
}

func (s *Systemd) Running(ctx context.Context) (bool, error) {
	tbl, err := s.Procs.Scan(ctx)
	if err != nil {
		return false, err
	}
	if !tbl.ServiceRunning(s.ProcessName) {
		return false, nil
	}
	if s.Pinger == nil {
		return true, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	return s.Pinger.Ping(ctx) == nil, nil
}

// Reboot restarts the host.
func (s *Systemd) Reboot(ctx context.Context) error {
	return s.exec(ctx, "reboot")
}

func (s *Systemd) exec(ctx context.Context, name string, args ...string) error {
	if s.Sudo {
		args = append([]string{name}, args...)
		name = "sudo"
	}
	run := s.Command
	if run == nil {
		run = execCommand
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()
	return run(ctx, name, args...)
}

func (s *Systemd) timeout() time.Duration {
	if s.Timeout <= 0 {
		return 30 * time.Second
	}
	return s.Timeout
}
