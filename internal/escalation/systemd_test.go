package escalation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botwarden/internal/inspector"
)

type staticScanner struct{ tbl *inspector.Table }

func (s staticScanner) Scan(context.Context) (*inspector.Table, error) { return s.tbl, nil }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestSystemdCommands(t *testing.T) {
	var got []string
	s := &Systemd{
		Unit:        "postgresql",
		ProcessName: "postgres",
		Sudo:        true,
		Command: func(_ context.Context, name string, args ...string) error {
			got = append(got, name+" "+strings.Join(args, " "))
			return nil
		},
	}
	ctx := context.Background()
	require.NoError(t, s.Restart(ctx))
	require.NoError(t, s.Kill(ctx))
	require.NoError(t, s.Reboot(ctx))
	assert.Equal(t, []string{
		"sudo systemctl restart postgresql",
		"sudo pkill -9 postgres",
		"sudo reboot",
	}, got)

	got = nil
	s.Sudo = false
	require.NoError(t, s.Restart(ctx))
	assert.Equal(t, []string{"systemctl restart postgresql"}, got)
	assert.Equal(t, "postgresql", s.Name())
}

func TestSystemdRunning(t *testing.T) {
	up := inspector.NewTable("python3.11", []inspector.Process{{PID: 5, Name: "postgres"}})
	down := inspector.NewTable("python3.11", nil)
	ctx := context.Background()

	s := &Systemd{ProcessName: "postgres", Procs: staticScanner{down}}
	ok, err := s.Running(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	s.Procs = staticScanner{up}
	ok, err = s.Running(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	s.Pinger = pinger{err: errors.New("connection refused")}
	ok, err = s.Running(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "process up but not accepting connections")

	s.Pinger = pinger{}
	ok, _ = s.Running(ctx)
	assert.True(t, ok)
}
