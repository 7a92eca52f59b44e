// Package botwarden supervises a fleet of long-running trading bots, each in
// its own tmux session, and keeps the fleet and its database alive.
package botwarden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botwarden/internal/config"
	"github.com/loykin/botwarden/internal/escalation"
	"github.com/loykin/botwarden/internal/history"
	histfactory "github.com/loykin/botwarden/internal/history/factory"
	"github.com/loykin/botwarden/internal/inspector"
	"github.com/loykin/botwarden/internal/metrics"
	"github.com/loykin/botwarden/internal/server"
	"github.com/loykin/botwarden/internal/store"
	storefactory "github.com/loykin/botwarden/internal/store/factory"
	pg "github.com/loykin/botwarden/internal/store/postgres"
	"github.com/loykin/botwarden/internal/supervisor"
	"github.com/loykin/botwarden/internal/tmux"
)

// Re-export the types embedders need.

type Settings = config.Settings

type Report = supervisor.Report

type WorkerReport = supervisor.WorkerReport

type EscalationResult = escalation.Result

type Fleet = config.Fleet

type LineError = config.LineError

// LoadSettings reads a TOML file (optional) with BOTWARDEN_* overrides.
func LoadSettings(path string) (*Settings, error) { return config.Load(path) }

// LoadFleet reads the fleet files named by s the way a cycle would.
func LoadFleet(s *Settings) (*Fleet, []LineError, error) { return config.LoadFleet(s.Files) }

// App is a fully wired supervisor.
type App struct {
	settings   *Settings
	raw        store.Store
	store      *store.Guarded
	sinks      history.Fanout
	pinger     escalation.Pinger
	dbConn     io.Closer
	inspector  *inspector.Inspector
	sessions   *tmux.Controller
	escalation *escalation.Controller
	supervisor *supervisor.Supervisor
}

// New opens the timestamp store and the audit sinks and wires the supervisor.
// An unreachable store is not fatal: the supervisor runs degraded until it
// comes back.
func New(ctx context.Context, s *Settings) (*App, error) {
	if s == nil {
		return nil, errors.New("nil settings")
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	raw, err := storefactory.NewFromDSN(s.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{settings: s, raw: raw}
	a.store = store.NewGuarded(raw, store.Config{
		DSN:             s.Store.DSN,
		Timeout:         s.ProbeTimeout,
		BreakerFailures: s.Store.BreakerFailures,
		BreakerTimeout:  s.Store.BreakerTimeout,
	})
	if err := a.store.EnsureSchema(ctx); err != nil {
		slog.Warn("timestamp store schema not ensured", "error", err)
	}

	for _, dsn := range s.History.DSNs {
		sink, err := histfactory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		a.sinks = append(a.sinks, sink)
	}

	a.inspector = inspector.New(s.Interpreter, s.ProbeTimeout)
	a.sessions = tmux.New(tmux.Config{
		Interpreter: s.Interpreter,
		Timeout:     s.ProbeTimeout,
		Settle:      s.LaunchSettle,
	}, a.inspector)

	if err := a.wirePinger(); err != nil {
		_ = a.Close()
		return nil, err
	}
	db := &escalation.Systemd{
		Unit:        s.Escalation.Service,
		ProcessName: s.Escalation.ProcessName,
		Sudo:        s.Escalation.UseSudo,
		Procs:       a.inspector,
		Pinger:      a.pinger,
	}
	a.escalation = escalation.New(escalation.Config{
		LockFile:    s.Escalation.LockFile,
		LockTimeout: s.Escalation.LockTimeout,
		Stage1Wait:  s.Escalation.Stage1Wait,
		Stage2Wait:  s.Escalation.Stage2Wait,
		Stage3Wait:  s.Escalation.Stage3Wait,
		KillGrace:   s.Escalation.KillGrace,
	}, db, db, a.sessions, a.sinks)

	files := s.Files
	a.supervisor = supervisor.New(supervisor.Options{
		Interval:             s.Interval,
		Cooldown:             s.Cooldown,
		SettleWindow:         s.SettleWindow,
		MemoryCeilingPercent: s.MemoryCeilingPercent,
		HeartbeatSchedule:    s.HeartbeatSchedule,
		HeartbeatCode:        s.HeartbeatCode,
		ServiceProcess:       s.Escalation.ProcessName,
	}, func() (*config.Fleet, []config.LineError, error) {
		return config.LoadFleet(files)
	}, a.inspector, a.sessions, a.store, a.sinks, a.escalation)
	return a, nil
}

// wirePinger picks the connection the recovery uses to tell a live database
// from a merely present process. Without a postgres DSN the process check
// stands alone.
func (a *App) wirePinger() error {
	if dsn := a.settings.Escalation.DSN; dsn != "" {
		if !isPostgresDSN(dsn) {
			return fmt.Errorf("escalation dsn must be postgres, got %q", dsn)
		}
		db, err := pg.New(dsn)
		if err != nil {
			return fmt.Errorf("escalation dsn: %w", err)
		}
		a.pinger, a.dbConn = db, db
		return nil
	}
	if isPostgresDSN(a.settings.Store.DSN) {
		// the raw store: an open breaker must not hide a recovered database
		a.pinger = a.raw
		return nil
	}
	slog.Info("database liveness checked by process only", "process", a.settings.Escalation.ProcessName)
	return nil
}

func isPostgresDSN(dsn string) bool {
	d := strings.ToLower(strings.TrimSpace(dsn))
	return strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://")
}

// Run supervises until ctx is cancelled. When server.addr is set the read-only
// status API is served alongside. A running escalation is cancelled with ctx
// and awaited before Run returns.
func (a *App) Run(ctx context.Context) error {
	var srv *http.Server
	if a.settings.Server.Addr != "" {
		srv = server.NewServer(a.settings.Server.Addr, a.Router("/"))
		slog.Info("status API listening", "addr", a.settings.Server.Addr)
	}
	err := a.supervisor.Run(ctx)
	a.escalation.Wait()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			slog.Warn("status API shutdown", "error", serr)
		}
	}
	return err
}

// RunOnce performs a single cycle and returns its report.
func (a *App) RunOnce(ctx context.Context) Report {
	a.supervisor.Heartbeat(ctx)
	rep := a.supervisor.RunCycle(ctx)
	a.escalation.Wait()
	return rep
}

// Router returns the status API rooted at basePath, e.g. to mount it in
// another server. /healthz turns stale after three missed cycles.
func (a *App) Router(basePath string) *server.Router {
	return server.NewRouter(a.supervisor, a.escalation, basePath, 3*a.settings.Interval)
}

// Handler is a convenience for Router("/").Handler().
func (a *App) Handler() http.Handler { return a.Router("/").Handler() }

// Last returns the report of the latest finished cycle.
func (a *App) Last() (Report, bool) { return a.supervisor.Last() }

// LastEscalation returns the latest finished escalation run.
func (a *App) LastEscalation() (EscalationResult, bool) { return a.escalation.Last() }

// Close releases the store and the audit sinks.
func (a *App) Close() error {
	var errs []error
	if err := a.sinks.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.dbConn != nil {
		if err := a.dbConn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.raw != nil {
		if err := a.raw.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
