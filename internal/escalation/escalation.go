// Package escalation recovers the shared database when memory pressure
// starves it, in four increasingly disruptive stages.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/botwarden/internal/history"
	"github.com/loykin/botwarden/internal/metrics"
)

// ErrInProgress is returned when a recovery is already running.
var ErrInProgress = errors.New("escalation in progress")

type Stage int

const (
	StageIdle Stage = iota
	StageRestartService
	StageStopWorkers
	StageForceRestart
	StageReboot
)

func (s Stage) String() string {
	switch s {
	case StageRestartService:
		return "restart_service"
	case StageStopWorkers:
		return "stop_workers"
	case StageForceRestart:
		return "force_restart"
	case StageReboot:
		return "reboot"
	default:
		return "idle"
	}
}

// Service controls the database the workers depend on.
type Service interface {
	Name() string
	Restart(ctx context.Context) error
	Kill(ctx context.Context) error
	Running(ctx context.Context) (bool, error)
}

type Host interface {
	Reboot(ctx context.Context) error
}

// Stopper stops one worker and its session.
type Stopper interface {
	Terminate(ctx context.Context, path string) error
}

type Config struct {
	LockFile    string
	LockTimeout time.Duration
	Stage1Wait  time.Duration
	Stage2Wait  time.Duration
	Stage3Wait  time.Duration
	KillGrace   time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Minute
	}
	if c.Stage1Wait <= 0 {
		c.Stage1Wait = 60 * time.Second
	}
	if c.Stage2Wait <= 0 {
		c.Stage2Wait = 60 * time.Second
	}
	if c.Stage3Wait <= 0 {
		c.Stage3Wait = 90 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	return c
}

// Result describes one finished run.
type Result struct {
	RunID      string    `json:"run_id"`
	Stage      Stage     `json:"stage"`
	Recovered  bool      `json:"recovered"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// Outcome is the metric label of a result.
func (r Result) Outcome() string {
	switch {
	case r.Recovered:
		return "recovered_stage_" + strconv.Itoa(int(r.Stage))
	case r.Stage == StageReboot:
		return "reboot"
	default:
		return "aborted"
	}
}

type Controller struct {
	cfg     Config
	svc     Service
	host    Host
	stopper Stopper
	sink    history.Sink
	guard   *Guard

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	wg   sync.WaitGroup
	mu   sync.Mutex
	last *Result
}

func New(cfg Config, svc Service, host Host, stopper Stopper, sink history.Sink) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:     cfg,
		svc:     svc,
		host:    host,
		stopper: stopper,
		sink:    sink,
		guard:   NewGuard(cfg.LockFile, cfg.LockTimeout),
		sleep:   sleepCtx,
		now:     time.Now,
	}
}

// Trigger starts a recovery in the background and returns its run id. It
// never blocks on the recovery itself.
func (c *Controller) Trigger(ctx context.Context, cleanable []string) (string, error) {
	token, err := c.acquire()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, token, id, cleanable)
	}()
	return id, nil
}

// Run performs a recovery synchronously.
func (c *Controller) Run(ctx context.Context, cleanable []string) (Result, error) {
	token, err := c.acquire()
	if err != nil {
		return Result{}, err
	}
	return c.run(ctx, token, uuid.NewString(), cleanable), nil
}

// Wait blocks until background runs have returned.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) InProgress() bool { return c.guard.Held() }

// Last returns the most recent finished run.
func (c *Controller) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

func (c *Controller) acquire() (uint64, error) {
	token, err := c.guard.TryAcquire()
	if err != nil {
		return 0, err
	}
	if token == 0 {
		return 0, ErrInProgress
	}
	return token, nil
}

func (c *Controller) run(parent context.Context, token uint64, id string, cleanable []string) Result {
	ctx, cancel := context.WithTimeout(parent, c.cfg.LockTimeout)
	defer cancel()
	released := false
	release := func() {
		if !released {
			c.guard.Release(token)
			released = true
		}
	}
	defer release()

	log := slog.With("run", id, "service", c.svc.Name())
	res := Result{RunID: id, StartedAt: c.now()}
	log.Warn("database escalation started", "cleanable", len(cleanable))

	stage, recovered, err := c.stages(ctx, log, id, cleanable)
	res.Stage, res.Recovered = stage, recovered
	if err != nil {
		res.Error = err.Error()
	}

	if stage == StageReboot && err == nil {
		// the guard must not outlive the host
		release()
		c.audit(ctx, id, stage, "rebooting host")
		log.Error("database still down after all stages, rebooting host")
		if rerr := c.host.Reboot(ctx); rerr != nil {
			res.Error = rerr.Error()
			log.Error("reboot failed", "error", rerr)
		}
	}

	res.FinishedAt = c.now()
	metrics.SetEscalationStage(int(StageIdle))
	metrics.IncEscalation(res.Outcome())
	c.mu.Lock()
	c.last = &res
	c.mu.Unlock()
	log.Info("database escalation finished", "stage", stage.String(), "recovered", recovered, "outcome", res.Outcome())
	return res
}

// stages runs stages 1-3 and returns StageReboot when none recovered the service.
func (c *Controller) stages(ctx context.Context, log *slog.Logger, id string, cleanable []string) (Stage, bool, error) {
	c.enter(log, StageRestartService)
	if err := c.svc.Restart(ctx); err != nil {
		log.Warn("service restart failed", "error", err)
	}
	if ok, err := c.settled(ctx, log, c.cfg.Stage1Wait); err != nil || ok {
		return StageRestartService, ok, err
	}

	c.enter(log, StageStopWorkers)
	for _, path := range cleanable {
		if err := c.stopper.Terminate(ctx, path); err != nil {
			log.Warn("stop worker failed", "worker", path, "error", err)
		}
	}
	c.audit(ctx, id, StageStopWorkers, fmt.Sprintf("stopped %d workers", len(cleanable)))
	if ok, err := c.settled(ctx, log, c.cfg.Stage2Wait); err != nil || ok {
		return StageStopWorkers, ok, err
	}

	c.enter(log, StageForceRestart)
	if err := c.svc.Kill(ctx); err != nil {
		log.Warn("service kill failed", "error", err)
	}
	if err := c.sleep(ctx, c.cfg.KillGrace); err != nil {
		return StageForceRestart, false, err
	}
	if err := c.svc.Restart(ctx); err != nil {
		log.Warn("service restart failed", "error", err)
	}
	if ok, err := c.settled(ctx, log, c.cfg.Stage3Wait); err != nil || ok {
		return StageForceRestart, ok, err
	}

	c.enter(log, StageReboot)
	return StageReboot, false, nil
}

func (c *Controller) enter(log *slog.Logger, s Stage) {
	metrics.SetEscalationStage(int(s))
	log.Warn("escalation stage", "stage", int(s), "action", s.String())
}

// settled waits d and then reports whether the service is back.
func (c *Controller) settled(ctx context.Context, log *slog.Logger, d time.Duration) (bool, error) {
	if err := c.sleep(ctx, d); err != nil {
		return false, err
	}
	ok, err := c.svc.Running(ctx)
	if err != nil {
		log.Warn("service check failed", "error", err)
		return false, nil
	}
	return ok, nil
}

func (c *Controller) audit(ctx context.Context, id string, s Stage, reason string) {
	if c.sink == nil {
		return
	}
	e := history.Event{
		Type:       history.EventEscalation,
		OccurredAt: c.now().UTC(),
		Worker:     c.svc.Name(),
		Reason:     fmt.Sprintf("stage %d %s: %s", int(s), s.String(), reason),
		Trigger:    history.TriggerEscalation,
		RunID:      id,
	}
	if err := c.sink.Send(ctx, e); err != nil {
		slog.Warn("escalation audit failed", "run", id, "error", err)
	}
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
