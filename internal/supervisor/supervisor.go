// Package supervisor runs the polling cycle that keeps the fleet alive.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/botwarden/internal/config"
	"github.com/loykin/botwarden/internal/escalation"
	"github.com/loykin/botwarden/internal/health"
	"github.com/loykin/botwarden/internal/history"
	"github.com/loykin/botwarden/internal/inspector"
	"github.com/loykin/botwarden/internal/metrics"
	"github.com/loykin/botwarden/internal/policy"
	"github.com/loykin/botwarden/internal/store"
	"github.com/loykin/botwarden/internal/throttle"
	"github.com/loykin/botwarden/internal/tmux"
)

// Inspector samples the process table and host memory.
type Inspector interface {
	Scan(ctx context.Context) (*inspector.Table, error)
	SystemMemory(ctx context.Context) (float64, error)
}

// Sessions starts and stops worker sessions.
type Sessions interface {
	ListSessions(ctx context.Context) ([]string, error)
	Launch(ctx context.Context, path string) ([]int32, error)
	Terminate(ctx context.Context, path string) error
}

// Escalator runs the database recovery in the background.
type Escalator interface {
	Trigger(ctx context.Context, cleanable []string) (string, error)
	InProgress() bool
}

// FleetLoader returns the worker set for a cycle.
type FleetLoader func() (*config.Fleet, []config.LineError, error)

type Options struct {
	Interval             time.Duration
	Cooldown             time.Duration
	SettleWindow         time.Duration
	MemoryCeilingPercent float64
	HeartbeatSchedule    string
	HeartbeatCode        string
	// ServiceProcess is the database process name compared against worker
	// memory under pressure.
	ServiceProcess string
	// RecycleGrace is the pause between stopping and relaunching the fleet.
	RecycleGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.MemoryCeilingPercent <= 0 {
		o.MemoryCeilingPercent = 90
	}
	if o.HeartbeatSchedule == "" {
		o.HeartbeatSchedule = "@every 2m"
	}
	if o.RecycleGrace <= 0 {
		o.RecycleGrace = 2 * time.Second
	}
	return o
}

type Supervisor struct {
	opts      Options
	fleet     FleetLoader
	procs     Inspector
	sessions  Sessions
	store     store.Store
	sink      history.Sink
	escalator Escalator

	engine *policy.Engine
	queue  *throttle.Queue
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	last     *Report
	lastMode config.Mode
	lastSum  string
	lastErrs string
}

// New wires a supervisor. sink and escalator may be nil.
func New(opts Options, fleet FleetLoader, procs Inspector, sessions Sessions, st store.Store, sink history.Sink, escalator Escalator) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		opts:      opts,
		fleet:     fleet,
		procs:     procs,
		sessions:  sessions,
		store:     st,
		sink:      sink,
		escalator: escalator,
		engine:    policy.NewEngine(),
		queue:     throttle.New(opts.Cooldown, opts.SettleWindow),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Last returns the report of the most recent finished cycle.
func (s *Supervisor) Last() (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Run cycles every Interval until ctx is cancelled, starting immediately. A
// cycle in flight is finished before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.opts.HeartbeatSchedule, func() { s.Heartbeat(ctx) }); err != nil {
		return fmt.Errorf("heartbeat schedule %q: %w", s.opts.HeartbeatSchedule, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	slog.Info("supervisor started", "interval", s.opts.Interval, "heartbeat", s.opts.HeartbeatSchedule)
	s.Heartbeat(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		s.RunCycle(ctx)
		select {
		case <-ctx.Done():
			slog.Info("supervisor stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Heartbeat records that the supervisor is alive. It never decides anything.
func (s *Supervisor) Heartbeat(ctx context.Context) {
	if s.opts.HeartbeatCode == "" {
		return
	}
	rec := store.Record{Code: s.opts.HeartbeatCode, LastTimestamp: s.now().UTC(), Alert: false, Log: store.HeartbeatLog}
	if err := s.store.Upsert(ctx, rec); err != nil {
		slog.Warn("heartbeat write failed", "code", s.opts.HeartbeatCode, "error", err)
	}
}

// RunCycle evaluates the whole fleet once and applies the decisions.
func (s *Supervisor) RunCycle(ctx context.Context) Report {
	start := s.now()
	rep := Report{StartedAt: start, Counts: map[string]int{}}
	defer func() {
		rep.FinishedAt = s.now()
		metrics.ObserveCycle(rep.FinishedAt.Sub(start).Seconds())
		s.mu.Lock()
		s.last = &rep
		s.mu.Unlock()
	}()

	fleet, lineErrs, err := s.fleet()
	if err != nil {
		slog.Error("load fleet failed", "error", err)
		rep.Error = err.Error()
		return rep
	}
	rep.Mode = string(fleet.Mode)
	s.noteConfig(fleet, lineErrs, &rep)

	for _, path := range s.engine.Prune(fleet.Paths()) {
		metrics.ForgetWorker(path)
		slog.Info("worker removed from configuration", "worker", path)
	}

	tbl, err := s.procs.Scan(ctx)
	if err != nil {
		slog.Error("process scan failed, skipping cycle", "error", err)
		rep.Error = err.Error()
		return rep
	}
	sessions, err := s.sessions.ListSessions(ctx)
	if err != nil {
		slog.Error("session listing failed, skipping cycle", "error", err)
		rep.Error = err.Error()
		return rep
	}

	restarted := make(map[string]bool)
	var eligible []throttle.Entry
	var members []throttle.Member
	for _, spec := range fleet.Workers {
		if ctx.Err() != nil {
			break
		}
		if spec.Policy != nil {
			rep.Counts[spec.Policy.Kind().String()]++
		}
		if spec.HasTimer() {
			rep.Counts["uptime_timer"]++
		}
		w, d, ok := s.evaluate(ctx, spec, tbl, sessions)
		if ok && d.Restart {
			w = s.safeRestart(ctx, spec, w, d.Reason, history.TriggerPolicy)
			restarted[spec.Path] = true
		}
		if ok && d.TimerEligible && !restarted[spec.Path] {
			eligible = append(eligible, throttle.Entry{Path: spec.Path, Uptime: d.Uptime, Threshold: spec.Uptime})
		}
		switch {
		case restarted[spec.Path] && w.Action == ActionRestarted:
			members = append(members, throttle.Member{Path: spec.Path})
		case ok && len(w.PIDs) > 0 && d.UptimeKnown:
			// a process with no readable start time cannot hold the queue
			members = append(members, throttle.Member{Path: spec.Path, Uptime: d.Uptime})
		}
		rep.setWorker(w)
	}
	s.logSummary(&rep)
	if ctx.Err() != nil {
		return rep
	}

	rep.Queue = s.applyThrottle(ctx, eligible, members, fleet, &rep)
	if rep.Queue.Approved != nil {
		restarted[rep.Queue.Approved.Path] = true
	}
	if ctx.Err() != nil {
		return rep
	}

	rep.Memory = s.checkMemory(ctx, fleet, tbl, restarted, &rep)
	return rep
}

// evaluate samples one worker and runs the policy engine. A panic is recovered
// so one worker cannot stop the cycle.
func (s *Supervisor) evaluate(ctx context.Context, spec policy.Spec, tbl *inspector.Table, sessions []string) (w WorkerReport, d policy.Decision, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncWorkerError()
			slog.Error("worker evaluation panicked", "worker", spec.Path, "panic", r, "stack", string(debug.Stack()))
			w = WorkerReport{Path: spec.Path, Exempt: spec.Exempt, Action: ActionError, Error: fmt.Sprint(r)}
			ok = false
		}
	}()
	w = WorkerReport{Path: spec.Path, Policy: spec.Describe(), Exempt: spec.Exempt, Action: ActionNone}

	now := s.now()
	sample := tbl.SampleWorker(spec.Path)
	sample.InSession = tmux.InSession(sessions, spec.Path)

	obs := policy.Observation{Spec: spec, Sample: sample, Now: now}
	if _, alarm := spec.Policy.(policy.AlarmRestart); alarm && sample.Running() {
		obs.LastTimestamp, obs.ProofUnavailable = s.lastTimestamp(ctx, spec.Path)
	}
	d = s.engine.Decide(obs)

	w.Status = d.Status.String()
	w.Band = health.Band(sample.MemoryBytes)
	w.MemoryMB = sample.MemoryMB()
	w.Uptime = d.Uptime
	w.PIDs = sample.PIDs
	w.Degraded = d.Degraded
	metrics.SetWorkerMemory(spec.Path, sample.MemoryBytes)
	for _, st := range []health.Status{health.Healthy, health.Stopped, health.NotInSession, health.ZeroMemory, health.MemoryLeak, health.Undetermined} {
		metrics.SetWorkerHealth(spec.Path, st.String(), st == d.Status)
	}
	if d.Undecided {
		slog.Warn("worker sample incomplete, no decision this cycle", "worker", spec.Path,
			"memory_unknown", sample.MemoryUnknown, "start_known", d.UptimeKnown)
	}
	if d.Degraded {
		slog.Warn("timestamp store unavailable, alarm policy degraded to timeout", "worker", spec.Path)
	}
	if d.Status == health.MemoryLeak {
		slog.Warn("worker memory above leak threshold", "worker", spec.Path, "memory_mb", int(w.MemoryMB))
	}

	if !d.Restart && d.Alert != nil {
		s.writeAlert(ctx, spec.Path, *d.Alert)
	}
	if t, found := s.engine.Snapshot(spec.Path); found {
		if v, known := t.Alert(); known {
			w.Alert = &v
		}
	}
	if d.Restart {
		w.Reason = string(d.Reason)
	}
	return w, d, true
}

// lastTimestamp reads the worker's progress stamp. The second result is set
// when the store could not answer.
func (s *Supervisor) lastTimestamp(ctx context.Context, path string) (time.Time, bool) {
	if g, ok := s.store.(interface{ Available() bool }); ok && !g.Available() {
		return time.Time{}, true
	}
	rec, err := s.store.Get(ctx, path)
	switch {
	case err == nil:
		if !rec.HasProgress() {
			return time.Time{}, false
		}
		return rec.LastTimestamp, false
	case errors.Is(err, store.ErrNotFound):
		return time.Time{}, false
	default:
		slog.Warn("read worker timestamp failed", "worker", path, "error", err)
		return time.Time{}, true
	}
}

// safeRestart is restart with a panic turned into an ActionError report, so a
// broken launcher cannot end the cycle.
func (s *Supervisor) safeRestart(ctx context.Context, spec policy.Spec, w WorkerReport, reason policy.Reason, trigger string) (out WorkerReport) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncWorkerError()
			slog.Error("worker restart panicked", "worker", spec.Path, "reason", string(reason), "trigger", trigger,
				"panic", r, "stack", string(debug.Stack()))
			out = w
			out.Action = ActionError
			out.Reason = string(reason)
			out.Error = fmt.Sprint(r)
		}
	}()
	return s.restart(ctx, spec, w, reason, trigger)
}

// restart relaunches the worker and records the attempt. A relaunch that
// yields no process raises the alert and is not retried this cycle.
func (s *Supervisor) restart(ctx context.Context, spec policy.Spec, w WorkerReport, reason policy.Reason, trigger string) WorkerReport {
	old := w.PIDs
	slog.Info("restarting worker", "worker", spec.Path, "reason", string(reason), "trigger", trigger, "old_pids", history.FormatPIDs(old))

	pids, err := s.sessions.Launch(ctx, spec.Path)
	now := s.now()
	s.engine.Restarted(spec.Path, now)

	w.Reason = string(reason)
	ev := history.Event{
		Type:       history.EventRestart,
		OccurredAt: now.UTC(),
		Worker:     spec.Path,
		Reason:     string(reason),
		Trigger:    trigger,
		OldPIDs:    old,
		NewPIDs:    pids,
	}
	if err != nil || len(pids) == 0 {
		ev.Type = history.EventRestartFailed
		w.Action = ActionRestartFailed
		if err != nil {
			w.Error = err.Error()
		}
		metrics.IncRestartFailure(spec.Path)
		slog.Error("restart produced no process", "worker", spec.Path, "reason", string(reason), "error", err)
		s.ensureAlert(ctx, spec.Path, true)
	} else {
		w.Action = ActionRestarted
		w.PIDs = pids
		w.Uptime = 0
		metrics.IncRestart(spec.Path, string(reason))
		slog.Info("restarted worker", "worker", spec.Path, "pids", history.FormatPIDs(pids))
		s.ensureAlert(ctx, spec.Path, false)
		if n, err := store.BumpLogCounter(ctx, s.store, now); err != nil {
			slog.Warn("log counter update failed", "error", err)
		} else {
			slog.Debug("log counter", "value", n)
		}
	}
	if t, ok := s.engine.Snapshot(spec.Path); ok {
		if v, known := t.Alert(); known {
			w.Alert = &v
		}
	}

	if s.sink != nil {
		if err := s.sink.Send(ctx, ev); err != nil {
			slog.Warn("restart audit failed", "worker", spec.Path, "error", err)
		}
	}
	return w
}

// ensureAlert writes the alert unless the last written value already matches.
func (s *Supervisor) ensureAlert(ctx context.Context, path string, value bool) {
	if t, ok := s.engine.Snapshot(path); ok {
		if v, known := t.Alert(); known && v == value {
			return
		}
	}
	s.writeAlert(ctx, path, value)
}

// writeAlert sets the alert flag while keeping the worker's own timestamp. A
// missing row gets NoProgress so the write is never read back as proof of life.
func (s *Supervisor) writeAlert(ctx context.Context, path string, value bool) {
	rec, err := s.store.Get(ctx, path)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("alert write skipped, store unavailable", "worker", path, "alert", value, "error", err)
		return
	}
	rec.Code = path
	rec.Alert = value
	if !rec.HasProgress() {
		rec.LastTimestamp = store.NoProgress
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		slog.Warn("alert write failed", "worker", path, "alert", value, "error", err)
		return
	}
	s.engine.AlertWritten(path, value)
	metrics.SetAlert(path, value)
	slog.Info("alert updated", "worker", path, "alert", value)
}

func (s *Supervisor) applyThrottle(ctx context.Context, eligible []throttle.Entry, members []throttle.Member, fleet *config.Fleet, rep *Report) throttle.Plan {
	now := s.now()
	plan := s.queue.Plan(eligible, members, now)
	metrics.SetQueueLength(len(plan.Queue))

	for _, pos := range plan.Queue {
		if plan.Approved != nil && pos.Index == 0 {
			continue
		}
		if w, ok := rep.Worker(pos.Path); ok {
			w.Action = ActionQueued
			rep.setWorker(w)
		}
		slog.Info("worker queued for uptime restart", "worker", pos.Path, "position", pos.Index, "wait", pos.Wait.Round(time.Second), "uptime", pos.Uptime.Round(time.Second))
	}
	if plan.Blocked != "" && len(plan.Queue) > 0 {
		slog.Info("uptime restarts held", "reason", plan.Blocked)
	}
	if plan.Approved == nil {
		return plan
	}

	var spec policy.Spec
	for _, w := range fleet.Workers {
		if w.Path == plan.Approved.Path {
			spec = w
			break
		}
	}
	w, _ := rep.Worker(spec.Path)
	w = s.safeRestart(ctx, spec, w, policy.ReasonUptimeTimer, history.TriggerTimer)
	rep.setWorker(w)
	if w.Action == ActionRestarted {
		s.queue.MarkRestarted(now)
	}
	return plan
}

func (s *Supervisor) checkMemory(ctx context.Context, fleet *config.Fleet, tbl *inspector.Table, restarted map[string]bool, rep *Report) MemoryReport {
	var m MemoryReport
	pct, err := s.procs.SystemMemory(ctx)
	if err != nil {
		slog.Warn("system memory read failed", "error", err)
		return m
	}
	m.Percent = pct
	if pct < s.opts.MemoryCeilingPercent {
		return m
	}
	m.High = true
	m.WorkerBytes = tbl.TotalWorkerMemory()
	m.ServiceBytes = tbl.ServiceMemory(s.opts.ServiceProcess)
	slog.Warn("high memory usage", "percent", pct,
		"worker_mb", m.WorkerBytes/health.MB, "service_mb", m.ServiceBytes/health.MB)

	if fleet.MonitorDependency && m.ServiceBytes >= m.WorkerBytes && s.escalator != nil {
		if s.escalator.InProgress() {
			m.Action = "escalation_skipped"
			slog.Info("database escalation already in progress")
			return m
		}
		id, err := s.escalator.Trigger(ctx, fleet.Cleanable())
		if errors.Is(err, escalation.ErrInProgress) {
			m.Action = "escalation_skipped"
			return m
		}
		if err != nil {
			slog.Error("database escalation failed to start", "error", err)
			return m
		}
		m.Action, m.RunID = "escalation", id
		return m
	}

	m.Action = "recycle"
	var targets []string
	for _, path := range fleet.Cleanable() {
		if !restarted[path] {
			targets = append(targets, path)
		}
	}
	slog.Warn("high memory, recycling workers", "count", len(targets))
	old := make(map[string][]int32, len(targets))
	for _, path := range targets {
		if w, ok := rep.Worker(path); ok {
			old[path] = append([]int32(nil), w.PIDs...)
		}
		if err := s.sessions.Terminate(ctx, path); err != nil {
			slog.Warn("stop worker failed", "worker", path, "error", err)
		}
	}
	if err := s.sleep(ctx, s.opts.RecycleGrace); err != nil {
		return m
	}
	for _, path := range targets {
		if ctx.Err() != nil {
			break
		}
		var spec policy.Spec
		for _, w := range fleet.Workers {
			if w.Path == path {
				spec = w
				break
			}
		}
		w, _ := rep.Worker(path)
		w.PIDs = old[path]
		rep.setWorker(s.safeRestart(ctx, spec, w, policy.ReasonMemoryRecycle, history.TriggerRecycle))
	}
	return m
}

func (s *Supervisor) noteConfig(fleet *config.Fleet, lineErrs []config.LineError, rep *Report) {
	var msgs []string
	for _, le := range lineErrs {
		msgs = append(msgs, le.Error())
	}
	rep.ConfigErrors = msgs
	joined := strings.Join(msgs, "\n")

	s.mu.Lock()
	modeChanged := s.lastMode != fleet.Mode
	errsChanged := s.lastErrs != joined
	s.lastMode, s.lastErrs = fleet.Mode, joined
	s.mu.Unlock()

	if modeChanged {
		slog.Info("fleet mode", "mode", string(fleet.Mode), "source", fleet.Source,
			"dependency_monitoring", fleet.MonitorDependency, "workers", len(fleet.Workers))
	}
	if errsChanged {
		for _, le := range lineErrs {
			slog.Warn("skipping invalid fleet line", "file", le.File, "line", le.Line, "text", le.Text, "error", le.Err)
		}
	}
}

// logSummary logs the per-policy counts when they change.
func (s *Supervisor) logSummary(rep *Report) {
	keys := make([]string, 0, len(rep.Counts))
	for k := range rep.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%d ", k, rep.Counts[k])
	}
	sum := b.String()

	s.mu.Lock()
	changed := sum != s.lastSum
	s.lastSum = sum
	s.mu.Unlock()
	if changed {
		slog.Info("monitoring cycle", "workers", len(rep.Workers), "policies", strings.TrimSpace(sum))
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
