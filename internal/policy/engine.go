package policy

import (
	"sync"
	"time"

	"github.com/loykin/botwarden/internal/health"
)

// State is the per-worker state machine position.
type State int

const (
	Unknown State = iota
	Healthy
	Unhealthy
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Reason explains why a restart was issued.
type Reason string

const (
	ReasonNotRunning       Reason = "not running"
	ReasonNotInSession     Reason = "not in session"
	ReasonZeroMemory       Reason = "zero memory"
	ReasonUnhealthyTimeout Reason = "unhealthy timeout"
	ReasonAlarmRestart     Reason = "alarm restart threshold"
	ReasonUptimeTimer      Reason = "uptime timer"
	ReasonMemoryRecycle    Reason = "memory recycle"
)

// Tracking is the state the engine keeps for one worker across cycles.
type Tracking struct {
	State          State
	LastStatus     health.Status
	LastActive     time.Time
	UnhealthySince time.Time // zero unless the current streak is unhealthy

	alertKnown bool
	alert      bool
}

// Alert returns the last alert value written for the worker, if any.
func (t Tracking) Alert() (value bool, known bool) { return t.alert, t.alertKnown }

// Observation is everything the engine needs to decide for one worker.
type Observation struct {
	Spec   Spec
	Sample health.Sample
	Now    time.Time
	// LastTimestamp is the worker's latest progress stamp from the Timestamp
	// Store; zero when the worker never wrote one.
	LastTimestamp time.Time
	// ProofUnavailable is set when the Timestamp Store could not be consulted.
	ProofUnavailable bool
}

// Decision is the outcome of evaluating one worker for one cycle.
type Decision struct {
	Status  health.Status
	Restart bool
	Reason  Reason
	// Alert is non-nil when the alert flag must be written with this value.
	Alert *bool
	// TimerEligible marks a running worker whose UptimeTimer has elapsed. The
	// restart itself is left to the throttle.
	TimerEligible bool
	Uptime        time.Duration
	// UptimeKnown is false when the worker is not running or its start time
	// could not be read; Uptime is then zero and means nothing.
	UptimeKnown bool
	Reference   time.Time
	// Undecided is set when the sample could not support a decision this
	// cycle. No restart and no alert change is made.
	Undecided bool
	// Degraded is set when AlarmRestart fell back to SimpleTimeout semantics.
	Degraded bool
}

// Engine owns the tracking state of every worker. It never performs I/O.
type Engine struct {
	mu      sync.Mutex
	workers map[string]*Tracking
}

func NewEngine() *Engine {
	return &Engine{workers: make(map[string]*Tracking)}
}

// ReferenceTime picks the evidence of life AlarmRestart measures age from.
// A process that started before the worker's last progress stamp is proven
// alive by that stamp; otherwise the process is newer than any recorded
// progress and its start time is the reference.
func ReferenceTime(processStart, lastTimestamp time.Time) time.Time {
	if lastTimestamp.IsZero() {
		return processStart
	}
	if processStart.Before(lastTimestamp) {
		return lastTimestamp
	}
	return processStart
}

// Decide evaluates one worker and advances its tracking state.
func (e *Engine) Decide(obs Observation) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.tracking(obs.Spec.Path)
	status := health.Evaluate(obs.Sample)
	now := obs.Now
	d := Decision{Status: status, Uptime: obs.Sample.Uptime(now), UptimeKnown: obs.Sample.StartKnown()}

	// an unreadable sample leaves the tracking untouched
	if status == health.Undetermined {
		d.Undecided = true
		return d
	}

	t.LastStatus = status
	if status == health.Healthy {
		t.State = Healthy
		t.UnhealthySince = time.Time{}
		t.LastActive = now
	} else {
		if t.State != Unhealthy || t.UnhealthySince.IsZero() {
			t.UnhealthySince = now
		}
		t.State = Unhealthy
	}

	var alert *bool
	switch status {
	case health.Stopped:
		d.Restart, d.Reason = true, ReasonNotRunning
	case health.NotInSession:
		d.Restart, d.Reason = true, ReasonNotInSession
	default:
		alert = e.basePolicy(obs, t, &d)
	}

	if obs.Spec.HasTimer() && d.UptimeKnown && d.Uptime >= obs.Spec.Uptime {
		d.TimerEligible = true
	}

	if alert != nil && (!t.alertKnown || t.alert != *alert) {
		d.Alert = alert
	}
	return d
}

func (e *Engine) basePolicy(obs Observation, t *Tracking, d *Decision) *bool {
	switch p := obs.Spec.Policy.(type) {
	case SimpleTimeout:
		return streakTimeout(p.Timeout, obs.Now, t, d)
	case AlarmRestart:
		if obs.ProofUnavailable {
			d.Degraded = true
			return streakTimeout(p.Restart, obs.Now, t, d)
		}
		if obs.Sample.StartedAt.IsZero() && obs.LastTimestamp.IsZero() {
			// no evidence of life to measure from
			d.Undecided = true
			return nil
		}
		ref := ReferenceTime(obs.Sample.StartedAt, obs.LastTimestamp)
		d.Reference = ref
		age := obs.Now.Sub(ref)
		if age >= p.Restart {
			d.Restart, d.Reason = true, ReasonAlarmRestart
		}
		return boolPtr(age >= p.Alarm || d.Status == health.MemoryLeak)
	default:
		switch d.Status {
		case health.ZeroMemory:
			d.Restart, d.Reason = true, ReasonZeroMemory
			return nil
		case health.MemoryLeak:
			return boolPtr(true)
		default:
			return boolPtr(false)
		}
	}
}

func streakTimeout(timeout time.Duration, now time.Time, t *Tracking, d *Decision) *bool {
	if !d.Status.Unhealthy() {
		return boolPtr(false)
	}
	if now.Sub(t.UnhealthySince) >= timeout {
		d.Restart, d.Reason = true, ReasonUnhealthyTimeout
	}
	return boolPtr(true)
}

// Restarted resets the worker's streak after a restart attempt so the next
// unhealthy sighting starts a fresh one.
func (e *Engine) Restarted(path string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.tracking(path)
	t.State = Unknown
	t.UnhealthySince = time.Time{}
	t.LastActive = now
}

// AlertWritten records that the alert flag was persisted with value.
func (e *Engine) AlertWritten(path string, value bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.tracking(path)
	t.alertKnown = true
	t.alert = value
}

// Prune drops tracking for workers no longer configured.
func (e *Engine) Prune(configured map[string]struct{}) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var removed []string
	for path := range e.workers {
		if _, ok := configured[path]; !ok {
			delete(e.workers, path)
			removed = append(removed, path)
		}
	}
	return removed
}

// Snapshot returns a copy of the tracking state of one worker.
func (e *Engine) Snapshot(path string) (Tracking, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.workers[path]
	if !ok {
		return Tracking{}, false
	}
	return *t, true
}

func (e *Engine) tracking(path string) *Tracking {
	t, ok := e.workers[path]
	if !ok {
		t = &Tracking{State: Unknown}
		e.workers[path] = t
	}
	return t
}

func boolPtr(v bool) *bool { return &v }
