package policy

import (
	"fmt"
	"time"
)

// Kind identifies the base monitoring policy of a worker.
type Kind int

const (
	KindRamOnly Kind = iota
	KindSimpleTimeout
	KindAlarmRestart
)

func (k Kind) String() string {
	switch k {
	case KindRamOnly:
		return "ram_only"
	case KindSimpleTimeout:
		return "simple_timeout"
	case KindAlarmRestart:
		return "alarm_restart"
	default:
		return "unknown"
	}
}

// Policy is the closed set of base policies. It is decided once when a fleet
// line is parsed and never re-parsed during evaluation.
type Policy interface {
	Kind() Kind
	String() string
}

// RamOnly restarts on an instantaneous bad sample and never keeps a timer.
type RamOnly struct{}

func (RamOnly) Kind() Kind     { return KindRamOnly }
func (RamOnly) String() string { return "ram" }

// SimpleTimeout restarts once a worker has been unhealthy for Timeout.
type SimpleTimeout struct {
	Timeout time.Duration
}

func (SimpleTimeout) Kind() Kind { return KindSimpleTimeout }
func (p SimpleTimeout) String() string {
	return fmt.Sprintf("timeout %dm", int(p.Timeout/time.Minute))
}

// AlarmRestart alerts once the worker's reference time is older than Alarm and
// restarts once it is older than Restart. Alarm <= Restart.
type AlarmRestart struct {
	Alarm   time.Duration
	Restart time.Duration
}

func (AlarmRestart) Kind() Kind { return KindAlarmRestart }
func (p AlarmRestart) String() string {
	return fmt.Sprintf("alarm %dm restart %dm", int(p.Alarm/time.Minute), int(p.Restart/time.Minute))
}

// Spec is the identity and policy of one supervised worker for one cycle.
type Spec struct {
	Path   string
	Policy Policy
	// Uptime is the UptimeTimer overlay threshold; zero means no overlay.
	Uptime time.Duration
	// Exempt workers are never stopped by escalation or memory recycling.
	Exempt bool
}

// HasTimer reports whether the UptimeTimer overlay applies.
func (s Spec) HasTimer() bool { return s.Uptime > 0 }

func (s Spec) String() string {
	return fmt.Sprintf("%s (%s)", s.Path, s.Describe())
}

// Describe renders the policy with its overlay, e.g. "alarm 5m restart 10m, uptime 30m".
func (s Spec) Describe() string {
	base := "ram"
	if s.Policy != nil {
		base = s.Policy.String()
	}
	if s.HasTimer() {
		return fmt.Sprintf("%s, uptime %dm", base, int(s.Uptime/time.Minute))
	}
	return base
}
