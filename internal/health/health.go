package health

import (
	"time"
)

// MB is one megabyte in bytes, the unit memory thresholds are expressed in.
const MB = 1024 * 1024

const (
	ElevatedMemoryMB = 1000
	LeakMemoryMB     = 3000
)

// Status classifies a single RuntimeSample of a worker.
type Status int

const (
	Healthy Status = iota
	Stopped
	NotInSession
	ZeroMemory
	MemoryLeak
	// Undetermined is a running worker whose memory could not be read this
	// cycle. Nothing is decided for it until the next sample.
	Undetermined
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Stopped:
		return "stopped"
	case NotInSession:
		return "not_in_session"
	case ZeroMemory:
		return "zero_memory"
	case MemoryLeak:
		return "memory_leak"
	case Undetermined:
		return "undetermined"
	default:
		return "unknown"
	}
}

// Unhealthy reports whether the status starts or continues an unhealthy streak
// for duration-based policies. Stopped and NotInSession are handled separately
// because they always restart immediately.
func (s Status) Unhealthy() bool { return s == ZeroMemory || s == MemoryLeak }

// Down reports whether the worker has no usable process in its session.
func (s Status) Down() bool { return s == Stopped || s == NotInSession }

// Sample is a point-in-time observation of one worker. It is recomputed every
// cycle and never persisted.
type Sample struct {
	PIDs        []int32
	InSession   bool
	MemoryBytes uint64
	// MemoryUnknown is set when the memory of a matching process could not be read.
	MemoryUnknown bool
	StartedAt     time.Time // earliest known start among PIDs; zero when not running or unreadable
}

// Running reports whether any process matches the worker.
func (s Sample) Running() bool { return len(s.PIDs) > 0 }

// StartKnown reports whether the start time of a running worker was read.
func (s Sample) StartKnown() bool { return s.Running() && !s.StartedAt.IsZero() }

// Uptime returns how long the oldest matching process has been alive.
func (s Sample) Uptime(now time.Time) time.Duration {
	if !s.Running() || s.StartedAt.IsZero() || now.Before(s.StartedAt) {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// MemoryMB returns the summed resident memory in megabytes.
func (s Sample) MemoryMB() float64 { return float64(s.MemoryBytes) / MB }

// Evaluate classifies a sample. It is a pure function.
//
// A sample without pids is always Stopped, even if a stale session with the
// worker's name still exists: there is no process to keep.
func Evaluate(s Sample) Status {
	if !s.Running() {
		return Stopped
	}
	if !s.InSession {
		return NotInSession
	}
	if s.MemoryUnknown {
		return Undetermined
	}
	if s.MemoryBytes == 0 {
		return ZeroMemory
	}
	if s.MemoryBytes > LeakMemoryMB*MB {
		return MemoryLeak
	}
	return Healthy
}

// Band labels memory usage for logs and the status API.
func Band(memoryBytes uint64) string {
	switch {
	case memoryBytes == 0:
		return "zero"
	case memoryBytes > LeakMemoryMB*MB:
		return "leak"
	case memoryBytes >= ElevatedMemoryMB*MB:
		return "elevated"
	default:
		return "normal"
	}
}
