package supervisor

import (
	"time"

	"github.com/loykin/botwarden/internal/throttle"
)

// Action is what the supervisor did to a worker in a cycle.
type Action string

const (
	ActionNone          Action = "none"
	ActionRestarted     Action = "restarted"
	ActionRestartFailed Action = "restart_failed"
	ActionQueued        Action = "queued"
	ActionError         Action = "error"
)

// WorkerReport is one worker's line in a cycle report.
type WorkerReport struct {
	Path     string        `json:"path"`
	Policy   string        `json:"policy"`
	Exempt   bool          `json:"exempt"`
	Status   string        `json:"status"`
	Band     string        `json:"memory_band"`
	MemoryMB float64       `json:"memory_mb"`
	Uptime   time.Duration `json:"uptime"`
	PIDs     []int32       `json:"pids"`
	Action   Action        `json:"action"`
	Reason   string        `json:"reason,omitempty"`
	Alert    *bool         `json:"alert,omitempty"`
	Degraded bool          `json:"degraded,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// MemoryReport records the memory-pressure check of a cycle.
type MemoryReport struct {
	Percent      float64 `json:"percent"`
	High         bool    `json:"high"`
	WorkerBytes  uint64  `json:"worker_bytes"`
	ServiceBytes uint64  `json:"service_bytes"`
	// Action is empty, "escalation", "escalation_skipped" or "recycle".
	Action string `json:"action,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

// Report is the outcome of one supervision cycle.
type Report struct {
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	Mode         string         `json:"mode"`
	Counts       map[string]int `json:"counts"`
	Workers      []WorkerReport `json:"workers"`
	Queue        throttle.Plan  `json:"queue"`
	Memory       MemoryReport   `json:"memory"`
	ConfigErrors []string       `json:"config_errors,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Worker returns the report line for path.
func (r *Report) Worker(path string) (WorkerReport, bool) {
	for _, w := range r.Workers {
		if w.Path == path {
			return w, true
		}
	}
	return WorkerReport{}, false
}

func (r *Report) setWorker(w WorkerReport) {
	for i := range r.Workers {
		if r.Workers[i].Path == w.Path {
			r.Workers[i] = w
			return
		}
	}
	r.Workers = append(r.Workers, w)
}
