package inspector

import (
	"slices"
	"strings"
	"time"

	"github.com/loykin/botwarden/internal/health"
)

// Process is one row of a process table snapshot.
type Process struct {
	PID     int32     `json:"pid"`
	PPID    int32     `json:"ppid"`
	Name    string    `json:"name"`
	Cmdline string    `json:"cmdline"`
	RSS     uint64    `json:"rss"`
	Started time.Time `json:"started"`
	// MemoryUnknown marks a process whose memory query failed; RSS is not a reading.
	MemoryUnknown bool `json:"memory_unknown,omitempty"`
}

// Table is an immutable process snapshot taken once per cycle.
type Table struct {
	interpreter string
	procs       []Process
	byPID       map[int32]int
}

func NewTable(interpreter string, procs []Process) *Table {
	t := &Table{interpreter: interpreter, procs: procs, byPID: make(map[int32]int, len(procs))}
	for i, p := range procs {
		t.byPID[p.PID] = i
	}
	return t
}

func (t *Table) Len() int { return len(t.procs) }

func (t *Table) Process(pid int32) (Process, bool) {
	i, ok := t.byPID[pid]
	if !ok {
		return Process{}, false
	}
	return t.procs[i], true
}

// Matching returns the interpreter processes whose command line names path.
func (t *Table) Matching(path string) []Process {
	if path == "" {
		return nil
	}
	var out []Process
	for _, p := range t.procs {
		if t.isInterpreter(p) && strings.Contains(p.Cmdline, path) {
			out = append(out, p)
		}
	}
	return out
}

// SampleWorker builds the runtime sample of the worker at path. InSession is
// left false; the session state comes from tmux.
func (t *Table) SampleWorker(path string) health.Sample {
	var s health.Sample
	for _, p := range t.Matching(path) {
		s.PIDs = append(s.PIDs, p.PID)
		s.MemoryBytes += p.RSS
		s.MemoryUnknown = s.MemoryUnknown || p.MemoryUnknown
		if !p.Started.IsZero() && (s.StartedAt.IsZero() || p.Started.Before(s.StartedAt)) {
			s.StartedAt = p.Started
		}
	}
	slices.Sort(s.PIDs)
	return s
}

// TotalWorkerMemory sums the RSS of every interpreter process, supervised or not.
func (t *Table) TotalWorkerMemory() uint64 {
	var total uint64
	for _, p := range t.procs {
		if t.isInterpreter(p) {
			total += p.RSS
		}
	}
	return total
}

// ServiceMemory sums the RSS of processes whose name contains name.
func (t *Table) ServiceMemory(name string) uint64 {
	var total uint64
	for _, p := range t.procs {
		if name != "" && strings.Contains(p.Name, name) {
			total += p.RSS
		}
	}
	return total
}

func (t *Table) ServiceRunning(name string) bool {
	for _, p := range t.procs {
		if name != "" && strings.Contains(p.Name, name) {
			return true
		}
	}
	return false
}

// Descendants returns every process below pid, deepest first.
func (t *Table) Descendants(pid int32) []int32 {
	children := make(map[int32][]int32)
	for _, p := range t.procs {
		children[p.PPID] = append(children[p.PPID], p.PID)
	}
	var out []int32
	seen := map[int32]bool{pid: true}
	var walk func(int32)
	walk = func(parent int32) {
		for _, c := range children[parent] {
			if seen[c] {
				continue
			}
			seen[c] = true
			walk(c)
			out = append(out, c)
		}
	}
	walk(pid)
	return out
}

func (t *Table) isInterpreter(p Process) bool {
	return t.interpreter != "" && strings.Contains(p.Name, t.interpreter)
}
