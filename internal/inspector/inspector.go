// Package inspector samples the OS process table for supervised workers.
package inspector

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout = 5 * time.Second
	// process attributes are read with this many goroutines
	scanLimit = 8
)

// Inspector reads the process table. It holds no state between scans.
type Inspector struct {
	interpreter string
	timeout     time.Duration
	limit       int

	list func(ctx context.Context) ([]*process.Process, error)
}

// New returns an Inspector that recognizes workers run by interpreter
// (matched against the process name).
func New(interpreter string, timeout time.Duration) *Inspector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := runtime.NumCPU()
	if limit > scanLimit {
		limit = scanLimit
	}
	return &Inspector{
		interpreter: interpreter,
		timeout:     timeout,
		limit:       limit,
		list:        process.ProcessesWithContext,
	}
}

func (i *Inspector) Interpreter() string { return i.interpreter }

// Scan snapshots every visible process. Processes that exit mid-scan or
// deny access are left out.
func (i *Inspector) Scan(ctx context.Context) (*Table, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	procs, err := i.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Process, len(procs))
	ok := make([]bool, len(procs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.limit)
	for idx, p := range procs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			entry, err := i.read(gctx, p)
			if err != nil {
				return nil
			}
			out[idx], ok[idx] = entry, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan processes: %w", err)
	}

	kept := out[:0]
	for idx := range out {
		if ok[idx] {
			kept = append(kept, out[idx])
		}
	}
	return NewTable(i.interpreter, kept), nil
}

func (i *Inspector) read(ctx context.Context, p *process.Process) (Process, error) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return Process{}, err
	}
	entry := Process{PID: p.Pid, Name: name}
	if args, err := p.CmdlineSliceWithContext(ctx); err == nil {
		entry.Cmdline = strings.Join(args, " ")
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		entry.RSS = mi.RSS
	} else {
		entry.MemoryUnknown = true
	}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		entry.PPID = ppid
	}
	// start times are only needed for the processes a worker can match
	if i.interpreter != "" && strings.Contains(name, i.interpreter) {
		entry.Started = processStart(ctx, p)
	}
	return entry, nil
}

// SystemMemory returns the percentage of physical memory in use.
func (i *Inspector) SystemMemory(ctx context.Context) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("virtual memory: %w", err)
	}
	return vm.UsedPercent, nil
}

// PIDs scans the table and returns the pids matching the worker at path.
func (i *Inspector) PIDs(ctx context.Context, path string) ([]int32, error) {
	t, err := i.Scan(ctx)
	if err != nil {
		return nil, err
	}
	return t.SampleWorker(path).PIDs, nil
}

func processStart(ctx context.Context, p *process.Process) time.Time {
	if sec := procStartUnix(int(p.Pid)); sec > 0 {
		return time.Unix(sec, 0)
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
