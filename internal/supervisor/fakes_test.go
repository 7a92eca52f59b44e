package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/botwarden/internal/config"
	"github.com/loykin/botwarden/internal/health"
	"github.com/loykin/botwarden/internal/history"
	"github.com/loykin/botwarden/internal/inspector"
	"github.com/loykin/botwarden/internal/policy"
	"github.com/loykin/botwarden/internal/store"
	"github.com/loykin/botwarden/internal/tmux"
)

var t0 = time.Date(2024, 9, 4, 12, 0, 0, 0, time.UTC)

func proc(pid int32, path string, rssMB uint64, started time.Time) inspector.Process {
	return inspector.Process{PID: pid, PPID: 1, Name: "python3.11", Cmdline: "python3.11 " + path, RSS: rssMB * health.MB, Started: started}
}

type fakeInspector struct {
	mu      sync.Mutex
	procs   []inspector.Process
	memory  float64
	scanErr error
}

func (f *fakeInspector) Scan(context.Context) (*inspector.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return inspector.NewTable("python3.11", append([]inspector.Process(nil), f.procs...)), nil
}

func (f *fakeInspector) SystemMemory(context.Context) (float64, error) { return f.memory, nil }

type fakeSessions struct {
	mu         sync.Mutex
	sessions   []string
	pids       map[string][]int32 // launch results; missing means {900}
	panics     map[string]bool
	launched   []string
	terminated []string
}

func (f *fakeSessions) ListSessions(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...), nil
}

func (f *fakeSessions) Launch(_ context.Context, path string) ([]int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, path)
	if f.panics[path] {
		panic("tmux client gone")
	}
	if p, ok := f.pids[path]; ok {
		return p, nil
	}
	return []int32{900}, nil
}

func (f *fakeSessions) Terminate(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, path)
	return nil
}

// session names every worker as if it were hosted properly
func sessionsFor(paths ...string) []string {
	var out []string
	for _, p := range paths {
		out = append(out, tmux.SessionName(p)+"_0904_1")
	}
	return out
}

type memStore struct {
	mu     sync.Mutex
	recs   map[string]store.Record
	getErr error
	writes int
}

func newMemStore() *memStore { return &memStore{recs: map[string]store.Record{}} }

func (m *memStore) EnsureSchema(context.Context) error { return nil }

func (m *memStore) Get(_ context.Context, code string) (store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return store.Record{}, m.getErr
	}
	r, ok := m.recs[code]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return r, nil
}

func (m *memStore) Upsert(_ context.Context, r store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[r.Code] = r
	m.writes++
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }
func (m *memStore) Close() error               { return nil }

func (m *memStore) record(code string) (store.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[code]
	return r, ok
}

type recordSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordSink) all() []history.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]history.Event(nil), r.events...)
}

type fakeEscalator struct {
	inProgress bool
	triggered  [][]string
}

func (f *fakeEscalator) Trigger(_ context.Context, cleanable []string) (string, error) {
	f.triggered = append(f.triggered, cleanable)
	return "run-1", nil
}

func (f *fakeEscalator) InProgress() bool { return f.inProgress }

type harness struct {
	sup      *Supervisor
	procs    *fakeInspector
	sessions *fakeSessions
	store    *memStore
	sink     *recordSink
	esc      *fakeEscalator
	fleet    *config.Fleet
	clock    time.Time
}

func newHarness(workers ...policy.Spec) *harness {
	h := &harness{
		procs:    &fakeInspector{memory: 40},
		sessions: &fakeSessions{pids: map[string][]int32{}},
		store:    newMemStore(),
		sink:     &recordSink{},
		esc:      &fakeEscalator{},
		fleet:    &config.Fleet{Mode: config.ModeMain, Workers: workers},
		clock:    t0,
	}
	loader := func() (*config.Fleet, []config.LineError, error) { return h.fleet, nil, nil }
	opts := Options{
		Interval:             30 * time.Second,
		Cooldown:             30 * time.Second,
		SettleWindow:         2 * time.Minute,
		MemoryCeilingPercent: 90,
		HeartbeatCode:        "/root/trading_runner_final.py",
		ServiceProcess:       "postgres",
	}
	h.sup = New(opts, loader, h.procs, h.sessions, h.store, h.sink, h.esc)
	h.sup.now = func() time.Time { return h.clock }
	h.sup.sleep = func(context.Context, time.Duration) error { return nil }
	return h
}

// running puts a healthy, session-backed process in place for each path.
func (h *harness) running(uptime time.Duration, paths ...string) {
	for i, p := range paths {
		h.procs.procs = append(h.procs.procs, proc(int32(100+len(h.procs.procs)+i), p, 200, h.clock.Add(-uptime)))
	}
	h.sessions.sessions = append(h.sessions.sessions, sessionsFor(paths...)...)
}

type panicPolicy struct{}

func (panicPolicy) Kind() policy.Kind { return policy.KindRamOnly }
func (panicPolicy) String() string    { panic("corrupt policy") }
