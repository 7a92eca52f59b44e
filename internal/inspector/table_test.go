package inspector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loykin/botwarden/internal/health"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixture() *Table {
	return NewTable("python3.11", []Process{
		{PID: 1, PPID: 0, Name: "systemd", Cmdline: "/sbin/init"},
		{PID: 10, PPID: 1, Name: "tmux: server", Cmdline: "tmux new-session -d -s alpha_0501_1"},
		{PID: 11, PPID: 10, Name: "python3.11", Cmdline: `python3.11 /root/bots/alpha.py`, RSS: 300 * health.MB, Started: t0.Add(-time.Hour)},
		{PID: 12, PPID: 11, Name: "python3.11", Cmdline: `python3.11 /root/bots/alpha.py --child`, RSS: 100 * health.MB, Started: t0.Add(-2 * time.Hour)},
		{PID: 13, PPID: 12, Name: "sh", Cmdline: "sh -c sleep 5"},
		{PID: 20, PPID: 1, Name: "python3.11", Cmdline: `python3.11 /root/bots/beta.py`, RSS: 50 * health.MB},
		{PID: 30, PPID: 1, Name: "vim", Cmdline: "vim /root/bots/alpha.py"},
		{PID: 40, PPID: 1, Name: "postgres", RSS: 700 * health.MB},
		{PID: 41, PPID: 40, Name: "postgres", RSS: 200 * health.MB},
	})
}

func TestSampleWorker(t *testing.T) {
	s := fixture().SampleWorker("/root/bots/alpha.py")
	assert.Equal(t, []int32{11, 12}, s.PIDs)
	assert.Equal(t, uint64(400*health.MB), s.MemoryBytes)
	assert.Equal(t, t0.Add(-2*time.Hour), s.StartedAt, "earliest start wins")
	assert.False(t, s.InSession, "session state is not the table's concern")
}

func TestSampleWorkerUnreadableFields(t *testing.T) {
	cases := []struct {
		name          string
		procs         []Process
		memoryUnknown bool
		startKnown    bool
	}{
		{
			name:       "all readable",
			procs:      []Process{{PID: 11, Name: "python3.11", Cmdline: "python3.11 /a.py", RSS: health.MB, Started: t0}},
			startKnown: true,
		},
		{
			name:          "memory query failed",
			procs:         []Process{{PID: 11, Name: "python3.11", Cmdline: "python3.11 /a.py", Started: t0, MemoryUnknown: true}},
			memoryUnknown: true,
			startKnown:    true,
		},
		{
			name: "one of two processes unreadable",
			procs: []Process{
				{PID: 11, Name: "python3.11", Cmdline: "python3.11 /a.py", RSS: health.MB, Started: t0},
				{PID: 12, Name: "python3.11", Cmdline: "python3.11 /a.py --child", MemoryUnknown: true},
			},
			memoryUnknown: true,
			startKnown:    true,
		},
		{
			name:  "start time unreadable",
			procs: []Process{{PID: 11, Name: "python3.11", Cmdline: "python3.11 /a.py", RSS: health.MB}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewTable("python3.11", tc.procs).SampleWorker("/a.py")
			assert.Equal(t, tc.memoryUnknown, s.MemoryUnknown)
			assert.Equal(t, tc.startKnown, s.StartKnown())
			if tc.memoryUnknown {
				s.InSession = true
				assert.Equal(t, health.Undetermined, health.Evaluate(s), "a failed read must not look like zero memory")
			}
		})
	}
}

func TestSampleWorkerIgnoresOtherProcesses(t *testing.T) {
	tbl := fixture()
	assert.Empty(t, tbl.SampleWorker("/root/bots/gamma.py").PIDs)
	assert.Empty(t, tbl.SampleWorker("").PIDs)
	// vim has the path on its command line but is not the interpreter
	for _, p := range tbl.Matching("/root/bots/alpha.py") {
		assert.NotEqual(t, int32(30), p.PID)
	}
}

func TestSampleWorkerWithoutStartTime(t *testing.T) {
	s := fixture().SampleWorker("/root/bots/beta.py")
	assert.Equal(t, []int32{20}, s.PIDs)
	assert.True(t, s.StartedAt.IsZero())
}

func TestMemoryTotals(t *testing.T) {
	tbl := fixture()
	assert.Equal(t, uint64(450*health.MB), tbl.TotalWorkerMemory())
	assert.Equal(t, uint64(900*health.MB), tbl.ServiceMemory("postgres"))
	assert.Zero(t, tbl.ServiceMemory(""))
	assert.True(t, tbl.ServiceRunning("postgres"))
	assert.False(t, tbl.ServiceRunning("mysqld"))
}

func TestDescendantsDeepestFirst(t *testing.T) {
	tbl := fixture()
	assert.Equal(t, []int32{13, 12}, tbl.Descendants(11))
	assert.Empty(t, tbl.Descendants(20))
	p, ok := tbl.Process(40)
	assert.True(t, ok)
	assert.Equal(t, "postgres", p.Name)
	assert.Equal(t, 9, tbl.Len())
}
