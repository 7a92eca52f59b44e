package throttle

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	DefaultCooldown     = 30 * time.Second
	DefaultSettleWindow = 2 * time.Minute
)

// Entry is a worker whose UptimeTimer has elapsed.
type Entry struct {
	Path      string        `json:"path"`
	Uptime    time.Duration `json:"uptime"`
	Threshold time.Duration `json:"threshold"`
}

// Member is a running worker of the fleet, eligible or not.
type Member struct {
	Path   string        `json:"path"`
	Uptime time.Duration `json:"uptime"`
}

// Position is an entry's place in the queue with an advisory wait estimate.
type Position struct {
	Entry
	Index int           `json:"index"`
	Wait  time.Duration `json:"wait"`
}

// Plan is the throttle outcome for one cycle. It is recomputed every cycle and
// never persisted.
type Plan struct {
	At       time.Time  `json:"at"`
	Approved *Entry     `json:"approved,omitempty"`
	Queue    []Position `json:"queue"`
	// Blocked explains why the head of the queue was not approved.
	Blocked string `json:"blocked,omitempty"`
}

// Queue serializes timer-based restarts across the fleet. The cooldown clock
// only moves forward.
type Queue struct {
	mu       sync.Mutex
	cooldown time.Duration
	settle   time.Duration
	last     time.Time
}

func New(cooldown, settle time.Duration) *Queue {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if settle < 0 {
		settle = DefaultSettleWindow
	}
	return &Queue{cooldown: cooldown, settle: settle}
}

// Plan sorts eligible workers by uptime, longest first, and approves at most
// the head of the queue. Approval needs the cooldown to have elapsed since the
// last approved restart and no fleet member to be inside the settle window.
func (q *Queue) Plan(eligible []Entry, fleet []Member, now time.Time) Plan {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := Plan{At: now}
	if len(eligible) == 0 {
		return p
	}
	sorted := make([]Entry, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Uptime != sorted[j].Uptime {
			return sorted[i].Uptime > sorted[j].Uptime
		}
		return sorted[i].Path < sorted[j].Path
	})

	headWait := time.Duration(0)
	if !q.last.IsZero() {
		if since := now.Sub(q.last); since < q.cooldown {
			headWait = q.cooldown - since
			p.Blocked = fmt.Sprintf("cooldown: %s remaining", headWait.Round(time.Second))
		}
	}
	if p.Blocked == "" {
		for _, m := range fleet {
			if m.Uptime < q.settle {
				p.Blocked = fmt.Sprintf("settling: %s up for %s", m.Path, m.Uptime.Round(time.Second))
				if w := q.settle - m.Uptime; w > headWait {
					headWait = w
				}
				break
			}
		}
	}

	p.Queue = make([]Position, len(sorted))
	for i, e := range sorted {
		p.Queue[i] = Position{Entry: e, Index: i, Wait: headWait + time.Duration(i)*q.cooldown}
	}
	if p.Blocked == "" {
		head := sorted[0]
		p.Approved = &head
	}
	return p
}

// MarkRestarted advances the cooldown clock after a throttle-approved restart
// produced a live process. Earlier timestamps are ignored.
func (q *Queue) MarkRestarted(at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if at.After(q.last) {
		q.last = at
	}
}

// LastRestart returns the cooldown clock.
func (q *Queue) LastRestart() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// Cooldown returns the configured cooldown.
func (q *Queue) Cooldown() time.Duration { return q.cooldown }
