package history

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// EventType defines the kind of audited action.
type EventType string

const (
	EventRestart       EventType = "restart"
	EventRestartFailed EventType = "restart_failed"
	EventEscalation    EventType = "escalation"
)

// Trigger names the part of the supervisor that issued the action.
const (
	TriggerPolicy     = "policy"
	TriggerTimer      = "timer"
	TriggerRecycle    = "recycle"
	TriggerEscalation = "escalation"
)

// Event is one append-only audit record.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Worker     string    `json:"worker"`
	Reason     string    `json:"reason"`
	Trigger    string    `json:"trigger"`
	OldPIDs    []int32   `json:"old_pids"`
	NewPIDs    []int32   `json:"new_pids"`
	RunID      string    `json:"run_id,omitempty"`
}

// Sink is a destination for audit events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends every event to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// FormatPIDs renders pids as "1, 2, 3" or "None".
func FormatPIDs(pids []int32) string {
	if len(pids) == 0 {
		return "None"
	}
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.FormatInt(int64(p), 10)
	}
	return strings.Join(parts, ", ")
}
