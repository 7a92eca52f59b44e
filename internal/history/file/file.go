package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/loykin/botwarden/internal/history"
	"github.com/loykin/botwarden/internal/logger"
)

const separator = "=================================================="

// Sink appends a human-readable block per event to a rotated text file.
type Sink struct {
	mu sync.Mutex
	w  io.WriteCloser
}

// New opens path for appending. Rotation follows the logger defaults.
func New(path string) (*Sink, error) {
	path = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(path), "file://"))
	if path == "" {
		return nil, errors.New("empty audit log path")
	}
	return NewWithWriter(logger.Config{}.RotatingWriter(path)), nil
}

// NewWithWriter writes blocks to w.
func NewWithWriter(w io.WriteCloser) *Sink { return &Sink{w: w} }

func (s *Sink) Send(_ context.Context, e history.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", separator)
	fmt.Fprintf(&b, "Time:     %s UTC\n", e.OccurredAt.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Event:    %s\n", e.Type)
	fmt.Fprintf(&b, "Worker:   %s\n", e.Worker)
	fmt.Fprintf(&b, "Reason:   %s\n", e.Reason)
	if e.Trigger != "" {
		fmt.Fprintf(&b, "Trigger:  %s\n", e.Trigger)
	}
	fmt.Fprintf(&b, "Old PIDs: %s\n", history.FormatPIDs(e.OldPIDs))
	fmt.Fprintf(&b, "New PIDs: %s\n", history.FormatPIDs(e.NewPIDs))
	if e.RunID != "" {
		fmt.Fprintf(&b, "Run:      %s\n", e.RunID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, b.String())
	return err
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
