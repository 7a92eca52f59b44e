package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable is returned while the store is known to be unreachable.
	ErrUnavailable = errors.New("timestamp store unavailable")
)

// Record is the current-state row of one code. Workers write their own code to
// prove progress; the supervisor writes alerts and the reserved system codes.
type Record struct {
	Code          string    `json:"code"`
	LastTimestamp time.Time `json:"last_timestamp"`
	Alert         bool      `json:"alert"`
	Log           string    `json:"log"`
}

// NoProgress is the last_timestamp of a row the supervisor created before the
// worker wrote any stamp of its own. The column is NOT NULL, so the epoch
// stands in for "never".
var NoProgress = time.Unix(0, 0).UTC()

// HasProgress reports whether the record carries a stamp written by a worker.
func (r Record) HasProgress() bool { return r.LastTimestamp.After(NoProgress) }

// Store is a keyed upsert store. Every write is last-write-wins per code.
type Store interface {
	EnsureSchema(ctx context.Context) error
	// Get returns ErrNotFound when the code has no record.
	Get(ctx context.Context, code string) (Record, error)
	Upsert(ctx context.Context, rec Record) error
	Ping(ctx context.Context) error
	Close() error
}
