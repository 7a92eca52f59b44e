package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved system codes.
const (
	LogCounterCode = "log_counter"
	// HeartbeatLog is the log value written with every supervisor heartbeat.
	HeartbeatLog = "01/01-01 | 1"
)

// NextLogCount returns the log counter value that follows prev on day now.
// The format is "DD/MM-NN | N"; N starts at 1 and resets every day.
func NextLogCount(prev string, now time.Time) string {
	today := now.Format("02/01")
	n := 1
	if day, count, ok := parseLogCount(prev); ok && day == today {
		n = count + 1
	}
	return fmt.Sprintf("%s-%02d | %d", today, n, n)
}

func parseLogCount(s string) (day string, count int, ok bool) {
	head, tail, found := strings.Cut(s, " | ")
	if !found {
		return "", 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(tail))
	if err != nil || n < 1 {
		return "", 0, false
	}
	day, _, _ = strings.Cut(head, "-")
	return day, n, true
}

// BumpLogCounter advances the reserved log counter record after a restart.
func BumpLogCounter(ctx context.Context, s Store, now time.Time) (string, error) {
	prev, err := s.Get(ctx, LogCounterCode)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("read log counter: %w", err)
	}
	next := NextLogCount(prev.Log, now)
	rec := Record{Code: LogCounterCode, LastTimestamp: now.UTC(), Alert: false, Log: next}
	if err := s.Upsert(ctx, rec); err != nil {
		return "", fmt.Errorf("write log counter: %w", err)
	}
	return next, nil
}
