package store

import (
	"context"
	"fmt"
	"sync"
)

// memStore is an in-memory Store with switchable failure.
type memStore struct {
	mu    sync.Mutex
	rows  map[string]Record
	err   error
	calls int
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]Record)} }

func (m *memStore) EnsureSchema(context.Context) error { return m.fail() }

func (m *memStore) Get(_ context.Context, code string) (Record, error) {
	if err := m.fail(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[code]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", code, ErrNotFound)
	}
	return r, nil
}

func (m *memStore) Upsert(_ context.Context, rec Record) error {
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[rec.Code] = rec
	return nil
}

func (m *memStore) Ping(context.Context) error { return m.fail() }
func (m *memStore) Close() error               { return nil }

func (m *memStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *memStore) fail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}
