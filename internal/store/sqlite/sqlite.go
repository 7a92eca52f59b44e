package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/botwarden/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks from workers writing their own rows
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tmux_log(
		code TEXT PRIMARY KEY,
		last_timestamp TIMESTAMP NOT NULL,
		alert BOOLEAN NOT NULL DEFAULT 0,
		log TEXT NOT NULL DEFAULT ''
	);`)
	return err
}

func (s *DB) Get(ctx context.Context, code string) (store.Record, error) {
	var r store.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT code, last_timestamp, alert, log
		FROM tmux_log
		WHERE code=?;`, code).Scan(&r.Code, &r.LastTimestamp, &r.Alert, &r.Log)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, fmt.Errorf("%s: %w", code, store.ErrNotFound)
	}
	if err != nil {
		return store.Record{}, err
	}
	r.LastTimestamp = r.LastTimestamp.UTC()
	return r, nil
}

func (s *DB) Upsert(ctx context.Context, rec store.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tmux_log(code, last_timestamp, alert, log)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			last_timestamp=excluded.last_timestamp,
			alert=excluded.alert,
			log=excluded.log;`,
		rec.Code, rec.LastTimestamp.UTC(), rec.Alert, rec.Log)
	return err
}

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) Close() error { return s.db.Close() }
