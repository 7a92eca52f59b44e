package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/botwarden/internal/store"
)

// DB implements store.Store on the tmux_log table the trading workers
// already write their progress stamps to.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(4)
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tmux_log(
		code TEXT PRIMARY KEY,
		last_timestamp TIMESTAMPTZ NOT NULL,
		alert BOOLEAN NOT NULL DEFAULT false,
		log TEXT NOT NULL DEFAULT ''
	);`)
	return err
}

func (p *DB) Get(ctx context.Context, code string) (store.Record, error) {
	var r store.Record
	var logText sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT code, last_timestamp, alert, log
		FROM tmux_log
		WHERE code=$1;`, code).Scan(&r.Code, &r.LastTimestamp, &r.Alert, &logText)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, fmt.Errorf("%s: %w", code, store.ErrNotFound)
	}
	if err != nil {
		return store.Record{}, err
	}
	r.Log = logText.String
	r.LastTimestamp = r.LastTimestamp.UTC()
	return r, nil
}

func (p *DB) Upsert(ctx context.Context, rec store.Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tmux_log(code, last_timestamp, alert, log)
		VALUES($1,$2,$3,$4)
		ON CONFLICT(code) DO UPDATE SET
			last_timestamp=EXCLUDED.last_timestamp,
			alert=EXCLUDED.alert,
			log=EXCLUDED.log;`,
		rec.Code, rec.LastTimestamp.UTC(), rec.Alert, rec.Log)
	return err
}

func (p *DB) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *DB) Close() error { return p.db.Close() }
