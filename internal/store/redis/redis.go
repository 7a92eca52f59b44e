package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loykin/botwarden/internal/store"
)

// DefaultPrefix namespaces the per-code hashes.
const DefaultPrefix = "tmux_log:"

// DB implements store.Store with one redis hash per code:
// last_timestamp (RFC3339Nano), alert ("1"/"0") and log.
type DB struct {
	rdb    *goredis.Client
	prefix string
}

// New parses a redis:// or rediss:// URL.
func New(dsn string) (*DB, error) {
	opt, err := goredis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	return NewWithClient(goredis.NewClient(opt), DefaultPrefix), nil
}

func NewWithClient(rdb *goredis.Client, prefix string) *DB {
	return &DB{rdb: rdb, prefix: prefix}
}

// EnsureSchema only checks connectivity; hashes need no schema.
func (d *DB) EnsureSchema(ctx context.Context) error { return d.Ping(ctx) }

func (d *DB) Get(ctx context.Context, code string) (store.Record, error) {
	vals, err := d.rdb.HGetAll(ctx, d.key(code)).Result()
	if err != nil {
		return store.Record{}, err
	}
	if len(vals) == 0 {
		return store.Record{}, fmt.Errorf("%s: %w", code, store.ErrNotFound)
	}
	rec := store.Record{Code: code, Log: vals["log"]}
	if ts := vals["last_timestamp"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return store.Record{}, fmt.Errorf("%s: bad last_timestamp %q: %w", code, ts, err)
		}
		rec.LastTimestamp = t.UTC()
	}
	if a := vals["alert"]; a != "" {
		rec.Alert, _ = strconv.ParseBool(a)
	}
	return rec, nil
}

func (d *DB) Upsert(ctx context.Context, rec store.Record) error {
	alert := "0"
	if rec.Alert {
		alert = "1"
	}
	return d.rdb.HSet(ctx, d.key(rec.Code),
		"last_timestamp", rec.LastTimestamp.UTC().Format(time.RFC3339Nano),
		"alert", alert,
		"log", rec.Log,
	).Err()
}

func (d *DB) Ping(ctx context.Context) error { return d.rdb.Ping(ctx).Err() }

func (d *DB) Close() error { return d.rdb.Close() }

func (d *DB) key(code string) string { return d.prefix + code }
