package factory

import (
	"errors"
	"strings"

	"github.com/loykin/botwarden/internal/store"
	pg "github.com/loykin/botwarden/internal/store/postgres"
	rd "github.com/loykin/botwarden/internal/store/redis"
	sq "github.com/loykin/botwarden/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
//   - redis: DSN starting with "redis://" or "rediss://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "redis://") || strings.HasPrefix(ld, "rediss://") {
		return rd.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		path := strings.TrimPrefix(d, "sqlite://")
		return sq.New(path)
	}
	if strings.Contains(ld, "://") {
		return nil, errors.New("unsupported store DSN: " + d)
	}
	// default to sqlite path
	return sq.New(d)
}
