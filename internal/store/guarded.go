package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/loykin/botwarden/internal/metrics"
)

// Guarded bounds every call to the wrapped store with a timeout and fails fast
// through a circuit breaker while the backing database is down. Open-circuit
// errors wrap ErrUnavailable.
type Guarded struct {
	inner Store
	cfg   Config
	cb    *gobreaker.CircuitBreaker[Record]
}

func NewGuarded(inner Store, cfg Config) *Guarded {
	cfg = cfg.withDefaults()
	g := &Guarded{inner: inner, cfg: cfg}
	g.cb = gobreaker.NewCircuitBreaker[Record](gobreaker.Settings{
		Name:        "timestamp-store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("timestamp store circuit changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.SetStoreAvailable(to != gobreaker.StateOpen)
		},
	})
	metrics.SetStoreAvailable(true)
	return g
}

// Available reports whether calls are currently let through.
func (g *Guarded) Available() bool { return g.cb.State() != gobreaker.StateOpen }

func (g *Guarded) EnsureSchema(ctx context.Context) error {
	_, err := g.call(ctx, func(ctx context.Context) (Record, error) {
		return Record{}, g.inner.EnsureSchema(ctx)
	})
	return err
}

func (g *Guarded) Get(ctx context.Context, code string) (Record, error) {
	return g.call(ctx, func(ctx context.Context) (Record, error) {
		return g.inner.Get(ctx, code)
	})
}

func (g *Guarded) Upsert(ctx context.Context, rec Record) error {
	_, err := g.call(ctx, func(ctx context.Context) (Record, error) {
		return Record{}, g.inner.Upsert(ctx, rec)
	})
	return err
}

func (g *Guarded) Ping(ctx context.Context) error {
	_, err := g.call(ctx, func(ctx context.Context) (Record, error) {
		return Record{}, g.inner.Ping(ctx)
	})
	return err
}

func (g *Guarded) Close() error { return g.inner.Close() }

func (g *Guarded) call(ctx context.Context, fn func(context.Context) (Record, error)) (Record, error) {
	rec, err := g.cb.Execute(func() (Record, error) {
		cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
		return fn(cctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rec, err
}
