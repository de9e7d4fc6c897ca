// Package aggregator answers read queries from the freshest source that can,
// tagging every answer with where it came from.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/cache"
	"github.com/feng04-qyq/backend/pkg/i18n"
)

// Provenance names the source that produced a result.
type Provenance string

const (
	FromDatabase Provenance = "database"
	FromLive     Provenance = "live"
	FromLog      Provenance = "log"
	FromNone     Provenance = "none"
)

// Result is a value with its provenance and freshness.
type Result[T any] struct {
	Value  T          `json:"value"`
	Source Provenance `json:"source"`
	AsOf   time.Time  `json:"as_of"`
}

// Snapshot is the engine database.
type Snapshot interface {
	Balance(ctx context.Context, identity string) (engine.Balance, time.Time, error)
	Positions(ctx context.Context, identity, symbol string) ([]engine.Position, time.Time, error)
	Trades(ctx context.Context, identity string, q engine.TradeQuery) ([]engine.Trade, error)
	Trade(ctx context.Context, identity, id string) (engine.Trade, error)
	Decisions(ctx context.Context, identity string, q engine.DecisionQuery) ([]engine.Decision, error)
	Status(ctx context.Context, identity string) (engine.Status, error)
}

// Journal is the on-disk trade log.
type Journal interface {
	Balance(ctx context.Context, identity string) (engine.Balance, time.Time, error)
	Positions(ctx context.Context, identity, symbol string) ([]engine.Position, time.Time, error)
	Trades(ctx context.Context, identity string, q engine.TradeQuery) ([]engine.Trade, time.Time, error)
	Trade(ctx context.Context, identity, id string) (engine.Trade, error)
	Status(ctx context.Context, identity string) (engine.Status, error)
}

type Config struct {
	ReadTTL       time.Duration
	OverviewTTL   time.Duration
	SourceTimeout time.Duration
	ProbeTimeout  time.Duration // bounds the running check on a stopped-looking handle
}

// Aggregator runs the source chain behind a per-key TTL cache.
type Aggregator struct {
	cfg      Config
	snapshot Snapshot
	journal  Journal
	cache    *cache.ShardedCache

	onCache  func(op string, hit bool)
	onAnswer func(op string, source Provenance)
}

// New builds an aggregator. snapshot and journal may be nil.
func New(cfg Config, snapshot Snapshot, journal Journal, c *cache.ShardedCache) *Aggregator {
	if cfg.OverviewTTL <= 0 {
		cfg.OverviewTTL = 5 * time.Second
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if c == nil {
		c = cache.New()
	}
	return &Aggregator{cfg: cfg, snapshot: snapshot, journal: journal, cache: c}
}

// Observe registers metric hooks.
func (a *Aggregator) Observe(onCache func(op string, hit bool), onAnswer func(op string, source Provenance)) {
	a.onCache = onCache
	a.onAnswer = onAnswer
}

// CacheStats reports how many answers the read cache holds.
func (a *Aggregator) CacheStats() cache.CacheStats { return a.cache.Stats() }

// Invalidate drops every cached answer for identity. The empty identity is
// the shared engine, whose changes every reader sees, so it drops everything.
func (a *Aggregator) Invalidate(identity string) {
	if identity == "" {
		a.cache.DeleteContaining("")
		return
	}
	a.cache.DeleteContaining(":" + identity + ":")
}

type step[T any] struct {
	source Provenance
	fetch  func(ctx context.Context) (T, time.Time, error)
}

// chain orders the steps. A running engine leads and wins over the database
// snapshot for anything both could answer; the database comes next and the
// trade log last.
func chain[T any](running bool, db, live, journal func(ctx context.Context) (T, time.Time, error)) []step[T] {
	var steps []step[T]
	if running && live != nil {
		steps = append(steps, step[T]{FromLive, live})
	}
	if db != nil {
		steps = append(steps, step[T]{FromDatabase, db})
	}
	if journal != nil {
		steps = append(steps, step[T]{FromLog, journal})
	}
	return steps
}

// liveRunning trusts a handle that reports running. Otherwise it asks the
// engine once, so an engine started before the bridge is still found.
func (a *Aggregator) liveRunning(ctx context.Context, h engine.Handle) bool {
	if h == nil {
		return false
	}
	if h.Running() {
		return true
	}
	pctx, cancel := context.WithTimeout(ctx, a.cfg.ProbeTimeout)
	defer cancel()
	st, err := h.Status(pctx)
	return err == nil && st.IsRunning
}

// run stops at the first source that answers. Sources reporting no data are
// skipped; if every source failed the last failure is returned as upstream,
// keeping the timeout class when that source ran out of time.
func run[T any](ctx context.Context, a *Aggregator, op string, steps []step[T]) (Result[T], error) {
	var (
		failures int
		lastErr  error
		timedOut bool
	)
	for _, s := range steps {
		sctx, cancel := context.WithTimeout(ctx, a.cfg.SourceTimeout)
		v, asOf, err := s.fetch(sctx)
		expired := errors.Is(sctx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			if asOf.IsZero() {
				asOf = a.cache.Now()
			}
			a.answered(op, s.source)
			return Result[T]{Value: v, Source: s.source, AsOf: asOf.UTC()}, nil
		}
		if errors.Is(err, apperr.ErrNoData) || apperr.IsClass(err, apperr.ClassConflict) {
			continue
		}
		failures++
		lastErr = err
		timedOut = expired || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, apperr.ErrTimeout)
		log.Printf("[AGG] "+i18n.Get("SourceFailed"), s.source, op, err)
	}
	if failures > 0 && failures == len(steps) {
		log.Printf("[AGG] %s: %s", op, i18n.Get("AllSourcesFailed"))
		switch {
		case timedOut && !errors.Is(lastErr, apperr.ErrTimeout):
			return Result[T]{Source: FromNone}, apperr.ErrTimeout.Wrap(lastErr)
		case timedOut, apperr.IsClass(lastErr, apperr.ClassUpstream):
			return Result[T]{Source: FromNone}, lastErr
		}
		return Result[T]{Source: FromNone}, apperr.ErrDatabaseUnavailable.Wrap(lastErr)
	}
	a.answered(op, FromNone)
	return Result[T]{Source: FromNone, AsOf: a.cache.Now().UTC()}, nil
}

func (a *Aggregator) answered(op string, p Provenance) {
	if a.onAnswer != nil {
		a.onAnswer(op, p)
	}
}

// cached serves key from the cache or computes it through fn.
func cached[T any](a *Aggregator, op, identity, params string, ttl time.Duration, fn func() (Result[T], error)) (Result[T], error) {
	key := op + ":" + identity + ":" + params
	e, hit, err := a.cache.GetOrCompute(key, ttl, func() (any, error) {
		r, err := fn()
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	if a.onCache != nil {
		a.onCache(op, hit)
	}
	if err != nil {
		return Result[T]{Source: FromNone}, err
	}
	return e.Value.(Result[T]), nil
}

func params(parts ...any) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, "|")
}

func (a *Aggregator) now() time.Time { return a.cache.Now() }

func (a *Aggregator) balance(ctx context.Context, identity string, h engine.Handle) (Result[engine.Balance], error) {
	var db, journal func(context.Context) (engine.Balance, time.Time, error)
	if a.snapshot != nil {
		db = func(ctx context.Context) (engine.Balance, time.Time, error) { return a.snapshot.Balance(ctx, identity) }
	}
	if a.journal != nil {
		journal = func(ctx context.Context) (engine.Balance, time.Time, error) { return a.journal.Balance(ctx, identity) }
	}
	live := func(ctx context.Context) (engine.Balance, time.Time, error) {
		b, err := h.Balance(ctx)
		return b, a.now(), err
	}
	return run(ctx, a, "balance", chain(a.liveRunning(ctx, h), db, live, journal))
}

// Balance resolves the account balance.
func (a *Aggregator) Balance(ctx context.Context, identity string, h engine.Handle) (Result[engine.Balance], error) {
	return cached(a, "balance", identity, "", a.cfg.ReadTTL, func() (Result[engine.Balance], error) {
		return a.balance(ctx, identity, h)
	})
}

func (a *Aggregator) positions(ctx context.Context, identity string, h engine.Handle, symbol string) (Result[[]engine.Position], error) {
	var db, journal func(context.Context) ([]engine.Position, time.Time, error)
	if a.snapshot != nil {
		db = func(ctx context.Context) ([]engine.Position, time.Time, error) {
			return a.snapshot.Positions(ctx, identity, symbol)
		}
	}
	if a.journal != nil {
		journal = func(ctx context.Context) ([]engine.Position, time.Time, error) {
			return a.journal.Positions(ctx, identity, symbol)
		}
	}
	live := func(ctx context.Context) ([]engine.Position, time.Time, error) {
		p, err := h.Positions(ctx, symbol)
		return p, a.now(), err
	}
	r, err := run(ctx, a, "positions", chain(a.liveRunning(ctx, h), db, live, journal))
	if r.Value == nil && err == nil {
		r.Value = []engine.Position{}
	}
	return r, err
}

// Positions resolves open positions, optionally for one symbol.
func (a *Aggregator) Positions(ctx context.Context, identity string, h engine.Handle, symbol string) (Result[[]engine.Position], error) {
	return cached(a, "positions", identity, symbol, a.cfg.ReadTTL, func() (Result[[]engine.Position], error) {
		return a.positions(ctx, identity, h, symbol)
	})
}

func (a *Aggregator) status(ctx context.Context, identity string, h engine.Handle) (Result[engine.Status], error) {
	var db, journal func(context.Context) (engine.Status, time.Time, error)
	if a.snapshot != nil {
		db = func(ctx context.Context) (engine.Status, time.Time, error) {
			st, err := a.snapshot.Status(ctx, identity)
			return st, time.Time{}, err
		}
	}
	if a.journal != nil {
		journal = func(ctx context.Context) (engine.Status, time.Time, error) {
			st, err := a.journal.Status(ctx, identity)
			return st, time.Time{}, err
		}
	}
	live := func(ctx context.Context) (engine.Status, time.Time, error) {
		st, err := h.Status(ctx)
		return st, a.now(), err
	}
	r, err := run(ctx, a, "status", chain(a.liveRunning(ctx, h), db, live, journal))
	if err == nil && r.Source == FromNone {
		r.Value = engine.Status{State: engine.StateStopped, Symbols: []string{}}
	}
	return r, err
}

// Status resolves the engine status.
func (a *Aggregator) Status(ctx context.Context, identity string, h engine.Handle) (Result[engine.Status], error) {
	return cached(a, "status", identity, "", a.cfg.ReadTTL, func() (Result[engine.Status], error) {
		return a.status(ctx, identity, h)
	})
}

func (a *Aggregator) trades(ctx context.Context, identity string, h engine.Handle, q engine.TradeQuery) (Result[[]engine.Trade], error) {
	var db, journal func(context.Context) ([]engine.Trade, time.Time, error)
	if a.snapshot != nil {
		db = func(ctx context.Context) ([]engine.Trade, time.Time, error) {
			t, err := a.snapshot.Trades(ctx, identity, q)
			return t, time.Time{}, err
		}
	}
	if a.journal != nil {
		journal = func(ctx context.Context) ([]engine.Trade, time.Time, error) {
			return a.journal.Trades(ctx, identity, q)
		}
	}
	live := func(ctx context.Context) ([]engine.Trade, time.Time, error) {
		t, err := h.Trades(ctx, q)
		return t, a.now(), err
	}
	r, err := run(ctx, a, "trades", chain(a.liveRunning(ctx, h), db, live, journal))
	if r.Value == nil && err == nil {
		r.Value = []engine.Trade{}
	}
	return r, err
}

// Trades resolves a page of trades, newest first.
func (a *Aggregator) Trades(ctx context.Context, identity string, h engine.Handle, q engine.TradeQuery) (Result[[]engine.Trade], error) {
	return cached(a, "trades", identity, params(q.Limit, q.Offset, q.Status, q.Symbol), a.cfg.ReadTTL, func() (Result[[]engine.Trade], error) {
		return a.trades(ctx, identity, h, q)
	})
}

// Trade finds one trade by id. An id no source knows is UnknownTrade.
func (a *Aggregator) Trade(ctx context.Context, identity string, h engine.Handle, id string) (Result[engine.Trade], error) {
	return cached(a, "trade", identity, id, a.cfg.ReadTTL, func() (Result[engine.Trade], error) {
		var db, journal func(context.Context) (engine.Trade, time.Time, error)
		if a.snapshot != nil {
			db = func(ctx context.Context) (engine.Trade, time.Time, error) {
				t, err := a.snapshot.Trade(ctx, identity, id)
				return t, time.Time{}, err
			}
		}
		if a.journal != nil {
			journal = func(ctx context.Context) (engine.Trade, time.Time, error) {
				t, err := a.journal.Trade(ctx, identity, id)
				return t, time.Time{}, err
			}
		}
		live := func(ctx context.Context) (engine.Trade, time.Time, error) {
			t, err := h.Trade(ctx, id)
			return t, a.now(), err
		}
		r, err := run(ctx, a, "trade", chain(a.liveRunning(ctx, h), db, live, journal))
		if err == nil && r.Source == FromNone {
			return r, apperr.ErrUnknownTrade.WithDetail("%s", id)
		}
		return r, err
	})
}

// Decisions resolves AI decisions. The trade log carries none.
func (a *Aggregator) Decisions(ctx context.Context, identity string, h engine.Handle, q engine.DecisionQuery) (Result[[]engine.Decision], error) {
	return cached(a, "decisions", identity, params(q.Limit, q.Offset, q.Action), a.cfg.ReadTTL, func() (Result[[]engine.Decision], error) {
		var db func(context.Context) ([]engine.Decision, time.Time, error)
		if a.snapshot != nil {
			db = func(ctx context.Context) ([]engine.Decision, time.Time, error) {
				d, err := a.snapshot.Decisions(ctx, identity, q)
				return d, time.Time{}, err
			}
		}
		live := func(ctx context.Context) ([]engine.Decision, time.Time, error) {
			d, err := h.Decisions(ctx, q)
			return d, a.now(), err
		}
		r, err := run(ctx, a, "decisions", chain(a.liveRunning(ctx, h), db, live, nil))
		if r.Value == nil && err == nil {
			r.Value = []engine.Decision{}
		}
		return r, err
	})
}
