package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeSource serves both the snapshot and journal interfaces and counts calls.
type fakeSource struct {
	mu     sync.Mutex
	calls  map[string]int
	err    error
	trades []engine.Trade
	bal    engine.Balance
}

func newFakeSource(total float64) *fakeSource {
	return &fakeSource{calls: map[string]int{}, bal: engine.Balance{Total: total}}
}

func (f *fakeSource) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.err
}

func (f *fakeSource) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) Balance(context.Context, string) (engine.Balance, time.Time, error) {
	if err := f.hit("balance"); err != nil {
		return engine.Balance{}, time.Time{}, err
	}
	return f.bal, time.Time{}, nil
}

func (f *fakeSource) Positions(context.Context, string, string) ([]engine.Position, time.Time, error) {
	return nil, time.Time{}, f.orNoData("positions")
}

func (f *fakeSource) orNoData(op string) error {
	if err := f.hit(op); err != nil {
		return err
	}
	return apperr.ErrNoData
}

func (f *fakeSource) listTrades(op string) ([]engine.Trade, error) {
	if err := f.hit(op); err != nil {
		return nil, err
	}
	if len(f.trades) == 0 {
		return nil, apperr.ErrNoData
	}
	return f.trades, nil
}

type snapshotFake struct{ *fakeSource }

func (s snapshotFake) Trades(context.Context, string, engine.TradeQuery) ([]engine.Trade, error) {
	return s.listTrades("trades")
}

func (s snapshotFake) Trade(context.Context, string, string) (engine.Trade, error) {
	return engine.Trade{}, s.orNoData("trade")
}

func (s snapshotFake) Decisions(context.Context, string, engine.DecisionQuery) ([]engine.Decision, error) {
	return nil, s.orNoData("decisions")
}

func (s snapshotFake) Status(context.Context, string) (engine.Status, error) {
	return engine.Status{}, s.orNoData("status")
}

type journalFake struct{ *fakeSource }

func (j journalFake) Trades(context.Context, string, engine.TradeQuery) ([]engine.Trade, time.Time, error) {
	t, err := j.listTrades("trades")
	return t, time.Time{}, err
}

func (j journalFake) Trade(context.Context, string, string) (engine.Trade, error) {
	return engine.Trade{}, j.orNoData("trade")
}

func (j journalFake) Status(context.Context, string) (engine.Status, error) {
	return engine.Status{}, j.orNoData("status")
}

func setup(t *testing.T) (*Aggregator, *fakeSource, *fakeSource, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	db, logs := newFakeSource(100), newFakeSource(50)
	a := New(Config{ReadTTL: 2 * time.Second, OverviewTTL: 5 * time.Second, SourceTimeout: time.Second},
		snapshotFake{db}, journalFake{logs}, cache.NewWithClock(clock.Now))
	return a, db, logs, clock
}

func stoppedHandle() engine.Handle { return engine.NewSim(engine.SimConfig{Seed: 1}) }

func TestCacheServesWithinTTL(t *testing.T) {
	a, db, _, clock := setup(t)
	ctx := context.Background()
	h := stoppedHandle()

	first, err := a.Balance(ctx, "u1", h)
	require.NoError(t, err)
	assert.Equal(t, FromDatabase, first.Source)

	for i := 0; i < 5; i++ {
		clock.Advance(300 * time.Millisecond)
		again, err := a.Balance(ctx, "u1", h)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1, db.count("balance"))

	// Other identities have their own entries.
	_, err = a.Balance(ctx, "u2", h)
	require.NoError(t, err)
	assert.Equal(t, 2, db.count("balance"))
}

func TestExpiryRerunsChain(t *testing.T) {
	a, db, logs, clock := setup(t)
	ctx := context.Background()
	h := stoppedHandle()

	r, err := a.Balance(ctx, "u1", h)
	require.NoError(t, err)
	assert.Equal(t, FromDatabase, r.Source)

	db.fail(apperr.ErrDatabaseUnavailable)
	clock.Advance(2*time.Second + time.Millisecond)

	r, err = a.Balance(ctx, "u1", h)
	require.NoError(t, err)
	assert.Equal(t, FromLog, r.Source)
	assert.Equal(t, 50.0, r.Value.Total)
	assert.Equal(t, 2, db.count("balance"))
	assert.Equal(t, 1, logs.count("balance"))
}

func TestLiveLeadsWhenRunning(t *testing.T) {
	a, db, _, _ := setup(t)
	ctx := context.Background()
	h := stoppedHandle()
	require.NoError(t, h.Start(ctx, engine.StartConfig{Mode: engine.ModeDemo, Symbols: []string{"BTCUSDT"}}))

	r, err := a.Balance(ctx, "", h)
	require.NoError(t, err)
	assert.Equal(t, FromLive, r.Source)
	assert.Equal(t, 10000.0, r.Value.Total)
	assert.Zero(t, db.count("balance"))
}

// runningEngine is an engine process that was already trading when the
// bridge came up.
type runningEngine struct {
	mu    sync.Mutex
	paths []string
}

func (e *runningEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	e.paths = append(e.paths, r.URL.Path)
	e.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	body := map[string]any{"success": true}
	switch r.URL.Path {
	case "/status":
		body["data"] = engine.Status{IsRunning: true, State: engine.StateRunning, Mode: engine.ModeDemo, Symbols: []string{"BTCUSDT"}}
	case "/balance":
		body["data"] = engine.Balance{Total: 1234, Available: 1234, Equity: 1234, Currency: "USDT"}
	case "/start":
		w.WriteHeader(http.StatusConflict)
		body = map[string]any{"success": false, "error": map[string]string{"code": "ALREADY_RUNNING", "message": "engine already running"}}
	default:
		w.WriteHeader(http.StatusNotFound)
		body = map[string]any{"success": false}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (e *runningEngine) seen(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.paths {
		if p == path {
			return true
		}
	}
	return false
}

func TestFindsEngineStartedBeforeBridge(t *testing.T) {
	a, db, logs, _ := setup(t)
	ctx := context.Background()
	stub := &runningEngine{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	backend, err := engine.NewRemoteBackend(engine.RemoteConfig{BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)
	defer backend.Close()
	h, err := backend.Handle("")
	require.NoError(t, err)
	require.False(t, h.Running())

	st, err := a.Status(ctx, "", h)
	require.NoError(t, err)
	assert.Equal(t, FromLive, st.Source)
	assert.True(t, st.Value.IsRunning)
	assert.Equal(t, engine.StateRunning, st.Value.State)
	assert.True(t, h.Running())

	bal, err := a.Balance(ctx, "", h)
	require.NoError(t, err)
	assert.Equal(t, FromLive, bal.Source)
	assert.Equal(t, 1234.0, bal.Value.Total)
	assert.Zero(t, db.count("balance"))
	assert.Zero(t, logs.count("balance"))
	assert.True(t, stub.seen("/status"))
	assert.True(t, stub.seen("/balance"))

	require.ErrorIs(t, h.Start(ctx, engine.StartConfig{Mode: engine.ModeDemo}), apperr.ErrAlreadyRunning)
	assert.True(t, h.Running())
}

func TestAllSourcesTimingOut(t *testing.T) {
	a, db, logs, _ := setup(t)
	db.fail(context.DeadlineExceeded)
	logs.fail(fmt.Errorf("read journal: %w", context.DeadlineExceeded))

	r, err := a.Balance(context.Background(), "u1", stoppedHandle())
	require.ErrorIs(t, err, apperr.ErrTimeout)
	assert.False(t, errors.Is(err, apperr.ErrDatabaseUnavailable))
	assert.Equal(t, FromNone, r.Source)
}

func TestAllSourcesFailing(t *testing.T) {
	a, db, logs, _ := setup(t)
	db.fail(apperr.ErrDatabaseUnavailable)
	logs.fail(errors.New("disk gone"))

	r, err := a.Balance(context.Background(), "u1", stoppedHandle())
	require.Error(t, err)
	assert.True(t, apperr.IsClass(err, apperr.ClassUpstream))
	assert.Equal(t, FromNone, r.Source)
}

func TestNoDataAnywhere(t *testing.T) {
	a, _, _, _ := setup(t)
	ctx := context.Background()

	pos, err := a.Positions(ctx, "u1", stoppedHandle(), "")
	require.NoError(t, err)
	assert.Equal(t, FromNone, pos.Source)
	assert.NotNil(t, pos.Value)

	_, err = a.Trade(ctx, "u1", stoppedHandle(), "T-404")
	require.ErrorIs(t, err, apperr.ErrUnknownTrade)
}

func TestOverviewIsOneCacheEntry(t *testing.T) {
	a, db, logs, clock := setup(t)
	ctx := context.Background()
	h := stoppedHandle()
	pnl := 12.5
	logs.trades = []engine.Trade{{ID: "t1", Status: "closed", PnL: &pnl, OpenedAt: clock.Now()}}

	first, err := a.Overview(ctx, "u1", h, 5)
	require.NoError(t, err)
	assert.Equal(t, FromDatabase, first.Source)
	assert.Equal(t, FromLog, first.Value.Sources["recent_trades"])
	assert.Equal(t, 1, first.Value.Statistics.TotalTrades)
	assert.Equal(t, 1, a.cache.Len())

	clock.Advance(4 * time.Second)
	second, err := a.Overview(ctx, "u1", h, 5)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, db.count("balance"))

	clock.Advance(2 * time.Second)
	_, err = a.Overview(ctx, "u1", h, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, db.count("balance"))
}

func TestInvalidate(t *testing.T) {
	a, db, _, _ := setup(t)
	ctx := context.Background()
	h := stoppedHandle()

	_, _ = a.Balance(ctx, "u1", h)
	_, _ = a.Balance(ctx, "u2", h)
	a.Invalidate("u1")
	_, _ = a.Balance(ctx, "u1", h)
	_, _ = a.Balance(ctx, "u2", h)
	assert.Equal(t, 3, db.count("balance"))
}

func TestStatisticsPeriod(t *testing.T) {
	a, _, _, _ := setup(t)
	_, err := a.Statistics(context.Background(), "u1", stoppedHandle(), "1y")
	require.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestSummarize(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f := func(v float64) *float64 { return &v }
	trades := []engine.Trade{
		{Status: "closed", PnL: f(30), OpenedAt: now.Add(-time.Hour)},
		{Status: "closed", PnL: f(-10), OpenedAt: now.Add(-2 * time.Hour)},
		{Status: "closed", PnL: f(0.1), OpenedAt: now.Add(-3 * time.Hour)},
		{Status: "open", OpenedAt: now.Add(-time.Minute)},
		{Status: "closed", PnL: f(500), OpenedAt: now.Add(-40 * 24 * time.Hour)},
	}

	st := Summarize(trades, "30d", now)
	assert.Equal(t, 3, st.TotalTrades)
	assert.Equal(t, 1, st.OpenTrades)
	assert.Equal(t, 2, st.WinningTrades)
	assert.Equal(t, 1, st.LosingTrades)
	assert.Equal(t, 20.1, st.TotalPnL)
	assert.Equal(t, 66.67, st.WinRate)
	assert.Equal(t, 30.0, st.BestTrade)
	assert.Equal(t, -10.0, st.WorstTrade)
	assert.Equal(t, 3.01, st.ProfitFactor)

	all := Summarize(trades, "all", now)
	assert.Equal(t, 4, all.TotalTrades)
	assert.Equal(t, 500.0, all.BestTrade)
}
