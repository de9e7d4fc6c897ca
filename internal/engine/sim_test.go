package engine

import (
	"context"
	"testing"
	"time"

	"github.com/feng04-qyq/backend/internal/events"
	"github.com/feng04-qyq/backend/pkg/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSim(bus *events.Bus) *Sim {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewSim(SimConfig{
		Identity:       "7",
		InitialBalance: 10000,
		Seed:           42,
		Bus:            bus,
		Now:            func() time.Time { return now },
	})
}

func demoConfig() StartConfig {
	return StartConfig{Mode: ModeDemo, Environment: "demo", Symbols: []string{"BTCUSDT", "ETHUSDT"}}
}

func TestSimLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSim(nil)

	_, err := s.Balance(ctx)
	require.ErrorIs(t, err, apperr.ErrNotRunning)
	require.ErrorIs(t, s.Stop(ctx), apperr.ErrNotRunning)

	require.NoError(t, s.Start(ctx, demoConfig()))
	assert.True(t, s.Running())
	require.ErrorIs(t, s.Start(ctx, demoConfig()), apperr.ErrAlreadyRunning)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, st.Symbols)
	require.NotNil(t, st.StartedAt)

	require.NoError(t, s.Restart(ctx, demoConfig()))
	require.NoError(t, s.Stop(ctx))
	st, _ = s.Status(ctx)
	assert.False(t, st.IsRunning)
	assert.Nil(t, st.StartedAt)
}

func TestSimRejectsBadStart(t *testing.T) {
	ctx := context.Background()
	s := newTestSim(nil)
	require.ErrorIs(t, s.Start(ctx, StartConfig{Mode: "paper"}), apperr.ErrInvalidRequest)
	require.ErrorIs(t, s.Start(ctx, StartConfig{Mode: ModeLive}), apperr.ErrInvalidRequest)
	assert.False(t, s.Running())
}

func TestSimOpenAndClose(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	opens, cancelOpens := bus.Subscribe(events.EventTradeOpen, 8)
	defer cancelOpens()
	closes, cancelCloses := bus.Subscribe(events.EventTradeClose, 8)
	defer cancelCloses()

	s := newTestSim(bus)
	require.NoError(t, s.Start(ctx, demoConfig()))

	s.mu.Lock()
	opened := s.openLocked("BTCUSDT", "Buy")
	s.mu.Unlock()

	msg := <-opens
	assert.Equal(t, "7", msg.UserID)
	assert.Equal(t, opened.ID, msg.Payload.(*events.TradeOpen).TradeID)

	pos, err := s.Positions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, opened.ID, pos[0].TradeID)

	_, err = s.ClosePosition(ctx, "ETHUSDT")
	require.ErrorIs(t, err, apperr.ErrUnknownSymbol)

	closed, err := s.ClosePosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, "manual", closed.Reason)
	require.NotNil(t, closed.PnL)

	msg = <-closes
	assert.Equal(t, opened.ID, msg.Payload.(*events.TradeClose).TradeID)

	trades, err := s.Trades(ctx, TradeQuery{Status: "closed"})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	got, err := s.Trade(ctx, opened.ID)
	require.NoError(t, err)
	assert.Equal(t, "closed", got.Status)
	_, err = s.Trade(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNoData)
}

func TestSimStopLossCloses(t *testing.T) {
	ctx := context.Background()
	s := newTestSim(nil)
	require.NoError(t, s.Start(ctx, demoConfig()))

	s.mu.Lock()
	s.openLocked("ETHUSDT", "Buy")
	s.prices["ETHUSDT"] = 3000 * 0.9
	s.markLocked("ETHUSDT")
	s.mu.Unlock()

	trades, err := s.Trades(ctx, TradeQuery{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "stop_loss", trades[0].Reason)
	pos, _ := s.Positions(ctx, "")
	assert.Empty(t, pos)
}

func TestSimStepPublishesDecisions(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	all, cancel := bus.SubscribeAll(256)
	defer cancel()

	s := newTestSim(bus)
	require.NoError(t, s.Start(ctx, demoConfig()))
	for i := 0; i < 20; i++ {
		s.step()
	}

	decisions, err := s.Decisions(ctx, DecisionQuery{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, decisions, 5)

	seen := map[events.Event]bool{}
	for len(all) > 0 {
		seen[(<-all).Type] = true
	}
	for _, e := range []events.Event{events.EventSystemStatus, events.EventAIDecision, events.EventAccountUpdate, events.EventPositionUpdate} {
		assert.True(t, seen[e], "missing %s", e)
	}
}

func TestSimBackgroundLoop(t *testing.T) {
	ctx := context.Background()
	s := NewSim(SimConfig{Seed: 1, Tick: 5 * time.Millisecond})
	require.NoError(t, s.Start(ctx, demoConfig()))

	require.Eventually(t, func() bool {
		d, _ := s.Decisions(ctx, DecisionQuery{})
		return len(d) >= 2
	}, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
}

func TestSimRiskGuardBlocksEntries(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus()
	warnings, cancel := bus.Subscribe(events.EventRiskWarning, 8)
	defer cancel()

	s := newTestSim(bus)
	cfg := demoConfig()
	cfg.Risk = map[string]any{"max_daily_loss": float64(100), "enable_drawdown_analysis": false}
	require.NoError(t, s.Start(ctx, cfg))

	s.mu.Lock()
	s.openLocked("ETHUSDT", "Buy")
	s.prices["ETHUSDT"] = 3000 * 0.9
	s.markLocked("ETHUSDT")
	s.mu.Unlock()

	for i := 0; i < 30; i++ {
		s.step()
	}

	msg := <-warnings
	w := msg.Payload.(*events.RiskWarning)
	assert.Equal(t, "critical", w.Level)
	assert.Equal(t, "daily_loss", w.Metric)
	assert.Equal(t, 100.0, w.Threshold)
	assert.Empty(t, warnings, "level unchanged, no repeat warning")

	trades, err := s.Trades(ctx, TradeQuery{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}
