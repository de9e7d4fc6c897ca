package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func TestConfigFromSettings(t *testing.T) {
	cfg := ConfigFrom(map[string]any{
		"max_daily_loss":           float64(1200),
		"max_drawdown_pct":         15,
		"enable_drawdown_analysis": false,
	})
	assert.Equal(t, 1200.0, cfg.MaxDailyLoss)
	assert.Equal(t, 15.0, cfg.MaxDrawdownPct)
	assert.False(t, cfg.TrackDrawdown)
	assert.Equal(t, 0.8, cfg.WarningThreshold)

	assert.Equal(t, DefaultConfig(), ConfigFrom(nil))
}

func TestRecordUsesNetPnL(t *testing.T) {
	tests := []struct {
		name       string
		pnl        []float64
		wantLosses float64
		wantDaily  float64
	}{
		{name: "profit", pnl: []float64{120.5}, wantDaily: 120.5},
		{name: "loss", pnl: []float64{-42.75}, wantLosses: 42.75, wantDaily: -42.75},
		{name: "mixed", pnl: []float64{0.1, 0.2, -0.3}, wantLosses: 0.3, wantDaily: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(DefaultConfig(), newClock().Now)
			for _, p := range tt.pnl {
				g.Record(p)
			}
			m := g.Metrics()
			assert.Equal(t, tt.wantDaily, m.DailyPnL)
			assert.Equal(t, tt.wantLosses, m.DailyLosses)
			assert.Equal(t, len(tt.pnl), m.DailyTrades)
		})
	}
}

func TestDailyLossLevels(t *testing.T) {
	c := newClock()
	g := NewGuard(Config{MaxDailyLoss: 500}, c.Now)

	assert.Equal(t, LevelNormal, g.Check(10000).Level)

	g.Record(-450)
	dec := g.Check(9550)
	assert.Equal(t, LevelWarning, dec.Level)
	assert.True(t, dec.Allowed)
	assert.Equal(t, "daily_loss", dec.Metric)

	g.Record(-150)
	dec = g.Check(9400)
	assert.Equal(t, LevelCritical, dec.Level)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 600.0, dec.Value)
	assert.Equal(t, 500.0, dec.Threshold)

	c.Advance(24 * time.Hour)
	dec = g.Check(9400)
	assert.Equal(t, LevelNormal, dec.Level)
	assert.Zero(t, g.Metrics().DailyTrades)
	assert.Equal(t, -600.0, g.Metrics().RealizedPnL)
}

func TestDrawdownFromPeak(t *testing.T) {
	g := NewGuard(Config{MaxDrawdownPct: 10, TrackDrawdown: true}, newClock().Now)

	g.Check(10000)
	g.Check(12000)
	dec := g.Check(11500)
	assert.Equal(t, LevelNormal, dec.Level)

	dec = g.Check(10900)
	assert.Equal(t, LevelWarning, dec.Level)
	assert.Equal(t, "drawdown_pct", dec.Metric)

	dec = g.Check(10700)
	assert.Equal(t, LevelCritical, dec.Level)
	assert.False(t, dec.Allowed)

	g.Check(11800)
	m := g.Metrics()
	assert.Equal(t, 12000.0, m.PeakEquity)
	assert.InDelta(t, 10.83, m.MaxDrawdown, 0.01)
	assert.InDelta(t, 1.67, m.DrawdownPct, 0.01)

	off := NewGuard(Config{MaxDrawdownPct: 10}, newClock().Now)
	off.Check(10000)
	assert.Equal(t, LevelNormal, off.Check(5000).Level)
}

func TestMostSevereLimitWins(t *testing.T) {
	g := NewGuard(Config{MaxDailyLoss: 1000, MaxDrawdownPct: 5, TrackDrawdown: true}, newClock().Now)
	g.Check(10000)
	g.Record(-850)
	dec := g.Check(9000)
	assert.Equal(t, LevelCritical, dec.Level)
	assert.Equal(t, "drawdown_pct", dec.Metric)
}
