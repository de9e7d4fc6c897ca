// Package risk tracks realized losses and equity drawdown for one engine and
// decides when new entries must stop.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Limit levels, in increasing severity.
const (
	LevelNormal   = "normal"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Config holds the limits of the "risk" settings category.
type Config struct {
	MaxDailyLoss     float64 // USDT; zero disables the check
	MaxDrawdownPct   float64 // percent of peak equity; zero disables the check
	TrackDrawdown    bool
	WarningThreshold float64 // share of a limit that raises a warning
}

// DefaultConfig mirrors the settings schema defaults.
func DefaultConfig() Config {
	return Config{
		MaxDailyLoss:     500,
		MaxDrawdownPct:   10,
		TrackDrawdown:    true,
		WarningThreshold: 0.8,
	}
}

// ConfigFrom reads the risk settings map; missing keys keep their defaults.
func ConfigFrom(values map[string]any) Config {
	cfg := DefaultConfig()
	if v, ok := number(values["max_daily_loss"]); ok {
		cfg.MaxDailyLoss = v
	}
	if v, ok := number(values["max_drawdown_pct"]); ok {
		cfg.MaxDrawdownPct = v
	}
	if v, ok := values["enable_drawdown_analysis"].(bool); ok {
		cfg.TrackDrawdown = v
	}
	return cfg
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Metrics is the guard's running account.
type Metrics struct {
	Day         string  `json:"day"`
	DailyPnL    float64 `json:"daily_pnl"`
	DailyTrades int     `json:"daily_trades"`
	DailyLosses float64 `json:"daily_losses"`
	PeakEquity  float64 `json:"peak_equity"`
	DrawdownPct float64 `json:"drawdown_pct"`
	MaxDrawdown float64 `json:"max_drawdown_pct"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// Decision is the outcome of Check. Metric, Value and Threshold name the
// limit that set Level; they are empty at LevelNormal.
type Decision struct {
	Allowed   bool
	Level     string
	Reason    string
	Metric    string
	Value     float64
	Threshold float64
}

// Guard is safe for concurrent use.
type Guard struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	day         string
	dailyPnL    decimal.Decimal
	dailyLosses decimal.Decimal
	dailyTrades int
	realized    decimal.Decimal
	peak        float64
	drawdown    float64
	maxDrawdown float64
}

func NewGuard(cfg Config, now func() time.Time) *Guard {
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold > 1 {
		cfg.WarningThreshold = DefaultConfig().WarningThreshold
	}
	if now == nil {
		now = time.Now
	}
	g := &Guard{cfg: cfg, now: now}
	g.day = g.today()
	return g
}

func (g *Guard) today() string { return g.now().UTC().Format(time.DateOnly) }

// rollLocked resets the daily counters when the UTC day changed.
func (g *Guard) rollLocked() {
	if d := g.today(); d != g.day {
		g.day = d
		g.dailyPnL = decimal.Zero
		g.dailyLosses = decimal.Zero
		g.dailyTrades = 0
	}
}

// Record books the net PnL of a closed trade.
func (g *Guard) Record(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()

	net := decimal.NewFromFloat(pnl)
	g.dailyTrades++
	g.dailyPnL = g.dailyPnL.Add(net)
	if net.IsNegative() {
		g.dailyLosses = g.dailyLosses.Add(net.Neg())
	}
	g.realized = g.realized.Add(net)
}

// Check marks equity against the peak and evaluates both limits. The most
// severe level wins; a critical level blocks new entries.
func (g *Guard) Check(equity float64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()

	if equity > g.peak {
		g.peak = equity
	}
	g.drawdown = 0
	if g.peak > 0 {
		g.drawdown = (g.peak - equity) / g.peak * 100
	}
	g.maxDrawdown = max(g.maxDrawdown, g.drawdown)

	dec := Decision{Allowed: true, Level: LevelNormal}
	losses := g.dailyLosses.InexactFloat64()
	if g.cfg.MaxDailyLoss > 0 {
		g.escalate(&dec, "daily_loss", losses, g.cfg.MaxDailyLoss,
			fmt.Sprintf("daily loss %.2f of %.2f USDT", losses, g.cfg.MaxDailyLoss))
	}
	if g.cfg.TrackDrawdown && g.cfg.MaxDrawdownPct > 0 {
		g.escalate(&dec, "drawdown_pct", g.drawdown, g.cfg.MaxDrawdownPct,
			fmt.Sprintf("drawdown %.2f%% of %.2f%% limit", g.drawdown, g.cfg.MaxDrawdownPct))
	}
	return dec
}

func (g *Guard) escalate(dec *Decision, metric string, value, limit float64, reason string) {
	level := LevelNormal
	switch {
	case value >= limit:
		level = LevelCritical
	case value >= limit*g.cfg.WarningThreshold:
		level = LevelWarning
	}
	if severity(level) <= severity(dec.Level) {
		return
	}
	dec.Level = level
	dec.Allowed = level != LevelCritical
	dec.Reason = reason
	dec.Metric = metric
	dec.Value = value
	dec.Threshold = limit
}

func severity(level string) int {
	switch level {
	case LevelCritical:
		return 2
	case LevelWarning:
		return 1
	}
	return 0
}

// Metrics returns a snapshot of the running account.
func (g *Guard) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollLocked()
	return Metrics{
		Day:         g.day,
		DailyPnL:    g.dailyPnL.InexactFloat64(),
		DailyTrades: g.dailyTrades,
		DailyLosses: g.dailyLosses.InexactFloat64(),
		PeakEquity:  g.peak,
		DrawdownPct: g.drawdown,
		MaxDrawdown: g.maxDrawdown,
		RealizedPnL: g.realized.InexactFloat64(),
	}
}
