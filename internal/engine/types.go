package engine

import (
	"time"

	"github.com/feng04-qyq/backend/internal/provider"
)

// Lifecycle states of an engine handle.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateError    = "error"
)

// Modes accepted by Start. Live maps to the mainnet exchange environment.
const (
	ModeDemo    = "demo"
	ModeTestnet = "testnet"
	ModeLive    = "live"
)

// Balance represents account balance information.
type Balance struct {
	Total         float64 `json:"total"`
	Available     float64 `json:"available"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Equity        float64 `json:"equity"`
	Currency      string  `json:"currency"`
}

// Position represents an open position.
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // Buy | Sell
	Size          float64   `json:"size"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Leverage      int       `json:"leverage"`
	StopLoss      float64   `json:"stop_loss,omitempty"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	TradeID       string    `json:"trade_id,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Trade represents a trade record, open or closed.
type Trade struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"`
	Quantity   float64    `json:"quantity"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  *float64   `json:"exit_price"`
	PnL        *float64   `json:"pnl"`
	PnLPct     *float64   `json:"pnl_pct"`
	Leverage   int        `json:"leverage"`
	Status     string     `json:"status"` // open | closed
	Reason     string     `json:"reason,omitempty"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at"`
}

// Decision represents one AI decision.
type Decision struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning"`
	Executed   bool      `json:"executed"`
	CreatedAt  time.Time `json:"created_at"`
}

// Status represents the engine runtime status.
type Status struct {
	IsRunning     bool       `json:"is_running"`
	State         string     `json:"state"`
	Mode          string     `json:"mode"`
	Symbols       []string   `json:"symbols"`
	StartedAt     *time.Time `json:"started_at"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	TotalTrades   int        `json:"total_trades"`
	OpenPositions int        `json:"open_positions"`
	LastError     string     `json:"last_error,omitempty"`
}

// TradeQuery filters trade listings.
type TradeQuery struct {
	Limit  int
	Offset int
	Status string
	Symbol string
}

// DecisionQuery filters decision listings.
type DecisionQuery struct {
	Limit  int
	Offset int
	Action string
}

// StartConfig is the configuration pushed to an engine at start.
type StartConfig struct {
	Mode        string                `json:"mode"`
	Environment string                `json:"environment"`
	Symbols     []string              `json:"symbols"`
	Trading     map[string]any        `json:"trading,omitempty"`
	Risk        map[string]any        `json:"risk,omitempty"`
	Exchange    *provider.Credentials `json:"exchange,omitempty"`
	AI          *provider.Credentials `json:"ai,omitempty"`
}

// EnvironmentFor maps an engine mode to the exchange environment.
func EnvironmentFor(mode string) string {
	switch mode {
	case ModeTestnet:
		return "testnet"
	case ModeLive:
		return "mainnet"
	}
	return "demo"
}

// ValidMode reports whether mode is accepted by Start.
func ValidMode(mode string) bool {
	return mode == ModeDemo || mode == ModeTestnet || mode == ModeLive
}

func filterTrades(all []Trade, q TradeQuery) []Trade {
	out := make([]Trade, 0, len(all))
	for _, t := range all {
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.Symbol != "" && t.Symbol != q.Symbol {
			continue
		}
		out = append(out, t)
	}
	return page(out, q.Offset, q.Limit)
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
