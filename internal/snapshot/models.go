package snapshot

import (
	"time"

	"github.com/feng04-qyq/backend/internal/engine"
)

// Rows mirror the tables the engine writes. The bridge only reads them.

type tradeRow struct {
	ID          string `gorm:"primaryKey"`
	UserID      string
	Symbol      string
	Side        string
	Quantity    float64
	EntryPrice  float64
	ExitPrice   *float64
	PnL         *float64 `gorm:"column:pnl"`
	PnLPct      *float64 `gorm:"column:pnl_pct"`
	Leverage    int
	Status      string
	CloseReason string
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

func (tradeRow) TableName() string { return "trades" }

type decisionRow struct {
	ID         string `gorm:"primaryKey"`
	UserID     string
	Symbol     string
	Action     string
	Confidence float64
	Reasoning  string
	Executed   bool
	CreatedAt  time.Time
}

func (decisionRow) TableName() string { return "ai_decisions" }

type accountRow struct {
	ID               int64 `gorm:"primaryKey"`
	UserID           string
	TotalBalance     float64
	AvailableBalance float64
	UnrealizedPnL    float64 `gorm:"column:unrealized_pnl"`
	Equity           float64
	CreatedAt        time.Time
}

func (accountRow) TableName() string { return "account_snapshots" }

type positionRow struct {
	ID            int64 `gorm:"primaryKey"`
	UserID        string
	Symbol        string
	Side          string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64 `gorm:"column:unrealized_pnl"`
	Leverage      int
	StopLoss      float64
	TakeProfit    float64
	TradeID       string
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

func (positionRow) TableName() string { return "positions" }

func (r tradeRow) toTrade() engine.Trade {
	status := r.Status
	if status == "" {
		status = "open"
		if r.ClosedAt != nil {
			status = "closed"
		}
	}
	return engine.Trade{
		ID:         r.ID,
		Symbol:     r.Symbol,
		Side:       normalizeSide(r.Side),
		Quantity:   r.Quantity,
		EntryPrice: r.EntryPrice,
		ExitPrice:  r.ExitPrice,
		PnL:        r.PnL,
		PnLPct:     r.PnLPct,
		Leverage:   r.Leverage,
		Status:     status,
		Reason:     r.CloseReason,
		OpenedAt:   r.OpenedAt.UTC(),
		ClosedAt:   utcPtr(r.ClosedAt),
	}
}

func (r decisionRow) toDecision() engine.Decision {
	return engine.Decision{
		ID:         r.ID,
		Symbol:     r.Symbol,
		Action:     r.Action,
		Confidence: r.Confidence,
		Reasoning:  r.Reasoning,
		Executed:   r.Executed,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

func (r accountRow) toBalance() engine.Balance {
	equity := r.Equity
	if equity == 0 {
		equity = r.TotalBalance + r.UnrealizedPnL
	}
	return engine.Balance{
		Total:         r.TotalBalance,
		Available:     r.AvailableBalance,
		UnrealizedPnL: r.UnrealizedPnL,
		Equity:        equity,
		Currency:      "USDT",
	}
}

func (r positionRow) toPosition() engine.Position {
	return engine.Position{
		Symbol:        r.Symbol,
		Side:          normalizeSide(r.Side),
		Size:          r.Size,
		EntryPrice:    r.EntryPrice,
		MarkPrice:     r.MarkPrice,
		UnrealizedPnL: r.UnrealizedPnL,
		Leverage:      r.Leverage,
		StopLoss:      r.StopLoss,
		TakeProfit:    r.TakeProfit,
		TradeID:       r.TradeID,
		OpenedAt:      r.OpenedAt.UTC(),
	}
}

// normalizeSide maps the engine's LONG/SHORT/BUY/SELL spellings to Buy/Sell.
func normalizeSide(s string) string {
	switch s {
	case "LONG", "long", "BUY", "buy", "Buy":
		return "Buy"
	case "":
		return ""
	}
	return "Sell"
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
