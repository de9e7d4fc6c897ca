package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event enumerates the notifications pushed to clients.
type Event string

const (
	EventAccountUpdate      Event = "account_update"
	EventPositionUpdate     Event = "position_update"
	EventTradeOpen          Event = "trade_open"
	EventTradeClose         Event = "trade_close"
	EventAIDecision         Event = "ai_decision"
	EventRiskWarning        Event = "risk_warning"
	EventTrailingStopUpdate Event = "trailing_stop_update"
	EventSystemStatus       Event = "system_status"
)

// Known reports whether e is one of the broadcast event types.
func Known(e Event) bool {
	_, ok := payloadTypes[e]
	return ok
}

// Message is one event on the bus. An empty UserID means every identity.
type Message struct {
	Type    Event     `json:"type"`
	UserID  string    `json:"user_id,omitempty"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type AccountUpdate struct {
	Balance       float64 `json:"balance"`
	Available     float64 `json:"available"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Equity        float64 `json:"equity"`
}

type PositionSnapshot struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      int     `json:"leverage"`
}

type PositionUpdate struct {
	Positions []PositionSnapshot `json:"positions"`
}

type TradeOpen struct {
	TradeID    string    `json:"trade_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	Leverage   int       `json:"leverage"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
}

type TradeClose struct {
	TradeID   string    `json:"trade_id"`
	Symbol    string    `json:"symbol"`
	ExitPrice float64   `json:"exit_price"`
	PnL       float64   `json:"pnl"`
	PnLPct    float64   `json:"pnl_pct"`
	Reason    string    `json:"reason"`
	ClosedAt  time.Time `json:"closed_at"`
}

type AIDecision struct {
	DecisionID string  `json:"decision_id"`
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

type RiskWarning struct {
	Level     string  `json:"level"` // info | warning | critical
	Message   string  `json:"message"`
	Metric    string  `json:"metric,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

type TrailingStopUpdate struct {
	TradeID string  `json:"trade_id"`
	Symbol  string  `json:"symbol"`
	OldStop float64 `json:"old_stop"`
	NewStop float64 `json:"new_stop"`
	Price   float64 `json:"price"`
}

type SystemStatus struct {
	IsRunning bool     `json:"is_running"`
	Mode      string   `json:"mode"`
	Symbols   []string `json:"symbols"`
	State     string   `json:"state"`
	Message   string   `json:"message,omitempty"`
}

var payloadTypes = map[Event]func() any{
	EventAccountUpdate:      func() any { return &AccountUpdate{} },
	EventPositionUpdate:     func() any { return &PositionUpdate{} },
	EventTradeOpen:          func() any { return &TradeOpen{} },
	EventTradeClose:         func() any { return &TradeClose{} },
	EventAIDecision:         func() any { return &AIDecision{} },
	EventRiskWarning:        func() any { return &RiskWarning{} },
	EventTrailingStopUpdate: func() any { return &TrailingStopUpdate{} },
	EventSystemStatus:       func() any { return &SystemStatus{} },
}

// DecodePayload parses raw JSON into the fixed payload shape of e.
func DecodePayload(e Event, raw json.RawMessage) (any, error) {
	newPayload, ok := payloadTypes[e]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", e)
	}
	p := newPayload()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e, err)
		}
	}
	return p, nil
}
