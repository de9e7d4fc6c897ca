// Package tradelog reads the engine's JSON trade journals. It is the last
// resort when neither the database nor the live engine can answer.
package tradelog

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/pkg/apperr"

	"github.com/shopspring/decimal"
)

const (
	filePattern = "trade_journal_*.json"
	maxEntries  = 5000
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Reader loads journals from a directory. In multi-user mode each identity
// has its own subdirectory.
type Reader struct {
	dir         string
	multi       bool
	baseBalance decimal.Decimal
}

func NewReader(dir string, multi bool, baseBalance float64) *Reader {
	return &Reader{dir: dir, multi: multi, baseBalance: decimal.NewFromFloat(baseBalance)}
}

type entry struct {
	TradeID     string   `json:"trade_id"`
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Action      string   `json:"action"`
	Side        string   `json:"side"`
	Symbol      string   `json:"symbol"`
	EntryPrice  float64  `json:"entry_price"`
	ClosePrice  *float64 `json:"close_price"`
	Quantity    *float64 `json:"quantity"`
	Size        *float64 `json:"size"`
	Leverage    float64  `json:"leverage"`
	StopLoss    float64  `json:"stop_loss"`
	PnL         *float64 `json:"pnl"`
	PnLPct      *float64 `json:"pnl_pct"`
	OpenTime    string   `json:"open_time"`
	EntryTime   string   `json:"entry_time"`
	CloseTime   string   `json:"close_time"`
	CloseReason string   `json:"close_reason"`
}

type journal struct {
	Trades []entry `json:"trades"`
}

func (r *Reader) dirFor(identity string) (string, bool) {
	if !r.multi || identity == "" {
		return r.dir, true
	}
	if identity != filepath.Base(identity) || identity == "." || identity == ".." {
		return "", false
	}
	return filepath.Join(r.dir, identity), true
}

// load returns every journal trade newest file first, plus the newest file's
// modification time.
func (r *Reader) load(ctx context.Context, identity string) ([]engine.Trade, time.Time, error) {
	dir, ok := r.dirFor(identity)
	if !ok {
		return nil, time.Time{}, apperr.ErrNoData
	}
	files, err := filepath.Glob(filepath.Join(dir, filePattern))
	if err != nil || len(files) == 0 {
		return nil, time.Time{}, apperr.ErrNoData
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var (
		out  []engine.Trade
		asOf time.Time
	)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, time.Time{}, apperr.ErrTimeout.Wrap(err)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[AGG] skip journal %s: %v", filepath.Base(path), err)
			continue
		}
		var j journal
		if err := json.Unmarshal(raw, &j); err != nil {
			log.Printf("[AGG] skip journal %s: %v", filepath.Base(path), err)
			continue
		}
		if info, err := os.Stat(path); err == nil && info.ModTime().After(asOf) {
			asOf = info.ModTime()
		}
		// Entries are appended in time order within a file.
		for i := len(j.Trades) - 1; i >= 0; i-- {
			out = append(out, j.Trades[i].toTrade())
			if len(out) >= maxEntries {
				return out, asOf.UTC(), nil
			}
		}
	}
	if len(out) == 0 {
		return nil, time.Time{}, apperr.ErrNoData
	}
	return out, asOf.UTC(), nil
}

func (e entry) toTrade() engine.Trade {
	id := e.TradeID
	if id == "" {
		id = e.ID
	}
	side := e.Action
	if side == "" {
		side = e.Side
	}
	if s := strings.ToUpper(side); s == "LONG" || s == "BUY" {
		side = "Buy"
	} else {
		side = "Sell"
	}
	qty := 0.0
	if e.Quantity != nil {
		qty = *e.Quantity
	} else if e.Size != nil {
		qty = *e.Size
	}
	status := "open"
	if strings.EqualFold(e.Status, "closed") {
		status = "closed"
	}
	opened := e.OpenTime
	if opened == "" {
		opened = e.EntryTime
	}
	t := engine.Trade{
		ID:         id,
		Symbol:     e.Symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: e.EntryPrice,
		ExitPrice:  e.ClosePrice,
		PnL:        e.PnL,
		PnLPct:     e.PnLPct,
		Leverage:   int(e.Leverage),
		Status:     status,
		Reason:     e.CloseReason,
	}
	if ts, ok := parseTime(opened); ok {
		t.OpenedAt = ts
	}
	if ts, ok := parseTime(e.CloseTime); ok {
		t.ClosedAt = &ts
	}
	return t
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// Trades lists journal trades newest first.
func (r *Reader) Trades(ctx context.Context, identity string, q engine.TradeQuery) ([]engine.Trade, time.Time, error) {
	all, asOf, err := r.load(ctx, identity)
	if err != nil {
		return nil, time.Time{}, err
	}
	out := make([]engine.Trade, 0, len(all))
	for _, t := range all {
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.Symbol != "" && t.Symbol != q.Symbol {
			continue
		}
		out = append(out, t)
	}
	if q.Offset >= len(out) {
		return []engine.Trade{}, asOf, nil
	}
	out = out[max(q.Offset, 0):]
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, asOf, nil
}

func (r *Reader) Trade(ctx context.Context, identity, id string) (engine.Trade, error) {
	all, _, err := r.load(ctx, identity)
	if err != nil {
		return engine.Trade{}, err
	}
	i := slices.IndexFunc(all, func(t engine.Trade) bool { return t.ID == id })
	if i < 0 {
		return engine.Trade{}, apperr.ErrNoData
	}
	return all[i], nil
}

// Positions derives open positions from open journal trades, marked at entry.
func (r *Reader) Positions(ctx context.Context, identity, symbol string) ([]engine.Position, time.Time, error) {
	all, asOf, err := r.load(ctx, identity)
	if err != nil {
		return nil, time.Time{}, err
	}
	out := []engine.Position{}
	for _, t := range all {
		if t.Status != "open" || (symbol != "" && t.Symbol != symbol) {
			continue
		}
		out = append(out, engine.Position{
			Symbol:     t.Symbol,
			Side:       t.Side,
			Size:       t.Quantity,
			EntryPrice: t.EntryPrice,
			MarkPrice:  t.EntryPrice,
			Leverage:   t.Leverage,
			TradeID:    t.ID,
			OpenedAt:   t.OpenedAt,
		})
	}
	return out, asOf, nil
}

// Balance is the configured base balance plus realized journal PnL. Margin
// of open trades is not available.
func (r *Reader) Balance(ctx context.Context, identity string) (engine.Balance, time.Time, error) {
	all, asOf, err := r.load(ctx, identity)
	if err != nil {
		return engine.Balance{}, time.Time{}, err
	}
	total := r.baseBalance
	margin := decimal.Zero
	for _, t := range all {
		switch {
		case t.Status == "closed" && t.PnL != nil:
			total = total.Add(decimal.NewFromFloat(*t.PnL))
		case t.Status == "open":
			lev := decimal.NewFromInt(int64(max(t.Leverage, 1)))
			notional := decimal.NewFromFloat(t.EntryPrice).Mul(decimal.NewFromFloat(t.Quantity))
			margin = margin.Add(notional.Div(lev))
		}
	}
	totalF := total.Round(2).InexactFloat64()
	return engine.Balance{
		Total:     totalF,
		Available: total.Sub(margin).Round(2).InexactFloat64(),
		Equity:    totalF,
		Currency:  "USDT",
	}, asOf, nil
}

// Status summarizes the journals. The engine is never reported running.
func (r *Reader) Status(ctx context.Context, identity string) (engine.Status, error) {
	all, _, err := r.load(ctx, identity)
	if err != nil {
		return engine.Status{}, err
	}
	open := 0
	var symbols []string
	for _, t := range all {
		if t.Status == "open" {
			open++
		}
		if t.Symbol != "" && !slices.Contains(symbols, t.Symbol) {
			symbols = append(symbols, t.Symbol)
		}
	}
	sort.Strings(symbols)
	if symbols == nil {
		symbols = []string{}
	}
	return engine.Status{
		State:         engine.StateStopped,
		Symbols:       symbols,
		TotalTrades:   len(all),
		OpenPositions: open,
	}, nil
}
