package aggregator

import (
	"context"
	"time"

	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/pkg/apperr"

	"github.com/shopspring/decimal"
)

var periods = map[string]time.Duration{
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
	"all": 0,
}

// ValidPeriod reports whether p is a statistics period.
func ValidPeriod(p string) bool {
	_, ok := periods[p]
	return ok
}

// Statistics summarizes closed trades over a period.
type Statistics struct {
	Period        string  `json:"period"`
	TotalTrades   int     `json:"total_trades"`
	OpenTrades    int     `json:"open_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	AveragePnL    float64 `json:"avg_pnl"`
	AverageWin    float64 `json:"avg_win"`
	AverageLoss   float64 `json:"avg_loss"`
	BestTrade     float64 `json:"best_trade"`
	WorstTrade    float64 `json:"worst_trade"`
	ProfitFactor  float64 `json:"profit_factor"`
}

// Summarize computes statistics for trades opened within period of now.
func Summarize(trades []engine.Trade, period string, now time.Time) Statistics {
	st := Statistics{Period: period}
	window := periods[period]

	var (
		total, wins, losses = decimal.Zero, decimal.Zero, decimal.Zero
		best, worst         decimal.Decimal
		closed              int
	)
	for _, t := range trades {
		if window > 0 && t.OpenedAt.Before(now.Add(-window)) {
			continue
		}
		if t.Status != "closed" || t.PnL == nil {
			if t.Status == "open" {
				st.OpenTrades++
			}
			continue
		}
		pnl := decimal.NewFromFloat(*t.PnL)
		if closed == 0 || pnl.GreaterThan(best) {
			best = pnl
		}
		if closed == 0 || pnl.LessThan(worst) {
			worst = pnl
		}
		closed++
		total = total.Add(pnl)
		switch {
		case pnl.IsPositive():
			st.WinningTrades++
			wins = wins.Add(pnl)
		case pnl.IsNegative():
			st.LosingTrades++
			losses = losses.Add(pnl.Abs())
		}
	}

	st.TotalTrades = closed
	if closed == 0 {
		return st
	}
	n := decimal.NewFromInt(int64(closed))
	st.TotalPnL = total.Round(2).InexactFloat64()
	st.AveragePnL = total.Div(n).Round(2).InexactFloat64()
	st.WinRate = decimal.NewFromInt(int64(st.WinningTrades)).Div(n).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	st.BestTrade = best.Round(2).InexactFloat64()
	st.WorstTrade = worst.Round(2).InexactFloat64()
	if st.WinningTrades > 0 {
		st.AverageWin = wins.Div(decimal.NewFromInt(int64(st.WinningTrades))).Round(2).InexactFloat64()
	}
	if st.LosingTrades > 0 {
		st.AverageLoss = losses.Div(decimal.NewFromInt(int64(st.LosingTrades))).Round(2).InexactFloat64()
		st.ProfitFactor = wins.Div(losses).Round(2).InexactFloat64()
	}
	return st
}

func (a *Aggregator) statistics(ctx context.Context, identity string, h engine.Handle, period string) (Result[Statistics], error) {
	trades, err := a.trades(ctx, identity, h, engine.TradeQuery{})
	if err != nil {
		return Result[Statistics]{Source: FromNone}, err
	}
	return Result[Statistics]{
		Value:  Summarize(trades.Value, period, a.now()),
		Source: trades.Source,
		AsOf:   trades.AsOf,
	}, nil
}

// Statistics resolves the summary for period (7d, 30d, 90d or all).
func (a *Aggregator) Statistics(ctx context.Context, identity string, h engine.Handle, period string) (Result[Statistics], error) {
	if !ValidPeriod(period) {
		return Result[Statistics]{Source: FromNone}, apperr.ErrInvalidRequest.WithDetail("period must be one of 7d, 30d, 90d, all")
	}
	return cached(a, "statistics", identity, period, a.cfg.ReadTTL, func() (Result[Statistics], error) {
		return a.statistics(ctx, identity, h, period)
	})
}

// Overview is the dashboard composite.
type Overview struct {
	Balance      engine.Balance        `json:"balance"`
	Status       engine.Status         `json:"status"`
	Statistics   Statistics            `json:"statistics"`
	RecentTrades []engine.Trade        `json:"recent_trades"`
	Positions    []engine.Position     `json:"positions"`
	Sources      map[string]Provenance `json:"sources"`
}

// Overview assembles balance, status, statistics, positions and recent
// trades. The composite is cached as a single entry.
func (a *Aggregator) Overview(ctx context.Context, identity string, h engine.Handle, limit int) (Result[Overview], error) {
	return cached(a, "overview", identity, params(limit), a.cfg.OverviewTTL, func() (Result[Overview], error) {
		return a.overview(ctx, identity, h, limit)
	})
}

func (a *Aggregator) overview(ctx context.Context, identity string, h engine.Handle, limit int) (Result[Overview], error) {
	ov := Overview{Sources: make(map[string]Provenance, 5), RecentTrades: []engine.Trade{}, Positions: []engine.Position{}}
	var (
		failed  int
		lastErr error
	)
	note := func(section string, source Provenance, err error) bool {
		if err != nil {
			failed++
			lastErr = err
			ov.Sources[section] = FromNone
			return false
		}
		ov.Sources[section] = source
		return true
	}

	if r, err := a.balance(ctx, identity, h); note("balance", r.Source, err) {
		ov.Balance = r.Value
	}
	if r, err := a.status(ctx, identity, h); note("status", r.Source, err) {
		ov.Status = r.Value
	}
	if r, err := a.statistics(ctx, identity, h, "all"); note("statistics", r.Source, err) {
		ov.Statistics = r.Value
	}
	if r, err := a.trades(ctx, identity, h, engine.TradeQuery{Limit: limit}); note("recent_trades", r.Source, err) {
		ov.RecentTrades = r.Value
	}
	if r, err := a.positions(ctx, identity, h, ""); note("positions", r.Source, err) {
		ov.Positions = r.Value
	}
	if ov.Status.Symbols == nil {
		ov.Status.Symbols = []string{}
	}

	if failed == len(ov.Sources) {
		return Result[Overview]{Source: FromNone}, lastErr
	}
	return Result[Overview]{Value: ov, Source: ov.Sources["balance"], AsOf: a.now().UTC()}, nil
}
