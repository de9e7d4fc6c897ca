package engine

import (
	"context"
	"log"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/feng04-qyq/backend/internal/events"
	"github.com/feng04-qyq/backend/internal/indicators"
	"github.com/feng04-qyq/backend/internal/risk"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/google/uuid"
)

var basePrices = map[string]float64{
	"BTCUSDT": 60000,
	"ETHUSDT": 3000,
	"SOLUSDT": 150,
}

const (
	simOpenChance   = 0.2
	simVolatility   = 0.002
	simRiskWarnPct  = 5.0
	simHistoryLimit = 500
)

// SimConfig configures an in-process simulated engine.
type SimConfig struct {
	Identity       string
	InitialBalance float64
	Tick           time.Duration // zero disables the background loop
	Seed           int64
	Bus            *events.Bus
	Now            func() time.Time
}

// Sim is a simulated engine that trades on a random walk and publishes the
// same events a real engine would.
type Sim struct {
	cfg SimConfig
	rng *rand.Rand

	mu        sync.Mutex
	state     string
	mode      string
	symbols   []string
	startedAt time.Time
	lastErr   string

	balance   float64
	prices    map[string]float64
	positions map[string]*Position
	trades    []Trade
	decisions []Decision

	leverage        int
	positionPct     float64
	stopLossPct     float64
	takeProfitPct   float64
	trailing        bool
	trailTriggerPct float64
	trailDistPct    float64

	signals   *indicators.Engine
	guard     *risk.Guard
	riskLevel string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSim(cfg SimConfig) *Sim {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = 10000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sim{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		state:     StateStopped,
		mode:      ModeDemo,
		balance:   cfg.InitialBalance,
		prices:    make(map[string]float64),
		positions: make(map[string]*Position),
		signals:   indicators.NewEngine(5, 20, 14, 60),
	}
}

func (s *Sim) Start(ctx context.Context, cfg StartConfig) error {
	if !ValidMode(cfg.Mode) {
		return apperr.ErrInvalidRequest.WithDetail("mode must be demo, testnet or live")
	}
	if cfg.Mode == ModeLive && cfg.Exchange == nil {
		return apperr.ErrInvalidRequest.WithDetail("live mode requires stored exchange credentials")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning || s.state == StateStarting || s.state == StateStopping {
		return apperr.ErrAlreadyRunning
	}
	s.state = StateStarting
	s.mode = cfg.Mode
	s.symbols = slices.Clone(cfg.Symbols)
	s.applySettings(cfg)
	for _, sym := range s.symbols {
		if _, ok := s.prices[sym]; !ok {
			s.prices[sym] = basePrice(sym)
		}
	}
	s.startedAt = s.cfg.Now()
	s.lastErr = ""
	s.state = StateRunning

	if s.cfg.Tick > 0 {
		loopCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.loop(loopCtx, s.done)
	}
	log.Printf("[ENGINE] "+i18n.Get("EngineStartedLog"), s.cfg.Identity, s.mode, s.symbols)
	s.publishStatusLocked("")
	return nil
}

func (s *Sim) applySettings(cfg StartConfig) {
	s.leverage = int(num(cfg.Trading, "max_leverage", 15))
	s.positionPct = num(cfg.Trading, "max_position_pct", 30) / 3
	s.stopLossPct = num(cfg.Trading, "stop_loss_pct", 2)
	s.takeProfitPct = num(cfg.Trading, "take_profit_pct", 5)
	s.trailing = flag(cfg.Trading, "use_trailing_stop", true)
	s.trailTriggerPct = num(cfg.Trading, "trailing_stop_trigger_atr", 3) * 0.5
	s.trailDistPct = num(cfg.Trading, "trailing_stop_distance_atr", 2) * 0.5
	s.guard = risk.NewGuard(risk.ConfigFrom(cfg.Risk), s.cfg.Now)
	s.riskLevel = risk.LevelNormal
}

func (s *Sim) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step()
		}
	}
}

func (s *Sim) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return apperr.ErrNotRunning
	}
	s.state = StateStopping
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			s.mu.Lock()
			s.state = StateError
			s.lastErr = "stop timed out"
			s.mu.Unlock()
			return apperr.ErrTimeout.Wrap(ctx.Err())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateStopped
	log.Printf("[ENGINE] "+i18n.Get("EngineStoppedLog"), s.cfg.Identity)
	s.publishStatusLocked("")
	return nil
}

func (s *Sim) Restart(ctx context.Context, cfg StartConfig) error {
	if s.Running() {
		if err := s.Stop(ctx); err != nil {
			return err
		}
	}
	return s.Start(ctx, cfg)
}

func (s *Sim) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

func (s *Sim) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(), nil
}

func (s *Sim) statusLocked() Status {
	st := Status{
		IsRunning:     s.state == StateRunning,
		State:         s.state,
		Mode:          s.mode,
		Symbols:       slices.Clone(s.symbols),
		TotalTrades:   len(s.trades),
		OpenPositions: len(s.positions),
		LastError:     s.lastErr,
	}
	if st.Symbols == nil {
		st.Symbols = []string{}
	}
	if st.IsRunning {
		started := s.startedAt
		st.StartedAt = &started
		st.UptimeSeconds = int64(s.cfg.Now().Sub(started).Seconds())
	}
	return st
}

func (s *Sim) Balance(ctx context.Context) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return Balance{}, apperr.ErrNotRunning
	}
	return s.balanceLocked(), nil
}

func (s *Sim) balanceLocked() Balance {
	var unrealized, margin float64
	for _, p := range s.positions {
		unrealized += p.UnrealizedPnL
		margin += p.EntryPrice * p.Size / float64(max(p.Leverage, 1))
	}
	return Balance{
		Total:         round2(s.balance),
		Available:     round2(s.balance - margin),
		UnrealizedPnL: round2(unrealized),
		Equity:        round2(s.balance + unrealized),
		Currency:      "USDT",
	}
}

func (s *Sim) Positions(ctx context.Context, symbol string) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil, apperr.ErrNotRunning
	}
	out := make([]Position, 0, len(s.positions))
	for _, sym := range s.symbols {
		p, ok := s.positions[sym]
		if !ok || (symbol != "" && sym != symbol) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *Sim) Trades(ctx context.Context, q TradeQuery) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil, apperr.ErrNotRunning
	}
	newest := slices.Clone(s.trades)
	slices.Reverse(newest)
	return filterTrades(newest, q), nil
}

func (s *Sim) Trade(ctx context.Context, id string) (Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return Trade{}, apperr.ErrNotRunning
	}
	for _, t := range s.trades {
		if t.ID == id {
			return t, nil
		}
	}
	return Trade{}, apperr.ErrNoData
}

func (s *Sim) Decisions(ctx context.Context, q DecisionQuery) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil, apperr.ErrNotRunning
	}
	out := make([]Decision, 0, len(s.decisions))
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if q.Action != "" && s.decisions[i].Action != q.Action {
			continue
		}
		out = append(out, s.decisions[i])
	}
	return page(out, q.Offset, q.Limit), nil
}

func (s *Sim) ClosePosition(ctx context.Context, symbol string) (Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return Trade{}, apperr.ErrNotRunning
	}
	if _, ok := s.positions[symbol]; !ok {
		return Trade{}, apperr.ErrUnknownSymbol.WithDetail("%s", symbol)
	}
	t := s.closeLocked(symbol, "manual")
	s.publishPositionsLocked()
	s.publishAccountLocked()
	return t, nil
}

// step advances the simulation by one tick.
func (s *Sim) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || len(s.symbols) == 0 {
		return
	}

	snaps := make(map[string]indicators.Snapshot, len(s.symbols))
	for _, sym := range s.symbols {
		s.prices[sym] *= 1 + s.rng.NormFloat64()*simVolatility
		snaps[sym] = s.signals.Update(sym, s.prices[sym])
	}
	for _, sym := range s.symbols {
		if _, ok := s.positions[sym]; ok {
			s.markLocked(sym)
		}
	}
	allowed := s.checkRiskLocked()

	sym := s.symbols[s.rng.Intn(len(s.symbols))]
	sig := indicators.Evaluate(snaps[sym])
	d := Decision{
		ID:         uuid.NewString(),
		Symbol:     sym,
		Action:     sig.Action,
		Confidence: sig.Confidence,
		Reasoning:  sig.Reason,
		CreatedAt:  s.cfg.Now().UTC(),
	}
	if _, held := s.positions[sym]; allowed && sig.Action != "HOLD" && !held && s.rng.Float64() < simOpenChance {
		side := "Buy"
		if sig.Action == "SELL" {
			side = "Sell"
		}
		s.openLocked(sym, side)
		d.Executed = true
	}
	s.recordDecisionLocked(d)

	s.publishPositionsLocked()
	s.publishAccountLocked()
}

// checkRiskLocked evaluates the guard against current equity and publishes a
// warning whenever the level changes. It reports whether new entries are allowed.
func (s *Sim) checkRiskLocked() bool {
	if s.guard == nil {
		return true
	}
	dec := s.guard.Check(s.balanceLocked().Equity)
	if dec.Level != s.riskLevel {
		s.riskLevel = dec.Level
		if dec.Level != risk.LevelNormal {
			s.publish(events.EventRiskWarning, &events.RiskWarning{
				Level:     dec.Level,
				Message:   dec.Reason,
				Metric:    dec.Metric,
				Value:     round2(dec.Value),
				Threshold: dec.Threshold,
			})
		}
	}
	return dec.Allowed
}

func (s *Sim) recordDecisionLocked(d Decision) {
	s.decisions = append(s.decisions, d)
	if len(s.decisions) > simHistoryLimit {
		s.decisions = s.decisions[len(s.decisions)-simHistoryLimit:]
	}
	s.publish(events.EventAIDecision, &events.AIDecision{
		DecisionID: d.ID,
		Symbol:     d.Symbol,
		Action:     d.Action,
		Confidence: d.Confidence,
		Reasoning:  d.Reasoning,
	})
}

// openLocked opens a position sized from the configured percent of balance.
func (s *Sim) openLocked(symbol, side string) Trade {
	price := s.prices[symbol]
	if price == 0 {
		price = basePrice(symbol)
		s.prices[symbol] = price
	}
	size := roundN(s.balance*s.positionPct/100*float64(s.leverage)/price, 6)
	now := s.cfg.Now().UTC()

	sl := price * (1 - s.stopLossPct/100)
	tp := price * (1 + s.takeProfitPct/100)
	if side == "Sell" {
		sl = price * (1 + s.stopLossPct/100)
		tp = price * (1 - s.takeProfitPct/100)
	}
	t := Trade{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Quantity:   size,
		EntryPrice: round2(price),
		Leverage:   s.leverage,
		Status:     "open",
		OpenedAt:   now,
	}
	s.trades = append(s.trades, t)
	s.positions[symbol] = &Position{
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		EntryPrice: price,
		MarkPrice:  price,
		Leverage:   s.leverage,
		StopLoss:   round2(sl),
		TakeProfit: round2(tp),
		TradeID:    t.ID,
		OpenedAt:   now,
	}
	s.publish(events.EventTradeOpen, &events.TradeOpen{
		TradeID:    t.ID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   size,
		EntryPrice: t.EntryPrice,
		Leverage:   s.leverage,
		StopLoss:   round2(sl),
		TakeProfit: round2(tp),
		OpenedAt:   now,
	})
	return t
}

// markLocked revalues a position and applies stop, target and trailing rules.
func (s *Sim) markLocked(symbol string) {
	p := s.positions[symbol]
	price := s.prices[symbol]
	p.MarkPrice = price
	p.UnrealizedPnL = round2(pnl(p.Side, p.EntryPrice, price, p.Size))

	long := p.Side == "Buy"
	switch {
	case long && price <= p.StopLoss, !long && price >= p.StopLoss:
		s.closeLocked(symbol, "stop_loss")
		return
	case long && price >= p.TakeProfit, !long && price <= p.TakeProfit:
		s.closeLocked(symbol, "take_profit")
		return
	}

	movePct := (price - p.EntryPrice) / p.EntryPrice * 100
	if !long {
		movePct = -movePct
	}
	if s.trailing && movePct >= s.trailTriggerPct {
		next := price * (1 - s.trailDistPct/100)
		if !long {
			next = price * (1 + s.trailDistPct/100)
		}
		if (long && next > p.StopLoss) || (!long && next < p.StopLoss) {
			old := p.StopLoss
			p.StopLoss = round2(next)
			s.publish(events.EventTrailingStopUpdate, &events.TrailingStopUpdate{
				TradeID: p.TradeID, Symbol: symbol, OldStop: old, NewStop: p.StopLoss, Price: round2(price),
			})
		}
	}

	margin := p.EntryPrice * p.Size / float64(max(p.Leverage, 1))
	if margin > 0 && p.UnrealizedPnL < 0 && -p.UnrealizedPnL/margin*100 >= simRiskWarnPct*float64(max(p.Leverage, 1))/5 {
		s.publish(events.EventRiskWarning, &events.RiskWarning{
			Level:     "warning",
			Message:   symbol + " unrealized loss is growing",
			Metric:    "unrealized_loss_pct",
			Value:     round2(-p.UnrealizedPnL / margin * 100),
			Threshold: simRiskWarnPct,
		})
	}
}

func (s *Sim) closeLocked(symbol, reason string) Trade {
	p := s.positions[symbol]
	delete(s.positions, symbol)
	exit := s.prices[symbol]
	profit := round2(pnl(p.Side, p.EntryPrice, exit, p.Size))
	margin := p.EntryPrice * p.Size / float64(max(p.Leverage, 1))
	pct := 0.0
	if margin > 0 {
		pct = round2(profit / margin * 100)
	}
	s.balance += profit
	if s.guard != nil {
		s.guard.Record(profit)
	}
	now := s.cfg.Now().UTC()

	var closed Trade
	for i := range s.trades {
		if s.trades[i].ID != p.TradeID {
			continue
		}
		exitPrice := round2(exit)
		s.trades[i].ExitPrice = &exitPrice
		s.trades[i].PnL = &profit
		s.trades[i].PnLPct = &pct
		s.trades[i].Status = "closed"
		s.trades[i].Reason = reason
		s.trades[i].ClosedAt = &now
		closed = s.trades[i]
		break
	}
	if len(s.trades) > simHistoryLimit {
		s.trades = s.trades[len(s.trades)-simHistoryLimit:]
	}
	s.publish(events.EventTradeClose, &events.TradeClose{
		TradeID: p.TradeID, Symbol: symbol, ExitPrice: round2(exit), PnL: profit, PnLPct: pct, Reason: reason, ClosedAt: now,
	})
	return closed
}

func (s *Sim) publishPositionsLocked() {
	snaps := make([]events.PositionSnapshot, 0, len(s.positions))
	for _, sym := range s.symbols {
		if p, ok := s.positions[sym]; ok {
			snaps = append(snaps, events.PositionSnapshot{
				Symbol: p.Symbol, Side: p.Side, Size: p.Size, EntryPrice: round2(p.EntryPrice),
				MarkPrice: round2(p.MarkPrice), UnrealizedPnL: p.UnrealizedPnL, Leverage: p.Leverage,
			})
		}
	}
	s.publish(events.EventPositionUpdate, &events.PositionUpdate{Positions: snaps})
}

func (s *Sim) publishAccountLocked() {
	b := s.balanceLocked()
	s.publish(events.EventAccountUpdate, &events.AccountUpdate{
		Balance: b.Total, Available: b.Available, UnrealizedPnL: b.UnrealizedPnL, Equity: b.Equity,
	})
}

func (s *Sim) publishStatusLocked(msg string) {
	st := s.statusLocked()
	s.publish(events.EventSystemStatus, &events.SystemStatus{
		IsRunning: st.IsRunning, Mode: st.Mode, Symbols: st.Symbols, State: st.State, Message: msg,
	})
}

func (s *Sim) publish(e events.Event, payload any) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(events.Message{Type: e, UserID: s.cfg.Identity, Payload: payload, At: s.cfg.Now().UTC()})
}

func basePrice(symbol string) float64 {
	if p, ok := basePrices[symbol]; ok {
		return p
	}
	return 100
}

func pnl(side string, entry, mark, size float64) float64 {
	if side == "Sell" {
		return (entry - mark) * size
	}
	return (mark - entry) * size
}

func num(m map[string]any, key string, def float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func flag(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func round2(v float64) float64 { return roundN(v, 2) }

func roundN(v float64, n int) float64 {
	p := math.Pow10(n)
	return math.Round(v*p) / p
}
