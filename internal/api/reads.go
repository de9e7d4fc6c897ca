package api

import (
	"strconv"
	"strings"

	"github.com/feng04-qyq/backend/internal/aggregator"
	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/gin-gonic/gin"
)

const (
	maxListLimit         = 200
	defaultTradeLimit    = 50
	defaultOverviewLimit = 30
)

// intQuery parses a non-negative integer query parameter.
func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.ErrInvalidRequest.WithDetail("%s must be a non-negative integer", key)
	}
	return n, nil
}

func limitQuery(c *gin.Context, def int) (int, error) {
	n, err := intQuery(c, "limit", def)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		n = def
	}
	return min(n, maxListLimit), nil
}

func (s *Server) tradeQuery(c *gin.Context) (engine.TradeQuery, error) {
	limit, err := limitQuery(c, defaultTradeLimit)
	if err != nil {
		return engine.TradeQuery{}, err
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		return engine.TradeQuery{}, err
	}
	status := strings.ToLower(c.Query("status"))
	if status != "" && status != "open" && status != "closed" {
		return engine.TradeQuery{}, apperr.ErrInvalidRequest.WithDetail("status must be open or closed")
	}
	return engine.TradeQuery{
		Limit:  limit,
		Offset: offset,
		Status: status,
		Symbol: s.symbolQuery(c),
	}, nil
}

func (s *Server) symbolQuery(c *gin.Context) string {
	if raw := c.Query("symbol"); raw != "" {
		return s.Symbols.Normalize(raw)
	}
	return ""
}

func (s *Server) balance(c *gin.Context) {
	r, err := s.Aggregator.Balance(c.Request.Context(), readerKey(c), handleOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	message := i18n.Get("BalanceOK")
	if r.Source == aggregator.FromNone {
		message = i18n.Get("BalanceEmpty")
	}
	okSourced(c, message, r)
}

func (s *Server) positions(c *gin.Context) {
	r, err := s.Aggregator.Positions(c.Request.Context(), readerKey(c), handleOf(c), s.symbolQuery(c))
	if err != nil {
		fail(c, err)
		return
	}
	okSourced(c, msgf("PositionsOK", len(r.Value)), r)
}

// livePositions asks the engine only; a stopped engine is a conflict.
func (s *Server) livePositions(c *gin.Context) {
	positions, err := handleOf(c).Positions(c.Request.Context(), s.symbolQuery(c))
	if err != nil {
		fail(c, err)
		return
	}
	if positions == nil {
		positions = []engine.Position{}
	}
	okSourced(c, msgf("PositionsOK", len(positions)), aggregator.Result[[]engine.Position]{Value: positions, Source: aggregator.FromLive})
}

func (s *Server) trades(c *gin.Context) {
	q, err := s.tradeQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	r, err := s.Aggregator.Trades(c.Request.Context(), readerKey(c), handleOf(c), q)
	if err != nil {
		fail(c, err)
		return
	}
	okSourced(c, msgf("TradesOK", len(r.Value)), r)
}

func (s *Server) liveTrades(c *gin.Context) {
	q, err := s.tradeQuery(c)
	if err != nil {
		fail(c, err)
		return
	}
	trades, err := handleOf(c).Trades(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	if trades == nil {
		trades = []engine.Trade{}
	}
	okSourced(c, msgf("TradesOK", len(trades)), aggregator.Result[[]engine.Trade]{Value: trades, Source: aggregator.FromLive})
}

func (s *Server) trade(c *gin.Context) {
	r, err := s.Aggregator.Trade(c.Request.Context(), readerKey(c), handleOf(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	okSourced(c, i18n.Get("TradeOK"), r)
}

func (s *Server) overview(c *gin.Context) {
	limit, err := limitQuery(c, defaultOverviewLimit)
	if err != nil {
		fail(c, err)
		return
	}
	r, err := s.Aggregator.Overview(c.Request.Context(), readerKey(c), handleOf(c), limit)
	if err != nil {
		fail(c, err)
		return
	}
	okSourced(c, i18n.Get("OverviewOK"), r)
}

func (s *Server) decisions(c *gin.Context) {
	limit, err := limitQuery(c, defaultTradeLimit)
	if err != nil {
		fail(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		fail(c, err)
		return
	}
	q := engine.DecisionQuery{Limit: limit, Offset: offset, Action: strings.ToUpper(c.Query("action"))}
	r, err := s.Aggregator.Decisions(c.Request.Context(), readerKey(c), handleOf(c), q)
	if err != nil {
		fail(c, err)
		return
	}
	okSourced(c, msgf("DecisionsOK", len(r.Value)), r)
}

func (s *Server) statistics(c *gin.Context) {
	r, err := s.Aggregator.Statistics(c.Request.Context(), readerKey(c), handleOf(c), c.DefaultQuery("period", "all"))
	if err != nil {
		fail(c, err)
		return
	}
	okSourced(c, i18n.Get("StatisticsOK"), r)
}
