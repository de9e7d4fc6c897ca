package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/internal/events"
	"github.com/feng04-qyq/backend/internal/monitor"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/cache"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/gin-gonic/gin"
)

type healthView struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version"`
	Bridge   string                   `json:"bridge"`
	Mode     string                   `json:"mode"`
	Instance string                   `json:"instance"`
	Engine   *engine.Health           `json:"engine,omitempty"`
	Runtime  *monitor.RuntimeSnapshot `json:"runtime,omitempty"`
	Cache    *cache.CacheStats        `json:"cache,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	view := healthView{
		Status:   "ok",
		Bridge:   "unified",
		Mode:     s.Engines.Mode(),
		Instance: s.Instance,
	}
	if s.Config != nil {
		view.Version = s.Config.Version
	}
	if s.Probe != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		h, err := s.Probe(ctx)
		cancel()
		if err != nil {
			log.Printf("[ENGINE] "+i18n.Get("EngineProbeFailed"), err)
		}
		view.Engine = &h
		if !h.Serving {
			view.Status = "degraded"
		}
	}
	if s.Metrics != nil {
		snap := s.Metrics.Snapshot()
		view.Runtime = &snap
	}
	if s.Aggregator != nil {
		stats := s.Aggregator.CacheStats()
		view.Cache = &stats
	}
	ok(c, i18n.Get("HealthOK"), view)
}

type eventRequest struct {
	Type    events.Event    `json:"type" binding:"required"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

// ingestEvent lets a remote engine push events onto the bus.
func (s *Server) ingestEvent(c *gin.Context) {
	key := c.GetHeader("X-API-Key")
	if s.Config == nil || s.Config.EngineAPIKey == "" ||
		subtle.ConstantTimeCompare([]byte(key), []byte(s.Config.EngineAPIKey)) != 1 {
		fail(c, apperr.ErrForbidden.WithDetail("invalid engine key"))
		return
	}
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperr.ErrInvalidRequest.Wrap(err))
		return
	}
	payload, err := events.DecodePayload(req.Type, req.Payload)
	if err != nil {
		fail(c, apperr.ErrInvalidRequest.Wrap(err))
		return
	}
	s.Bus.Publish(events.Message{Type: req.Type, UserID: req.UserID, Payload: payload})
	if req.Type == events.EventTradeOpen || req.Type == events.EventTradeClose || req.Type == events.EventAccountUpdate {
		target := ""
		if s.Engines.Multi() {
			target = req.UserID
		}
		s.Aggregator.Invalidate(target)
	}
	respond(c, http.StatusAccepted, i18n.Get("EventIngested"), nil)
}
