// Package api serves the bridge's HTTP surface.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/feng04-qyq/backend/internal/aggregator"
	"github.com/feng04-qyq/backend/internal/auth"
	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/internal/events"
	"github.com/feng04-qyq/backend/internal/hub"
	"github.com/feng04-qyq/backend/internal/monitor"
	"github.com/feng04-qyq/backend/internal/router"
	"github.com/feng04-qyq/backend/internal/settings"
	"github.com/feng04-qyq/backend/internal/vault"
	"github.com/feng04-qyq/backend/pkg/config"
	"github.com/feng04-qyq/backend/pkg/db"

	"github.com/gin-gonic/gin"
)

// UserDirectory lists and removes bridge accounts.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]db.User, error)
	DeleteUser(ctx context.Context, username string) error
}

// Deps are the components the server routes to. Metrics, Hub and Probe are
// optional.
type Deps struct {
	Config     *config.Config
	Auth       *auth.Authority
	Users      UserDirectory
	Vault      *vault.Vault
	Settings   *settings.Service
	Engines    *router.Router
	Aggregator *aggregator.Aggregator
	Symbols    *aggregator.SymbolNormalizer
	Bus        *events.Bus
	Hub        *hub.Hub
	Metrics    *monitor.Metrics
	Probe      func(ctx context.Context) (engine.Health, error)
	Instance   string
}

// Server wires HTTP endpoints around the bridge components.
type Server struct {
	Router *gin.Engine
	Deps
}

func NewServer(d Deps) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(d.Metrics))
	r.Use(RateLimitMiddleware(20, 50))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, Deps: d}
	s.routes()
	return s
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.RequestTimeout > 0 {
		return s.Config.RequestTimeout
	}
	return 30 * time.Second
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Hub != nil {
		s.Router.GET("/ws", gin.WrapF(s.Hub.ServeWS))
	}
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(s.requestTimeout()))
	{
		api.GET("/health", s.health)
		api.POST("/auth/login", s.login)
		api.POST("/internal/events", s.ingestEvent)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Auth, s.Engines))
		{
			protected.GET("/auth/me", s.me)
			protected.POST("/auth/refresh", s.refresh)
			protected.PUT("/auth/change-password", s.changePassword)

			protected.GET("/config", RequireScope(auth.ScopeRead), s.getConfig)
			protected.PUT("/config/:category", RequireScope(auth.ScopeWrite), s.updateConfig)
			protected.POST("/config/validate/:provider", RequireScope(auth.ScopeWrite), s.validateProvider)

			admin := protected.Group("/users", RequireScope(auth.ScopeAdmin))
			{
				admin.GET("", s.listUsers)
				admin.POST("", s.createUser)
				admin.DELETE("/:username", s.deleteUser)
			}

			engineBound := protected.Group("", HandleMiddleware(s.Engines))
			{
				read := RequireScope(auth.ScopeRead)
				write := RequireScope(auth.ScopeWrite)

				engineBound.POST("/trading/start", write, s.startTrading)
				engineBound.POST("/trading/stop", write, s.stopTrading)
				engineBound.POST("/trading/restart", write, s.restartTrading)
				engineBound.GET("/trading/status", read, s.tradingStatus)

				engineBound.GET("/balance", read, s.balance)
				engineBound.GET("/positions", read, s.positions)
				engineBound.GET("/positions/live", read, s.livePositions)
				engineBound.POST("/positions/:symbol/close", write, s.closePosition)
				engineBound.GET("/trades", read, s.trades)
				engineBound.GET("/trades/live", read, s.liveTrades)
				engineBound.GET("/trades/:id", read, s.trade)
				engineBound.GET("/dashboard/overview", read, s.overview)
				engineBound.GET("/ai/decisions", read, s.decisions)
				engineBound.GET("/statistics/summary", read, s.statistics)
			}
		}
	}
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// Handler exposes the gin engine for an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
