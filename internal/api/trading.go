package api

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/internal/provider"
	"github.com/feng04-qyq/backend/internal/router"
	"github.com/feng04-qyq/backend/internal/vault"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/gin-gonic/gin"
)

func handleOf(c *gin.Context) engine.Handle {
	h, _ := router.HandleFrom(c.Request.Context())
	return h
}

// startConfig assembles what the engine needs at start: mode, symbols,
// the caller's trading and risk settings and the decrypted provider keys.
func (s *Server) startConfig(c *gin.Context) (engine.StartConfig, error) {
	mode := strings.ToLower(strings.TrimSpace(c.DefaultQuery("mode", engine.ModeDemo)))
	if !engine.ValidMode(mode) {
		return engine.StartConfig{}, apperr.ErrInvalidRequest.WithDetail("mode must be demo, testnet or live")
	}
	symbols := s.Symbols.NormalizeAll(append(c.QueryArray("symbols"), c.QueryArray("symbols[]")...))
	if len(symbols) == 0 && s.Config != nil {
		symbols = s.Symbols.NormalizeAll(s.Config.DefaultSymbols)
	}

	ctx := c.Request.Context()
	userID := currentSession(c).UserID
	cfg := engine.StartConfig{
		Mode:        mode,
		Environment: engine.EnvironmentFor(mode),
		Symbols:     symbols,
	}
	var err error
	if cfg.Trading, err = s.Settings.Values(ctx, userID, "trading"); err != nil {
		return cfg, err
	}
	if cfg.Risk, err = s.Settings.Values(ctx, userID, "risk"); err != nil {
		return cfg, err
	}

	if cfg.Exchange, err = s.runtimeCredentials(ctx, userID, provider.Bybit, cfg.Environment); err != nil {
		return cfg, err
	}
	if cfg.AI, err = s.runtimeCredentials(ctx, userID, provider.DeepSeek, vault.EnvNone); err != nil {
		return cfg, err
	}
	if cfg.AI != nil {
		ai, err := s.Settings.Values(ctx, userID, "deepseek")
		if err != nil {
			return cfg, err
		}
		cfg.AI.Model, _ = ai["model"].(string)
		cfg.AI.BaseURL, _ = ai["base_url"].(string)
	}
	return cfg, nil
}

// runtimeCredentials returns nil when nothing is stored.
func (s *Server) runtimeCredentials(ctx context.Context, userID, providerName, env string) (*provider.Credentials, error) {
	creds, err := s.Vault.LoadForRuntime(ctx, userID, providerName, env)
	if errors.Is(err, vault.ErrNotConfigured) {
		log.Printf("[ENGINE] "+i18n.Get("EngineCredsMissing"), providerName, userID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// command runs a lifecycle operation and answers with the fresh status.
func (s *Server) command(c *gin.Context, message string, run func(ctx context.Context, h engine.Handle) error) {
	h := handleOf(c)
	ctx := c.Request.Context()
	if err := run(ctx, h); err != nil {
		if !apperr.IsClass(err, apperr.ClassConflict) {
			log.Printf("[ENGINE] "+i18n.Get("EngineStartFailed"), identityLabel(identity(c)), err)
		}
		fail(c, err)
		return
	}
	s.Aggregator.Invalidate(identity(c))
	status, err := h.Status(ctx)
	if err != nil {
		ok(c, message, nil)
		return
	}
	ok(c, message, status)
}

func identityLabel(id string) string {
	if id == "" {
		return "shared"
	}
	return id
}

func (s *Server) startTrading(c *gin.Context) {
	cfg, err := s.startConfig(c)
	if err != nil {
		fail(c, err)
		return
	}
	s.command(c, i18n.Get("EngineStarted"), func(ctx context.Context, h engine.Handle) error {
		return h.Start(ctx, cfg)
	})
}

func (s *Server) stopTrading(c *gin.Context) {
	s.command(c, i18n.Get("EngineStopped"), func(ctx context.Context, h engine.Handle) error {
		return h.Stop(ctx)
	})
}

func (s *Server) restartTrading(c *gin.Context) {
	cfg, err := s.startConfig(c)
	if err != nil {
		fail(c, err)
		return
	}
	s.command(c, i18n.Get("EngineRestarted"), func(ctx context.Context, h engine.Handle) error {
		return h.Restart(ctx, cfg)
	})
}

func (s *Server) tradingStatus(c *gin.Context) {
	r, err := s.Aggregator.Status(c.Request.Context(), readerKey(c), handleOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	message := i18n.Get("EngineStatusOK")
	if !r.Value.IsRunning {
		message = i18n.Get("EngineNotStarted")
	}
	okSourced(c, message, r)
}

func (s *Server) closePosition(c *gin.Context) {
	symbol := s.Symbols.Normalize(c.Param("symbol"))
	trade, err := handleOf(c).ClosePosition(c.Request.Context(), symbol)
	if err != nil {
		fail(c, err)
		return
	}
	s.Aggregator.Invalidate(identity(c))
	ok(c, i18n.Get("PositionClosed"), trade)
}
