package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feng04-qyq/backend/internal/aggregator"
	"github.com/feng04-qyq/backend/internal/api"
	"github.com/feng04-qyq/backend/internal/auth"
	"github.com/feng04-qyq/backend/internal/engine"
	"github.com/feng04-qyq/backend/internal/events"
	"github.com/feng04-qyq/backend/internal/hub"
	"github.com/feng04-qyq/backend/internal/monitor"
	"github.com/feng04-qyq/backend/internal/provider"
	"github.com/feng04-qyq/backend/internal/router"
	"github.com/feng04-qyq/backend/internal/settings"
	"github.com/feng04-qyq/backend/internal/snapshot"
	"github.com/feng04-qyq/backend/internal/tradelog"
	"github.com/feng04-qyq/backend/internal/vault"
	"github.com/feng04-qyq/backend/pkg/cache"
	"github.com/feng04-qyq/backend/pkg/config"
	"github.com/feng04-qyq/backend/pkg/crypto"
	"github.com/feng04-qyq/backend/pkg/db"
	"github.com/feng04-qyq/backend/pkg/i18n"
	"github.com/feng04-qyq/backend/pkg/instance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}

	instanceID := instance.ID()
	metrics := monitor.NewMetrics(instanceID, cfg.Version)

	// Sessions
	authority := auth.NewAuthority(cfg.JWTSecret, cfg.AccessTokenTTL, cfg.MaxLoginAttempts, database)
	if seeded, err := authority.SeedAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		log.Printf(i18n.Get("AdminSeedFailed"), err)
	} else if seeded {
		log.Printf(i18n.Get("AdminSeeded"), cfg.AdminUsername)
	}

	// Credential vault
	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Fatalf(i18n.Get("VaultInitFailed"), err)
	}
	wrapKey, err := vault.LoadOrCreateWrapKey(ctx, database, keys, cfg.VaultRSABits)
	if err != nil {
		log.Fatalf(i18n.Get("VaultInitFailed"), err)
	}
	scheme := crypto.NewScheme(keys, crypto.StandardPipeline(cfg.VaultMasterPassword, crypto.DefaultPBKDF2Iterations, crypto.NewRSAWrap(wrapKey), keys))
	providers := provider.NewRegistry(cfg.ProviderTimeout,
		provider.NewBybitValidator(provider.BybitURLs{
			Demo:     cfg.BybitDemoURL,
			Testnet:  cfg.BybitTestnetURL,
			Mainnet:  cfg.BybitMainnetURL,
			Fallback: cfg.BybitFallbackURL,
		}),
		provider.NewDeepSeekValidator(cfg.DeepSeekBaseURL),
	)
	providers.OnOutcome(metrics.ProviderValidation)
	credentials := vault.New(database.Queries(), scheme, providers)
	credentials.OnOperation(metrics.VaultOperation)

	schema, err := settings.LoadSchema(cfg.SettingsPath)
	if err != nil {
		log.Fatalf(i18n.Get("SettingsLoadFailed"), err)
	}
	settingsSvc := settings.NewService(schema, database.Queries())

	bus := events.NewBus()
	bus.OnDrop(metrics.EventDropped)

	// Engines
	var (
		factory engine.Factory
		probe   func(context.Context) (engine.Health, error)
	)
	switch cfg.EngineBackend {
	case "remote":
		backend, err := engine.NewRemoteBackend(engine.RemoteConfig{
			BaseURL:  cfg.EngineURL,
			APIKey:   cfg.EngineAPIKey,
			GRPCAddr: cfg.EngineGRPC,
			Timeout:  cfg.RequestTimeout,
		})
		if err != nil {
			log.Fatalf(i18n.Get("EngineStartFailed"), cfg.EngineURL, err)
		}
		defer backend.Close()
		factory = backend.Handle
		if cfg.EngineGRPC != "" {
			probe = backend.Probe
		}
	default:
		factory = func(identity string) (engine.Handle, error) {
			return engine.NewSim(engine.SimConfig{
				Identity:       identity,
				InitialBalance: cfg.SimInitialBalance,
				Tick:           cfg.SimTick,
				Bus:            bus,
			}), nil
		}
	}

	var engines *router.Router
	if cfg.MultiUserMode {
		pool := engine.NewPool(factory)
		go pool.RunCleanup(ctx, time.Minute, cfg.EngineIdleTTL)
		engines = router.NewMulti(pool)
	} else {
		shared, err := factory("")
		if err != nil {
			log.Fatalf(i18n.Get("EngineStartFailed"), "shared", err)
		}
		engines = router.NewSingle(shared)

		// An engine started before the bridge is only visible after one status read.
		statusCtx, done := context.WithTimeout(ctx, cfg.RequestTimeout)
		if st, err := shared.Status(statusCtx); err != nil {
			log.Printf("[ENGINE] "+i18n.Get("EngineProbeFailed"), err)
		} else if st.IsRunning {
			log.Printf("[ENGINE] "+i18n.Get("EngineFoundRunning"), st.Mode, len(st.Symbols))
		}
		done()
	}
	log.Printf(i18n.Get("ModeSelected"), engines.Mode(), cfg.EngineBackend)

	// Read sources
	var snap aggregator.Snapshot
	if cfg.DatabaseURL != "" {
		store, err := snapshot.Open(cfg.DatabaseURL, cfg.MultiUserMode)
		if err != nil {
			log.Printf(i18n.Get("SnapshotDBFailed"), err)
		} else {
			defer store.Close()
			snap = store
			log.Println(i18n.Get("SnapshotDBEnabled"))
		}
	}
	journal := tradelog.NewReader(cfg.TradeJournalDir, cfg.MultiUserMode, cfg.LogBaseBalance)
	readCache := cache.New()
	agg := aggregator.New(aggregator.Config{
		ReadTTL:       cfg.ReadCacheTTL,
		OverviewTTL:   cfg.OverviewCacheTTL,
		SourceTimeout: cfg.RequestTimeout,
	}, snap, journal, readCache)
	agg.Observe(metrics.CacheLookup, func(op string, source aggregator.Provenance) {
		metrics.SourceAnswer(op, string(source))
	})
	go sweepCache(ctx, readCache, time.Minute)

	// Push channel
	wsHub := hub.New(bus, authority, hub.Options{Buffer: cfg.WSBuffer, Reject: api.RejectHandshake})
	wsHub.Observe(metrics.WSConnections, metrics.EventDropped)
	wsHub.Start(ctx)

	(&monitor.Monitor{Bus: bus, Sink: monitor.LogSink{}, Metrics: metrics}).Start(ctx)

	server := api.NewServer(api.Deps{
		Config:     cfg,
		Auth:       authority,
		Users:      database,
		Vault:      credentials,
		Settings:   settingsSvc,
		Engines:    engines,
		Aggregator: agg,
		Symbols:    aggregator.NewSymbolNormalizer(cfg.QuoteAsset, cfg.KnownBases),
		Bus:        bus,
		Hub:        wsHub,
		Metrics:    metrics,
		Probe:      probe,
		Instance:   instanceID,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf(i18n.Get("ServerListening"), cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println(i18n.Get("ShuttingDown"))

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf(i18n.Get("APIServerError"), err)
	}
	engines.StopAll(shutdownCtx)
	cancel()
}

// sweepCache drops entries no read could still be served from.
func sweepCache(ctx context.Context, c *cache.ShardedCache, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Cleanup(every)
		}
	}
}
