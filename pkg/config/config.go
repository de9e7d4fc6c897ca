package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bridge.
type Config struct {
	Port     string
	Language string // "en" or "zh"
	Version  string

	// Bridge store (SQLite)
	DBPath string
	// Engine database (PostgreSQL); empty disables the snapshot source.
	DatabaseURL string

	// Sessions
	JWTSecret        string
	AccessTokenTTL   time.Duration
	MaxLoginAttempts int
	AdminUsername    string
	AdminPassword    string

	// Deployment mode
	MultiUserMode bool
	EngineBackend string // "sim" or "remote"
	EngineURL     string
	EngineGRPC    string
	EngineAPIKey  string
	EngineIdleTTL time.Duration

	// Simulated engine
	SimTick           time.Duration
	SimInitialBalance float64

	// Symbols
	DefaultSymbols []string
	QuoteAsset     string
	KnownBases     []string

	// Sources and caching
	TradeJournalDir  string
	LogBaseBalance   float64
	ReadCacheTTL     time.Duration
	OverviewCacheTTL time.Duration
	RequestTimeout   time.Duration

	// Providers
	ProviderTimeout  time.Duration
	BybitDemoURL     string
	BybitTestnetURL  string
	BybitMainnetURL  string
	BybitFallbackURL string
	DeepSeekBaseURL  string

	// Vault
	VaultMasterPassword string
	VaultRSABits        int

	// Settings schema override (YAML)
	SettingsPath string

	// WebSocket
	WSBuffer int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		Language:            getEnv("LANGUAGE", "en"),
		Version:             getEnv("BRIDGE_VERSION", "v3.3"),
		DBPath:              getEnv("DB_PATH", "./data/bridge.db"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		AccessTokenTTL:      getEnvDuration("ACCESS_TOKEN_TTL", 30*time.Minute),
		MaxLoginAttempts:    getEnvInt("MAX_LOGIN_ATTEMPTS", 5),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:       getEnv("ADMIN_PASSWORD", "admin123"),
		MultiUserMode:       getEnvBool("MULTI_USER_MODE", false),
		EngineBackend:       strings.ToLower(getEnv("ENGINE_BACKEND", "sim")),
		EngineURL:           getEnv("ENGINE_URL", "http://localhost:9000"),
		EngineGRPC:          os.Getenv("ENGINE_GRPC_ADDR"),
		EngineAPIKey:        os.Getenv("ENGINE_API_KEY"),
		EngineIdleTTL:       getEnvDuration("ENGINE_IDLE_TTL", 30*time.Minute),
		SimTick:             getEnvDuration("SIM_TICK", 5*time.Second),
		SimInitialBalance:   getEnvFloat("SIM_INITIAL_BALANCE", 10000),
		DefaultSymbols:      splitAndTrim(getEnv("DEFAULT_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT")),
		QuoteAsset:          strings.ToUpper(getEnv("QUOTE_ASSET", "USDT")),
		KnownBases:          splitAndTrim(getEnv("KNOWN_BASES", "BTC,ETH,SOL,BNB,XRP,DOGE,ADA,AVAX,LINK,DOT,LTC,TRX")),
		TradeJournalDir:     getEnv("TRADE_JOURNAL_DIR", "./trade_journals"),
		LogBaseBalance:      getEnvFloat("LOG_BASE_BALANCE", 0),
		ReadCacheTTL:        getEnvDuration("READ_CACHE_TTL", 2*time.Second),
		OverviewCacheTTL:    getEnvDuration("OVERVIEW_CACHE_TTL", 5*time.Second),
		RequestTimeout:      getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		ProviderTimeout:     getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		BybitDemoURL:        getEnv("BYBIT_DEMO_URL", "https://api-demo.bybit.com"),
		BybitTestnetURL:     getEnv("BYBIT_TESTNET_URL", "https://api-testnet.bybit.com"),
		BybitMainnetURL:     getEnv("BYBIT_MAINNET_URL", "https://api.bybit.com"),
		BybitFallbackURL:    getEnv("BYBIT_FALLBACK_URL", "https://api.bytick.com"),
		DeepSeekBaseURL:     getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
		VaultMasterPassword: getEnv("VAULT_MASTER_PASSWORD", "dev-vault-password"),
		VaultRSABits:        getEnvInt("VAULT_RSA_BITS", 4096),
		SettingsPath:        os.Getenv("SETTINGS_PATH"),
		WSBuffer:            getEnvInt("WS_BUFFER", 256),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// bare numbers are seconds
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
