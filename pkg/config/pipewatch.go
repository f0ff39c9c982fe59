package config

import (
	"strings"
	"time"
)

// Metrics feed modes.
const (
	ModeWebSocket = "websocket"
	ModePolling   = "polling"
)

// PipewatchConfig holds runtime configuration for the monitoring daemon.
type PipewatchConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	APIBaseURL         string
	FalKey             string
	RelayURL           string
	RelayTimeout       time.Duration
	TokenURL           string
	AppName            string
	TokenTTL           time.Duration
	TokenRefreshRatio  float64
	MetricsMode        string
	HistorySize        int
	PollInterval       time.Duration
	ReconnectAttempts  int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ArchiveDatabaseURL string
	MigrationsDir      string
	ArchiveBatchSize   int
	ArchiveFlushEvery  time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	CORSAllowedOrigins []string
	ControlToken       string
}

// LoadPipewatchConfig constructs a PipewatchConfig from environment variables.
func LoadPipewatchConfig() PipewatchConfig {
	cfg := PipewatchConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("PIPEWATCH_ADDR", ":8080"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		APIBaseURL:         GetString("FAL_API_URL", "http://localhost:8000"),
		FalKey:             GetString("FAL_KEY", ""),
		RelayURL:           GetString("FAL_RELAY_URL", ""),
		RelayTimeout:       GetDuration("RELAY_TIMEOUT_SECONDS", 30, time.Second),
		TokenURL:           GetString("FAL_TOKEN_URL", "https://rest.alpha.fal.ai/tokens/"),
		AppName:            GetString("FAL_APP_NAME", ""),
		TokenTTL:           GetDuration("TOKEN_TTL_SECONDS", 300, time.Second),
		TokenRefreshRatio:  float64(GetInt("TOKEN_REFRESH_RATIO_PERCENT", 90)) / 100,
		MetricsMode:        strings.ToLower(GetString("METRICS_MODE", ModeWebSocket)),
		HistorySize:        GetInt("HISTORY_SIZE", 300),
		PollInterval:       GetDuration("POLL_INTERVAL_MS", 1000, time.Millisecond),
		ReconnectAttempts:  GetInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBaseDelay: GetDuration("RECONNECT_BASE_MS", 1000, time.Millisecond),
		ReconnectMaxDelay:  GetDuration("RECONNECT_MAX_MS", 10000, time.Millisecond),
		ArchiveDatabaseURL: GetString("ARCHIVE_DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		ArchiveBatchSize:   GetInt("ARCHIVE_BATCH_SIZE", 50),
		ArchiveFlushEvery:  GetDuration("ARCHIVE_FLUSH_SECONDS", 5, time.Second),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		CORSAllowedOrigins: GetList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		ControlToken:       GetString("PIPEWATCH_CONTROL_TOKEN", ""),
	}
	if cfg.AppName == "" {
		cfg.AppName = AppNameFromURL(cfg.APIBaseURL)
	}
	if cfg.MetricsMode != ModePolling {
		cfg.MetricsMode = ModeWebSocket
	}
	return cfg
}

// DefaultAppName is used when the API URL does not name a fal.run app.
const DefaultAppName = "realtime-streaming"

// AppNameFromURL extracts the application identifier from a fal.run URL such
// as https://fal.run/owner/realtime-streaming.
func AppNameFromURL(apiURL string) string {
	if !strings.Contains(apiURL, "fal.run") {
		return DefaultAppName
	}
	trimmed := strings.TrimRight(strings.TrimSpace(apiURL), "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 || idx == len(trimmed)-1 {
		return DefaultAppName
	}
	name := trimmed[idx+1:]
	if name == "" || strings.Contains(name, "fal.run") {
		return DefaultAppName
	}
	return name
}
