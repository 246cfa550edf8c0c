package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the hub.
type Config struct {
	// Required variables
	Port      string
	JWTSecret string

	// Identity provider (JWKS). When both are empty the HMAC fallback
	// validator is used; SkipAuth replaces it with the mock validator.
	AuthDomain     string
	AuthAudience   string
	SkipAuth       bool
	AllowAnonymous bool

	// Role passwords gating owner/admin admission.
	OwnerPassword string
	AdminPassword string

	// Durable store. Empty DatabaseURL runs the hub ring-only.
	DatabaseURL string

	// Blob store.
	BlobDir        string
	BlobSecret     string
	BlobPublicBase string

	// Optional Redis event mirror / limiter store.
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Upstream providers.
	LLMAPIKey      string
	LLMModel       string
	LLMBaseURL     string
	ASRURL         string
	ASRAPIKey      string
	DialogURL      string
	DialogAPIKey   string
	DialogVoice    string
	WakeWords      []string
	SummariesDir   string
	DownloadsDir   string

	// Agent loop.
	AgentMaxIterations int
	AutoSaveThreshold  int
	ToolTimeout        time.Duration

	// Reaper thresholds.
	ReaperInterval     time.Duration
	HeapWarningBytes   uint64
	HeapCriticalBytes  uint64

	// Generic.
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate Limits
	RateLimitAPIGlobal string
	RateLimitAPIFiles  string
	RateLimitWsIP      string
	RateLimitWsUser    string
}

// defaultWakeWords triggers the shared dialog session when wake-word mode is
// on. Per-room overrides arrive over the wire.
var defaultWakeWords = []string{"AI", "ai", "Ai", "小爱", "小艾", "哎", "诶"}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an error listing every missing or invalid variable.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required unless SKIP_AUTH: JWT_SECRET (minimum 32 characters)
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if !cfg.SkipAuth {
		if cfg.JWTSecret == "" {
			errors = append(errors, "JWT_SECRET is required when SKIP_AUTH is not enabled")
		} else if len(cfg.JWTSecret) < 32 {
			errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
		}
	}

	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.AllowAnonymous = getEnvOrDefault("ALLOW_ANONYMOUS", "true") == "true"

	cfg.OwnerPassword = os.Getenv("OWNER_ROLE_PASSWORD")
	cfg.AdminPassword = os.Getenv("ADMIN_ROLE_PASSWORD")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.BlobDir = getEnvOrDefault("BLOB_DIR", "./blobs")
	cfg.BlobSecret = os.Getenv("BLOB_SIGNING_SECRET")
	if cfg.BlobSecret == "" {
		errors = append(errors, "BLOB_SIGNING_SECRET is required")
	}
	cfg.BlobPublicBase = getEnvOrDefault("BLOB_PUBLIC_BASE", "http://localhost:8080/downloads")

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Upstream providers. Missing keys disable the matching feature rather
	// than failing validation; rooms then reject the related client events.
	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	cfg.LLMModel = getEnvOrDefault("LLM_MODEL", "gpt-4o-mini")
	cfg.LLMBaseURL = os.Getenv("LLM_BASE_URL")
	cfg.ASRURL = os.Getenv("ASR_WS_URL")
	cfg.ASRAPIKey = os.Getenv("ASR_API_KEY")
	cfg.DialogURL = os.Getenv("DIALOG_WS_URL")
	cfg.DialogAPIKey = os.Getenv("DIALOG_API_KEY")
	cfg.DialogVoice = getEnvOrDefault("DIALOG_VOICE", "zh_female_tianmei")

	if raw := os.Getenv("WAKE_WORDS"); raw != "" {
		cfg.WakeWords = strings.Split(raw, ",")
	} else {
		cfg.WakeWords = defaultWakeWords
	}

	cfg.SummariesDir = getEnvOrDefault("SUMMARIES_DIR", "./summaries")
	cfg.DownloadsDir = getEnvOrDefault("DOWNLOADS_DIR", "./downloads")

	cfg.AgentMaxIterations = getEnvIntOrDefault("AGENT_MAX_ITERATIONS", 10, &errors)
	cfg.AutoSaveThreshold = getEnvIntOrDefault("AGENT_AUTOSAVE_THRESHOLD", 50, &errors)
	cfg.ToolTimeout = getEnvDurationOrDefault("AGENT_TOOL_TIMEOUT", 30*time.Second, &errors)

	cfg.ReaperInterval = getEnvDurationOrDefault("REAPER_INTERVAL", 5*time.Minute, &errors)
	cfg.HeapWarningBytes = uint64(getEnvIntOrDefault("HEAP_WARNING_MB", 400, &errors)) * 1024 * 1024
	cfg.HeapCriticalBytes = uint64(getEnvIntOrDefault("HEAP_CRITICAL_MB", 500, &errors)) * 1024 * 1024

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIFiles = getEnvOrDefault("RATE_LIMIT_API_FILES", "100-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"auth_domain", cfg.AuthDomain,
		"allow_anonymous", cfg.AllowAnonymous,
		"database", cfg.DatabaseURL != "",
		"redis_enabled", cfg.RedisEnabled,
		"llm_model", cfg.LLMModel,
		"asr_configured", cfg.ASRURL != "",
		"dialog_configured", cfg.DialogURL != "",
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a duration like '30s' (got '%s')", key, raw))
		return defaultValue
	}
	return d
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
