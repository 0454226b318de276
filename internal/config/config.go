// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting, pipeline
// tunables (moderation, knowledge base, completion), and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-agent-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ModerationConfig holds the content-moderation tunables. The rule set
// itself lives in the database; these values shape how rules are applied.
type ModerationConfig struct {
	MaskToken        string   // replacement for censored spans
	RefusalText      string   // user-visible text for blocked messages
	Languages        []string // supported language tags for detection
	FallbackLanguage string   // used when detection is inconclusive
}

// KBConfig holds the knowledge-base matcher tunables. Weights are fixed
// constants at runtime; they are configuration, not per-request inputs.
type KBConfig struct {
	KeywordWeight   float64 // weight of query-token coverage of the keyword set
	QuestionWeight  float64 // weight of query-token coverage of the question text
	SubstringBonus  float64 // bonus when the whole query appears in the question
	MinScore        float64 // inclusion threshold; lower-scoring entries are dropped
	MinQueryTokens  int     // queries with fewer tokens skip scoring entirely
	ConfidenceScore float64 // orchestrator short-circuit threshold (> MinScore)
}

// LLMConfig holds the completion-client settings for the external
// chat-completions endpoint.
type LLMConfig struct {
	APIURL        string        // LLM_API_URL, full completions endpoint
	APIKey        string        // LLM_API_KEY, optional bearer token
	Model         string        // LLM_MODEL
	MaxTokens     int           // LLM_MAX_TOKENS
	Temperature   float64       // LLM_TEMPERATURE
	SystemPrompt  string        // fixed system instruction
	Timeout       time.Duration // hard per-call timeout
	MaxRetries    int           // transient failures retried up to this count
	BackoffBase   time.Duration // first backoff delay
	BackoffCap    time.Duration // upper bound for any single delay
	HistoryWindow int           // recent messages included per request
	FallbackText  string        // user-visible text when the provider is unavailable
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath          string // SQLite path
	MaxMessageRunes int    // oversized inputs are rejected before the pipeline

	// Pipeline
	Moderation ModerationConfig
	KB         KBConfig
	LLM        LLMConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:          getenv("DB_PATH", "app.db"),
		MaxMessageRunes: getint("MAX_MESSAGE_RUNES", 1000),

		// Moderation
		Moderation: ModerationConfig{
			MaskToken:        getenv("MODERATION_MASK_TOKEN", "***"),
			RefusalText:      getenv("MODERATION_REFUSAL_TEXT", "I can’t help with that request."),
			Languages:        splitCSV(getenv("MODERATION_LANGUAGES", "ru,en")),
			FallbackLanguage: getenv("MODERATION_FALLBACK_LANGUAGE", "ru"),
		},

		// Knowledge base
		KB: KBConfig{
			KeywordWeight:   getfloat("KB_KEYWORD_WEIGHT", 0.6),
			QuestionWeight:  getfloat("KB_QUESTION_WEIGHT", 0.3),
			SubstringBonus:  getfloat("KB_SUBSTRING_BONUS", 0.1),
			MinScore:        getfloat("KB_MIN_SCORE", 0.25),
			MinQueryTokens:  getint("KB_MIN_QUERY_TOKENS", 1),
			ConfidenceScore: getfloat("THRESHOLD", 0.6),
		},

		// Completion client
		LLM: LLMConfig{
			APIURL:        getenv("LLM_API_URL", "https://api.together.xyz/v1/chat/completions"),
			APIKey:        getenv("LLM_API_KEY", ""),
			Model:         getenv("LLM_MODEL", "mistralai/Mistral-7B-Instruct-v0.1"),
			MaxTokens:     getint("LLM_MAX_TOKENS", 500),
			Temperature:   getfloat("LLM_TEMPERATURE", 0.7),
			SystemPrompt:  getenv("LLM_SYSTEM_PROMPT", defaultSystemPrompt),
			Timeout:       getdur("LLM_TIMEOUT", 30*time.Second),
			MaxRetries:    getint("LLM_MAX_RETRIES", 2),
			BackoffBase:   getdur("LLM_BACKOFF_BASE", 500*time.Millisecond),
			BackoffCap:    getdur("LLM_BACKOFF_CAP", 8*time.Second),
			HistoryWindow: getint("LLM_HISTORY_WINDOW", 10),
			FallbackText: getenv("LLM_FALLBACK_TEXT",
				"Sorry, the assistant is temporarily unavailable. Please try again in a moment."),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-agent-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.MaxMessageRunes <= 0 {
		return cfg, errors.New("MAX_MESSAGE_RUNES must be > 0")
	}
	if strings.TrimSpace(cfg.Moderation.MaskToken) == "" {
		return cfg, errors.New("MODERATION_MASK_TOKEN must not be empty")
	}
	if strings.TrimSpace(cfg.Moderation.RefusalText) == "" {
		return cfg, errors.New("MODERATION_REFUSAL_TEXT must not be empty")
	}
	if len(cfg.Moderation.Languages) < 2 {
		return cfg, errors.New("MODERATION_LANGUAGES must list at least two language tags")
	}
	if !containsString(cfg.Moderation.Languages, cfg.Moderation.FallbackLanguage) {
		return cfg, errors.New("MODERATION_FALLBACK_LANGUAGE must be one of MODERATION_LANGUAGES")
	}
	if cfg.KB.KeywordWeight < 0 || cfg.KB.QuestionWeight < 0 || cfg.KB.SubstringBonus < 0 {
		return cfg, errors.New("KB weights must be >= 0")
	}
	if cfg.KB.KeywordWeight+cfg.KB.QuestionWeight+cfg.KB.SubstringBonus <= 0 {
		return cfg, errors.New("KB weights must not all be zero")
	}
	if cfg.KB.MinScore < 0 || cfg.KB.MinScore > 1 {
		return cfg, errors.New("KB_MIN_SCORE must be in [0,1]")
	}
	if cfg.KB.ConfidenceScore <= cfg.KB.MinScore || cfg.KB.ConfidenceScore > 1 {
		return cfg, errors.New("THRESHOLD must be in (KB_MIN_SCORE, 1]")
	}
	if cfg.KB.MinQueryTokens < 1 {
		return cfg, errors.New("KB_MIN_QUERY_TOKENS must be >= 1")
	}
	if strings.TrimSpace(cfg.LLM.APIURL) == "" {
		return cfg, errors.New("LLM_API_URL must not be empty")
	}
	if strings.TrimSpace(cfg.LLM.Model) == "" {
		return cfg, errors.New("LLM_MODEL must not be empty")
	}
	if cfg.LLM.Timeout <= 0 {
		return cfg, errors.New("LLM_TIMEOUT must be > 0")
	}
	if cfg.LLM.MaxRetries < 0 {
		return cfg, errors.New("LLM_MAX_RETRIES must be >= 0")
	}
	if cfg.LLM.BackoffBase <= 0 || cfg.LLM.BackoffCap < cfg.LLM.BackoffBase {
		return cfg, errors.New("LLM backoff schedule must satisfy 0 < base <= cap")
	}
	if cfg.LLM.HistoryWindow < 1 {
		return cfg, errors.New("LLM_HISTORY_WINDOW must be >= 1")
	}
	if strings.TrimSpace(cfg.LLM.FallbackText) == "" {
		return cfg, errors.New("LLM_FALLBACK_TEXT must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// defaultSystemPrompt is the fixed instruction sent with every completion
// request; mirrors the assistant's institutional support role.
const defaultSystemPrompt = "You are a helpful AI assistant for a university or educational institution. " +
	"Use the provided knowledge base information to answer questions about schedules, documents, " +
	"scholarships, exams, and administration. If you don't find relevant information, provide general " +
	"helpful guidance and suggest contacting the appropriate department."

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
