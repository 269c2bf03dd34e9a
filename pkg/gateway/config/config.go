package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream live-translation engine.
	GeminiAPIKey             string
	GeminiLiveURL            string
	GeminiModel              string
	GeminiVoice              string
	UpstreamHandshakeTimeout time.Duration
	UpstreamDialMaxElapsed   time.Duration
	UpstreamWriteTimeout     time.Duration

	// Language pair applied when the client setup omits one side.
	DefaultSourceLanguage string
	DefaultTargetLanguage string

	// Postgres storage collaborator. Empty => relay runs without persistence.
	DatabaseURL string

	// S3 object-storage collaborator. Empty bucket => uploads disabled.
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3PublicBaseURL   string

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => any origin refused when Origin header present

	// Live WebSocket tuning.
	LiveMaxJSONMessageBytes int64
	LiveHandshakeTimeout    time.Duration
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveMaxSessionDuration  time.Duration
	LiveOutboundQueueSize   int

	// Finalizer budgets.
	FinalizeTimeout time.Duration
	UploadAttempts  int

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration

	MetricsNamespace string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("RELAY_ADDR", ":8080"),
		GeminiAPIKey:             strings.TrimSpace(os.Getenv("RELAY_GEMINI_API_KEY")),
		GeminiLiveURL:            envOr("RELAY_GEMINI_LIVE_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"),
		GeminiModel:              envOr("RELAY_GEMINI_MODEL", "models/gemini-2.0-flash-live-001"),
		GeminiVoice:              envOr("RELAY_GEMINI_VOICE", "Aoede"),
		UpstreamHandshakeTimeout: envDurationOr("RELAY_UPSTREAM_HANDSHAKE_TIMEOUT", 10*time.Second),
		UpstreamDialMaxElapsed:   envDurationOr("RELAY_UPSTREAM_DIAL_MAX_ELAPSED", 15*time.Second),
		UpstreamWriteTimeout:     envDurationOr("RELAY_UPSTREAM_WRITE_TIMEOUT", 5*time.Second),
		DefaultSourceLanguage:    envOr("RELAY_DEFAULT_SOURCE_LANGUAGE", "en"),
		DefaultTargetLanguage:    envOr("RELAY_DEFAULT_TARGET_LANGUAGE", "hi"),
		DatabaseURL:              strings.TrimSpace(os.Getenv("RELAY_DATABASE_URL")),
		S3Bucket:                 strings.TrimSpace(os.Getenv("RELAY_S3_BUCKET")),
		S3Region:                 envOr("RELAY_S3_REGION", "us-east-1"),
		S3Endpoint:               strings.TrimSpace(os.Getenv("RELAY_S3_ENDPOINT")),
		S3AccessKeyID:            strings.TrimSpace(os.Getenv("RELAY_S3_ACCESS_KEY_ID")),
		S3SecretAccessKey:        strings.TrimSpace(os.Getenv("RELAY_S3_SECRET_ACCESS_KEY")),
		S3PublicBaseURL:          strings.TrimSpace(os.Getenv("RELAY_S3_PUBLIC_BASE_URL")),
		CORSAllowedOrigins:       make(map[string]struct{}),
		LiveMaxJSONMessageBytes:  envInt64Or("RELAY_LIVE_MAX_JSON_MESSAGE_BYTES", 512<<10),
		LiveHandshakeTimeout:     envDurationOr("RELAY_LIVE_HANDSHAKE_TIMEOUT", 10*time.Second),
		LiveWSPingInterval:       envDurationOr("RELAY_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:       envDurationOr("RELAY_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveMaxSessionDuration:   envDurationOr("RELAY_LIVE_MAX_SESSION_DURATION", 2*time.Hour),
		LiveOutboundQueueSize:    envIntOr("RELAY_LIVE_OUTBOUND_QUEUE", 256),
		FinalizeTimeout:          envDurationOr("RELAY_FINALIZE_TIMEOUT", 15*time.Second),
		UploadAttempts:           envIntOr("RELAY_UPLOAD_ATTEMPTS", 3),
		ReadHeaderTimeout:        envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:              envDurationOr("RELAY_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:      envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 20*time.Second),
		MetricsNamespace:         envOr("RELAY_METRICS_NAMESPACE", "relay"),
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("RELAY_GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.GeminiLiveURL) == "" {
		return Config{}, fmt.Errorf("RELAY_GEMINI_LIVE_URL must not be empty")
	}
	if !strings.HasPrefix(cfg.GeminiLiveURL, "ws://") && !strings.HasPrefix(cfg.GeminiLiveURL, "wss://") {
		return Config{}, fmt.Errorf("RELAY_GEMINI_LIVE_URL must be a ws:// or wss:// URL")
	}
	if strings.TrimSpace(cfg.GeminiModel) == "" {
		return Config{}, fmt.Errorf("RELAY_GEMINI_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.DefaultSourceLanguage) == "" || strings.TrimSpace(cfg.DefaultTargetLanguage) == "" {
		return Config{}, fmt.Errorf("default languages must not be empty")
	}
	if cfg.UpstreamHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.UpstreamDialMaxElapsed <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_DIAL_MAX_ELAPSED must be > 0")
	}
	if cfg.UpstreamWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPSTREAM_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("RELAY_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("RELAY_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("RELAY_LIVE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("RELAY_LIVE_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.FinalizeTimeout <= 0 {
		return Config{}, fmt.Errorf("RELAY_FINALIZE_TIMEOUT must be > 0")
	}
	if cfg.UploadAttempts <= 0 {
		return Config{}, fmt.Errorf("RELAY_UPLOAD_ATTEMPTS must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 || cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("http timeouts must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.S3Bucket != "" {
		if cfg.S3AccessKeyID == "" || cfg.S3SecretAccessKey == "" {
			return Config{}, fmt.Errorf("RELAY_S3_ACCESS_KEY_ID and RELAY_S3_SECRET_ACCESS_KEY must be set when RELAY_S3_BUCKET is set")
		}
	}

	return cfg, nil
}

// UploadsEnabled reports whether the object-storage collaborator is configured.
func (c Config) UploadsEnabled() bool {
	return strings.TrimSpace(c.S3Bucket) != ""
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
