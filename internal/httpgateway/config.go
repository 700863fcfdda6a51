package httpgateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/ulule/limiter/v3"
)

const (
	defaultListenAddr      = ":8080"
	defaultAllowedOrigin   = "http://localhost:3000"
	defaultRateLimit       = "300-M"
	defaultRequestTimeout  = 30 * time.Second
	defaultAITimeout       = 60 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultSessionIssuer   = "tauth"
	defaultSessionCookie   = "app_session"
)

// Config aggregates runtime settings for the HTTP gateway.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	RateLimit       string
	RequestTimeout  time.Duration
	AITimeout       time.Duration
	ShutdownTimeout time.Duration
	// SessionSigningKey enables cookie session authentication next to bearer tokens.
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
}

// Validate applies defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.RateLimit = defaultIfEmpty(cfg.RateLimit, defaultRateLimit)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.AITimeout <= 0 {
		cfg.AITimeout = defaultAITimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	if _, err := limiter.NewRateFromFormatted(cfg.RateLimit); err != nil {
		return fmt.Errorf("rate limit %q: %w", cfg.RateLimit, err)
	}
	if cfg.SessionEnabled() {
		cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
		cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	}
	return nil
}

// SessionEnabled reports whether cookie sessions are accepted.
func (cfg Config) SessionEnabled() bool {
	return strings.TrimSpace(cfg.SessionSigningKey) != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
