// Package config loads and validates service configuration from environment
// variables. All variables share the CHANNELHUB_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "CHANNELHUB_"

// Config carries every runtime parameter of the API server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// Env is the deployment environment; "production" hardens cookies.
	Env string

	// TokenSecret signs access and refresh JWTs. Required.
	TokenSecret string

	// PGDSN enables the Postgres store when set; the in-memory store is
	// used otherwise.
	PGDSN string

	// Feishu app credentials for OAuth login and directory sync.
	FeishuAppID     string
	FeishuAppSecret string
	// FeishuBaseURL overrides the open-platform endpoint, mainly for tests.
	FeishuBaseURL string

	// CORSOrigins lists browser origins allowed to send credentialed
	// requests, on top of localhost which is always allowed.
	CORSOrigins []string

	// Per-IP rate limiting on the auth endpoints.
	RateBurst  int
	RatePerSec int

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Production reports whether cookies must be Secure and SameSite=Strict.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads the environment, applies defaults and validates required fields.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:            getenv("ADDR", ":8080"),
		Env:             getenv("ENV", "development"),
		TokenSecret:     getenv("TOKEN_SECRET", ""),
		PGDSN:           getenv("PG_DSN", ""),
		FeishuAppID:     getenv("FEISHU_APP_ID", ""),
		FeishuAppSecret: getenv("FEISHU_APP_SECRET", ""),
		FeishuBaseURL:   getenv("FEISHU_BASE_URL", "https://open.feishu.cn"),
		CORSOrigins:     getlist("CORS_ORIGINS"),
	}

	var err error
	if cfg.RateBurst, err = getint("RATE_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.RatePerSec, err = getint("RATE_PER_SEC", 10); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getduration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	if cfg.TokenSecret == "" {
		return nil, errors.New("config: " + envPrefix + "TOKEN_SECRET is required")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + key)); v != "" {
		return v
	}
	return def
}

func getlist(key string) []string {
	raw := getenv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getint(key string, def int) (int, error) {
	raw := getenv(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return v, nil
}

func getduration(key string, def time.Duration) (time.Duration, error) {
	raw := getenv(key, "")
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
	}
	return v, nil
}
