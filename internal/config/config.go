// Package config holds the runtime settings of creditd.
package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultDatabaseURL    = "sqlite:///tmp/creditledger.db"
	defaultGRPCListenAddr = ":7000"
	defaultHTTPListenAddr = ":9090"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultRequestTimeout = 3 * time.Second
	defaultSnowflakeNode  = 1
	maxSnowflakeNode      = 1023
)

// Config aggregates runtime settings for the credit service.
type Config struct {
	DatabaseURL    string
	AutoMigrate    bool
	GRPCListenAddr string
	// HTTPListenAddr empty disables the HTTP API.
	HTTPListenAddr    string
	RequestTimeout    time.Duration
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminUserIDs      []string
	RedisURL          string
	SnowflakeNode     int64
}

// Default returns a Config with every optional value filled in.
func Default() Config {
	cfg := Config{HTTPListenAddr: defaultHTTPListenAddr}
	cfg.applyDefaults()
	return cfg
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.GRPCListenAddr) == "" {
		return fmt.Errorf("grpc listen addr is required")
	}
	if cfg.SnowflakeNode < 0 || cfg.SnowflakeNode > maxSnowflakeNode {
		return fmt.Errorf("snowflake node must be within [0, %d], got %d", maxSnowflakeNode, cfg.SnowflakeNode)
	}
	if !cfg.HTTPEnabled() {
		return nil
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required when the http api is enabled")
	}
	if strings.TrimSpace(cfg.SessionIssuer) == "" {
		return fmt.Errorf("jwt issuer is required")
	}
	if strings.TrimSpace(cfg.SessionCookieName) == "" {
		return fmt.Errorf("jwt cookie name is required")
	}
	return nil
}

// HTTPEnabled reports whether the HTTP API should be served.
func (cfg Config) HTTPEnabled() bool {
	return strings.TrimSpace(cfg.HTTPListenAddr) != ""
}

func (cfg *Config) applyDefaults() {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.SnowflakeNode == 0 {
		cfg.SnowflakeNode = defaultSnowflakeNode
	}
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits comma-delimited values such as CORS origins or admin ids.
func ParseList(raw string) []string {
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
