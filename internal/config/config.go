// Package config loads the federation service configuration. It is read
// once at startup and not re-validated per request.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/webqx-health/federation/providers"
)

// Environment variables overriding file values, so secrets can stay out
// of the config file.
const (
	EnvSigningSecret = "FEDERATION_SIGNING_SECRET"
	EnvListenAddr    = "FEDERATION_LISTEN_ADDR"
)

// Config is the service configuration surface.
type Config struct {
	AppName string `yaml:"app_name"`
	Listen  string `yaml:"listen"` // e.g. ":8443"

	SigningSecret string `yaml:"signing_secret"`
	TokenIssuer   string `yaml:"token_issuer"`

	SessionTTLSeconds         int `yaml:"session_ttl"`          // bearer/session validity per issue or refresh
	SessionMaxLifetimeSeconds int `yaml:"session_max_lifetime"` // hard cap from session creation, 0 = unbounded
	PendingTTLSeconds         int `yaml:"pending_ttl"`          // login attempt validity between redirect and callback
	SweepIntervalSeconds      int `yaml:"sweep_interval"`

	AuditEnabled bool                 `yaml:"audit_enabled"`
	Providers    []providers.Provider `yaml:"providers"`
}

// Load reads and validates the configuration file, applying environment
// overrides and defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "[config.Load] read")
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "[config.Load] parse")
	}

	if v := os.Getenv(EnvSigningSecret); v != "" {
		cfg.SigningSecret = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Listen = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		AppName:                   "federation",
		Listen:                    ":8443",
		TokenIssuer:               "webqx-federation",
		SessionTTLSeconds:         1800,  // 30m
		SessionMaxLifetimeSeconds: 28800, // 8h
		PendingTTLSeconds:         300,   // 5m
		SweepIntervalSeconds:      60,
		AuditEnabled:              true,
	}
}

// Validate checks the loaded configuration, including every provider
// record.
func (c *Config) Validate() error {
	if c.SigningSecret == "" {
		return errors.Errorf("[Config.Validate] signing secret is required (set signing_secret or %s)", EnvSigningSecret)
	}
	if c.SessionTTLSeconds <= 0 {
		return errors.New("[Config.Validate] session_ttl must be positive")
	}
	if c.PendingTTLSeconds <= 0 {
		return errors.New("[Config.Validate] pending_ttl must be positive")
	}
	if len(c.Providers) == 0 {
		return errors.New("[Config.Validate] at least one provider is required")
	}
	for i := range c.Providers {
		if err := c.Providers[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SessionTTL returns the session validity window.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// SessionMaxLifetime returns the hard session lifetime cap.
func (c *Config) SessionMaxLifetime() time.Duration {
	return time.Duration(c.SessionMaxLifetimeSeconds) * time.Second
}

// PendingTTL returns the pending login attempt validity window.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

// SweepInterval returns the expiry sweeper cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}
