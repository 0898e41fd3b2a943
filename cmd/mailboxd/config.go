package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// daemonConfig is the process-level configuration; the link itself lives
// in the file named by LinkConfig.
type daemonConfig struct {
	LinkConfig      string
	AdminAddr       string
	AdminToken      string
	CorsOrigins     []string
	RequestTTL      time.Duration
	RequestAttempts int
	ProbeInterval   time.Duration
	StatusInterval  time.Duration
}

// envAdminToken overrides admin_token, typically from .env.
const envAdminToken = "CARDMBX_ADMIN_TOKEN"

type fileConfig struct {
	LinkConfig      string   `toml:"link_config"`
	AdminAddr       string   `toml:"admin_addr"`
	AdminToken      string   `toml:"admin_token"`
	CorsOrigins     []string `toml:"cors_origins"`
	RequestTTL      string   `toml:"request_ttl"`
	RequestAttempts int      `toml:"request_attempts"`
	ProbeInterval   string   `toml:"probe_interval"`
	StatusInterval  string   `toml:"status_interval"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		LinkConfig:      "cmd/mailboxd/link.toml",
		AdminAddr:       "127.0.0.1:7400",
		CorsOrigins:     []string{"http://localhost:3000"},
		RequestTTL:      2 * time.Second,
		RequestAttempts: 3,
		ProbeInterval:   time.Second,
		StatusInterval:  10 * time.Second,
	}
}

func loadDaemonConfig(path string) (daemonConfig, error) {
	cfg := defaultDaemonConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("load mailboxd config: %w", err)
	}

	if meta.IsDefined("link_config") {
		if v := strings.TrimSpace(raw.LinkConfig); v != "" {
			cfg.LinkConfig = v
		}
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if v := strings.TrimSpace(os.Getenv(envAdminToken)); v != "" {
		cfg.AdminToken = v
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("request_ttl") {
		if cfg.RequestTTL, err = parseDuration("request_ttl", raw.RequestTTL); err != nil {
			return daemonConfig{}, err
		}
	}
	if meta.IsDefined("request_attempts") {
		if raw.RequestAttempts < 1 {
			return daemonConfig{}, fmt.Errorf("request_attempts must be >= 1, got %d", raw.RequestAttempts)
		}
		cfg.RequestAttempts = raw.RequestAttempts
	}
	if meta.IsDefined("probe_interval") {
		if cfg.ProbeInterval, err = parseDuration("probe_interval", raw.ProbeInterval); err != nil {
			return daemonConfig{}, err
		}
	}
	if meta.IsDefined("status_interval") {
		if cfg.StatusInterval, err = parseDuration("status_interval", raw.StatusInterval); err != nil {
			return daemonConfig{}, err
		}
	}
	return cfg, nil
}

// parseDuration accepts "0" or "" to disable the interval.
func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, o := range in {
		if v := strings.TrimSpace(o); v != "" {
			out = append(out, v)
		}
	}
	return out
}
