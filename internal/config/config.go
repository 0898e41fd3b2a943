package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/cardmbx/internal/mailbox"
	"github.com/pelletier/go-toml/v2"
)

// LinkConfig describes one card: the two mailbox endpoints and the
// register link between them.
type LinkConfig struct {
	Name           string         `toml:"name"`
	FIFODepthWords int            `toml:"fifo_depth_words"`
	Board          BoardConfig    `toml:"board"`
	Mgmt           EndpointConfig `toml:"mgmt"`
	User           EndpointConfig `toml:"user"`
}

type BoardConfig struct {
	Name     string `toml:"name"`
	Serial   string `toml:"serial"`
	Firmware string `toml:"firmware"`
	// ResetCommand runs on a hot-reset request; empty means the reset is
	// only reflected in the board's ready flag.
	ResetCommand string `toml:"reset_command"`
}

// EndpointConfig tunes one mailbox. Durations use Go syntax ("100ms").
type EndpointConfig struct {
	Name              string      `toml:"name"`
	Hardware          bool        `toml:"hardware"`
	TickPeriod        string      `toml:"tick_period"`
	PollInterval      string      `toml:"poll_interval"`
	PollBurst         int         `toml:"poll_burst"`
	MaxMessageSize    int         `toml:"max_message_size"`
	FragmentTTLTicks  int         `toml:"fragment_ttl_ticks"`
	PeerDeadThreshold int         `toml:"peer_dead_threshold"`
	Retry             RetryConfig `toml:"retry"`
}

type RetryConfig struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

const defaultFIFODepthWords = 1024

func LoadLinkConfig(path string) (LinkConfig, error) {
	var cfg LinkConfig
	if err := loadToml(path, &cfg); err != nil {
		return LinkConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := ValidateLinkConfig(cfg); err != nil {
		return LinkConfig{}, err
	}
	return cfg, nil
}

func (c LinkConfig) withDefaults() LinkConfig {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "card0"
	}
	if c.FIFODepthWords == 0 {
		c.FIFODepthWords = defaultFIFODepthWords
	}
	if strings.TrimSpace(c.Mgmt.Name) == "" {
		c.Mgmt.Name = "mgmt"
	}
	if strings.TrimSpace(c.User.Name) == "" {
		c.User.Name = "user"
	}
	return c
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateLinkConfig(cfg LinkConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("link config missing name")
	}
	if cfg.FIFODepthWords < 16 || cfg.FIFODepthWords%16 != 0 {
		return fmt.Errorf("fifo_depth_words must be a positive multiple of 16, got %d", cfg.FIFODepthWords)
	}
	if cfg.Mgmt.Name == cfg.User.Name {
		return fmt.Errorf("mgmt and user endpoints share name %q", cfg.Mgmt.Name)
	}
	if cfg.Mgmt.Hardware != cfg.User.Hardware {
		return fmt.Errorf("hardware must be enabled on both endpoints or neither")
	}
	if err := ValidateEndpoint(cfg.Mgmt); err != nil {
		return fmt.Errorf("mgmt invalid: %w", err)
	}
	if err := ValidateEndpoint(cfg.User); err != nil {
		return fmt.Errorf("user invalid: %w", err)
	}
	return nil
}

func ValidateEndpoint(cfg EndpointConfig) error {
	mc, err := cfg.MailboxConfig()
	if err != nil {
		return err
	}
	return mc.Validate()
}

// MailboxConfig converts the file form into mailbox.Config, filling
// unset values from mailbox defaults.
func (e EndpointConfig) MailboxConfig() (mailbox.Config, error) {
	out := mailbox.Config{
		Name:              strings.TrimSpace(e.Name),
		PollBurst:         e.PollBurst,
		MaxMessageSize:    e.MaxMessageSize,
		FragmentTTLTicks:  e.FragmentTTLTicks,
		PeerDeadThreshold: e.PeerDeadThreshold,
		Retry: mailbox.BackoffConfig{
			Multiplier: e.Retry.Multiplier,
			Jitter:     e.Retry.Jitter,
		},
	}
	var err error
	if out.TickPeriod, err = parseDuration("tick_period", e.TickPeriod); err != nil {
		return mailbox.Config{}, err
	}
	if out.PollInterval, err = parseDuration("poll_interval", e.PollInterval); err != nil {
		return mailbox.Config{}, err
	}
	if out.Retry.InitialDelay, err = parseDuration("retry.initial_delay", e.Retry.InitialDelay); err != nil {
		return mailbox.Config{}, err
	}
	if out.Retry.MaxDelay, err = parseDuration("retry.max_delay", e.Retry.MaxDelay); err != nil {
		return mailbox.Config{}, err
	}
	if out.MaxMessageSize < 0 || out.PollBurst < 0 || out.FragmentTTLTicks < 0 || out.PeerDeadThreshold < 0 {
		return mailbox.Config{}, fmt.Errorf("negative value in endpoint %q", out.Name)
	}
	return out.WithDefaults(), nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
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
