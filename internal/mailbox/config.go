package mailbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("mailbox: invalid config")

// Config holds per-instance transport tuning.
type Config struct {
	Name              string
	TickPeriod        time.Duration
	PollInterval      time.Duration
	PollBurst         int
	MaxMessageSize    int
	FragmentTTLTicks  int
	PeerDeadThreshold int
	Retry             BackoffConfig
}

// DefaultConfig returns the defaults used by mailboxd.
func DefaultConfig() Config {
	return Config{
		Name:              "mailbox",
		TickPeriod:        100 * time.Millisecond,
		PollInterval:      50 * time.Microsecond,
		PollBurst:         16,
		MaxMessageSize:    1 << 20,
		FragmentTTLTicks:  2,
		PeerDeadThreshold: 3,
		Retry: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if c.TickPeriod <= 0 {
		c.TickPeriod = def.TickPeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollBurst <= 0 {
		c.PollBurst = def.PollBurst
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.FragmentTTLTicks <= 0 {
		c.FragmentTTLTicks = def.FragmentTTLTicks
	}
	if c.PeerDeadThreshold <= 0 {
		c.PeerDeadThreshold = def.PeerDeadThreshold
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry = def.Retry
	}
	return c
}

func (c Config) Validate() error {
	if c.TickPeriod < time.Millisecond {
		return fmt.Errorf("%w: tick period %v below 1ms", ErrInvalidConfig, c.TickPeriod)
	}
	if c.PollInterval >= c.TickPeriod {
		return fmt.Errorf("%w: poll interval %v must be shorter than tick %v", ErrInvalidConfig, c.PollInterval, c.TickPeriod)
	}
	if c.MaxMessageSize > 1<<31-1 {
		return fmt.Errorf("%w: max message size %d exceeds 32-bit wire size", ErrInvalidConfig, c.MaxMessageSize)
	}
	return nil
}
