package mailbox

import (
	"math/rand"
	"time"
)

// BackoffConfig spaces out RequestWithRetry attempts after a timeout.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Delay is the pause after the given failed attempt (1-based). The delay
// grows by Multiplier per attempt up to MaxDelay; with Jitter it is scaled
// into [0.5, 1.5) of that value.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	mult := max(b.Multiplier, 1)
	d := b.InitialDelay
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(d) * mult)
		if b.MaxDelay > 0 && next >= b.MaxDelay {
			d = b.MaxDelay
			break
		}
		d = next
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if !b.Jitter {
		return d
	}
	scale := 0.5
	if rng != nil {
		scale += rng.Float64()
	}
	return time.Duration(float64(d) * scale)
}
