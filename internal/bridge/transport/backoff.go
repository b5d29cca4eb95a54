package transport

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the reconnect delay curve.
type BackoffConfig struct {
	// Base is the first retry delay. Default 1s.
	Base time.Duration
	// Cap bounds the delay. Default 30s.
	Cap time.Duration
	// Multiplier grows the delay per attempt. Default 2.0.
	Multiplier float64
	// Jitter randomizes each delay into [delay/2, delay].
	Jitter bool
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Base <= 0 {
		c.Base = time.Second
	}
	if c.Cap <= 0 {
		c.Cap = 30 * time.Second
	}
	if c.Multiplier < 1.0 {
		c.Multiplier = 2.0
	}
	return c
}

// Next returns the retry delay for attempt N (1-based). The result
// never exceeds Cap.
func (c BackoffConfig) Next(attempt int, rng *rand.Rand) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.Base) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.Cap) {
		delay = float64(c.Cap)
	}
	if c.Jitter {
		half := delay / 2
		f := 0.5
		if rng != nil {
			f = rng.Float64()
		}
		delay = half + half*f
	}
	return time.Duration(delay)
}
