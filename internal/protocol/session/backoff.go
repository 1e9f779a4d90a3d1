package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the dial retry delay after failed attempt N (1-based).
// With jitter the delay is scaled into [0.5, 1.5); a nil rng uses the midpoint.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := math.Max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(cfg.MaxDelay))
	}
	if cfg.Jitter {
		delay *= jitterFactor(rng)
	}
	return time.Duration(delay)
}

func jitterFactor(rng *rand.Rand) float64 {
	if rng == nil {
		return 1.0
	}
	return 0.5 + rng.Float64()
}
