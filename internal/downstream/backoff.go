package downstream

import (
	"math"
	"math/rand"
	"time"

	"xzbridge/internal/config"
)

// jitterFloor is the minimum interval after jitter is applied.
const jitterFloor = time.Second

// NextInterval computes the delay before reconnect attempt number attempts
// (1-based) under the given policy:
//
//	fixed       -> initialInterval
//	linear      -> initialInterval + attempts * multiplier * 1000
//	exponential -> initialInterval * multiplier^(attempts-1)
//
// The result is clamped to maxInterval; with jitter enabled, uniform noise
// of ±10% of the interval is added and the result floored at one second.
func NextInterval(p config.ReconnectPolicy, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	initial := float64(p.InitialInterval)
	var ms float64
	switch p.BackoffStrategy {
	case config.BackoffFixed:
		ms = initial
	case config.BackoffLinear:
		ms = initial + float64(attempts)*p.BackoffMultiplier*1000
	case config.BackoffExponential:
		ms = initial * math.Pow(p.BackoffMultiplier, float64(attempts-1))
	default:
		ms = initial
	}

	if max := float64(p.MaxInterval); p.MaxInterval > 0 && ms > max {
		ms = max
	}

	interval := time.Duration(ms * float64(time.Millisecond))
	if p.Jitter {
		noise := (rand.Float64()*2 - 1) * 0.10 * float64(interval)
		interval += time.Duration(noise)
		if interval < jitterFloor {
			interval = jitterFloor
		}
	}
	return interval
}
