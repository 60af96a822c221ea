package downstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"xzbridge/internal/config"
)

func TestNextIntervalFixed(t *testing.T) {
	p := config.ReconnectPolicy{
		BackoffStrategy: config.BackoffFixed,
		InitialInterval: 3000,
		MaxInterval:     30000,
	}

	assert.Equal(t, 3*time.Second, NextInterval(p, 1))
	assert.Equal(t, 3*time.Second, NextInterval(p, 5))
	assert.Equal(t, 3*time.Second, NextInterval(p, 100))
}

func TestNextIntervalLinear(t *testing.T) {
	p := config.ReconnectPolicy{
		BackoffStrategy:   config.BackoffLinear,
		InitialInterval:   1000,
		MaxInterval:       60000,
		BackoffMultiplier: 2,
	}

	// initial + attempts * multiplier * 1000 ms
	assert.Equal(t, 3*time.Second, NextInterval(p, 1))
	assert.Equal(t, 5*time.Second, NextInterval(p, 2))
	assert.Equal(t, 7*time.Second, NextInterval(p, 3))
}

func TestNextIntervalExponential(t *testing.T) {
	p := config.ReconnectPolicy{
		BackoffStrategy:   config.BackoffExponential,
		InitialInterval:   3000,
		MaxInterval:       30000,
		BackoffMultiplier: 1.5,
	}

	assert.Equal(t, 3000*time.Millisecond, NextInterval(p, 1))
	assert.Equal(t, 4500*time.Millisecond, NextInterval(p, 2))
	assert.Equal(t, 6750*time.Millisecond, NextInterval(p, 3))
}

func TestNextIntervalClampsToMax(t *testing.T) {
	p := config.ReconnectPolicy{
		BackoffStrategy:   config.BackoffExponential,
		InitialInterval:   3000,
		MaxInterval:       30000,
		BackoffMultiplier: 1.5,
	}

	// 3000 * 1.5^9 is well past 30000.
	assert.Equal(t, 30*time.Second, NextInterval(p, 10))
}

func TestNextIntervalJitterBounds(t *testing.T) {
	p := config.ReconnectPolicy{
		BackoffStrategy: config.BackoffFixed,
		InitialInterval: 10000,
		MaxInterval:     60000,
		Jitter:          true,
	}

	for i := 0; i < 200; i++ {
		got := NextInterval(p, 1)
		assert.GreaterOrEqual(t, got, 9*time.Second)
		assert.LessOrEqual(t, got, 11*time.Second)
	}
}

func TestNextIntervalJitterFloor(t *testing.T) {
	p := config.ReconnectPolicy{
		BackoffStrategy: config.BackoffFixed,
		InitialInterval: 900,
		MaxInterval:     30000,
		Jitter:          true,
	}

	for i := 0; i < 200; i++ {
		assert.GreaterOrEqual(t, NextInterval(p, 1), time.Second)
	}
}

func TestNextIntervalUnknownStrategyFallsBackToFixed(t *testing.T) {
	p := config.ReconnectPolicy{
		BackoffStrategy: "surprising",
		InitialInterval: 2000,
		MaxInterval:     30000,
	}

	assert.Equal(t, 2*time.Second, NextInterval(p, 7))
}
