// Package retry provides backoff calculation for re-running failed scanner
// invocations within a pipeline run.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// DefaultBaseInterval is the default delay before the first retry.
const DefaultBaseInterval = 2 * time.Second

// BackoffStrategy defines how to calculate the next retry delay.
type BackoffStrategy int

const (
	// BackoffExponential uses exponential backoff: base * 2^attempt
	BackoffExponential BackoffStrategy = iota

	// BackoffLinear uses linear backoff: base * attempt
	BackoffLinear

	// BackoffConstant uses constant backoff: base (no increase)
	BackoffConstant
)

// BackoffConfig configures the backoff behavior.
type BackoffConfig struct {
	// Strategy is the backoff strategy to use.
	// Default is BackoffExponential.
	Strategy BackoffStrategy

	// BaseInterval is the base interval for backoff calculation.
	// Default is DefaultBaseInterval (2 seconds).
	BaseInterval time.Duration

	// MaxInterval is the maximum delay between attempts.
	// Default is 30 seconds. Scan retries happen inside a running
	// pipeline, so the cap stays small.
	MaxInterval time.Duration

	// Jitter adds randomness to prevent retry alignment across scanners.
	// Value between 0.0 (no jitter) and 1.0 (full jitter).
	// Default is 0.1 (10% jitter).
	Jitter float64
}

// DefaultBackoffConfig returns a BackoffConfig with default values.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  30 * time.Second,
		Jitter:       0.1,
	}
}

// Delay calculates the backoff delay after the given attempt number.
// Attempt 1 is the first failed execution.
//
// Delay schedule with the default 2-second base:
//
//	attempt 1: 2s
//	attempt 2: 4s
//	attempt 3: 8s
//	attempt 4: 16s
//	attempt 5: 30s - capped at MaxInterval
func (c *BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var interval time.Duration

	switch c.Strategy {
	case BackoffLinear:
		interval = c.BaseInterval * time.Duration(attempt)

	case BackoffConstant:
		interval = c.BaseInterval

	default:
		// Exponential: base * 2^(attempt-1)
		multiplier := math.Pow(2, float64(attempt-1))
		interval = time.Duration(float64(c.BaseInterval) * multiplier)
	}

	if c.MaxInterval > 0 && interval > c.MaxInterval {
		interval = c.MaxInterval
	}

	if c.Jitter > 0 {
		interval = c.applyJitter(interval)
	}

	return interval
}

// NextRetry calculates the wall-clock time of the next attempt.
func (c *BackoffConfig) NextRetry(attempt int) time.Time {
	return time.Now().Add(c.Delay(attempt))
}

// applyJitter adds randomness to the interval.
func (c *BackoffConfig) applyJitter(interval time.Duration) time.Duration {
	jitter := c.Jitter
	if jitter > 1 {
		jitter = 1
	}

	// Range is [1-jitter, 1+jitter]; for jitter=0.1 that's [0.9, 1.1].
	jitterRange := float64(interval) * jitter
	jitterValue := (rand.Float64()*2 - 1) * jitterRange

	return time.Duration(float64(interval) + jitterValue)
}

// Schedule returns the delays for a given number of attempts, without
// jitter. Useful for logging the expected retry schedule.
func (c *BackoffConfig) Schedule(maxAttempts int) []time.Duration {
	if maxAttempts <= 0 {
		return nil
	}

	noJitter := *c
	noJitter.Jitter = 0

	schedule := make([]time.Duration, maxAttempts)
	for i := range maxAttempts {
		schedule[i] = noJitter.Delay(i + 1)
	}
	return schedule
}

// TotalBackoffTime calculates the total delay across all retry attempts.
// Useful for estimating the worst-case overhead a retrying scanner adds to
// a pipeline run.
func (c *BackoffConfig) TotalBackoffTime(maxAttempts int) time.Duration {
	var total time.Duration
	for _, d := range c.Schedule(maxAttempts) {
		total += d
	}
	return total
}
