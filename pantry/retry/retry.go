// pantry/retry/retry.go
package retry

import (
	"context"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 3.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	// Default: 100ms.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	// Default: 30 seconds.
	MaxDelay time.Duration

	// Multiplier increases the delay after each retry.
	// Default: 2.0 (exponential backoff).
	Multiplier float64

	// Schedule, when set, gives the delay to wait after failed attempt n
	// (1-based) and replaces the InitialDelay/Multiplier backoff.
	Schedule func(attempt int) time.Duration

	// Sleep waits for d. It must return early with ctx.Err() when ctx is done.
	// Default: a timer based sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do executes fn until it succeeds, the attempts run out or ctx is done.
// The last error is returned.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = withDefaults(cfg)

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.Schedule != nil {
			wait = cfg.Schedule(attempt)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		if err := cfg.Sleep(ctx, wait); err != nil {
			return lastErr
		}

		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	return lastErr
}

// Sleep is the default sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Step is one band of a StepSchedule: attempts below Below wait Delay.
type Step struct {
	Below int
	Delay time.Duration
}

// StepSchedule returns a Schedule that picks the first step whose Below
// exceeds the attempt number, falling back to last once all steps are passed.
func StepSchedule(last time.Duration, steps ...Step) func(int) time.Duration {
	return func(attempt int) time.Duration {
		for _, s := range steps {
			if attempt < s.Below {
				return s.Delay
			}
		}
		return last
	}
}

// withDefaults applies default values to config.
func withDefaults(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = Sleep
	}
	return cfg
}
