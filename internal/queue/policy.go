package queue

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fairyhunter13/marketplace-sync-engine/internal/config"
	"github.com/fairyhunter13/marketplace-sync-engine/internal/model"
)

// Policy computes retry times: exponential from BaseDelay doubling per
// attempt, capped at MaxDelay and randomised by Jitter. A marketplace gets
// re-attempts while attempts <= its MaxAttempts.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	MaxAttempts map[model.Marketplace]int
}

// NewPolicy builds the policy from configuration.
func NewPolicy(cfg config.Config) Policy {
	return Policy{
		BaseDelay: cfg.Retry.BaseDelay,
		MaxDelay:  cfg.Retry.MaxDelay,
		Jitter:    cfg.Retry.Jitter,
		MaxAttempts: map[model.Marketplace]int{
			model.EBay:   cfg.EBay.MaxAttempts,
			model.Amazon: cfg.Amazon.MaxAttempts,
		},
	}
}

// Next returns when attempt number attempts+1 may run, or false when the
// retry ceiling is reached.
func (p Policy) Next(m model.Marketplace, attempts int, now time.Time) (time.Time, bool) {
	if attempts < 1 || attempts > p.MaxAttempts[m] {
		return time.Time{}, false
	}
	return now.Add(p.Delay(attempts)), true
}

// Delay returns the randomised wait after the given number of failed attempts.
func (p Policy) Delay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
