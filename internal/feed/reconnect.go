package feed

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectConfig tunes the reconnection policy. These are deployment
// configuration, not protocol.
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultReconnectConfig mirrors the reference deployment: 1s base, doubling
// growth, 60s cap, 10 attempts.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 10,
	}
}

// reconnectPolicy decides whether and when the client re-dials after a
// connection ends without a caller-initiated disconnect. Delays double per
// consecutive failure up to the cap; the attempt counter resets once a
// session reaches subscribed.
type reconnectPolicy struct {
	cfg      ReconnectConfig
	attempts int
	backoff  *backoff.ExponentialBackOff
}

func newReconnectPolicy(cfg ReconnectConfig) *reconnectPolicy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultReconnectConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultReconnectConfig().MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultReconnectConfig().MaxAttempts
	}
	p := &reconnectPolicy{cfg: cfg, attempts: 0, backoff: nil}
	p.Reset()
	return p
}

// Next returns the delay before the next attempt, or false when the retry
// budget is exhausted.
func (p *reconnectPolicy) Next() (time.Duration, bool) {
	if p.attempts >= p.cfg.MaxAttempts {
		return 0, false
	}
	p.attempts++
	sleep := p.backoff.NextBackOff()
	if sleep == backoff.Stop || sleep > p.cfg.MaxDelay {
		sleep = p.cfg.MaxDelay
	}
	return sleep, true
}

// Reset restores the base delay and attempt budget. Called after a session
// reaches subscribed so a long-lived connection that drops retries quickly.
func (p *reconnectPolicy) Reset() {
	p.attempts = 0
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.BaseDelay
	exp.RandomizationFactor = 0
	exp.Multiplier = 2
	exp.MaxInterval = p.cfg.MaxDelay
	p.backoff = exp
}
