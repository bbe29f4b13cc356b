// Package retry paces re-attempts of failed artifact downloads.
package retry

import (
	"fmt"
	"time"
)

// BackoffMode selects how the wait between download attempts grows.
type BackoffMode string

const (
	BackoffFixed       BackoffMode = "fixed"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Policy bounds how often and how patiently a fetcher re-attempts a
// download after a retryable network failure. A Policy is a value and
// never changes once built, so fetchers may share one freely.
type Policy struct {
	Mode       BackoffMode
	Initial    time.Duration // delay before the first re-attempt
	Max        time.Duration // no single delay exceeds this
	MaxRetries int           // re-attempts after the initial failure; 0 means fail fast
}

// DefaultPolicy suits interactive syncs: short linear waits, capped at
// 30s, two re-attempts per artifact.
func DefaultPolicy() Policy {
	return Policy{
		Mode:       BackoffLinear,
		Initial:    time.Second,
		Max:        30 * time.Second,
		MaxRetries: 2,
	}
}

// NewPolicy assembles a Policy from config fields, substituting the
// defaults for anything unset or out of range. An unrecognized mode is
// treated as unset rather than rejected so a typo in the config file
// degrades to the default pacing instead of blocking the sync.
func NewPolicy(mode BackoffMode, initial, maxDelay time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	switch mode {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		p.Mode = mode
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns how long to wait before re-attempt n, where n is
// 1-based. Non-positive n yields zero, so the first download of an
// artifact is never delayed.
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Mode {
	case BackoffFixed:
		d = p.Initial
	case BackoffExponential:
		d = p.Initial * (1 << (n - 1))
	default:
		d = time.Duration(n) * p.Initial
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Validate rejects policies that could stall a sync or retry forever.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial delay must be positive")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max delay must be positive")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}
