// Package retry wraps units of database work with a configurable policy for
// transient backend faults. Classification follows the SQLite transient
// codes plus message heuristics for shared-storage I/O blips; everything
// else propagates immediately.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/smartpcr/persistence-lib/internal/debug"
)

// Config is the retry policy's tuning. MaxAttempts counts retries after the
// first attempt: 0 means one attempt, no retry.
type Config struct {
	Enabled           bool          `json:"enabled" mapstructure:"enabled"`
	MaxAttempts       int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MaxDelay          time.Duration `json:"max_delay_ms" mapstructure:"max_delay_ms"`
	BackoffMultiplier float64       `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
}

// Presets mirror the deployment profiles shipped with the engine.
func Default() Config {
	return Config{Enabled: true, MaxAttempts: 3, InitialDelay: 100 * time.Millisecond,
		MaxDelay: 5 * time.Second, BackoffMultiplier: 2}
}

func NoRetry() Config { return Config{Enabled: false} }

func NetworkStorage() Config {
	return Config{Enabled: true, MaxAttempts: 5, InitialDelay: 500 * time.Millisecond,
		MaxDelay: 10 * time.Second, BackoffMultiplier: 2}
}

func HighContention() Config {
	return Config{Enabled: true, MaxAttempts: 10, InitialDelay: 50 * time.Millisecond,
		MaxDelay: 2 * time.Second, BackoffMultiplier: 2}
}

// Preset resolves a named profile; unknown names fall back to Default.
func Preset(name string) Config {
	switch name {
	case "no-retry":
		return NoRetry()
	case "network-storage":
		return NetworkStorage()
	case "high-contention":
		return HighContention()
	default:
		return Default()
	}
}

// Policy executes operations under one Config.
type Policy struct {
	cfg Config
}

// New builds a policy. The zero Config disables retry entirely.
func New(cfg Config) *Policy { return &Policy{cfg: cfg} }

// Config returns the policy's configuration.
func (p *Policy) Config() Config { return p.cfg }

func (p *Policy) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialDelay
	bo.MaxInterval = p.cfg.MaxDelay
	bo.Multiplier = p.cfg.BackoffMultiplier
	// Bounded jitter; the classifier already guarantees the fault is
	// plausibly short-lived.
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0
	return bo
}

// Do runs op, retrying transient failures until the attempt budget runs out.
// Non-transient errors and context cancellation propagate immediately.
func (p *Policy) Do(ctx context.Context, name string, op func() error) error {
	if !p.cfg.Enabled || p.cfg.MaxAttempts <= 0 {
		return op()
	}

	attempt := 0
	bo := backoff.WithMaxRetries(p.newBackoff(), uint64(p.cfg.MaxAttempts))
	err := backoff.Retry(func() error {
		attempt++
		err := op()
		switch {
		case err == nil:
			if attempt > 1 {
				debug.Logf("retry: %s succeeded on attempt %d", name, attempt)
			}
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case Transient(err):
			debug.Logf("retry: %s attempt %d failed transiently: %v", name, attempt, err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(bo, ctx))
	if err != nil && attempt > 1 {
		debug.Logf("retry: %s gave up after %d attempts: %v", name, attempt, err)
	}
	return err
}

// transientFragments are matched case-insensitively against error text. They
// cover the SQLite BUSY/LOCKED/IOERR/CANTOPEN family and the host-level
// faults seen on cluster-shared volumes.
var transientFragments = []string{
	"database is locked",
	"database table is locked",
	"unable to open database",
	"disk i/o error",
	"connection was closed",
	"connection was lost",
	"sqlite_busy",
	"sqlite_locked",
	"sqlite_ioerr",
	"sqlite_cantopen",
	"i/o timeout",
}

// Transient classifies an error as retryable. Context cancellation is never
// transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
