// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package registry

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eafonin/nessus-orchestrator/internal/pkg/logger"
	"github.com/eafonin/nessus-orchestrator/internal/types"
)

// Breaker defaults per instance.
const (
	DefaultFailureThreshold = 5
	DefaultCooldownSeconds  = 300
	DefaultSuccessThreshold = 2
)

// Breaker is a per-instance three-state failure guard. It wraps a two-step
// gobreaker so the worker can ask for admission before a scan and report the
// outcome hours later: closed admits everything, open rejects until the
// cooldown elapses, half-open admits a limited probe and closes again after
// the configured number of consecutive successes.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker

	mu          sync.Mutex
	lastFailure time.Time
}

func newBreaker(name string, cfg types.BreakerConfig, log logger.Logger) *Breaker {
	failures := cfg.FailureThreshold
	if failures <= 0 {
		failures = DefaultFailureThreshold
	}
	cooldown := cfg.CooldownSeconds
	if cooldown <= 0 {
		cooldown = DefaultCooldownSeconds
	}
	successes := cfg.SuccessThreshold
	if successes <= 0 {
		successes = DefaultSuccessThreshold
	}

	b := &Breaker{}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(successes),
		Timeout:     time.Duration(cooldown) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return b
}

// Allow asks for admission. On success it returns a done callback the caller
// must invoke exactly once with the scan outcome; on rejection it returns an
// error and the instance must not be used.
func (b *Breaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, err
	}
	return func(success bool) {
		if !success {
			b.mu.Lock()
			b.lastFailure = time.Now()
			b.mu.Unlock()
		}
		done(success)
	}, nil
}

// State returns the current breaker state as "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Open reports whether the breaker currently rejects admissions.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// LastFailure returns the time of the most recent reported failure, zero if
// none has been reported yet.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}
