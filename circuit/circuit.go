// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package circuit implements the breaker that wraps remote dependencies
// such as IP intelligence providers. One breaker guards one dependency; all
// state updates happen under a single mutex, so no broader locking is needed
// by callers.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"guardrail/internal/clock"
)

// ErrOpen is returned by Execute while the breaker is open. It behaves as
// the underlying dependency error for callers that only check failure.
var ErrOpen = errs.Class("circuit open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Options tunes a breaker. Zero values fall back to the defaults.
type Options struct {
	// FailureThreshold opens the breaker once this many failures land
	// within Window. Default 5.
	FailureThreshold int
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive probe successes. Default 2.
	SuccessThreshold int
	// Window is the sliding window failures are counted over. Default 1m.
	Window time.Duration
	// ResetTimeout is how long an open breaker waits after the last
	// failure before allowing a probe. Default 30s.
	ResetTimeout time.Duration
	// CallTimeout, when positive, bounds each protected call; expiry
	// counts as a failure.
	CallTimeout time.Duration
	// Clock is injectable for tests.
	Clock clock.Clock
}

// Breaker is a CLOSED/OPEN/HALF_OPEN state machine guarding one dependency.
type Breaker struct {
	name string
	opts Options

	mu                sync.Mutex
	state             State
	failures          []time.Time // within opts.Window
	halfOpenSuccesses int
	lastFailure       time.Time

	onStateChange func(name string, s State)
}

// New constructs a breaker named after the dependency it protects.
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 2
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Breaker{name: name, opts: opts, state: Closed}
}

// OnStateChange registers a hook invoked (outside the lock) whenever the
// observable state changes. Used to drive the circuit_breaker_state gauge.
func (b *Breaker) OnStateChange(fn func(name string, s State)) { b.onStateChange = fn }

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State reports the current state, accounting for reset-timeout promotion
// from OPEN to HALF_OPEN.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Execute runs fn under the breaker. When the breaker is open it rejects
// immediately without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen.New("%s", b.name)
	}

	var err error
	if b.opts.CallTimeout > 0 {
		// Race the call against a timer so a stuck dependency cannot
		// stall the caller past the deadline.
		cctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(cctx) }()
		select {
		case err = <-done:
		case <-cctx.Done():
			err = cctx.Err()
		}
	} else {
		err = fn(ctx)
	}
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow decides whether a call may proceed, promoting OPEN to HALF_OPEN
// after the reset timeout.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	prev := b.state
	s := b.currentState()
	b.state = s
	b.mu.Unlock()
	if prev != s {
		b.notify(s)
	}
	return s != Open
}

// currentState computes the observable state. Caller holds mu.
func (b *Breaker) currentState() State {
	if b.state == Open && b.opts.Clock.Now().Sub(b.lastFailure) >= b.opts.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	now := b.opts.Clock.Now()
	b.lastFailure = now

	var next State
	switch b.currentState() {
	case HalfOpen:
		// Any failure during probing reopens immediately.
		b.halfOpenSuccesses = 0
		b.failures = b.failures[:0]
		next = Open
	default:
		b.failures = append(b.failures, now)
		b.gcFailures(now)
		if len(b.failures) >= b.opts.FailureThreshold {
			next = Open
		} else {
			next = Closed
		}
	}
	changed := b.state != next
	b.state = next
	b.mu.Unlock()
	if changed {
		b.notify(next)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	var next State
	switch b.currentState() {
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.opts.SuccessThreshold {
			b.halfOpenSuccesses = 0
			b.failures = b.failures[:0]
			next = Closed
		} else {
			next = HalfOpen
		}
	default:
		next = b.state
	}
	changed := b.state != next
	b.state = next
	b.mu.Unlock()
	if changed {
		b.notify(next)
	}
}

// gcFailures drops failure timestamps older than the window. Caller holds mu.
func (b *Breaker) gcFailures(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) notify(s State) {
	if b.onStateChange != nil {
		b.onStateChange(b.name, s)
	}
}
