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

package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"guardrail/internal/clock"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T) (*Breaker, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Unix(1_700_000_000, 0))
	b := New("dep", Options{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Window:           time.Minute,
		ResetTimeout:     30 * time.Second,
		Clock:            mock,
	})
	return b, mock
}

func fail(ctx context.Context) error { return errBoom }
func ok(ctx context.Context) error   { return nil }

func TestClosedToOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("expected underlying error, got %v", err)
		}
		if b.State() != Closed {
			t.Fatalf("still below threshold, state=%v", b.State())
		}
	}
	_ = b.Execute(ctx, fail)
	if b.State() != Open {
		t.Fatalf("expected OPEN after threshold, got %v", b.State())
	}
	// Open breaker rejects without calling the function.
	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !ErrOpen.Has(err) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("protected function must not run while open")
	}
}

func TestWindowExpiryForgetsFailures(t *testing.T) {
	b, mock := newTestBreaker(t)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	mock.Advance(2 * time.Minute)
	// Old failures fell out of the window, so this one does not trip it.
	_ = b.Execute(ctx, fail)
	if b.State() != Closed {
		t.Fatalf("expected CLOSED, got %v", b.State())
	}
}

func TestHalfOpenToClosed(t *testing.T) {
	b, mock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	mock.Advance(31 * time.Second)
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN after reset timeout, got %v", b.State())
	}
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("one success is below the threshold, got %v", b.State())
	}
	if err := b.Execute(ctx, ok); err != nil {
		t.Fatal(err)
	}
	if b.State() != Closed {
		t.Fatalf("expected CLOSED after success threshold, got %v", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, mock := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	mock.Advance(31 * time.Second)
	_ = b.Execute(ctx, ok)
	_ = b.Execute(ctx, fail)
	if b.State() != Open {
		t.Fatalf("expected OPEN after half-open failure, got %v", b.State())
	}
	// The success counter must have been cleared: after another reset
	// period a single success is not enough to close.
	mock.Advance(31 * time.Second)
	_ = b.Execute(ctx, ok)
	if b.State() != HalfOpen {
		t.Fatalf("expected HALF_OPEN, got %v", b.State())
	}
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	mock := clock.NewMock(time.Unix(1_700_000_000, 0))
	b := New("slow", Options{
		FailureThreshold: 1,
		CallTimeout:      10 * time.Millisecond,
		Clock:            mock,
	})
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if b.State() != Open {
		t.Fatalf("deadline expiry must count as failure, got %v", b.State())
	}
}

func TestStateChangeHook(t *testing.T) {
	b, mock := newTestBreaker(t)
	ctx := context.Background()
	var seen []State
	b.OnStateChange(func(name string, s State) { seen = append(seen, s) })

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	mock.Advance(31 * time.Second)
	_ = b.Execute(ctx, ok)
	_ = b.Execute(ctx, ok)

	want := []State{Open, HalfOpen, Closed}
	if len(seen) != len(want) {
		t.Fatalf("transitions %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions %v, want %v", seen, want)
		}
	}
}
