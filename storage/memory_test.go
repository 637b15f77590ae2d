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

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"guardrail/internal/clock"
)

func newTestMemory(t *testing.T) (*Memory, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Unix(1_700_000_000, 0))
	m := NewMemory(MemoryOptions{Capacity: 8, DefaultTTL: time.Hour, Clock: mock})
	t.Cleanup(m.Close)
	return m, mock
}

func TestMemoryGetSetDelete(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	if _, ok, err := m.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := m.Set(ctx, "k", "v", 0); err != nil {
		t.Fatal(err)
	}
	v, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("got %q ok=%v err=%v", v, ok, err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
	// Deleting an absent key is fine.
	if err := m.Delete(ctx, "absent"); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m, mock := newTestMemory(t)
	ctx := context.Background()

	if err := m.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatal(err)
	}
	mock.Advance(59 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("expired too early")
	}
	mock.Advance(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("should have expired")
	}
}

func TestMemorySweepRemovesExpired(t *testing.T) {
	m, mock := newTestMemory(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = m.Set(ctx, fmt.Sprintf("k%d", i), "v", time.Minute)
	}
	mock.Advance(2 * time.Minute)
	m.sweep()
	if got := m.Len(); got != 0 {
		t.Fatalf("sweep left %d entries", got)
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_ = m.Set(ctx, fmt.Sprintf("k%d", i), "v", 0)
	}
	// Touch k0 so it is most recent; inserting a 9th key must evict k1.
	if _, ok, _ := m.Get(ctx, "k0"); !ok {
		t.Fatal("k0 missing")
	}
	_ = m.Set(ctx, "k8", "v", 0)
	if _, ok, _ := m.Get(ctx, "k0"); !ok {
		t.Fatal("k0 evicted despite recent touch")
	}
	if _, ok, _ := m.Get(ctx, "k1"); ok {
		t.Fatal("k1 should have been evicted")
	}
}

func TestMemoryIncrement(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()
	v, err := m.Increment(ctx, "c", 2)
	if err != nil || v != 2 {
		t.Fatalf("got %d err=%v", v, err)
	}
	v, err = m.Increment(ctx, "c", 3)
	if err != nil || v != 5 {
		t.Fatalf("got %d err=%v", v, err)
	}
	// Corrupt value resets instead of erroring.
	_ = m.Set(ctx, "c", "not-a-number", 0)
	v, err = m.Increment(ctx, "c", 1)
	if err != nil || v != 1 {
		t.Fatalf("got %d err=%v", v, err)
	}
}

func TestMemoryCompareAndSwap(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	// prev=="" requires absence.
	ok, err := m.CompareAndSwap(ctx, "k", "", "v1", 0)
	if err != nil || !ok {
		t.Fatalf("initial CAS failed: ok=%v err=%v", ok, err)
	}
	ok, _ = m.CompareAndSwap(ctx, "k", "", "v2", 0)
	if ok {
		t.Fatal("CAS with empty prev must fail on existing key")
	}
	ok, _ = m.CompareAndSwap(ctx, "k", "wrong", "v2", 0)
	if ok {
		t.Fatal("CAS with mismatched prev must fail")
	}
	ok, _ = m.CompareAndSwap(ctx, "k", "v1", "v2", 0)
	if !ok {
		t.Fatal("CAS with matching prev must succeed")
	}
	v, _, _ := m.Get(ctx, "k")
	if v != "v2" {
		t.Fatalf("got %q", v)
	}
}

func TestMemoryContextCancelled(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := m.Get(ctx, "k"); !Error.Has(err) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestKeyHelpers(t *testing.T) {
	if err := ValidatePrefix("guardrail:"); err != nil {
		t.Fatal(err)
	}
	if err := ValidatePrefix("bad prefix!"); err == nil {
		t.Fatal("expected invalid prefix")
	}
	if err := ValidatePrefix(""); err == nil {
		t.Fatal("expected invalid empty prefix")
	}
	got := Key("guardrail:", "sliding-window", "1m", "ip.src:10.0.0.1|userId:u1")
	want := "guardrail:sliding-window:1m:ip.src:10.0.0.1|userId:u1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if s := SanitizeComponent("a b\nc"); s != "a_b_c" {
		t.Fatalf("got %q", s)
	}
}
