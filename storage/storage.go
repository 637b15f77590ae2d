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

// Package storage defines the key-value contract shared by every rate-limit
// rule and provides the two production back ends: an in-process TTL LRU and
// a Redis adapter whose atomic primitives run as server-side Lua scripts.
package storage

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error wraps every storage failure. Callers translate it through the
// engine's errorHandling policy.
var Error = errs.Class("storage")

// Store is the minimal contract: string values with per-key TTL plus an
// atomic counter. TTLs are expressed as durations; adapters may floor to
// seconds.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key. A non-positive ttl means "backend
	// default", never "no expiry": rate-limit state must always age out.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Increment atomically adds n to the counter at key and returns the
	// new value. Absent keys count from zero.
	Increment(ctx context.Context, key string, n int64) (int64, error)
}

// Result is the outcome of an atomic rate-limit primitive.
type Result struct {
	Allowed   bool
	Remaining int64
	// ResetAt is the absolute epoch-ms when the window fully resets.
	ResetAt int64
}

// AtomicStore is implemented by back ends that can run a rate-limit
// read-modify-write in one round trip. Rules always prefer these primitives
// when the configured store advertises them.
type AtomicStore interface {
	Store

	TokenBucket(ctx context.Context, key string, capacity, refillRate int64, interval time.Duration, requested int64) (Result, error)
	SlidingWindow(ctx context.Context, key string, max int64, window time.Duration) (Result, error)
	FixedWindow(ctx context.Context, key string, max int64, window time.Duration) (Result, error)
	AcquireConcurrency(ctx context.Context, key string, max int64, requestID string, slotTTL time.Duration) (Result, error)
	ReleaseConcurrency(ctx context.Context, key string, requestID string) error
}

// CompareSwapper is implemented by back ends that support optimistic
// concurrency. Generic rate-limit fallbacks use it to write state only when
// the stored blob is byte-identical to what was read.
type CompareSwapper interface {
	// CompareAndSwap stores next under key iff the current value equals
	// prev; prev == "" requires the key to be absent. The return reports
	// whether the swap happened.
	CompareAndSwap(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error)
}
