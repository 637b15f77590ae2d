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

package rule

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"guardrail/internal/fingerprint"
	"guardrail/internal/interval"
	"guardrail/storage"
)

// casRetries bounds the optimistic write loop on generic back ends.
const casRetries = 5

// maxStateSize bounds a stored rate-limit blob; anything larger is treated
// as corrupt and reset.
const maxStateSize = 64 * 1024

// SlidingWindow admits up to Max events per rolling Interval, keyed by the
// fingerprint of By.
type SlidingWindow struct {
	// Interval is a window literal ("10s", "1m", "1h", "1d", bare seconds).
	Interval string
	Max      int64
	By       []string
	// RuleMode defaults to LIVE.
	RuleMode Mode

	window time.Duration
}

// Kind implements Rule.
func (r *SlidingWindow) Kind() Kind { return KindSlidingWindow }

// Mode implements Rule.
func (r *SlidingWindow) Mode() Mode {
	if r.RuleMode == "" {
		return Live
	}
	return r.RuleMode
}

// Validate implements Rule.
func (r *SlidingWindow) Validate() error {
	w, err := interval.Parse(r.Interval)
	if err != nil {
		return ErrConfig.New("slidingWindow interval: %v", err)
	}
	r.window = w
	if r.Max <= 0 {
		return ErrConfig.New("slidingWindow max must be positive, got %d", r.Max)
	}
	if r.RuleMode != "" && r.RuleMode != Live && r.RuleMode != DryRun {
		return ErrConfig.New("slidingWindow mode %q", r.RuleMode)
	}
	return nil
}

// Evaluate implements Rule. Atomic back ends run the whole admission as one
// server-side operation; otherwise a bucketed CAS loop approximates it.
func (r *SlidingWindow) Evaluate(ctx context.Context, deps Deps, rctx *Context) (Result, error) {
	fp, err := fingerprint.Build(byOrDefault(r.By), rctx.Characteristics)
	if err != nil {
		return Result{}, ErrEvaluation.Wrap(err)
	}
	key := storage.Key(deps.Prefix, "sliding-window", r.Interval, fp)

	var res storage.Result
	if atomic, ok := deps.Store.(storage.AtomicStore); ok {
		res, err = atomic.SlidingWindow(ctx, key, r.Max, r.window)
	} else {
		res, err = r.genericEvaluate(ctx, deps, key)
	}
	if err != nil {
		return Result{}, ErrEvaluation.Wrap(err)
	}
	return finish(r.toResult(res), r.Mode()), nil
}

func (r *SlidingWindow) toResult(res storage.Result) Result {
	out := Result{
		Kind:       KindSlidingWindow,
		Conclusion: Allow,
		HasLimit:   true,
		Limit:      r.Max,
		Remaining:  res.Remaining,
		ResetAt:    res.ResetAt,
	}
	if !res.Allowed {
		out.Conclusion = Deny
		out.Reason = ReasonRateLimit
	}
	return out
}

// windowState is the generic back-end blob: second-granularity buckets of
// start-ms to count.
type windowState map[string]int64

// genericEvaluate runs the optimistic read-modify-write loop. When the store
// cannot CAS at all, the last iteration falls back to a plain write.
func (r *SlidingWindow) genericEvaluate(ctx context.Context, deps Deps, key string) (storage.Result, error) {
	swapper, canCAS := deps.Store.(storage.CompareSwapper)

	var lastState windowState
	var lastNow time.Time
	for attempt := 0; attempt < casRetries; attempt++ {
		raw, found, err := deps.Store.Get(ctx, key)
		if err != nil {
			return storage.Result{}, err
		}
		now := deps.now()
		state := decodeWindowState(raw, found)
		lastState, lastNow = state, now

		count := gcWindow(state, now, r.window)
		if count >= r.Max {
			// Deny without writing: the denied request does not occupy
			// a slot.
			return r.denyResult(now), nil
		}

		bucket := strconv.FormatInt(now.Truncate(time.Second).UnixMilli(), 10)
		state[bucket]++
		next, err := json.Marshal(state)
		if err != nil {
			return storage.Result{}, err
		}

		if !canCAS {
			if err := deps.Store.Set(ctx, key, string(next), r.window*2); err != nil {
				return storage.Result{}, err
			}
			return r.allowResult(state, now, count), nil
		}
		swapped, err := swapper.CompareAndSwap(ctx, key, raw, string(next), r.window*2)
		if err != nil {
			return storage.Result{}, err
		}
		if swapped {
			return r.allowResult(state, now, count), nil
		}
	}

	// Retry ceiling hit: answer from the last-read state without writing.
	// Under heavy contention this may admit slightly past max; availability
	// wins over a strict bound here.
	count := gcWindow(lastState, lastNow, r.window)
	if count >= r.Max {
		return r.denyResult(lastNow), nil
	}
	return r.allowResult(lastState, lastNow, count-1), nil
}

func (r *SlidingWindow) allowResult(state windowState, now time.Time, priorCount int64) storage.Result {
	return storage.Result{
		Allowed:   true,
		Remaining: max64(r.Max-priorCount-1, 0),
		ResetAt:   windowResetAt(state, now, r.window),
	}
}

func (r *SlidingWindow) denyResult(now time.Time) storage.Result {
	return storage.Result{
		Allowed:   false,
		Remaining: 0,
		ResetAt:   now.Add(r.window).UnixMilli(),
	}
}

// decodeWindowState tolerates corruption by resetting: a broken blob should
// never wedge admission.
func decodeWindowState(raw string, found bool) windowState {
	if !found || raw == "" || len(raw) > maxStateSize {
		return windowState{}
	}
	var state windowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return windowState{}
	}
	return state
}

// gcWindow drops buckets older than the window and returns the surviving
// count.
func gcWindow(state windowState, now time.Time, window time.Duration) int64 {
	cutoff := now.Add(-window).UnixMilli()
	var count int64
	for bucket, n := range state {
		start, err := strconv.ParseInt(bucket, 10, 64)
		if err != nil || start < cutoff || n <= 0 {
			delete(state, bucket)
			continue
		}
		count += n
	}
	return count
}

// windowResetAt is oldest-bucket + window, or now + window for an empty
// window.
func windowResetAt(state windowState, now time.Time, window time.Duration) int64 {
	oldest := int64(0)
	for bucket := range state {
		start, err := strconv.ParseInt(bucket, 10, 64)
		if err != nil {
			continue
		}
		if oldest == 0 || start < oldest {
			oldest = start
		}
	}
	if oldest == 0 {
		return now.Add(window).UnixMilli()
	}
	return oldest + window.Milliseconds()
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
