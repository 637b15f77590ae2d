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
	"time"

	"guardrail/internal/dynval"
	"guardrail/internal/fingerprint"
	"guardrail/internal/interval"
	"guardrail/storage"
)

// TokenBucket admits requests costing RequestedTokens each, refilling
// RefillRate tokens per Interval up to Capacity. Refill is discrete: a
// fraction of an interval refills nothing.
type TokenBucket struct {
	Interval   string
	Capacity   dynval.Int
	RefillRate int64
	By         []string
	RuleMode   Mode

	// DefaultCapacity backs dynamic Capacity when resolution fails.
	// Defaults to RefillRate when zero.
	DefaultCapacity int64

	window time.Duration
}

// Kind implements Rule.
func (r *TokenBucket) Kind() Kind { return KindTokenBucket }

// Mode implements Rule.
func (r *TokenBucket) Mode() Mode {
	if r.RuleMode == "" {
		return Live
	}
	return r.RuleMode
}

// Validate implements Rule.
func (r *TokenBucket) Validate() error {
	w, err := interval.Parse(r.Interval)
	if err != nil {
		return ErrConfig.New("tokenBucket interval: %v", err)
	}
	r.window = w
	if r.Capacity.IsZero() {
		return ErrConfig.New("tokenBucket capacity is required")
	}
	if r.RefillRate <= 0 {
		return ErrConfig.New("tokenBucket refillRate must be positive, got %d", r.RefillRate)
	}
	if r.RuleMode != "" && r.RuleMode != Live && r.RuleMode != DryRun {
		return ErrConfig.New("tokenBucket mode %q", r.RuleMode)
	}
	return nil
}

// Evaluate implements Rule.
func (r *TokenBucket) Evaluate(ctx context.Context, deps Deps, rctx *Context) (Result, error) {
	fp, err := fingerprint.Build(byOrDefault(r.By), rctx.Characteristics)
	if err != nil {
		return Result{}, ErrEvaluation.Wrap(err)
	}

	capacity := r.Capacity.Resolve(ctx, rctx.DynBag(), r.defaultCapacity())
	if capacity <= 0 {
		capacity = r.defaultCapacity()
	}
	requested := rctx.RequestedTokens()

	// Dynamic capacities get a discriminator so two rules resolving
	// different paths do not share a bucket.
	parts := []string{r.Interval}
	if r.Capacity.IsPath() {
		parts = append(parts, r.Capacity.PathDiscriminator())
	}
	parts = append(parts, fp)
	key := storage.Key(deps.Prefix, "token-bucket", parts...)

	var res storage.Result
	if atomic, ok := deps.Store.(storage.AtomicStore); ok {
		res, err = atomic.TokenBucket(ctx, key, capacity, r.RefillRate, r.window, requested)
	} else {
		res, err = r.genericEvaluate(ctx, deps, key, capacity, requested)
	}
	if err != nil {
		return Result{}, ErrEvaluation.Wrap(err)
	}

	out := Result{
		Kind:       KindTokenBucket,
		Conclusion: Allow,
		HasLimit:   true,
		Limit:      capacity,
		Remaining:  res.Remaining,
		ResetAt:    res.ResetAt,
	}
	if !res.Allowed {
		out.Conclusion = Deny
		out.Reason = ReasonQuota
	}
	return finish(out, r.Mode()), nil
}

func (r *TokenBucket) defaultCapacity() int64 {
	if r.DefaultCapacity > 0 {
		return r.DefaultCapacity
	}
	return r.RefillRate
}

// bucketState is the generic back-end blob.
type bucketState struct {
	Tokens     int64 `json:"tokens"`
	LastRefill int64 `json:"lastRefill"` // epoch-ms
}

func (r *TokenBucket) genericEvaluate(ctx context.Context, deps Deps, key string, capacity, requested int64) (storage.Result, error) {
	swapper, canCAS := deps.Store.(storage.CompareSwapper)
	ttl := 10 * r.window

	var last bucketState
	for attempt := 0; attempt < casRetries; attempt++ {
		raw, found, err := deps.Store.Get(ctx, key)
		if err != nil {
			return storage.Result{}, err
		}
		nowMS := deps.now().UnixMilli()

		state := bucketState{Tokens: capacity, LastRefill: nowMS}
		if found && raw != "" && len(raw) <= maxStateSize {
			var parsed bucketState
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil && parsed.LastRefill > 0 {
				state = parsed
			}
		}
		refill(&state, nowMS, capacity, r.RefillRate, r.window)
		last = state

		if state.Tokens < requested {
			// Deny without writing.
			return storage.Result{
				Allowed:   false,
				Remaining: state.Tokens,
				ResetAt:   bucketResetAt(state, capacity, r.RefillRate, r.window),
			}, nil
		}
		state.Tokens -= requested
		next, err := json.Marshal(state)
		if err != nil {
			return storage.Result{}, err
		}

		ok := true
		if canCAS {
			ok, err = swapper.CompareAndSwap(ctx, key, raw, string(next), ttl)
		} else {
			err = deps.Store.Set(ctx, key, string(next), ttl)
		}
		if err != nil {
			return storage.Result{}, err
		}
		if ok {
			return storage.Result{
				Allowed:   true,
				Remaining: state.Tokens,
				ResetAt:   bucketResetAt(state, capacity, r.RefillRate, r.window),
			}, nil
		}
	}

	// Retry ceiling: answer from the last-read state without writing.
	allowed := last.Tokens >= requested
	remaining := last.Tokens
	if allowed {
		remaining -= requested
	}
	return storage.Result{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   bucketResetAt(last, capacity, r.RefillRate, r.window),
	}, nil
}

// refill applies the discrete refill rule, preserving phase: lastRefill
// advances by whole intervals only.
func refill(s *bucketState, nowMS, capacity, rate int64, window time.Duration) {
	intervalMS := window.Milliseconds()
	if intervalMS <= 0 || nowMS <= s.LastRefill {
		return
	}
	k := (nowMS - s.LastRefill) / intervalMS
	if k <= 0 {
		return
	}
	s.Tokens += k * rate
	if s.Tokens > capacity {
		s.Tokens = capacity
	}
	s.LastRefill += k * intervalMS
}

// bucketResetAt is when the bucket is full again.
func bucketResetAt(s bucketState, capacity, rate int64, window time.Duration) int64 {
	missing := capacity - s.Tokens
	if missing <= 0 {
		return s.LastRefill
	}
	cycles := (missing + rate - 1) / rate
	return s.LastRefill + cycles*window.Milliseconds()
}
