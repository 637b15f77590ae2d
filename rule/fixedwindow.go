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

	"guardrail/internal/fingerprint"
	"guardrail/internal/interval"
	"guardrail/storage"
)

// FixedWindow admits up to Max events per aligned Interval window. Cheaper
// than SlidingWindow and tolerant of the boundary burst that implies.
type FixedWindow struct {
	Interval string
	Max      int64
	By       []string
	RuleMode Mode

	window time.Duration
}

// Kind implements Rule.
func (r *FixedWindow) Kind() Kind { return KindFixedWindow }

// Mode implements Rule.
func (r *FixedWindow) Mode() Mode {
	if r.RuleMode == "" {
		return Live
	}
	return r.RuleMode
}

// Validate implements Rule.
func (r *FixedWindow) Validate() error {
	w, err := interval.Parse(r.Interval)
	if err != nil {
		return ErrConfig.New("fixedWindow interval: %v", err)
	}
	r.window = w
	if r.Max <= 0 {
		return ErrConfig.New("fixedWindow max must be positive, got %d", r.Max)
	}
	if r.RuleMode != "" && r.RuleMode != Live && r.RuleMode != DryRun {
		return ErrConfig.New("fixedWindow mode %q", r.RuleMode)
	}
	return nil
}

// Evaluate implements Rule.
func (r *FixedWindow) Evaluate(ctx context.Context, deps Deps, rctx *Context) (Result, error) {
	fp, err := fingerprint.Build(byOrDefault(r.By), rctx.Characteristics)
	if err != nil {
		return Result{}, ErrEvaluation.Wrap(err)
	}
	key := storage.Key(deps.Prefix, "fixed-window", r.Interval, fp)

	var res storage.Result
	if atomic, ok := deps.Store.(storage.AtomicStore); ok {
		res, err = atomic.FixedWindow(ctx, key, r.Max, r.window)
	} else {
		res, err = r.genericEvaluate(ctx, deps, key)
	}
	if err != nil {
		return Result{}, ErrEvaluation.Wrap(err)
	}

	out := Result{
		Kind:       KindFixedWindow,
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
	return finish(out, r.Mode()), nil
}

// fixedState is the generic back-end blob for one aligned window.
type fixedState struct {
	Start int64 `json:"start"` // epoch-ms, aligned to the window
	Count int64 `json:"count"`
}

func (r *FixedWindow) genericEvaluate(ctx context.Context, deps Deps, key string) (storage.Result, error) {
	swapper, canCAS := deps.Store.(storage.CompareSwapper)
	intervalMS := r.window.Milliseconds()

	var last fixedState
	for attempt := 0; attempt < casRetries; attempt++ {
		raw, found, err := deps.Store.Get(ctx, key)
		if err != nil {
			return storage.Result{}, err
		}
		nowMS := deps.now().UnixMilli()
		start := nowMS - nowMS%intervalMS

		state := fixedState{Start: start}
		if found && raw != "" && len(raw) <= maxStateSize {
			var parsed fixedState
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil && parsed.Start == start {
				state = parsed
			}
		}
		last = state
		resetAt := start + intervalMS

		if state.Count >= r.Max {
			return storage.Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
		}
		state.Count++
		next, err := json.Marshal(state)
		if err != nil {
			return storage.Result{}, err
		}

		ok := true
		if canCAS {
			ok, err = swapper.CompareAndSwap(ctx, key, raw, string(next), r.window*2)
		} else {
			err = deps.Store.Set(ctx, key, string(next), r.window*2)
		}
		if err != nil {
			return storage.Result{}, err
		}
		if ok {
			return storage.Result{
				Allowed:   true,
				Remaining: r.Max - state.Count,
				ResetAt:   resetAt,
			}, nil
		}
	}

	resetAt := last.Start + intervalMS
	if last.Count >= r.Max {
		return storage.Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	return storage.Result{
		Allowed:   true,
		Remaining: max64(r.Max-last.Count-1, 0),
		ResetAt:   resetAt,
	}, nil
}
