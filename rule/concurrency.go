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
	"guardrail/storage"
)

// defaultSlotTTL reclaims slots whose requests never released, so a crashed
// caller cannot permanently occupy capacity.
const defaultSlotTTL = 60 * time.Second

// Concurrency admits at most Max in-flight requests per key. Each admitted
// request occupies a TTL'd slot tagged with the decision ID; the engine
// releases it when the request finishes.
type Concurrency struct {
	Max int64
	By  []string
	// SlotTTL bounds a slot's life when release never happens. Default 60s.
	SlotTTL  time.Duration
	RuleMode Mode
}

// Kind implements Rule.
func (r *Concurrency) Kind() Kind { return KindConcurrency }

// Mode implements Rule.
func (r *Concurrency) Mode() Mode {
	if r.RuleMode == "" {
		return Live
	}
	return r.RuleMode
}

// Validate implements Rule.
func (r *Concurrency) Validate() error {
	if r.Max <= 0 {
		return ErrConfig.New("concurrency max must be positive, got %d", r.Max)
	}
	if r.SlotTTL < 0 {
		return ErrConfig.New("concurrency slotTTL must not be negative")
	}
	if r.RuleMode != "" && r.RuleMode != Live && r.RuleMode != DryRun {
		return ErrConfig.New("concurrency mode %q", r.RuleMode)
	}
	return nil
}

func (r *Concurrency) slotTTL() time.Duration {
	if r.SlotTTL > 0 {
		return r.SlotTTL
	}
	return defaultSlotTTL
}

func (r *Concurrency) key(deps Deps, rctx *Context) (string, error) {
	fp, err := fingerprint.Build(byOrDefault(r.By), rctx.Characteristics)
	if err != nil {
		return "", err
	}
	return storage.Key(deps.Prefix, "concurrent", fp), nil
}

// Evaluate implements Rule.
func (r *Concurrency) Evaluate(ctx context.Context, deps Deps, rctx *Context) (Result, error) {
	key, err := r.key(deps, rctx)
	if err != nil {
		return Result{}, ErrEvaluation.Wrap(err)
	}

	var res storage.Result
	if atomic, ok := deps.Store.(storage.AtomicStore); ok {
		res, err = atomic.AcquireConcurrency(ctx, key, r.Max, rctx.RequestID, r.slotTTL())
	} else {
		res, err = r.genericAcquire(ctx, deps, key, rctx.RequestID)
	}
	if err != nil {
		return Result{}, ErrEvaluation.Wrap(err)
	}

	out := Result{
		Kind:       KindConcurrency,
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

// Release implements Releaser. Safe to call for requests that were denied a
// slot; releasing an absent ID is a no-op.
func (r *Concurrency) Release(ctx context.Context, deps Deps, rctx *Context) error {
	key, err := r.key(deps, rctx)
	if err != nil {
		return ErrEvaluation.Wrap(err)
	}
	if atomic, ok := deps.Store.(storage.AtomicStore); ok {
		return atomic.ReleaseConcurrency(ctx, key, rctx.RequestID)
	}
	return r.genericRelease(ctx, deps, key, rctx.RequestID)
}

// slotMap is the generic back-end blob: request ID to slot expiry (epoch-ms).
type slotMap map[string]int64

func (r *Concurrency) genericAcquire(ctx context.Context, deps Deps, key, requestID string) (storage.Result, error) {
	swapper, canCAS := deps.Store.(storage.CompareSwapper)
	ttl := r.slotTTL()

	for attempt := 0; attempt < casRetries; attempt++ {
		raw, found, err := deps.Store.Get(ctx, key)
		if err != nil {
			return storage.Result{}, err
		}
		now := deps.now()
		nowMS := now.UnixMilli()

		slots := decodeSlots(raw, found)
		for id, exp := range slots {
			if exp <= nowMS {
				delete(slots, id)
			}
		}

		resetAt := earliestExpiry(slots, nowMS+ttl.Milliseconds())
		if int64(len(slots)) >= r.Max {
			return storage.Result{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
		}
		slots[requestID] = nowMS + ttl.Milliseconds()
		next, err := json.Marshal(slots)
		if err != nil {
			return storage.Result{}, err
		}

		ok := true
		if canCAS {
			ok, err = swapper.CompareAndSwap(ctx, key, raw, string(next), ttl*2)
		} else {
			err = deps.Store.Set(ctx, key, string(next), ttl*2)
		}
		if err != nil {
			return storage.Result{}, err
		}
		if ok {
			return storage.Result{
				Allowed:   true,
				Remaining: r.Max - int64(len(slots)),
				ResetAt:   resetAt,
			}, nil
		}
	}
	// Retry ceiling: refuse the slot rather than risk exceeding max, since
	// concurrency slots persist past this call.
	return storage.Result{Allowed: false, Remaining: 0, ResetAt: deps.now().Add(ttl).UnixMilli()}, nil
}

func (r *Concurrency) genericRelease(ctx context.Context, deps Deps, key, requestID string) error {
	swapper, canCAS := deps.Store.(storage.CompareSwapper)

	for attempt := 0; attempt < casRetries; attempt++ {
		raw, found, err := deps.Store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		slots := decodeSlots(raw, found)
		if _, ok := slots[requestID]; !ok {
			return nil
		}
		delete(slots, requestID)
		next, err := json.Marshal(slots)
		if err != nil {
			return err
		}
		ok := true
		if canCAS {
			ok, err = swapper.CompareAndSwap(ctx, key, raw, string(next), r.slotTTL()*2)
		} else {
			err = deps.Store.Set(ctx, key, string(next), r.slotTTL()*2)
		}
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	// Abandoned on contention; the slot TTL reclaims it.
	return nil
}

func decodeSlots(raw string, found bool) slotMap {
	if !found || raw == "" || len(raw) > maxStateSize {
		return slotMap{}
	}
	var slots slotMap
	if err := json.Unmarshal([]byte(raw), &slots); err != nil {
		return slotMap{}
	}
	return slots
}

func earliestExpiry(slots slotMap, def int64) int64 {
	earliest := int64(0)
	for _, exp := range slots {
		if earliest == 0 || exp < earliest {
			earliest = exp
		}
	}
	if earliest == 0 {
		return def
	}
	return earliest
}
