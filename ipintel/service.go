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

package ipintel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"guardrail/circuit"
	"guardrail/internal/clock"
	"guardrail/storage"
)

const (
	defaultCacheTTL       = 24 * time.Hour
	defaultCacheCapacity  = 10000
	defaultOverallBudget  = 15 * time.Second
	defaultProviderBudget = 10 * time.Second

	healthWindow          = 5 * time.Minute
	healthFailureTrip     = 3
	healthFailureCap      = 10
	healthSuccessRecover  = 2
	backoffBase           = 100 * time.Millisecond
	backoffCap            = 2 * time.Second
)

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	// CacheTTL bounds both cache layers. Default 24h.
	CacheTTL time.Duration
	// CacheCapacity is the local LRU size. Default 10000.
	CacheCapacity int
	// OverallBudget bounds one Lookup across all providers. Default 15s.
	OverallBudget time.Duration
	// PerProviderTimeout bounds a single provider attempt; the effective
	// deadline is the smaller of this and the remaining budget. Default 10s.
	PerProviderTimeout time.Duration
	// Distributed, when set, adds a shared cache layer between the local
	// LRU and the provider chain.
	Distributed storage.Store
	// KeyPrefix namespaces distributed cache keys. Default storage.DefaultPrefix.
	KeyPrefix string
	// Breaker configures the per-provider circuit breakers.
	Breaker circuit.Options
	// OnCacheHit and OnCacheMiss, when set, are invoked with the layer
	// name ("local" or "distributed") for metrics.
	OnCacheHit  func(layer string)
	OnCacheMiss func(layer string)
	// Clock is injectable for tests.
	Clock clock.Clock
}

// providerState tracks one provider's recent failures. Unhealthy providers
// are skipped unless every provider is unhealthy, in which case the chain
// runs anyway rather than giving up without trying.
type providerState struct {
	provider Provider
	breaker  *circuit.Breaker

	mu        sync.Mutex
	failures  []time.Time
	successes int
	unhealthy bool
}

// Service resolves IPs through a local LRU, an optional distributed cache,
// and a prioritized provider chain. Every result passes through the
// classifier before being cached or returned.
type Service struct {
	log        *zap.Logger
	chain      []*providerState
	local      *lruCache
	classifier *Classifier
	clk        clock.Clock
	opts       Options

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService builds the lookup service. Providers are consulted in the order
// given; earlier entries have priority.
func NewService(log *zap.Logger, providers []Provider, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = defaultCacheCapacity
	}
	if opts.OverallBudget <= 0 {
		opts.OverallBudget = defaultOverallBudget
	}
	if opts.PerProviderTimeout <= 0 {
		opts.PerProviderTimeout = defaultProviderBudget
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = storage.DefaultPrefix
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Breaker.Clock == nil {
		opts.Breaker.Clock = opts.Clock
	}

	s := &Service{
		log:        log,
		local:      newLRUCache(opts.CacheCapacity, opts.CacheTTL, opts.Clock),
		classifier: NewClassifier(),
		clk:        opts.Clock,
		opts:       opts,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	for _, p := range providers {
		s.chain = append(s.chain, &providerState{
			provider: p,
			breaker:  circuit.New(p.Name(), opts.Breaker),
		})
	}
	return s
}

// OnCache registers the cache observation hooks, replacing any set through
// Options. Call before the service starts taking lookups; the hooks are
// read without locking.
func (s *Service) OnCache(hit, miss func(layer string)) {
	s.opts.OnCacheHit = hit
	s.opts.OnCacheMiss = miss
}

// Breakers exposes the per-provider circuit breakers so callers can attach
// state-change hooks for metrics.
func (s *Service) Breakers() []*circuit.Breaker {
	out := make([]*circuit.Breaker, len(s.chain))
	for i, ps := range s.chain {
		out[i] = ps.breaker
	}
	return out
}

// Lookup resolves ip. Non-lookupable addresses and total provider failure
// both yield an IPInfo carrying only the address; the error, when non-nil,
// is advisory and never fatal to a decision.
func (s *Service) Lookup(ctx context.Context, ip string) (IPInfo, error) {
	if !IsLookupable(ip) {
		return IPInfo{IP: ip}, nil
	}

	info, hit, err := s.local.get(ip, func() (IPInfo, error) {
		return s.load(ctx, ip)
	})
	if err != nil {
		return IPInfo{IP: ip}, err
	}
	if hit && s.opts.OnCacheHit != nil {
		s.opts.OnCacheHit("local")
	}
	return info, nil
}

// load runs on a local cache miss: distributed cache first, then the
// provider chain.
func (s *Service) load(ctx context.Context, ip string) (IPInfo, error) {
	if s.opts.OnCacheMiss != nil {
		s.opts.OnCacheMiss("local")
	}

	if s.opts.Distributed != nil {
		key := storage.Key(s.opts.KeyPrefix, "ip-cache", ip)
		if raw, ok, err := s.opts.Distributed.Get(ctx, key); err != nil {
			s.log.Warn("ip cache read failed", zap.String("ip", ip), zap.Error(err))
		} else if ok {
			if info, err := decodeInfo(raw); err == nil {
				if s.opts.OnCacheHit != nil {
					s.opts.OnCacheHit("distributed")
				}
				return info, nil
			}
			// Corrupt entry: fall through to the providers and overwrite.
		}
		if s.opts.OnCacheMiss != nil {
			s.opts.OnCacheMiss("distributed")
		}
	}

	info, err := s.fetch(ctx, ip)
	if err != nil {
		return IPInfo{}, err
	}

	if s.opts.Distributed != nil {
		key := storage.Key(s.opts.KeyPrefix, "ip-cache", ip)
		if raw, err := encodeInfo(info); err == nil {
			if err := s.opts.Distributed.Set(ctx, key, raw, s.opts.CacheTTL); err != nil {
				s.log.Warn("ip cache write failed", zap.String("ip", ip), zap.Error(err))
			}
		}
	}
	return info, nil
}

// fetch walks the provider chain under the overall budget. Attempt i waits
// backoffBase*2^i (capped) before running, except the first.
func (s *Service) fetch(ctx context.Context, ip string) (IPInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OverallBudget)
	defer cancel()

	candidates := s.candidates()
	if len(candidates) == 0 {
		return IPInfo{}, Error.New("no providers configured")
	}

	var lastErr error
	for i, ps := range candidates {
		if i > 0 {
			backoff := backoffBase << (i - 1)
			if backoff > backoffCap {
				backoff = backoffCap
			}
			if err := s.sleep(ctx, backoff); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		var info IPInfo
		err := ps.breaker.Execute(ctx, func(ctx context.Context) error {
			actx, acancel := context.WithTimeout(ctx, s.opts.PerProviderTimeout)
			defer acancel()
			var lerr error
			info, lerr = ps.provider.Lookup(actx, ip)
			return lerr
		})
		if err != nil {
			s.recordFailure(ps)
			s.log.Debug("ip provider failed",
				zap.String("provider", ps.provider.Name()),
				zap.String("ip", ip),
				zap.Error(err))
			lastErr = err
			continue
		}
		s.recordSuccess(ps)
		return s.classifier.Classify(info), nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return IPInfo{}, Error.New("all providers failed for %s: %v", ip, lastErr)
}

// candidates returns healthy providers in priority order. When none are
// healthy the full chain is returned so the lookup still gets a chance.
func (s *Service) candidates() []*providerState {
	healthy := make([]*providerState, 0, len(s.chain))
	for _, ps := range s.chain {
		ps.mu.Lock()
		ok := !ps.unhealthy
		ps.mu.Unlock()
		if ok {
			healthy = append(healthy, ps)
		}
	}
	if len(healthy) == 0 {
		return s.chain
	}
	return healthy
}

func (s *Service) recordFailure(ps *providerState) {
	now := s.clk.Now()
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.successes = 0
	cutoff := now.Add(-healthWindow)
	kept := ps.failures[:0]
	for _, t := range ps.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ps.failures = append(kept, now)
	if len(ps.failures) > healthFailureCap {
		ps.failures = ps.failures[len(ps.failures)-healthFailureCap:]
	}
	if len(ps.failures) >= healthFailureTrip && !ps.unhealthy {
		ps.unhealthy = true
		s.log.Warn("ip provider marked unhealthy",
			zap.String("provider", ps.provider.Name()),
			zap.Int("recentFailures", len(ps.failures)))
	}
}

func (s *Service) recordSuccess(ps *providerState) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.successes++
	if ps.unhealthy && ps.successes >= healthSuccessRecover {
		ps.unhealthy = false
		ps.failures = ps.failures[:0]
		s.log.Info("ip provider recovered",
			zap.String("provider", ps.provider.Name()))
	}
}
