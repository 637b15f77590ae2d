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
	"strconv"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"guardrail/internal/clock"
)

const (
	// clockSyncInterval is how often we resample the Redis server clock.
	clockSyncInterval = 60 * time.Second

	// clockSkewTolerance is the offset beyond which we trust the server
	// clock over the local one for timestamps passed into scripts.
	clockSkewTolerance = 100 * time.Millisecond

	// timeBackoffCap bounds the retry backoff after TIME failures.
	timeBackoffCap = 60 * time.Second
)

// RedisOptions configures the distributed back end.
type RedisOptions struct {
	// TimeLogCadence rate-limits clock-sync failure logging. Zero means
	// one line per minute.
	TimeLogCadence time.Duration
	// DisableClockSync skips server TIME sampling. Only set this when the
	// deployment guarantees NTP alignment between clients and the server.
	DisableClockSync bool
	// Clock is the local clock; nil uses the system clock.
	Clock clock.Clock
}

// Redis is the distributed Store. Every atomic primitive executes as a
// single server-side Lua script, so replicas sharing the instance observe a
// race-free counter state.
type Redis struct {
	log    *zap.Logger
	client redis.Cmdable
	clk    clock.Clock

	logCadence time.Duration
	noSync     bool

	seq atomic.Int64

	offsetMS      atomic.Int64
	useServerTime atomic.Bool
	lastSyncNS    atomic.Int64
	timeFailures  atomic.Int64
	nextRetryNS   atomic.Int64
	lastLogNS     atomic.Int64
}

// NewRedis wraps an existing go-redis client. Keys arrive fully assembled
// and namespaced by Key, so they pass through verbatim here; re-sanitizing
// an assembled key would truncate long fingerprints and collide them.
func NewRedis(log *zap.Logger, client redis.Cmdable, opts RedisOptions) (*Redis, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	cadence := opts.TimeLogCadence
	if cadence <= 0 {
		cadence = time.Minute
	}
	r := &Redis{
		log:        log,
		client:     client,
		clk:        clk,
		logCadence: cadence,
		noSync:     opts.DisableClockSync,
	}
	// Initial sync is best-effort; on failure we fall back to local time
	// and retry on the regular cadence.
	if !r.noSync {
		r.syncClock(context.Background())
	}
	return r, nil
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, Error.New("get %q: %v", key, err)
	}
	return v, true, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return Error.New("set %q: %v", key, err)
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return Error.New("delete %q: %v", key, err)
	}
	return nil
}

// Increment implements Store.
func (r *Redis) Increment(ctx context.Context, key string, n int64) (int64, error) {
	v, err := r.client.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, Error.New("increment %q: %v", key, err)
	}
	return v, nil
}

// slidingWindowScript drops expired entries, admits when the surviving set is
// under max, and reports resetAt as oldest entry + window.
const slidingWindowScript = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < max then
  redis.call('ZADD', key, now, member)
  redis.call('PEXPIRE', key, window)
  allowed = 1
  count = count + 1
end
local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end
local remaining = max - count
if remaining < 0 then remaining = 0 end
return {allowed, remaining, reset}
`

// SlidingWindow implements AtomicStore.
func (r *Redis) SlidingWindow(ctx context.Context, key string, max int64, window time.Duration) (Result, error) {
	now := r.nowMS(ctx)
	// A uniqueness suffix keeps two admissions in the same millisecond
	// from collapsing into one sorted-set member.
	member := formatMember(now, r.seq.Add(1))
	return r.evalResult(ctx, slidingWindowScript, []string{key},
		max, window.Milliseconds(), now, member)
}

// tokenBucketScript applies the discrete refill model: only whole elapsed
// intervals refill, and lastRefill advances by whole intervals to preserve
// phase.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])
local state = redis.call('HMGET', key, 'tokens', 'lastRefill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end
local elapsed = now - last
if elapsed >= interval then
  local cycles = math.floor(elapsed / interval)
  tokens = math.min(capacity, tokens + cycles * refill)
  last = last + cycles * interval
end
local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end
redis.call('HSET', key, 'tokens', tokens, 'lastRefill', last)
redis.call('PEXPIRE', key, ttl)
local reset = last
if tokens < capacity then
  reset = last + math.ceil((capacity - tokens) / refill) * interval
end
return {allowed, math.floor(tokens), reset}
`

// TokenBucket implements AtomicStore. State TTL is 10x the interval so idle
// buckets expire at full capacity.
func (r *Redis) TokenBucket(ctx context.Context, key string, capacity, refillRate int64, interval time.Duration, requested int64) (Result, error) {
	now := r.nowMS(ctx)
	return r.evalResult(ctx, tokenBucketScript, []string{key},
		capacity, refillRate, interval.Milliseconds(), requested, now, 10*interval.Milliseconds())
}

const fixedWindowScript = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local start = now - (now % window)
local winKey = key .. ':' .. start
local count = redis.call('INCR', winKey)
if count == 1 then
  redis.call('PEXPIRE', winKey, window)
end
local allowed = 0
local remaining = 0
if count <= max then
  allowed = 1
  remaining = max - count
end
return {allowed, remaining, start + window}
`

// FixedWindow implements AtomicStore.
func (r *Redis) FixedWindow(ctx context.Context, key string, max int64, window time.Duration) (Result, error) {
	return r.evalResult(ctx, fixedWindowScript, []string{key},
		max, window.Milliseconds(), r.nowMS(ctx))
}

const acquireConcurrencyScript = `
local key = KEYS[1]
local max = tonumber(ARGV[1])
local reqID = ARGV[2]
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - ttl)
local count = redis.call('ZCARD', key)
if count < max then
  redis.call('ZADD', key, now, reqID)
  redis.call('PEXPIRE', key, ttl)
  return {1, max - count - 1, now + ttl}
end
return {0, 0, now + ttl}
`

// AcquireConcurrency implements AtomicStore. Slots expire after slotTTL so
// crashed holders cannot leak capacity forever.
func (r *Redis) AcquireConcurrency(ctx context.Context, key string, max int64, requestID string, slotTTL time.Duration) (Result, error) {
	return r.evalResult(ctx, acquireConcurrencyScript, []string{key},
		max, requestID, r.nowMS(ctx), slotTTL.Milliseconds())
}

// ReleaseConcurrency implements AtomicStore.
func (r *Redis) ReleaseConcurrency(ctx context.Context, key string, requestID string) error {
	if err := r.client.ZRem(ctx, key, requestID).Err(); err != nil {
		return Error.New("release concurrency %q: %v", key, err)
	}
	return nil
}

func (r *Redis) evalResult(ctx context.Context, script string, keys []string, args ...interface{}) (Result, error) {
	raw, err := r.client.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return Result{}, Error.New("eval: %v", err)
	}
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 3 {
		return Result{}, Error.New("eval: unexpected reply %T", raw)
	}
	vals := make([]int64, 3)
	for i, v := range arr {
		n, ok := toInt64(v)
		if !ok {
			return Result{}, Error.New("eval: non-integer reply element %T", v)
		}
		vals[i] = n
	}
	return Result{Allowed: vals[0] == 1, Remaining: vals[1], ResetAt: vals[2]}, nil
}

// nowMS returns the timestamp scripts should treat as "now": local time,
// corrected to server time when the measured offset exceeds tolerance.
func (r *Redis) nowMS(ctx context.Context) int64 {
	local := r.clk.Now().UnixMilli()
	r.maybeSyncClock(ctx)
	if r.useServerTime.Load() {
		return local + r.offsetMS.Load()
	}
	return local
}

func (r *Redis) maybeSyncClock(ctx context.Context) {
	if r.noSync {
		return
	}
	nowNS := r.clk.Now().UnixNano()
	if nowNS-r.lastSyncNS.Load() < clockSyncInterval.Nanoseconds() {
		return
	}
	if nowNS < r.nextRetryNS.Load() {
		return
	}
	r.syncClock(ctx)
}

func (r *Redis) syncClock(ctx context.Context) {
	serverTime, err := r.client.Time(ctx).Result()
	nowNS := r.clk.Now().UnixNano()
	if err != nil {
		n := r.timeFailures.Add(1)
		backoff := time.Second << uint(min64(n-1, 10))
		if backoff > timeBackoffCap {
			backoff = timeBackoffCap
		}
		r.nextRetryNS.Store(nowNS + backoff.Nanoseconds())
		if nowNS-r.lastLogNS.Load() >= r.logCadence.Nanoseconds() {
			r.lastLogNS.Store(nowNS)
			r.log.Warn("redis TIME failed; using local clock",
				zap.Error(err),
				zap.Int64("consecutive_failures", n),
				zap.Duration("retry_in", backoff))
		}
		return
	}
	r.timeFailures.Store(0)
	offset := serverTime.UnixMilli() - nowNS/int64(time.Millisecond)
	r.offsetMS.Store(offset)
	r.useServerTime.Store(offset > clockSkewTolerance.Milliseconds() || offset < -clockSkewTolerance.Milliseconds())
	r.lastSyncNS.Store(nowNS)
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		// Some reply paths stringify integers.
		var n int64
		for i := 0; i < len(t); i++ {
			if t[i] < '0' || t[i] > '9' {
				return 0, false
			}
			n = n*10 + int64(t[i]-'0')
		}
		return n, true
	default:
		return 0, false
	}
}

// formatMember builds the uniqueness-suffixed sorted-set member for a
// sliding-window admission.
func formatMember(nowMS, seq int64) string {
	return strconv.FormatInt(nowMS, 10) + "-" + strconv.FormatInt(seq, 10)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
