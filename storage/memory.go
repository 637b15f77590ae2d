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
	"container/list"
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"guardrail/internal/clock"
)

const (
	// DefaultMemoryCapacity bounds the number of live keys.
	DefaultMemoryCapacity = 10000

	// DefaultMemoryTTL is the safety TTL applied when a caller does not
	// provide one. Nothing lives forever in this store.
	DefaultMemoryTTL = 24 * time.Hour

	defaultJanitorInterval = time.Minute
)

// MemoryOptions configures the in-process back end.
type MemoryOptions struct {
	Capacity        int           // maximum keys; DefaultMemoryCapacity when <= 0
	DefaultTTL      time.Duration // safety TTL; DefaultMemoryTTL when <= 0
	JanitorInterval time.Duration // expired-key sweep cadence; 0 uses the default
	Clock           clock.Clock   // nil uses the system clock
}

// memEntry is one stored value plus the metadata needed for TTL expiry and
// LRU eviction.
type memEntry struct {
	value     string
	expiresAt time.Time
	elem      *list.Element // position in the recency list; front = most recent
}

// Memory is the in-process Store: an LRU with per-key TTL autopurge. It
// implements CompareSwapper so rate-limit rules can run their optimistic
// fallback paths against it without locks of their own.
type Memory struct {
	mu    sync.Mutex
	opts  MemoryOptions
	data  map[string]*memEntry
	order *list.List

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopped  uint32
}

// NewMemory constructs the store and starts its background janitor. Call
// Close to stop the janitor at shutdown.
func NewMemory(opts MemoryOptions) *Memory {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultMemoryCapacity
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultMemoryTTL
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = defaultJanitorInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	m := &Memory{
		opts:     opts,
		data:     make(map[string]*memEntry, opts.Capacity),
		order:    list.New(),
		stopChan: make(chan struct{}),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.janitorLoop()
	}()
	return m
}

// Close stops the janitor. Safe to call more than once.
func (m *Memory) Close() {
	if !atomic.CompareAndSwapUint32(&m.stopped, 0, 1) {
		return
	}
	close(m.stopChan)
	m.wg.Wait()
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	m.order.MoveToFront(e.elem)
	return e.value, true, nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value, ttl)
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(key)
	return nil
}

// Increment implements Store. Values that do not parse as integers reset to
// n rather than erroring: a corrupt counter should not wedge admission.
func (m *Memory) Increment(ctx context.Context, key string, n int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if e, ok := m.live(key); ok {
		if v, err := strconv.ParseInt(e.value, 10, 64); err == nil {
			cur = v
		}
	}
	cur += n
	m.set(key, strconv.FormatInt(cur, 10), 0)
	return cur, nil
}

// CompareAndSwap implements CompareSwapper.
func (m *Memory) CompareAndSwap(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, Error.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if prev == "" {
		if ok {
			return false, nil
		}
	} else {
		if !ok || e.value != prev {
			return false, nil
		}
	}
	m.set(key, next, ttl)
	return true, nil
}

// Len reports the number of live keys. Expired-but-unswept entries count
// until the janitor or a touch removes them.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// live returns the entry for key, removing it first when expired.
// Caller holds mu.
func (m *Memory) live(key string) (*memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if m.opts.Clock.Now().After(e.expiresAt) {
		m.remove(key)
		return nil, false
	}
	return e, true
}

// set inserts or replaces key, evicting from the LRU tail when at capacity.
// Caller holds mu.
func (m *Memory) set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.opts.DefaultTTL
	}
	exp := m.opts.Clock.Now().Add(ttl)
	if e, ok := m.data[key]; ok {
		e.value = value
		e.expiresAt = exp
		m.order.MoveToFront(e.elem)
		return
	}
	for len(m.data) >= m.opts.Capacity {
		back := m.order.Back()
		if back == nil {
			break
		}
		m.remove(back.Value.(string))
	}
	e := &memEntry{value: value, expiresAt: exp}
	e.elem = m.order.PushFront(key)
	m.data[key] = e
}

// remove deletes key if present. Caller holds mu.
func (m *Memory) remove(key string) {
	if e, ok := m.data[key]; ok {
		m.order.Remove(e.elem)
		delete(m.data, key)
	}
}

// janitorLoop periodically sweeps expired entries so idle keys do not pin
// memory until their next access.
func (m *Memory) janitorLoop() {
	ticker := time.NewTicker(m.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Memory) sweep() {
	now := m.opts.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.data {
		if now.After(e.expiresAt) {
			m.remove(key)
		}
	}
}
