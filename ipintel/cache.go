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
	"container/list"
	"sync"
	"time"

	"guardrail/internal/clock"
)

// lruCache is an expiring LRU whose loader calls are coalesced per key: at
// most one fetch is in flight for an IP at a time, and concurrent callers
// wait on the winner's result. Failed loads are not cached.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clk      clock.Clock
	data     map[string]*cacheEntry
	order    *list.List
}

type cacheEntry struct {
	once   sync.Once
	when   time.Time
	elem   *list.Element
	value  IPInfo
	loaded bool
}

func newLRUCache(capacity int, ttl time.Duration, clk clock.Clock) *lruCache {
	return &lruCache{
		capacity: capacity,
		ttl:      ttl,
		clk:      clk,
		data:     make(map[string]*cacheEntry, capacity),
		order:    list.New(),
	}
}

// get returns the cached value for key or invokes load, deduping concurrent
// loads. hit reports whether the value came from cache.
func (c *lruCache) get(key string, load func() (IPInfo, error)) (value IPInfo, hit bool, err error) {
	for {
		c.mu.Lock()
		entry, ok := c.data[key]
		switch {
		case !ok:
			for len(c.data) >= c.capacity {
				back := c.order.Back()
				if back == nil {
					break
				}
				delete(c.data, back.Value.(string))
				c.order.Remove(back)
			}
			entry = &cacheEntry{when: c.clk.Now()}
			entry.elem = c.order.PushFront(key)
			c.data[key] = entry

		case c.ttl > 0 && c.clk.Now().Sub(entry.when) > c.ttl:
			delete(c.data, key)
			c.order.Remove(entry.elem)
			c.mu.Unlock()
			continue

		default:
			c.order.MoveToFront(entry.elem)
		}
		c.mu.Unlock()

		loadedNow := false
		entry.once.Do(func() {
			loadedNow = true
			value, err = load()
			if err == nil {
				entry.value = value
				entry.loaded = true
				return
			}
			// Drop the failed entry so the next caller retries.
			c.mu.Lock()
			if cur, ok := c.data[key]; ok && cur == entry {
				delete(c.data, key)
				c.order.Remove(entry.elem)
			}
			c.mu.Unlock()
		})
		if loadedNow {
			return value, false, err
		}
		if entry.loaded {
			return entry.value, true, nil
		}
		// The winning loader failed; retry with a fresh entry.
	}
}
