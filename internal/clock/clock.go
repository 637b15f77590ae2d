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

// Package clock abstracts time so that window arithmetic, bucket refills and
// breaker timeouts can be tested without sleeping.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time. Implementations must be safe for
// concurrent use by multiple goroutines.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system time.
type Real struct{}

// New returns the production clock.
func New() Clock { return Real{} }

// Now returns the current system time.
func (Real) Now() time.Time { return time.Now() }

// Mock is a Clock with controllable time for tests.
type Mock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMock returns a mock clock starting at the given instant.
func NewMock(start time.Time) *Mock {
	return &Mock{now: start}
}

// Now returns the simulated time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the simulated time to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// Advance moves the simulated time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
