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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"guardrail/internal/clock"
	"guardrail/storage"
)

// stubProvider answers from a canned map and counts calls.
type stubProvider struct {
	name  string
	calls atomic.Int64
	info  IPInfo
	err   error
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Lookup(ctx context.Context, ip string) (IPInfo, error) {
	p.calls.Add(1)
	if p.err != nil {
		return IPInfo{}, p.err
	}
	info := p.info
	info.IP = ip
	info.Provider = p.name
	return info, nil
}

func newTestService(t *testing.T, providers []Provider, opts Options) *Service {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.NewMock(time.Unix(1700000000, 0))
	}
	s := NewService(zaptest.NewLogger(t), providers, opts)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func TestServiceNonLookupable(t *testing.T) {
	primary := &stubProvider{name: "primary", info: IPInfo{Country: "US"}}
	s := newTestService(t, []Provider{primary}, Options{})

	info, err := s.Lookup(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", info.IP)
	assert.True(t, info.IsEmpty())
	assert.Equal(t, int64(0), primary.calls.Load(), "reserved addresses never reach a provider")
}

func TestServiceLocalCache(t *testing.T) {
	primary := &stubProvider{name: "primary", info: IPInfo{Country: "US", ASN: "AS15169"}}
	hits := 0
	s := newTestService(t, []Provider{primary}, Options{
		OnCacheHit: func(layer string) { hits++ },
	})

	for i := 0; i < 3; i++ {
		info, err := s.Lookup(context.Background(), "8.8.8.8")
		require.NoError(t, err)
		assert.Equal(t, "US", info.Country)
	}
	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Equal(t, 2, hits)
}

func TestServiceFailover(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("quota exhausted")}
	fallback := &stubProvider{name: "fallback", info: IPInfo{Country: "DE"}}
	s := newTestService(t, []Provider{primary, fallback}, Options{})

	info, err := s.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "DE", info.Country)
	assert.Equal(t, "fallback", info.Provider)
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestServiceAllProvidersFail(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("down")}
	s := newTestService(t, []Provider{primary}, Options{})

	info, err := s.Lookup(context.Background(), "8.8.8.8")
	require.Error(t, err)
	assert.True(t, Error.Has(err))
	assert.Equal(t, "8.8.8.8", info.IP)
	assert.True(t, info.IsEmpty(), "total failure yields the empty enrichment")
}

func TestServiceFailureNotCached(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("down")}
	s := newTestService(t, []Provider{primary}, Options{})

	_, err := s.Lookup(context.Background(), "8.8.8.8")
	require.Error(t, err)

	// Recover the provider; the next lookup must retry instead of serving
	// the failure from cache.
	primary.err = nil
	primary.info = IPInfo{Country: "US"}
	info, err := s.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "US", info.Country)
}

func TestServiceUnhealthySkipped(t *testing.T) {
	mock := clock.NewMock(time.Unix(1700000000, 0))
	flaky := &stubProvider{name: "flaky", err: errors.New("down")}
	steady := &stubProvider{name: "steady", info: IPInfo{Country: "US"}}
	s := newTestService(t, []Provider{flaky, steady}, Options{Clock: mock})

	// Three failed lookups of distinct IPs trip the health tracker.
	for _, ip := range []string{"8.8.8.8", "8.8.4.4", "1.1.1.1"} {
		info, err := s.Lookup(context.Background(), ip)
		require.NoError(t, err)
		assert.Equal(t, "US", info.Country)
	}
	assert.Equal(t, int64(3), flaky.calls.Load())

	// Unhealthy now: the next lookup skips it entirely.
	_, err := s.Lookup(context.Background(), "9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, int64(3), flaky.calls.Load())
}

func TestServiceAllUnhealthyStillTries(t *testing.T) {
	mock := clock.NewMock(time.Unix(1700000000, 0))
	only := &stubProvider{name: "only", err: errors.New("down")}
	s := newTestService(t, []Provider{only}, Options{Clock: mock})

	for _, ip := range []string{"8.8.8.8", "8.8.4.4", "1.1.1.1"} {
		_, err := s.Lookup(context.Background(), ip)
		require.Error(t, err)
	}
	before := only.calls.Load()

	// Every provider is unhealthy, so the chain runs anyway.
	only.err = nil
	only.info = IPInfo{Country: "US"}
	info, err := s.Lookup(context.Background(), "9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, "US", info.Country)
	assert.Equal(t, before+1, only.calls.Load())
}

func TestServiceDistributedCache(t *testing.T) {
	mock := clock.NewMock(time.Unix(1700000000, 0))
	shared := storage.NewMemory(storage.MemoryOptions{Clock: mock})
	defer shared.Close()

	primary := &stubProvider{name: "primary", info: IPInfo{Country: "US", ASN: "AS15169"}}
	first := newTestService(t, []Provider{primary}, Options{Clock: mock, Distributed: shared})

	info, err := first.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "US", info.Country)

	// A second instance sharing the store resolves without a provider call.
	layers := []string{}
	second := newTestService(t, []Provider{primary}, Options{
		Clock:       mock,
		Distributed: shared,
		OnCacheHit:  func(layer string) { layers = append(layers, layer) },
	})
	info, err = second.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "US", info.Country)
	assert.Equal(t, int64(1), primary.calls.Load())
	assert.Contains(t, layers, "distributed")
}

func TestServiceClassifierRuns(t *testing.T) {
	primary := &stubProvider{name: "primary", info: IPInfo{ASN: "AS9009", ASNName: "M247 Europe"}}
	s := newTestService(t, []Provider{primary}, Options{})

	info, err := s.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.True(t, info.IsVPN, "dictionary classification applies to provider results")
}
