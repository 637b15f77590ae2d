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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONProviderLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/8.8.8.8", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": "success",
			"countryCode": "US",
			"country_name": "United States",
			"city": "Mountain View",
			"asn": "AS15169",
			"asname": "GOOGLE",
			"astype": "hosting",
			"hosting": true
		}`))
	}))
	defer srv.Close()

	p := NewJSONProvider("test", srv.URL+"/", srv.Client())
	info, err := p.Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8", info.IP)
	assert.Equal(t, "US", info.Country)
	assert.Equal(t, "United States", info.CountryName)
	assert.Equal(t, "AS15169", info.ASN)
	assert.Equal(t, ASNTypeHosting, info.ASNType)
	assert.True(t, info.IsHosting)
	assert.Equal(t, "test", info.Provider)
}

func TestJSONProviderFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"fail","message":"reserved range"}`))
	}))
	defer srv.Close()

	p := NewJSONProvider("test", srv.URL+"/", srv.Client())
	_, err := p.Lookup(context.Background(), "10.0.0.1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved range")
}

func TestJSONProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewJSONProvider("test", srv.URL+"/", srv.Client())
	_, err := p.Lookup(context.Background(), "8.8.8.8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestJSONProviderOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Stream past the cap without a Content-Length header.
		w.Header().Set("Content-Type", "application/json")
		chunk := strings.Repeat("x", 64*1024)
		for written := 0; written <= maxResponseSize; written += len(chunk) {
			if _, err := w.Write([]byte(chunk)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	p := NewJSONProvider("test", srv.URL+"/", srv.Client())
	_, err := p.Lookup(context.Background(), "8.8.8.8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestJSONProviderOversizedContentLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2097152")
		_, _ = w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer srv.Close()

	p := NewJSONProvider("test", srv.URL+"/", srv.Client())
	_, err := p.Lookup(context.Background(), "8.8.8.8")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}
