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

// Package guardrailhttp adapts net/http requests to the guardrail engine.
// It extracts the request capability the rules evaluate against, maps DENY
// decisions to HTTP status codes, and emits the standard rate-limit headers.
package guardrailhttp

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"guardrail"
)

// FromHTTP builds the engine's request view from an *http.Request.
// Multi-valued headers collapse to a comma-joined single value under a
// lower-cased name. The body is not captured; use CaptureBody first when a
// shield rule scans bodies.
func FromHTTP(r *http.Request) *guardrail.Request {
	headers := make(map[string]string, len(r.Header))
	for name, vals := range r.Header {
		headers[strings.ToLower(name)] = strings.Join(vals, ", ")
	}
	return &guardrail.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: headers,
	}
}

// CaptureBody reads up to max bytes of the request body and puts the bytes
// back so downstream handlers still see the full stream. Bytes past max are
// left unread on the original body.
func CaptureBody(r *http.Request, max int64) (string, error) {
	if r.Body == nil || max <= 0 {
		return "", nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, max))
	if err != nil {
		return "", err
	}
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	return string(buf), nil
}

// MiddlewareConfig tunes the middleware. The zero value is usable.
type MiddlewareConfig struct {
	// Options derives per-request options (user id, email, requested
	// tokens) from the incoming request. Optional.
	Options func(*http.Request) *guardrail.Options
	// MaxBodyBytes enables body capture for payload scanning when > 0.
	MaxBodyBytes int64
	// OnDenied replaces the default denial response. The adapter has
	// already written the X-Guardrail-* and rate-limit headers.
	OnDenied func(w http.ResponseWriter, r *http.Request, d *guardrail.Decision)
}

// Middleware wraps a handler with admission control. Denials answer 429 for
// rate-limit and quota reasons and 403 for everything else; allowed requests
// proceed and any held concurrency slots are released when the handler
// returns.
func Middleware(e *guardrail.Engine, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := FromHTTP(r)
			if cfg.MaxBodyBytes > 0 {
				body, err := CaptureBody(r, cfg.MaxBodyBytes)
				if err != nil {
					http.Error(w, "bad request", http.StatusBadRequest)
					return
				}
				req.Body = body
			}

			var opts *guardrail.Options
			if cfg.Options != nil {
				opts = cfg.Options(r)
			}

			d := e.Protect(r.Context(), req, opts)
			// Slots acquired during evaluation are given back whether the
			// request was admitted or not: a later rule can deny after a
			// concurrency rule already granted one.
			defer func() { _ = d.Release(r.Context()) }()
			writeDecisionHeaders(w, d)

			if d.IsDenied() {
				if cfg.OnDenied != nil {
					cfg.OnDenied(w, r, d)
					return
				}
				writeDenial(w, d)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeDecisionHeaders sets the decision and rate-limit headers on every
// response, allowed or denied.
func writeDecisionHeaders(w http.ResponseWriter, d *guardrail.Decision) {
	h := w.Header()
	h.Set("X-Guardrail-Id", d.ID)
	h.Set("X-Guardrail-Conclusion", string(d.Conclusion))
	if rl, ok := d.RateLimitResult(); ok {
		h.Set("X-RateLimit-Limit", strconv.FormatInt(rl.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(rl.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt((rl.ResetAt+999)/1000, 10))
	}
}

// writeDenial maps the denial reason to a status code and body.
func writeDenial(w http.ResponseWriter, d *guardrail.Decision) {
	status := http.StatusForbidden
	if d.Reason.IsRateLimit() || d.Reason.IsQuota() {
		status = http.StatusTooManyRequests
		if after := retryAfter(d.Reason.ResetAt()); after > 0 {
			w.Header().Set("Retry-After", strconv.FormatInt(after, 10))
		}
	}
	http.Error(w, http.StatusText(status), status)
}

// retryAfter converts an epoch-ms reset time to whole seconds from now,
// rounded up, minimum 1 when the reset is in the future.
func retryAfter(resetAt int64) int64 {
	if resetAt <= 0 {
		return 0
	}
	delta := resetAt - time.Now().UnixMilli()
	if delta <= 0 {
		return 0
	}
	return (delta + 999) / 1000
}
