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

// Package rule implements the admission rules the decision engine composes:
// rate limits (sliding window, token bucket, fixed window, concurrency),
// payload scanning (shield), bot detection, email validation and declarative
// filters. Each rule is a config struct with one evaluator; Validate is
// called once at engine construction and Evaluate per request.
package rule

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"guardrail/internal/clock"
	"guardrail/internal/dynval"
	"guardrail/ipintel"
	"guardrail/storage"
)

// ErrEvaluation wraps rule-internal failures; the engine translates it
// through the error-handling policy.
var ErrEvaluation = errs.Class("rule evaluation")

// ErrConfig marks invalid rule configuration, raised at engine construction.
var ErrConfig = errs.Class("rule config")

// Kind identifies a rule variant.
type Kind string

const (
	KindSlidingWindow Kind = "SLIDING_WINDOW"
	KindTokenBucket   Kind = "TOKEN_BUCKET"
	KindFixedWindow   Kind = "FIXED_WINDOW"
	KindConcurrency   Kind = "CONCURRENCY"
	KindShield        Kind = "SHIELD"
	KindBot           Kind = "BOT"
	KindEmail         Kind = "EMAIL"
	KindFilter        Kind = "FILTER"
)

// Conclusion is a rule or decision outcome.
type Conclusion string

const (
	Allow Conclusion = "ALLOW"
	Deny  Conclusion = "DENY"
)

// Reason classifies a denial.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonRateLimit Reason = "RATE_LIMIT"
	ReasonQuota     Reason = "QUOTA"
	ReasonBot       Reason = "BOT"
	ReasonEmail     Reason = "EMAIL"
	ReasonShield    Reason = "SHIELD"
	ReasonFilter    Reason = "FILTER"
	// ReasonError marks a result synthesized by the error-handling policy.
	ReasonError Reason = "ERROR"
)

// Mode switches a rule between enforcing and observing.
type Mode string

const (
	Live   Mode = "LIVE"
	DryRun Mode = "DRY_RUN"
)

// Result is one rule's verdict. Reason is set iff Conclusion is Deny, except
// under DRY_RUN where the would-be denial keeps its reason while the
// conclusion is rewritten to Allow (DryRun reports that rewrite).
type Result struct {
	Kind       Kind
	Conclusion Conclusion
	Reason     Reason
	DryRun     bool

	// Rate-limit details, meaningful only when HasLimit is true.
	HasLimit  bool
	Limit     int64
	Remaining int64
	// ResetAt is the absolute epoch-ms when the window fully resets.
	ResetAt int64

	// Detail is a short operator-facing note (matched category, email
	// reason). Never shown to end users.
	Detail string
}

// Denied reports whether the result denies, honoring DRY_RUN.
func (r Result) Denied() bool { return r.Conclusion == Deny }

// Deps carries the shared infrastructure a rule may use.
type Deps struct {
	Store  storage.Store
	Clock  clock.Clock
	Log    *zap.Logger
	Prefix string
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock.Now()
	}
	return time.Now()
}

func (d Deps) logger() *zap.Logger {
	if d.Log != nil {
		return d.Log
	}
	return zap.NewNop()
}

// Context is the per-request view a rule evaluates against, assembled by the
// engine from the adapter request and options.
type Context struct {
	Method string
	// Path is the request path, Query the raw query string.
	Path  string
	Query string
	// Headers holds single values under lower-cased names.
	Headers map[string]string
	// Body is present only when the adapter opted in to body capture.
	Body string

	// Characteristics are the scalar keying properties (ip.src, userId,
	// tier, adapter extras).
	Characteristics map[string]string

	Email     string
	UserID    string
	Requested int64
	Metadata  map[string]any

	IP ipintel.IPInfo

	// RequestID is the decision ID, used by the concurrency rule to tag
	// its slot.
	RequestID string

	// FilterBag is the flattened namespace filter expressions resolve
	// against (characteristics + enriched IP + http fields).
	FilterBag map[string]any
}

// Header returns a header by lower-cased name.
func (c *Context) Header(name string) string {
	if c.Headers == nil {
		return ""
	}
	return c.Headers[name]
}

// RequestedTokens returns the token-bucket cost, defaulting to 1.
func (c *Context) RequestedTokens() int64 {
	if c.Requested > 0 {
		return c.Requested
	}
	return 1
}

// DynBag adapts the context to the dynamic-value namespaces.
func (c *Context) DynBag() dynval.Bag {
	chars := make(map[string]any, len(c.Characteristics))
	for k, v := range c.Characteristics {
		chars[k] = v
	}
	opts := map[string]any{}
	if c.UserID != "" {
		opts["userId"] = c.UserID
	}
	if c.Email != "" {
		opts["email"] = c.Email
	}
	if c.Requested > 0 {
		opts["requested"] = c.Requested
	}
	return dynval.Bag{Metadata: c.Metadata, Options: opts, Characteristics: chars}
}

// Rule is the evaluator contract. Validate is called once before first use;
// Evaluate must be safe for concurrent use across requests.
type Rule interface {
	Kind() Kind
	Mode() Mode
	Validate() error
	Evaluate(ctx context.Context, deps Deps, rctx *Context) (Result, error)
}

// Releaser is implemented by rules that hold per-request state to give back
// when the request finishes (concurrency slots).
type Releaser interface {
	Release(ctx context.Context, deps Deps, rctx *Context) error
}

// finish applies the DRY_RUN rewrite: the computed remaining/resetAt/limit
// and reason survive, only the conclusion flips.
func finish(r Result, mode Mode) Result {
	if mode == DryRun {
		r.DryRun = true
		if r.Conclusion == Deny {
			r.Conclusion = Allow
		}
	}
	return r
}

// byOrDefault returns the keying characteristics, defaulting to the source
// address.
func byOrDefault(by []string) []string {
	if len(by) == 0 {
		return []string{"ip.src"}
	}
	return by
}
