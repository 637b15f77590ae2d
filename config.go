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

package guardrail

import (
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"guardrail/internal/clock"
	"guardrail/internal/dynval"
	"guardrail/ipintel"
	"guardrail/rule"
	"guardrail/storage"
	"guardrail/telemetry"
)

// ErrConfig marks invalid engine configuration. Raised at construction,
// never from Protect.
var ErrConfig = errs.Class("guardrail config")

// ErrorHandling decides what an internal failure yields.
type ErrorHandling string

const (
	FailOpen   ErrorHandling = "FAIL_OPEN"
	FailClosed ErrorHandling = "FAIL_CLOSED"
)

// Strategy orders rule evaluation.
type Strategy string

const (
	// Sequential evaluates in declared order and keeps going after a
	// denial so every result is recorded.
	Sequential Strategy = "SEQUENTIAL"
	// ShortCircuit stops at the first denial.
	ShortCircuit Strategy = "SHORT_CIRCUIT"
	// Parallel evaluates concurrently; results keep declared order.
	Parallel Strategy = "PARALLEL"
)

// Preset names a pre-built rule list.
type Preset string

const (
	PresetAPI         Preset = "api"
	PresetWeb         Preset = "web"
	PresetStrict      Preset = "strict"
	PresetAI          Preset = "ai"
	PresetPayment     Preset = "payment"
	PresetAuth        Preset = "auth"
	PresetDevelopment Preset = "development"
)

// ListCriteria matches requests for whitelist/blacklist short-circuits. Any
// matching field is a match.
type ListCriteria struct {
	IPs          []string
	UserIDs      []string
	Countries    []string
	EmailDomains []string
}

// Config is the engine configuration. The zero value plus at least one rule
// or a preset is valid: in-memory storage, FAIL_OPEN, SEQUENTIAL, keyed by
// source address.
type Config struct {
	// Rules are the explicit rules. When Preset is also set, an explicit
	// rule replaces any preset rule of the same kind.
	Rules  []rule.Rule
	Preset Preset

	// By defaults to ["ip.src"]. Rules without their own By inherit it.
	By []string

	// Store defaults to an in-process LRU. The caller owns a store it
	// passes in; the engine owns one it creates.
	Store storage.Store

	// IPService, when set, enriches decisions with IP intelligence.
	IPService *ipintel.Service

	ErrorHandling ErrorHandling // default FAIL_OPEN
	Strategy      Strategy      // default SEQUENTIAL

	Whitelist *ListCriteria
	Blacklist *ListCriteria

	// KeyPrefix namespaces storage keys. Default "guardrail:".
	KeyPrefix string

	Log     *zap.Logger
	Emitter telemetry.Emitter
	// Metrics defaults to a fresh instrument set; pass one to share an
	// exporter endpoint.
	Metrics *telemetry.Metrics

	// Clock is injectable for tests.
	Clock clock.Clock
}

// normalize validates and applies defaults, returning the effective config.
func (c Config) normalize() (Config, error) {
	if c.ErrorHandling == "" {
		c.ErrorHandling = FailOpen
	}
	if c.ErrorHandling != FailOpen && c.ErrorHandling != FailClosed {
		return c, ErrConfig.New("unknown errorHandling %q", c.ErrorHandling)
	}
	if c.Strategy == "" {
		c.Strategy = Sequential
	}
	switch c.Strategy {
	case Sequential, ShortCircuit, Parallel:
	default:
		return c, ErrConfig.New("unknown evaluationStrategy %q", c.Strategy)
	}
	if len(c.By) == 0 {
		c.By = []string{"ip.src"}
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = storage.DefaultPrefix
	}
	if err := storage.ValidatePrefix(c.KeyPrefix); err != nil {
		return c, ErrConfig.Wrap(err)
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.Emitter == nil {
		c.Emitter = telemetry.NopEmitter{}
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.NewMetrics()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}

	rules, err := composeRules(c.Preset, c.Rules, c.By)
	if err != nil {
		return c, err
	}
	if len(rules) == 0 {
		return c, ErrConfig.New("no rules configured: set Rules or Preset")
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return c, ErrConfig.Wrap(err)
		}
	}
	c.Rules = rules
	return c, nil
}

// composeRules merges preset and explicit rules: an explicit rule replaces
// every preset rule of the same kind, otherwise it appends after them.
func composeRules(preset Preset, explicit []rule.Rule, by []string) ([]rule.Rule, error) {
	base, err := presetRules(preset, by)
	if err != nil {
		return nil, err
	}
	if len(explicit) == 0 {
		return base, nil
	}
	replaced := map[rule.Kind]bool{}
	for _, r := range explicit {
		replaced[r.Kind()] = true
	}
	out := make([]rule.Rule, 0, len(base)+len(explicit))
	for _, r := range base {
		if !replaced[r.Kind()] {
			out = append(out, r)
		}
	}
	return append(out, explicit...), nil
}

// presetRules returns the named policy's rule list. The lists are built
// fresh per call; rules carry compiled state and must not be shared between
// engines.
func presetRules(p Preset, by []string) ([]rule.Rule, error) {
	switch p {
	case "":
		return nil, nil
	case PresetAPI:
		return []rule.Rule{
			&rule.SlidingWindow{Interval: "1m", Max: 100, By: by},
			&rule.Shield{},
		}, nil
	case PresetWeb:
		return []rule.Rule{
			&rule.SlidingWindow{Interval: "1m", Max: 300, By: by},
			&rule.Shield{},
			&rule.DetectBot{Block: []string{
				"CURL", "WGET", "PYTHON_REQUESTS", "PYTHON_URLLIB", "SCRAPY",
				"HEADLESS_CHROME", "PHANTOMJS", "SELENIUM",
			}},
		}, nil
	case PresetStrict:
		return []rule.Rule{
			&rule.SlidingWindow{Interval: "1m", Max: 20, By: by},
			&rule.Shield{},
			&rule.DetectBot{Allow: []string{}},
			&rule.Filter{Deny: []string{
				`ip.src.vpn == true`,
				`ip.src.proxy == true`,
				`ip.src.tor == true`,
			}},
		}, nil
	case PresetAI:
		return []rule.Rule{
			&rule.TokenBucket{Interval: "1h", Capacity: dynval.Lit(100000), RefillRate: 100000, By: []string{"userId"}},
			&rule.SlidingWindow{Interval: "1m", Max: 60, By: by},
			&rule.Shield{},
		}, nil
	case PresetPayment:
		return []rule.Rule{
			&rule.SlidingWindow{Interval: "1m", Max: 10, By: by},
			&rule.Shield{},
			&rule.ValidateEmail{Block: []rule.EmailReason{
				rule.EmailDisposable, rule.EmailInvalid, rule.EmailNoMXRecords,
			}},
			&rule.Filter{Deny: []string{`ip.src.vpn == true`, `ip.src.tor == true`}},
		}, nil
	case PresetAuth:
		return []rule.Rule{
			&rule.SlidingWindow{Interval: "1m", Max: 5, By: by},
			&rule.FixedWindow{Interval: "1h", Max: 30, By: by},
			&rule.Shield{},
		}, nil
	case PresetDevelopment:
		return []rule.Rule{
			&rule.SlidingWindow{Interval: "1m", Max: 1000, By: by, RuleMode: rule.DryRun},
			&rule.Shield{RuleMode: rule.DryRun},
			&rule.DetectBot{Allow: []string{}, RuleMode: rule.DryRun},
		}, nil
	default:
		return nil, ErrConfig.New("unknown preset %q", p)
	}
}

// OnError wraps a rule with its own error-handling policy, overriding the
// engine-wide one for that rule only.
func OnError(r rule.Rule, eh ErrorHandling) rule.Rule {
	return &errorPolicied{Rule: r, eh: eh}
}

type errorPolicied struct {
	rule.Rule
	eh ErrorHandling
}

func (e *errorPolicied) errorHandling() ErrorHandling { return e.eh }
