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

// Package guardrail is a programmable request-admission engine: for each
// request it produces an ALLOW/DENY Decision by composing rate limits,
// quotas, bot detection, payload scanning, email validation and declarative
// filters against per-request characteristics, optionally backed by shared
// counter state across replicas.
package guardrail

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guardrail/circuit"
	"guardrail/internal/fingerprint"
	"guardrail/ipintel"
	"guardrail/rule"
	"guardrail/storage"
	"guardrail/telemetry"
)

// Engine evaluates requests against a validated configuration. Safe for
// concurrent use; construct once and share.
type Engine struct {
	cfg   Config
	deps  rule.Deps
	log   *zap.Logger
	emit  telemetry.Emitter
	stats *telemetry.Metrics
}

// New validates cfg and builds the engine. Configuration problems surface
// here; Protect never fails.
func New(cfg Config) (*Engine, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemory(storage.MemoryOptions{Clock: cfg.Clock})
	}
	e := &Engine{
		cfg: cfg,
		deps: rule.Deps{
			Store:  cfg.Store,
			Clock:  cfg.Clock,
			Log:    cfg.Log,
			Prefix: cfg.KeyPrefix,
		},
		log:   cfg.Log,
		emit:  cfg.Emitter,
		stats: cfg.Metrics,
	}
	if cfg.IPService != nil {
		// Breaker transitions drive the state gauge.
		for _, b := range cfg.IPService.Breakers() {
			b.OnStateChange(func(name string, s circuit.State) {
				e.stats.ObserveBreakerState(name, s.String())
			})
		}
		cfg.IPService.OnCache(
			func(string) { e.stats.CacheHitsTotal.Inc() },
			func(string) { e.stats.CacheMissesTotal.Inc() },
		)
	}
	return e, nil
}

// Metrics exposes the engine's instrument set for mounting an exporter.
func (e *Engine) Metrics() *telemetry.Metrics { return e.stats }

// Protect evaluates one request. It never returns an error: internal
// failures fold into the decision per the error-handling policy.
func (e *Engine) Protect(ctx context.Context, req *Request, opts *Options) *Decision {
	start := e.cfg.Clock.Now()
	id := uuid.NewString()
	if req == nil {
		req = &Request{}
	}

	chars := extractCharacteristics(req, opts)
	info := e.enrichIP(ctx, id, chars["ip.src"])
	rctx := buildRuleContext(id, req, opts, chars, info)

	d := &Decision{
		ID:              id,
		Conclusion:      rule.Allow,
		IP:              info,
		Characteristics: chars,
	}
	if opts != nil {
		d.Metadata = opts.Metadata
	}

	switch {
	case e.matchList(e.cfg.Whitelist, rctx):
		// Whitelist wins over blacklist and over every rule.
	case e.matchList(e.cfg.Blacklist, rctx):
		res := rule.Result{
			Kind:       rule.KindFilter,
			Conclusion: rule.Deny,
			Reason:     rule.ReasonFilter,
			Detail:     "blacklist",
		}
		d.Results = append(d.Results, res)
		d.Conclusion = rule.Deny
		d.Reason = Reason{result: &d.Results[0]}
	default:
		e.runRules(ctx, d, rctx)
	}

	e.observeDecision(d, start)
	return d
}

// enrichIP looks the source address up when an IP service is configured.
// Failures are advisory: the decision continues with what came back.
func (e *Engine) enrichIP(ctx context.Context, id, ip string) ipintel.IPInfo {
	if e.cfg.IPService == nil || ip == "" || ip == "unknown" {
		return ipintel.IPInfo{IP: ip}
	}
	info, err := e.cfg.IPService.Lookup(ctx, ip)
	if err != nil {
		e.log.Debug("ip lookup failed", zap.String("ip", ip), zap.Error(err))
		e.stats.ErrorsTotal.WithLabelValues("ip-lookup").Inc()
		e.emit.Emit(telemetry.Event{
			Type:       telemetry.EventIPLookupError,
			Timestamp:  e.cfg.Clock.Now(),
			DecisionID: id,
			Fields:     map[string]string{"ip": ip, "error": err.Error()},
		})
	}
	return info
}

// matchList reports whether any criterion matches the request.
func (e *Engine) matchList(list *ListCriteria, rctx *rule.Context) bool {
	if list == nil {
		return false
	}
	ip := rctx.Characteristics["ip.src"]
	for _, v := range list.IPs {
		if v == ip {
			return true
		}
	}
	if rctx.UserID != "" {
		for _, v := range list.UserIDs {
			if v == rctx.UserID {
				return true
			}
		}
	}
	if rctx.IP.Country != "" {
		for _, v := range list.Countries {
			if strings.EqualFold(v, rctx.IP.Country) {
				return true
			}
		}
	}
	if at := strings.LastIndex(rctx.Email, "@"); at >= 0 && at < len(rctx.Email)-1 {
		domain := strings.ToLower(rctx.Email[at+1:])
		for _, v := range list.EmailDomains {
			if strings.ToLower(v) == domain {
				return true
			}
		}
	}
	return false
}

// runRules evaluates the configured rules per the strategy and folds the
// results into the decision.
func (e *Engine) runRules(ctx context.Context, d *Decision, rctx *rule.Context) {
	rules := e.cfg.Rules
	results := make([]rule.Result, len(rules))
	evaluated := make([]bool, len(rules))

	switch e.cfg.Strategy {
	case Parallel:
		var wg sync.WaitGroup
		for i, r := range rules {
			wg.Add(1)
			go func(i int, r rule.Rule) {
				defer wg.Done()
				results[i] = e.evalOne(ctx, r, rctx, d.ID)
				evaluated[i] = true
			}(i, r)
		}
		wg.Wait()
	case ShortCircuit:
		for i, r := range rules {
			results[i] = e.evalOne(ctx, r, rctx, d.ID)
			evaluated[i] = true
			if results[i].Denied() {
				break
			}
		}
	default: // Sequential: keep going so every result is recorded.
		for i, r := range rules {
			results[i] = e.evalOne(ctx, r, rctx, d.ID)
			evaluated[i] = true
		}
	}

	for i := range rules {
		if !evaluated[i] {
			continue
		}
		d.Results = append(d.Results, results[i])
	}

	// First denial in declared order decides, regardless of strategy.
	for i := range d.Results {
		if d.Results[i].Denied() {
			d.Conclusion = rule.Deny
			d.Reason = Reason{result: &d.Results[i]}
			break
		}
	}

	// Remember acquired concurrency slots so the caller can give them back.
	for i, r := range rules {
		if !evaluated[i] || results[i].Denied() || results[i].Reason == rule.ReasonError {
			continue
		}
		if rel, ok := unwrapRule(r).(rule.Releaser); ok {
			d.releasers = append(d.releasers, releaser{r: rel, deps: e.deps, rctx: rctx})
		}
	}
}

// evalOne runs a single rule, translating failure through the effective
// error-handling policy.
func (e *Engine) evalOne(ctx context.Context, r rule.Rule, rctx *rule.Context, decisionID string) rule.Result {
	kind := string(r.Kind())
	e.emit.Emit(telemetry.Event{
		Type:       telemetry.EventRuleEvaluate,
		Timestamp:  e.cfg.Clock.Now(),
		DecisionID: decisionID,
		Fields:     map[string]string{"rule": kind},
	})

	start := e.cfg.Clock.Now()
	res, err := r.Evaluate(ctx, e.deps, rctx)
	e.stats.RuleDuration.WithLabelValues(kind).
		Observe(float64(e.cfg.Clock.Now().Sub(start).Microseconds()) / 1000)

	if err != nil {
		res = e.errorResult(r, err, decisionID)
	}

	e.stats.RuleEvaluationsTotal.WithLabelValues(kind, string(res.Conclusion)).Inc()
	if res.HasLimit {
		e.observeRemaining(r, rctx, res)
	}

	evType := telemetry.EventRuleAllow
	if res.Denied() {
		evType = telemetry.EventRuleDeny
	}
	e.emit.Emit(telemetry.Event{
		Type:       evType,
		Timestamp:  e.cfg.Clock.Now(),
		DecisionID: decisionID,
		Fields:     map[string]string{"rule": kind, "reason": string(res.Reason)},
	})
	return res
}

// errorResult applies FAIL_OPEN/FAIL_CLOSED to a rule failure.
func (e *Engine) errorResult(r rule.Rule, err error, decisionID string) rule.Result {
	kind := string(r.Kind())
	e.log.Warn("rule evaluation failed", zap.String("rule", kind), zap.Error(err))

	evType := telemetry.EventStorageError
	errLabel := "storage"
	if !storage.Error.Has(err) {
		evType = telemetry.EventRuleDeny
		errLabel = "rule"
	}
	e.stats.ErrorsTotal.WithLabelValues(errLabel).Inc()
	if evType == telemetry.EventStorageError {
		e.emit.Emit(telemetry.Event{
			Type:       telemetry.EventStorageError,
			Timestamp:  e.cfg.Clock.Now(),
			DecisionID: decisionID,
			Fields:     map[string]string{"rule": kind, "error": err.Error()},
		})
	}

	res := rule.Result{Kind: r.Kind(), Conclusion: rule.Allow, Reason: rule.ReasonError}
	if e.errorHandlingFor(r) == FailClosed {
		res.Conclusion = rule.Deny
	}
	return res
}

func (e *Engine) errorHandlingFor(r rule.Rule) ErrorHandling {
	if ep, ok := r.(*errorPolicied); ok {
		return ep.errorHandling()
	}
	return e.cfg.ErrorHandling
}

func unwrapRule(r rule.Rule) rule.Rule {
	if ep, ok := r.(*errorPolicied); ok {
		return ep.Rule
	}
	return r
}

// observeRemaining updates the remaining-budget gauge, keyed by the
// engine-level characteristic fingerprint.
func (e *Engine) observeRemaining(r rule.Rule, rctx *rule.Context, res rule.Result) {
	key, err := fingerprint.Build(e.cfg.By, rctx.Characteristics)
	if err != nil {
		return
	}
	e.stats.RateLimitRemaining.WithLabelValues(string(r.Kind()), key).Set(float64(res.Remaining))
}

// observeDecision emits the decision-level events and metrics.
func (e *Engine) observeDecision(d *Decision, start time.Time) {
	elapsed := e.cfg.Clock.Now().Sub(start)
	e.stats.RequestDuration.Observe(float64(elapsed.Microseconds()) / 1000)

	reason := string(d.Reason.Kind())
	denyRule := ""
	if d.Reason.result != nil {
		denyRule = string(d.Reason.result.Kind)
	}
	e.stats.RequestsTotal.WithLabelValues(string(d.Conclusion), denyRule, reason).Inc()
	e.stats.DecisionsTotal.WithLabelValues(string(d.Conclusion), reason).Inc()

	evType := telemetry.EventDecisionAllowed
	if d.IsDenied() {
		evType = telemetry.EventDecisionDenied
	}
	e.emit.Emit(telemetry.Event{
		Type:       evType,
		Timestamp:  e.cfg.Clock.Now(),
		DecisionID: d.ID,
		Fields: map[string]string{
			"conclusion": string(d.Conclusion),
			"reason":     reason,
			"ip":         d.Characteristics["ip.src"],
		},
	})
}
