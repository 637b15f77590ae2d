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

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the engine's Prometheus instrument set, registered on its own
// registry so multiple engines never collide.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	RequestDuration     prometheus.Histogram
	DecisionsTotal      *prometheus.CounterVec
	RuleEvaluationsTotal *prometheus.CounterVec
	RuleDuration        *prometheus.HistogramVec
	RateLimitRemaining  *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	ErrorsTotal         *prometheus.CounterVec
}

// durationBucketsMS covers sub-millisecond pure rules up to slow storage
// round trips.
var durationBucketsMS = []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}

// NewMetrics builds and registers the instrument set.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrail_requests_total",
		Help: "Requests evaluated, labeled by final conclusion, denying rule and reason",
	}, []string{"conclusion", "rule", "reason"})
	m.RequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guardrail_request_duration_milliseconds",
		Help:    "End-to-end protect() latency in milliseconds",
		Buckets: durationBucketsMS,
	})
	m.DecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrail_decisions_total",
		Help: "Decisions, labeled by conclusion and denial reason",
	}, []string{"conclusion", "reason"})
	m.RuleEvaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrail_rule_evaluations_total",
		Help: "Per-rule evaluations, labeled by rule kind and conclusion",
	}, []string{"rule", "conclusion"})
	m.RuleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guardrail_rule_duration_milliseconds",
		Help:    "Per-rule evaluation latency in milliseconds",
		Buckets: durationBucketsMS,
	}, []string{"rule"})
	m.RateLimitRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guardrail_rate_limit_remaining",
		Help: "Remaining budget reported by the most recent rate-limit evaluation",
	}, []string{"rule", "key"})
	m.CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guardrail_circuit_breaker_state",
		Help: "Breaker state: 0 closed, 0.5 half-open, 1 open",
	}, []string{"name"})
	m.CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardrail_cache_hits_total",
		Help: "IP intelligence cache hits across layers",
	})
	m.CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guardrail_cache_misses_total",
		Help: "IP intelligence cache misses across layers",
	})
	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guardrail_errors_total",
		Help: "Internal errors, labeled by error type",
	}, []string{"type"})

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.DecisionsTotal,
		m.RuleEvaluationsTotal,
		m.RuleDuration,
		m.RateLimitRemaining,
		m.CircuitBreakerState,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ErrorsTotal,
	)
	return m
}

// Registry exposes the underlying registry for callers that aggregate
// several collectors into one endpoint.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBreakerState maps a breaker state name onto the gauge encoding.
func (m *Metrics) ObserveBreakerState(name, state string) {
	var v float64
	switch state {
	case "OPEN":
		v = 1
	case "HALF_OPEN":
		v = 0.5
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}
