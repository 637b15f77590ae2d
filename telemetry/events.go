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

// Package telemetry carries the engine's structured events and Prometheus
// metrics. Everything here is instance-scoped: two engines in one process
// observe independently.
package telemetry

import (
	"time"

	"go.uber.org/zap"
)

// EventType names an observable engine occurrence.
type EventType string

const (
	EventRuleEvaluate    EventType = "rule.evaluate"
	EventRuleAllow       EventType = "rule.allow"
	EventRuleDeny        EventType = "rule.deny"
	EventDecisionAllowed EventType = "decision.allowed"
	EventDecisionDenied  EventType = "decision.denied"
	EventStorageError    EventType = "storage.error"
	EventIPLookupError   EventType = "ip-lookup.error"
)

// Event is one emitted occurrence. Fields carries type-specific payload
// (rule kind, reason, error text); values must be scalars.
type Event struct {
	Type       EventType
	Timestamp  time.Time
	DecisionID string
	Fields     map[string]string
}

// Emitter consumes events. Implementations must be safe for concurrent use
// and must not block the caller meaningfully; the engine emits from the
// request path.
type Emitter interface {
	Emit(e Event)
}

// NopEmitter drops everything.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}

// LogEmitter writes events to a zap logger at debug level, denials at info.
type LogEmitter struct {
	Log *zap.Logger
}

// Emit implements Emitter.
func (l LogEmitter) Emit(e Event) {
	if l.Log == nil {
		return
	}
	fields := make([]zap.Field, 0, len(e.Fields)+2)
	fields = append(fields, zap.Time("at", e.Timestamp))
	if e.DecisionID != "" {
		fields = append(fields, zap.String("decisionId", e.DecisionID))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.String(k, v))
	}
	switch e.Type {
	case EventDecisionDenied, EventRuleDeny, EventStorageError, EventIPLookupError:
		l.Log.Info(string(e.Type), fields...)
	default:
		l.Log.Debug(string(e.Type), fields...)
	}
}

// ChannelEmitter forwards events to a channel, dropping when the consumer
// falls behind. Useful for tests and for piping decisions into external
// sinks.
type ChannelEmitter struct {
	C chan Event
}

// NewChannelEmitter builds an emitter with the given buffer.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	return &ChannelEmitter{C: make(chan Event, buffer)}
}

// Emit implements Emitter.
func (c *ChannelEmitter) Emit(e Event) {
	select {
	case c.C <- e:
	default:
	}
}

// MultiEmitter fans out to several emitters.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}
