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
	"context"
	"fmt"
	"strings"

	"guardrail/ipintel"
	"guardrail/rule"
)

// Decision is the engine's verdict for one request. Immutable after
// assembly except for Release, which gives back concurrency slots.
type Decision struct {
	ID         string
	Conclusion rule.Conclusion
	Reason     Reason
	// Results holds every recorded rule result in declared rule order.
	Results []rule.Result
	// IP is the enriched source address info; possibly empty.
	IP ipintel.IPInfo
	// Characteristics is the snapshot the rules were keyed by.
	Characteristics map[string]string
	// Metadata is the caller-supplied metadata snapshot.
	Metadata map[string]any

	releasers []releaser
}

type releaser struct {
	r    rule.Releaser
	deps rule.Deps
	rctx *rule.Context
}

// IsAllowed reports an ALLOW conclusion.
func (d *Decision) IsAllowed() bool { return d.Conclusion == rule.Allow }

// IsDenied reports a DENY conclusion.
func (d *Decision) IsDenied() bool { return d.Conclusion == rule.Deny }

// Release gives back any concurrency slots the decision holds. Call it when
// the request finishes; calling it on a decision without slots is a no-op.
func (d *Decision) Release(ctx context.Context) error {
	var first error
	for _, rel := range d.releasers {
		if err := rel.r.Release(ctx, rel.deps, rel.rctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Explain renders a short operator-facing summary.
func (d *Decision) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "decision %s: %s", d.ID, d.Conclusion)
	if d.IsDenied() {
		fmt.Fprintf(&b, " (%s)", d.Reason.Kind())
	}
	for _, r := range d.Results {
		fmt.Fprintf(&b, "\n  %s: %s", r.Kind, r.Conclusion)
		if r.DryRun {
			b.WriteString(" [dry-run")
			if r.Reason != rule.ReasonNone {
				fmt.Fprintf(&b, ", would deny: %s", r.Reason)
			}
			b.WriteString("]")
		} else if r.Reason != rule.ReasonNone {
			fmt.Fprintf(&b, " (%s)", r.Reason)
		}
		if r.HasLimit {
			fmt.Fprintf(&b, " remaining=%d/%d", r.Remaining, r.Limit)
		}
	}
	return b.String()
}

// RateLimitResult returns the first recorded rate-limit result, for adapters
// emitting X-RateLimit headers.
func (d *Decision) RateLimitResult() (rule.Result, bool) {
	for _, r := range d.Results {
		if r.HasLimit {
			return r, true
		}
	}
	return rule.Result{}, false
}

// Reason wraps the first denying result for callers that branch on the
// denial class. The zero Reason answers false everywhere.
type Reason struct {
	result *rule.Result
}

// Kind returns the denial reason, or rule.ReasonNone when allowed.
func (r Reason) Kind() rule.Reason {
	if r.result == nil {
		return rule.ReasonNone
	}
	return r.result.Reason
}

// IsRateLimit reports a sliding/fixed-window or concurrency denial.
func (r Reason) IsRateLimit() bool { return r.Kind() == rule.ReasonRateLimit }

// IsQuota reports a token-bucket denial.
func (r Reason) IsQuota() bool { return r.Kind() == rule.ReasonQuota }

// IsBot reports a bot-detection denial.
func (r Reason) IsBot() bool { return r.Kind() == rule.ReasonBot }

// IsEmail reports an email-validation denial.
func (r Reason) IsEmail() bool { return r.Kind() == rule.ReasonEmail }

// IsShield reports a payload-scan denial.
func (r Reason) IsShield() bool { return r.Kind() == rule.ReasonShield }

// IsFilter reports a filter or blacklist denial.
func (r Reason) IsFilter() bool { return r.Kind() == rule.ReasonFilter }

// Remaining returns the denying rule's remaining budget, or 0.
func (r Reason) Remaining() int64 {
	if r.result == nil {
		return 0
	}
	return r.result.Remaining
}

// ResetAt returns the denying rule's reset time in epoch-ms, or 0.
func (r Reason) ResetAt() int64 {
	if r.result == nil {
		return 0
	}
	return r.result.ResetAt
}
