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

package rule

import (
	"context"

	"go.uber.org/zap"

	"guardrail/internal/filterexpr"
)

// Filter evaluates declarative expressions against the request bag.
// Deny expressions are checked first; when Allow is non-empty, at least one
// must be truthy.
type Filter struct {
	Allow    []string
	Deny     []string
	RuleMode Mode

	allowProgs []*filterexpr.Program
	denyProgs  []*filterexpr.Program
}

// Kind implements Rule.
func (r *Filter) Kind() Kind { return KindFilter }

// Mode implements Rule.
func (r *Filter) Mode() Mode {
	if r.RuleMode == "" {
		return Live
	}
	return r.RuleMode
}

// Validate implements Rule. Expressions compile once here; a compile error
// is a configuration error, not a runtime one.
func (r *Filter) Validate() error {
	if r.RuleMode != "" && r.RuleMode != Live && r.RuleMode != DryRun {
		return ErrConfig.New("filter mode %q", r.RuleMode)
	}
	if len(r.Allow) == 0 && len(r.Deny) == 0 {
		return ErrConfig.New("filter requires at least one allow or deny expression")
	}
	r.allowProgs = r.allowProgs[:0]
	r.denyProgs = r.denyProgs[:0]
	for _, src := range r.Deny {
		p, err := filterexpr.Compile(src)
		if err != nil {
			return ErrConfig.New("filter deny expression %q: %v", src, err)
		}
		r.denyProgs = append(r.denyProgs, p)
	}
	for _, src := range r.Allow {
		p, err := filterexpr.Compile(src)
		if err != nil {
			return ErrConfig.New("filter allow expression %q: %v", src, err)
		}
		r.allowProgs = append(r.allowProgs, p)
	}
	return nil
}

// Evaluate implements Rule. Evaluation errors count as false: a broken
// predicate must not deny (for allow lists, must not admit).
func (r *Filter) Evaluate(ctx context.Context, deps Deps, rctx *Context) (Result, error) {
	for i, p := range r.denyProgs {
		if r.eval(deps, p, r.Deny[i], rctx.FilterBag) {
			return finish(Result{
				Kind:       KindFilter,
				Conclusion: Deny,
				Reason:     ReasonFilter,
				Detail:     r.Deny[i],
			}, r.Mode()), nil
		}
	}
	if len(r.allowProgs) > 0 {
		matched := false
		for i, p := range r.allowProgs {
			if r.eval(deps, p, r.Allow[i], rctx.FilterBag) {
				matched = true
				break
			}
		}
		if !matched {
			return finish(Result{
				Kind:       KindFilter,
				Conclusion: Deny,
				Reason:     ReasonFilter,
				Detail:     "no allow expression matched",
			}, r.Mode()), nil
		}
	}
	return finish(Result{Kind: KindFilter, Conclusion: Allow}, r.Mode()), nil
}

func (r *Filter) eval(deps Deps, p *filterexpr.Program, src string, bag map[string]any) bool {
	ok, err := p.Eval(bag)
	if err != nil {
		deps.logger().Warn("filter expression failed", zap.String("expr", src), zap.Error(err))
		return false
	}
	return ok
}
