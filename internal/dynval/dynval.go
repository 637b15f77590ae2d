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

// Package dynval resolves rule limits that are not plain literals: a limit
// may be a literal, a caller-supplied function of the request context, or a
// dotted path into the request metadata. Function sources are bounded by a
// deadline and recover from panics; path lookups reject reserved names and
// excessive depth so that no lookup can reach shared object internals.
package dynval

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// funcDeadline bounds a resolver function invocation.
const funcDeadline = 5 * time.Second

// maxPathDepth bounds dotted path traversal.
const maxPathDepth = 10

var componentRe = regexp.MustCompile(`^[A-Za-z0-9_$]+$`)

// reserved path components never resolve; they are the names an attacker
// would use to walk object internals in dynamic runtimes, kept rejected here
// for cross-runtime config portability.
var reserved = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Bag carries the three namespaces a path may resolve against, searched in
// order: metadata, options, characteristics. The absolute prefixes
// "metadata.", "options." and "characteristics." bypass the search.
type Bag struct {
	Metadata        map[string]any
	Options         map[string]any
	Characteristics map[string]any
}

// Func computes a limit from the request context bag.
type Func func(ctx context.Context, bag Bag) (int64, error)

// Int is a dynamic integer value: exactly one of the three sources is set.
// The zero value is "unset" and always resolves to the caller's default.
type Int struct {
	literal int64
	hasLit  bool
	fn      Func
	path    string
}

// Lit returns a literal value.
func Lit(v int64) Int { return Int{literal: v, hasLit: true} }

// Fn returns a function-backed value.
func Fn(f Func) Int { return Int{fn: f} }

// Path returns a dotted-path value.
func Path(p string) Int { return Int{path: p} }

// IsZero reports whether no source is set.
func (d Int) IsZero() bool { return !d.hasLit && d.fn == nil && d.path == "" }

// IsPath reports whether the value is resolved via a dotted path. Rules use
// this to add a discriminator to their storage keys so that different
// dynamic-limit instances do not collide.
func (d Int) IsPath() bool { return d.path != "" }

// PathDiscriminator returns the path with dots flattened, for embedding into
// storage keys.
func (d Int) PathDiscriminator() string {
	return strings.ReplaceAll(d.path, ".", "_")
}

// Resolve produces the effective value, falling back to def on any guard
// rejection, timeout, panic or missing path.
func (d Int) Resolve(ctx context.Context, bag Bag, def int64) int64 {
	switch {
	case d.hasLit:
		return d.literal
	case d.fn != nil:
		v, ok := callGuarded(ctx, d.fn, bag)
		if !ok {
			return def
		}
		return v
	case d.path != "":
		v, ok := lookupPath(d.path, bag)
		if !ok {
			return def
		}
		n, ok := coerceInt(v)
		if !ok {
			return def
		}
		return n
	default:
		return def
	}
}

func callGuarded(ctx context.Context, fn Func, bag Bag) (v int64, ok bool) {
	cctx, cancel := context.WithTimeout(ctx, funcDeadline)
	defer cancel()

	type result struct {
		v   int64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if recover() != nil {
				ch <- result{err: context.Canceled}
			}
		}()
		v, err := fn(cctx, bag)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, false
		}
		return r.v, true
	case <-cctx.Done():
		return 0, false
	}
}

// lookupPath walks a dotted path across the bag namespaces.
func lookupPath(path string, bag Bag) (any, bool) {
	comps := strings.Split(path, ".")
	if len(comps) == 0 || len(comps) > maxPathDepth {
		return nil, false
	}
	for _, c := range comps {
		if reserved[strings.ToLower(c)] || !componentRe.MatchString(c) {
			return nil, false
		}
	}

	switch comps[0] {
	case "metadata":
		return walk(bag.Metadata, comps[1:])
	case "options":
		return walk(bag.Options, comps[1:])
	case "characteristics":
		return walk(bag.Characteristics, comps[1:])
	}
	for _, m := range []map[string]any{bag.Metadata, bag.Options, bag.Characteristics} {
		if v, ok := walk(m, comps); ok {
			return v, true
		}
	}
	return nil, false
}

func walk(m map[string]any, comps []string) (any, bool) {
	if len(comps) == 0 {
		return nil, false
	}
	var cur any = m
	for _, c := range comps {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[c]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func coerceInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
