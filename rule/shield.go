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
	"net/url"
	"regexp"
	"strings"
)

// AttackCategory names a shield pattern class.
type AttackCategory string

const (
	CategorySQLInjection     AttackCategory = "sql-injection"
	CategoryXSS              AttackCategory = "xss"
	CategoryCommandInjection AttackCategory = "command-injection"
	CategoryPathTraversal    AttackCategory = "path-traversal"
	CategoryLDAPInjection    AttackCategory = "ldap-injection"
	CategoryXXE              AttackCategory = "xxe"
	CategoryHeaderInjection  AttackCategory = "header-injection"
	CategoryLogInjection     AttackCategory = "log-injection"
	CategoryAnomaly          AttackCategory = "anomaly"
)

// shieldPattern is one table entry. Patterns are applied case-insensitively
// to the decoded URL, query, selected headers and (opt-in) body.
type shieldPattern struct {
	category AttackCategory
	re       *regexp.Regexp
}

var shieldTable = []shieldPattern{
	// SQL injection.
	{CategorySQLInjection, regexp.MustCompile(`(?i)\b(union\s+(all\s+)?select|select\s+.{1,100}\s+from|insert\s+into|delete\s+from|drop\s+(table|database)|update\s+\w+\s+set)\b`)},
	{CategorySQLInjection, regexp.MustCompile(`(?i)('\s*(or|and)\s+'?\d+'?\s*=\s*'?\d+|'\s*or\s+'[^']*'\s*=\s*')`)},
	{CategorySQLInjection, regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`)},
	{CategorySQLInjection, regexp.MustCompile(`(?i)(;|\b)--\s|/\*.{0,50}\*/`)},

	// XSS.
	{CategoryXSS, regexp.MustCompile(`(?i)<\s*script\b|<\s*/\s*script\s*>`)},
	{CategoryXSS, regexp.MustCompile(`(?i)\bon(load|error|click|mouseover|focus|submit)\s*=`)},
	{CategoryXSS, regexp.MustCompile(`(?i)javascript\s*:`)},
	{CategoryXSS, regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg)\b[^>]*>`)},

	// Command injection.
	{CategoryCommandInjection, regexp.MustCompile(`(?i)(;|\||&&|\$\(|` + "`" + `)\s*(cat|ls|id|whoami|wget|curl|nc|bash|sh|powershell|cmd(\.exe)?)\b`)},
	{CategoryCommandInjection, regexp.MustCompile(`(?i)(^|[\s='"&;])(/etc/passwd|/etc/shadow|/proc/self/)`)},

	// Path traversal.
	{CategoryPathTraversal, regexp.MustCompile(`(\.\./|\.\.\\){2,}|%2e%2e%2f|%2e%2e/|\.\.%2f`)},

	// LDAP injection.
	{CategoryLDAPInjection, regexp.MustCompile(`(?i)\(\s*[|&]\s*\(\s*\w+\s*=\s*\*`)},
	{CategoryLDAPInjection, regexp.MustCompile(`(?i)\)\s*\(\s*\w+\s*=\s*[^)]*\*`)},

	// XXE.
	{CategoryXXE, regexp.MustCompile(`(?i)<!DOCTYPE[^>]{0,200}\[|<!ENTITY\s|SYSTEM\s+["']file://`)},

	// Header injection (CR/LF smuggled into values).
	{CategoryHeaderInjection, regexp.MustCompile(`(%0d%0a|%0a|%0d|\r|\n)\s*(set-cookie|location|content-type)\s*:`)},

	// Log injection (line breaks plus forged log level markers).
	{CategoryLogInjection, regexp.MustCompile(`(%0a|%0d|\r|\n)\s*(INFO|WARN|ERROR|DEBUG)[\s:\]]`)},

	// Anomaly: null bytes or very long runs of percent-escapes.
	{CategoryAnomaly, regexp.MustCompile(`%00|\x00`)},
	{CategoryAnomaly, regexp.MustCompile(`(%[0-9a-fA-F]{2}){40,}`)},
}

// scannedHeaders are the header names the shield inspects besides the URL.
var scannedHeaders = []string{"user-agent", "referer", "cookie", "x-forwarded-for", "x-api-key"}

// Shield scans the request for payload-level attack signatures. A match on
// any enabled category denies with reason SHIELD.
type Shield struct {
	// Categories restricts scanning; empty means all categories.
	Categories []AttackCategory
	// ScanBody opts the request body in. Off by default: JSON bodies
	// trip too many patterns.
	ScanBody bool
	RuleMode Mode

	enabled map[AttackCategory]bool
}

// Kind implements Rule.
func (r *Shield) Kind() Kind { return KindShield }

// Mode implements Rule.
func (r *Shield) Mode() Mode {
	if r.RuleMode == "" {
		return Live
	}
	return r.RuleMode
}

// Validate implements Rule.
func (r *Shield) Validate() error {
	if r.RuleMode != "" && r.RuleMode != Live && r.RuleMode != DryRun {
		return ErrConfig.New("shield mode %q", r.RuleMode)
	}
	known := map[AttackCategory]bool{}
	for _, p := range shieldTable {
		known[p.category] = true
	}
	r.enabled = map[AttackCategory]bool{}
	for _, c := range r.Categories {
		if !known[c] {
			return ErrConfig.New("shield category %q", c)
		}
		r.enabled[c] = true
	}
	return nil
}

// Evaluate implements Rule. Pure CPU work, no storage access.
func (r *Shield) Evaluate(ctx context.Context, deps Deps, rctx *Context) (Result, error) {
	inputs := r.inputs(rctx)
	for _, p := range shieldTable {
		if len(r.enabled) > 0 && !r.enabled[p.category] {
			continue
		}
		for _, in := range inputs {
			if in == "" {
				continue
			}
			if p.re.MatchString(in) {
				return finish(Result{
					Kind:       KindShield,
					Conclusion: Deny,
					Reason:     ReasonShield,
					Detail:     string(p.category),
				}, r.Mode()), nil
			}
		}
	}
	return finish(Result{Kind: KindShield, Conclusion: Allow}, r.Mode()), nil
}

// inputs collects the scan surfaces: decoded path, raw and decoded query,
// selected headers, and the body when opted in.
func (r *Shield) inputs(rctx *Context) []string {
	out := []string{rctx.Path, rctx.Query}
	if dec, err := url.QueryUnescape(rctx.Query); err == nil && dec != rctx.Query {
		out = append(out, dec)
	}
	if dec, err := url.PathUnescape(rctx.Path); err == nil && dec != rctx.Path {
		out = append(out, dec)
	}
	for _, h := range scannedHeaders {
		if v := rctx.Header(h); v != "" {
			out = append(out, v)
		}
	}
	if r.ScanBody && rctx.Body != "" {
		out = append(out, rctx.Body)
	}
	// The query arrives both raw and as decoded key=value pairs so
	// encodings cannot hide a payload split across parameters.
	if vals, err := url.ParseQuery(rctx.Query); err == nil {
		for k, vs := range vals {
			out = append(out, k)
			out = append(out, strings.Join(vs, " "))
		}
	}
	return out
}
