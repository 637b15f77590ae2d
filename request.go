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
	"strings"

	"guardrail/ipintel"
	"guardrail/rule"
)

// Request is the abstract request capability adapters provide. Headers use
// lower-cased names with single values; adapters collapse multi-valued
// headers before handing off.
type Request struct {
	Method string
	Path   string
	Query  string
	// Headers must include x-forwarded-for / x-real-ip / user-agent when
	// present on the wire.
	Headers map[string]string
	// Body is set only when the adapter opted in to body capture.
	Body string
}

// Header returns a header by lower-cased name.
func (r *Request) Header(name string) string {
	if r == nil || r.Headers == nil {
		return ""
	}
	return r.Headers[strings.ToLower(name)]
}

// Options is the adapter-supplied options bag accompanying a request.
type Options struct {
	UserID    string
	Email     string
	Tier      string
	Requested int64
	Metadata  map[string]any
	// Characteristics adds or overrides extracted characteristic keys.
	Characteristics map[string]string
}

// sourceIP extracts the client address: first X-Forwarded-For hop, then
// X-Real-IP, else "unknown".
func sourceIP(req *Request) string {
	if xff := req.Header("x-forwarded-for"); xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(req.Header("x-real-ip")); ip != "" {
		return ip
	}
	return "unknown"
}

// extractCharacteristics builds the keying snapshot from request and
// options.
func extractCharacteristics(req *Request, opts *Options) map[string]string {
	chars := map[string]string{
		"ip.src": sourceIP(req),
	}
	if ua := req.Header("user-agent"); ua != "" {
		chars["http.user-agent"] = ua
	}
	if opts != nil {
		if opts.UserID != "" {
			chars["userId"] = opts.UserID
		}
		if opts.Tier != "" {
			chars["tier"] = opts.Tier
		}
		if opts.Email != "" {
			chars["email"] = opts.Email
		}
		for k, v := range opts.Characteristics {
			chars[k] = v
		}
	}
	return chars
}

// buildFilterBag flattens characteristics, enriched IP fields and request
// fields into the namespace filter expressions resolve against.
func buildFilterBag(req *Request, chars map[string]string, info ipintel.IPInfo) map[string]any {
	bag := make(map[string]any, len(chars)+24)
	for k, v := range chars {
		bag[k] = v
	}

	bag["ip.src.country"] = info.Country
	bag["ip.src.countryName"] = info.CountryName
	bag["ip.src.region"] = info.Region
	bag["ip.src.city"] = info.City
	bag["ip.src.continent"] = info.Continent
	bag["ip.src.timezone"] = info.Timezone
	bag["ip.src.asn"] = info.ASN
	bag["ip.src.asnName"] = info.ASNName
	bag["ip.src.asnDomain"] = info.ASNDomain
	bag["ip.src.asnType"] = string(info.ASNType)
	bag["ip.src.vpn"] = info.IsVPN
	bag["ip.src.proxy"] = info.IsProxy
	bag["ip.src.hosting"] = info.IsHosting
	bag["ip.src.relay"] = info.IsRelay
	bag["ip.src.tor"] = info.IsTor

	bag["http.request.method"] = req.Method
	bag["http.request.path"] = req.Path
	bag["http.request.query"] = req.Query
	for name, v := range req.Headers {
		bag["http.request.headers."+strings.ToLower(name)] = v
	}
	return bag
}

// buildRuleContext assembles the per-request view handed to every rule.
func buildRuleContext(id string, req *Request, opts *Options, chars map[string]string, info ipintel.IPInfo) *rule.Context {
	rctx := &rule.Context{
		Method:          req.Method,
		Path:            req.Path,
		Query:           req.Query,
		Headers:         lowerHeaders(req.Headers),
		Body:            req.Body,
		Characteristics: chars,
		IP:              info,
		RequestID:       id,
		FilterBag:       buildFilterBag(req, chars, info),
	}
	if opts != nil {
		rctx.Email = opts.Email
		rctx.UserID = opts.UserID
		rctx.Requested = opts.Requested
		rctx.Metadata = opts.Metadata
	}
	return rctx
}

func lowerHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = v
	}
	return out
}
