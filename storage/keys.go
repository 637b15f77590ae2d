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

package storage

import (
	"regexp"
	"strings"
)

// DefaultPrefix namespaces every key this module writes.
const DefaultPrefix = "guardrail:"

// maxKeyComponentLen caps a single user-supplied key component.
const maxKeyComponentLen = 512

var prefixRe = regexp.MustCompile(`^[A-Za-z0-9_\-:]{1,50}$`)

// ValidatePrefix rejects prefixes that could smuggle separators or grow
// without bound.
func ValidatePrefix(prefix string) error {
	if !prefixRe.MatchString(prefix) {
		return Error.New("invalid key prefix %q: must match %s", prefix, prefixRe.String())
	}
	return nil
}

// SanitizeComponent maps every byte outside [A-Za-z0-9_\-:.|] to '_' and caps
// the component length. '|' survives because fingerprints use it as their
// separator.
func SanitizeComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s) && i < maxKeyComponentLen; i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '_' || c == '-' || c == ':' || c == '.' || c == '|':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Key assembles "{prefix}{kind}:{part1}:{part2}..." with every part
// sanitized. Empty parts are dropped.
func Key(prefix, kind string, parts ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(kind)
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteByte(':')
		b.WriteString(SanitizeComponent(p))
	}
	return b.String()
}
