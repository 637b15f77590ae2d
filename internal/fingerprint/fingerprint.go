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

// Package fingerprint derives the canonical request fingerprint used as the
// suffix of rate-limit storage keys. The fingerprint is deterministic for a
// given (keys, characteristics) pair: reordering the characteristics map does
// not change the result as long as the key list is held fixed.
package fingerprint

import (
	"fmt"
	"hash/fnv"
	"strings"
)

const (
	// maxComponentLen is the longest a single "key:value" component may be
	// before it is replaced by a hashed form.
	maxComponentLen = 100

	// maxTotalLen bounds the final fingerprint. Anything longer collapses
	// into a single hash so storage keys stay well under backend limits.
	maxTotalLen = 500
)

// Build constructs the fingerprint "k1:v1|k2:v2|..." from the ordered key
// list, reading values from chars. Keys with no resolved value are skipped.
// It returns an error when no characteristic resolved at all, since an empty
// fingerprint would collapse every caller into one shared rate-limit bucket.
func Build(keys []string, chars map[string]string) (string, error) {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := chars[k]
		if !ok || v == "" {
			continue
		}
		comp := sanitize(k) + ":" + sanitize(v)
		if len(comp) > maxComponentLen {
			comp = comp[:64] + "-" + hashHex(comp)
		}
		parts = append(parts, comp)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("fingerprint: no characteristics resolved for keys %v", keys)
	}
	fp := strings.Join(parts, "|")
	if len(fp) > maxTotalLen {
		fp = fp[:maxTotalLen-17] + "-" + hashHex(fp)
	}
	return fp, nil
}

// sanitize maps every byte outside [A-Za-z0-9_\-:.] to '_'.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '_' || c == '-' || c == ':' || c == '.':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// hashHex returns a 16-hex-char FNV-1a digest. FNV keeps the hot path
// allocation-free and is stable across processes.
func hashHex(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}
