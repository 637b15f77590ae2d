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

package fingerprint

import (
	"strings"
	"testing"
)

func TestBuildBasic(t *testing.T) {
	fp, err := Build([]string{"ip.src", "userId"}, map[string]string{
		"ip.src": "10.0.0.10",
		"userId": "user1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp != "ip.src:10.0.0.10|userId:user1" {
		t.Fatalf("unexpected fingerprint: %q", fp)
	}
}

func TestBuildDeterministic(t *testing.T) {
	keys := []string{"ip.src", "tier", "userId"}
	a := map[string]string{"ip.src": "1.2.3.4", "tier": "pro", "userId": "u9"}
	b := map[string]string{"userId": "u9", "ip.src": "1.2.3.4", "tier": "pro"}
	fa, err := Build(keys, a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := Build(keys, b)
	if err != nil {
		t.Fatal(err)
	}
	if fa != fb {
		t.Fatalf("fingerprint not deterministic: %q vs %q", fa, fb)
	}
}

func TestBuildSkipsMissing(t *testing.T) {
	fp, err := Build([]string{"userId", "tier"}, map[string]string{"userId": "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if fp != "userId:u1" {
		t.Fatalf("unexpected fingerprint: %q", fp)
	}
}

func TestBuildNoneResolved(t *testing.T) {
	if _, err := Build([]string{"userId"}, map[string]string{"other": "x"}); err == nil {
		t.Fatal("expected error when nothing resolves")
	}
}

func TestBuildSanitizes(t *testing.T) {
	fp, err := Build([]string{"ua"}, map[string]string{"ua": "Mozilla/5.0 (X11)"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.ContainsAny(fp, "/ ()") {
		t.Fatalf("fingerprint not sanitized: %q", fp)
	}
}

func TestBuildHashesLongComponents(t *testing.T) {
	long := strings.Repeat("x", 300)
	fp, err := Build([]string{"k"}, map[string]string{"k": long})
	if err != nil {
		t.Fatal(err)
	}
	if len(fp) > 100 {
		t.Fatalf("long component not hashed, len=%d", len(fp))
	}
	// Same input must hash identically.
	fp2, _ := Build([]string{"k"}, map[string]string{"k": long})
	if fp != fp2 {
		t.Fatal("hashed component not deterministic")
	}
}

func TestBuildTotalLengthCap(t *testing.T) {
	chars := map[string]string{}
	keys := []string{}
	for i := 0; i < 20; i++ {
		k := strings.Repeat("k", 40) + string(rune('a'+i))
		keys = append(keys, k)
		chars[k] = strings.Repeat("v", 50)
	}
	fp, err := Build(keys, chars)
	if err != nil {
		t.Fatal(err)
	}
	if len(fp) > 500 {
		t.Fatalf("fingerprint exceeds cap: %d", len(fp))
	}
}
