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

package filterexpr

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalOK(t *testing.T, src string, bag map[string]any) bool {
	t.Helper()
	p, err := Compile(src)
	require.NoError(t, err, "compile %q", src)
	got, err := p.Eval(bag)
	require.NoError(t, err, "eval %q", src)
	return got
}

func TestComparisons(t *testing.T) {
	bag := map[string]any{
		"ip.src.country": "CA",
		"tier":           "pro",
		"requests":       float64(42),
		"ip.src.vpn":     true,
	}
	cases := []struct {
		src  string
		want bool
	}{
		{`ip.src.country == "CA"`, true},
		{`ip.src.country eq "CA"`, true},
		{`ip.src.country != "US"`, true},
		{`ip.src.country ne "US"`, true},
		{`ip.src.country ne "CA"`, false},
		{`requests > 10`, true},
		{`requests >= 42`, true},
		{`requests < 42`, false},
		{`requests <= 41`, false},
		{`requests == 42`, true},
		{`requests == "42"`, true},
		{`ip.src.vpn == true`, true},
		{`ip.src.vpn`, true},
		{`not ip.src.vpn`, false},
		{`!ip.src.vpn`, false},
		{`tier in ["free", "pro"]`, true},
		{`tier in ["free", "basic"]`, false},
		{`tier in []`, false},
		{`tier == "pro" and requests > 10`, true},
		{`tier == "pro" && requests > 100`, false},
		{`tier == "x" or requests > 10`, true},
		{`tier == "x" || requests > 100`, false},
		{`(tier == "x" or tier == "pro") and requests > 10`, true},
		{`not (tier == "pro")`, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, evalOK(t, c.src, bag), "expr %q", c.src)
	}
}

func TestPrecedence(t *testing.T) {
	// "a or b and c" parses as "a or (b and c)".
	bag := map[string]any{"a": true, "b": false, "c": false}
	assert.True(t, evalOK(t, `a or b and c`, bag))
	bag = map[string]any{"a": false, "b": true, "c": false}
	assert.False(t, evalOK(t, `a or b and c`, bag))
}

func TestUnknownIdentifierIsFalsy(t *testing.T) {
	assert.False(t, evalOK(t, `missing.key`, map[string]any{}))
	// Absent value compares as empty string.
	assert.True(t, evalOK(t, `missing.key ne "US"`, map[string]any{}))
	assert.False(t, evalOK(t, `missing.key eq "US"`, map[string]any{}))
}

func TestBracketIdentifiers(t *testing.T) {
	bag := map[string]any{"http.request.headers.user-agent": "curl/8.0"}
	assert.True(t, evalOK(t, `http.request.headers["user-agent"] matches ("^curl")`, bag))
}

func TestMatchesGuards(t *testing.T) {
	_, err := Compile(`x matches ("` + strings.Repeat("a", 1500) + `")`)
	require.Error(t, err, "overlong pattern must be rejected")

	_, err = Compile(`x matches ("(a+)+$")`)
	require.Error(t, err, "nested quantifier must be rejected")

	_, err = Compile(`x matches ("(a*)*")`)
	require.Error(t, err)

	quants := strings.Repeat("a{1,2}", 25)
	_, err = Compile(`x matches ("` + quants + `")`)
	require.Error(t, err, "too many bounded quantifiers")

	// Long inputs are capped, not errors.
	p, err := Compile(`x matches ("^a")`)
	require.NoError(t, err)
	got, err := p.Eval(map[string]any{"x": strings.Repeat("a", 50000)})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		``, `(`, `a ==`, `a == b ==`, `a in`, `a in [`, `a matches`, `a matches (`,
		`a &`, `a |`, `a = b`, `"unterminated`, `a @ b`,
	} {
		_, err := Compile(src)
		assert.Error(t, err, "expr %q should not compile", src)
	}
}

// TestNoHostEscape throws grammar-shaped garbage at the compiler and
// evaluator; every input must either fail cleanly or produce a boolean.
func TestNoHostEscape(t *testing.T) {
	atoms := []string{
		"ip.src", `"x"`, "42", "true", "false", "(", ")", "[", "]", ",",
		"and", "or", "not", "==", "!=", ">", "in", "matches", "__proto__",
		"constructor", `"]; process.exit(1); ["`,
	}
	bag := map[string]any{"ip.src": "1.2.3.4"}
	seed := uint64(0x9e3779b97f4a7c15)
	for i := 0; i < 2000; i++ {
		var b strings.Builder
		n := int(seed%7) + 1
		for j := 0; j < n; j++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			b.WriteString(atoms[seed%uint64(len(atoms))])
			b.WriteByte(' ')
		}
		p, err := Compile(b.String())
		if err != nil {
			continue
		}
		// Evaluation must terminate and never panic.
		_, _ = p.Eval(bag)
	}
}
