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
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalRule(t *testing.T, r Rule, rctx *Context) Result {
	t.Helper()
	require.NoError(t, r.Validate())
	res, err := r.Evaluate(context.Background(), Deps{}, rctx)
	require.NoError(t, err)
	return res
}

func TestShieldSQLInjection(t *testing.T) {
	r := &Shield{}
	res := evalRule(t, r, &Context{
		Method:  "GET",
		Path:    "/api",
		Query:   "q=SELECT+%2A+FROM+users",
		Headers: map[string]string{"user-agent": "Mozilla/5.0"},
	})
	assert.Equal(t, Deny, res.Conclusion)
	assert.Equal(t, ReasonShield, res.Reason)
	assert.Equal(t, string(CategorySQLInjection), res.Detail)
}

func TestShieldClean(t *testing.T) {
	r := &Shield{}
	res := evalRule(t, r, &Context{
		Method:  "GET",
		Path:    "/api/users",
		Query:   "page=2&limit=50",
		Headers: map[string]string{"user-agent": "Mozilla/5.0"},
	})
	assert.Equal(t, Allow, res.Conclusion)
}

func TestShieldCategories(t *testing.T) {
	cases := []struct {
		name     string
		rctx     Context
		category AttackCategory
	}{
		{"xss", Context{Query: "name=%3Cscript%3Ealert(1)%3C/script%3E"}, CategoryXSS},
		{"path traversal", Context{Path: "/files/../../../../etc/config"}, CategoryPathTraversal},
		{"command injection", Context{Query: "host=1.1.1.1;cat+/etc/passwd"}, CategoryCommandInjection},
		{"xxe", Context{Body: `<!DOCTYPE foo [<!ENTITY xxe SYSTEM "file:///secret/config">]>`}, CategoryXXE},
		{"null byte", Context{Path: "/download/report%00.pdf"}, CategoryAnomaly},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &Shield{ScanBody: tc.rctx.Body != ""}
			res := evalRule(t, r, &tc.rctx)
			assert.Equal(t, Deny, res.Conclusion)
			assert.Equal(t, string(tc.category), res.Detail)
		})
	}
}

func TestShieldBodyOptIn(t *testing.T) {
	body := `{"q":"SELECT secret FROM vault"}`

	// Body is not scanned by default.
	res := evalRule(t, &Shield{}, &Context{Path: "/api", Body: body})
	assert.Equal(t, Allow, res.Conclusion)

	res = evalRule(t, &Shield{ScanBody: true}, &Context{Path: "/api", Body: body})
	assert.Equal(t, Deny, res.Conclusion)
}

func TestShieldCategoryFilter(t *testing.T) {
	// Only XSS enabled: SQL injection passes through.
	r := &Shield{Categories: []AttackCategory{CategoryXSS}}
	res := evalRule(t, r, &Context{Query: "q=union+select+password+from+users"})
	assert.Equal(t, Allow, res.Conclusion)
}

func TestShieldValidate(t *testing.T) {
	assert.Error(t, (&Shield{Categories: []AttackCategory{"ransomware"}}).Validate())
	assert.Error(t, (&Shield{RuleMode: "AUDIT"}).Validate())
}

func TestDetectBotAllowEmptyDeniesAll(t *testing.T) {
	r := &DetectBot{Allow: []string{}}
	res := evalRule(t, r, &Context{Headers: map[string]string{
		"user-agent": "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
	}})
	assert.Equal(t, Deny, res.Conclusion)
	assert.Equal(t, ReasonBot, res.Reason)
	assert.Equal(t, "GOOGLE_CRAWLER", res.Detail)
}

func TestDetectBotAllowList(t *testing.T) {
	r := &DetectBot{Allow: []string{"GOOGLE_CRAWLER"}}

	res := evalRule(t, r, &Context{Headers: map[string]string{"user-agent": "Googlebot/2.1"}})
	assert.Equal(t, Allow, res.Conclusion)

	res = evalRule(t, r, &Context{Headers: map[string]string{"user-agent": "curl/8.4.0"}})
	assert.Equal(t, Deny, res.Conclusion)
}

func TestDetectBotBlockList(t *testing.T) {
	r := &DetectBot{Block: []string{"CURL"}}

	res := evalRule(t, r, &Context{Headers: map[string]string{"user-agent": "curl/8.4.0"}})
	assert.Equal(t, Deny, res.Conclusion)

	// Other bots pass when only Block is set.
	res = evalRule(t, r, &Context{Headers: map[string]string{"user-agent": "Googlebot/2.1"}})
	assert.Equal(t, Allow, res.Conclusion)
}

func TestDetectBotUnknownUAAllows(t *testing.T) {
	r := &DetectBot{Allow: []string{}}

	res := evalRule(t, r, &Context{Headers: map[string]string{
		"user-agent": "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
	}})
	assert.Equal(t, Allow, res.Conclusion)

	// Missing UA is treated the same as unknown.
	res = evalRule(t, r, &Context{})
	assert.Equal(t, Allow, res.Conclusion)
}

// fakeResolver scripts MX answers per domain.
type fakeResolver struct {
	mx  map[string][]*net.MX
	err map[string]error
}

func (f *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	if err, ok := f.err[name]; ok {
		return nil, err
	}
	return f.mx[name], nil
}

func TestValidateEmailDisposable(t *testing.T) {
	r := &ValidateEmail{Block: []EmailReason{EmailDisposable, EmailInvalid}}
	res := evalRule(t, r, &Context{Email: "user@10minutemail.com"})
	assert.Equal(t, Deny, res.Conclusion)
	assert.Equal(t, ReasonEmail, res.Reason)
	assert.Equal(t, string(EmailDisposable), res.Detail)
}

func TestValidateEmailInvalid(t *testing.T) {
	r := &ValidateEmail{Block: []EmailReason{EmailInvalid}}
	for _, email := range []string{"not-an-email", "user@", "@domain.com", "user@nodot", "a b@x.com"} {
		res := evalRule(t, r, &Context{Email: email})
		assert.Equal(t, Deny, res.Conclusion, "email %q", email)
		assert.Equal(t, string(EmailInvalid), res.Detail)
	}
}

func TestValidateEmailReasons(t *testing.T) {
	cases := []struct {
		email  string
		reason EmailReason
	}{
		{"user@gmail.com", EmailFree},
		{"admin@company-example.com", EmailRoleBased},
		{"user@gmial.com", EmailTypoDomain},
		{"user@duck.com", EmailCatchAll},
	}
	for _, tc := range cases {
		r := &ValidateEmail{Block: []EmailReason{tc.reason}}
		res := evalRule(t, r, &Context{Email: tc.email})
		assert.Equal(t, Deny, res.Conclusion, "email %q", tc.email)
		assert.Equal(t, string(tc.reason), res.Detail)
	}
}

func TestValidateEmailUnconfiguredReasonAllows(t *testing.T) {
	// FREE triggers but only DISPOSABLE is blocked.
	r := &ValidateEmail{Block: []EmailReason{EmailDisposable}}
	res := evalRule(t, r, &Context{Email: "user@gmail.com"})
	assert.Equal(t, Allow, res.Conclusion)
}

func TestValidateEmailMX(t *testing.T) {
	resolver := &fakeResolver{
		mx: map[string][]*net.MX{
			"withmx.example":    {{Host: "mx1.withmx.example", Pref: 10}},
			"nomx.example":      {},
		},
		err: map[string]error{
			"missing.example": &net.DNSError{Err: "no such host", IsNotFound: true},
			"flaky.example":   &net.DNSError{Err: "server misbehaving", IsTemporary: true},
		},
	}

	r := &ValidateEmail{Block: []EmailReason{EmailNoMXRecords}, Resolver: resolver}
	res := evalRule(t, r, &Context{Email: "user@withmx.example"})
	assert.Equal(t, Allow, res.Conclusion)

	res = evalRule(t, r, &Context{Email: "user@nomx.example"})
	assert.Equal(t, Deny, res.Conclusion)
	assert.Equal(t, string(EmailNoMXRecords), res.Detail)

	res = evalRule(t, r, &Context{Email: "user@missing.example"})
	assert.Equal(t, Deny, res.Conclusion)

	// DNS infrastructure failure without UNVERIFIABLE in policy: allow.
	res = evalRule(t, r, &Context{Email: "user@flaky.example"})
	assert.Equal(t, Allow, res.Conclusion)

	unverif := &ValidateEmail{Block: []EmailReason{EmailUnverifiable}, Resolver: resolver}
	res = evalRule(t, unverif, &Context{Email: "user@flaky.example"})
	assert.Equal(t, Deny, res.Conclusion)
	assert.Equal(t, string(EmailUnverifiable), res.Detail)
}

func TestValidateEmailNoEmailAllows(t *testing.T) {
	r := &ValidateEmail{Block: []EmailReason{EmailDisposable, EmailInvalid}}
	res := evalRule(t, r, &Context{})
	assert.Equal(t, Allow, res.Conclusion)
}

func TestFilterDeny(t *testing.T) {
	r := &Filter{Deny: []string{`ip.src.country ne "US"`}}
	res := evalRule(t, r, &Context{FilterBag: map[string]any{
		"ip.src.country": "CA",
	}})
	assert.Equal(t, Deny, res.Conclusion)
	assert.Equal(t, ReasonFilter, res.Reason)

	res = evalRule(t, r, &Context{FilterBag: map[string]any{
		"ip.src.country": "US",
	}})
	assert.Equal(t, Allow, res.Conclusion)
}

func TestFilterDryRun(t *testing.T) {
	r := &Filter{Deny: []string{`ip.src.country ne "US"`}, RuleMode: DryRun}
	res := evalRule(t, r, &Context{FilterBag: map[string]any{
		"ip.src.country": "CA",
	}})
	assert.Equal(t, Allow, res.Conclusion)
	assert.True(t, res.DryRun)
	assert.Equal(t, ReasonFilter, res.Reason)
}

func TestFilterAllowMustMatch(t *testing.T) {
	r := &Filter{Allow: []string{`ip.src.country eq "US"`, `tier eq "enterprise"`}}

	res := evalRule(t, r, &Context{FilterBag: map[string]any{"tier": "enterprise"}})
	assert.Equal(t, Allow, res.Conclusion)

	res = evalRule(t, r, &Context{FilterBag: map[string]any{"tier": "free", "ip.src.country": "CA"}})
	assert.Equal(t, Deny, res.Conclusion)
}

func TestFilterDenyBeatsAllow(t *testing.T) {
	r := &Filter{
		Allow: []string{`tier eq "enterprise"`},
		Deny:  []string{`ip.src.vpn == true`},
	}
	res := evalRule(t, r, &Context{FilterBag: map[string]any{
		"tier":       "enterprise",
		"ip.src.vpn": true,
	}})
	assert.Equal(t, Deny, res.Conclusion)
}

func TestFilterValidate(t *testing.T) {
	assert.Error(t, (&Filter{}).Validate())
	assert.Error(t, (&Filter{Deny: []string{`ip.src.country ===`}}).Validate())
	assert.NoError(t, (&Filter{Deny: []string{`http.request.headers["user-agent"] matches("(?i)bot")`}}).Validate())
}
