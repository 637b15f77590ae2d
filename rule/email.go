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
	"errors"
	"net"
	"net/mail"
	"strings"
)

// EmailReason classifies why an email failed validation.
type EmailReason string

const (
	EmailDisposable   EmailReason = "DISPOSABLE"
	EmailInvalid      EmailReason = "INVALID"
	EmailNoMXRecords  EmailReason = "NO_MX_RECORDS"
	EmailFree         EmailReason = "FREE"
	EmailRoleBased    EmailReason = "ROLE_BASED"
	EmailCatchAll     EmailReason = "CATCH_ALL"
	EmailUnverifiable EmailReason = "UNVERIFIABLE"
	EmailTypoDomain   EmailReason = "TYPO_DOMAIN"
)

// disposableDomains is a curated subset of throwaway mail services.
var disposableDomains = map[string]bool{
	"10minutemail.com":   true,
	"10minutemail.net":   true,
	"guerrillamail.com":  true,
	"guerrillamail.net":  true,
	"mailinator.com":     true,
	"tempmail.com":       true,
	"temp-mail.org":      true,
	"throwaway.email":    true,
	"yopmail.com":        true,
	"sharklasers.com":    true,
	"getnada.com":        true,
	"maildrop.cc":        true,
	"trashmail.com":      true,
	"fakeinbox.com":      true,
	"dispostable.com":    true,
	"mintemail.com":      true,
	"spamgourmet.com":    true,
	"mytemp.email":       true,
	"burnermail.io":      true,
	"mail-temporaire.fr": true,
}

// freeDomains covers the major free providers.
var freeDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"yahoo.co.uk":    true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"msn.com":        true,
	"aol.com":        true,
	"icloud.com":     true,
	"me.com":         true,
	"mail.com":       true,
	"gmx.com":        true,
	"gmx.de":         true,
	"web.de":         true,
	"protonmail.com": true,
	"proton.me":      true,
	"zoho.com":       true,
	"yandex.com":     true,
	"yandex.ru":      true,
	"mail.ru":        true,
}

// roleLocals are role accounts rather than people.
var roleLocals = map[string]bool{
	"admin":        true,
	"administrator": true,
	"info":         true,
	"support":      true,
	"sales":        true,
	"contact":      true,
	"help":         true,
	"office":       true,
	"billing":      true,
	"abuse":        true,
	"security":     true,
	"postmaster":   true,
	"webmaster":    true,
	"hostmaster":   true,
	"noreply":      true,
	"no-reply":     true,
	"marketing":    true,
	"hr":           true,
	"jobs":         true,
	"careers":      true,
	"team":         true,
	"hello":        true,
}

// typoDomains maps common misspellings to the intended domain.
var typoDomains = map[string]string{
	"gmial.com":    "gmail.com",
	"gmal.com":     "gmail.com",
	"gamil.com":    "gmail.com",
	"gnail.com":    "gmail.com",
	"gmail.co":     "gmail.com",
	"gmail.cm":     "gmail.com",
	"gmaill.com":   "gmail.com",
	"yaho.com":     "yahoo.com",
	"yahooo.com":   "yahoo.com",
	"yhoo.com":     "yahoo.com",
	"hotmal.com":   "hotmail.com",
	"hotmial.com":  "hotmail.com",
	"hotmai.com":   "hotmail.com",
	"hotmil.com":   "hotmail.com",
	"outlok.com":   "outlook.com",
	"outloook.com": "outlook.com",
	"iclould.com":  "icloud.com",
	"icloud.co":    "icloud.com",
}

// catchAllDomains are services known to accept any local part.
var catchAllDomains = map[string]bool{
	"simplelogin.io":  true,
	"anonaddy.com":    true,
	"addy.io":         true,
	"duck.com":        true,
	"mozmail.com":     true,
	"passmail.net":    true,
	"icloudmail.com":  true,
}

// MXResolver is the DNS surface the rule needs; *net.Resolver satisfies it.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// ValidateEmail checks the request email against the configured Block
// reasons. Syntactic and dictionary checks are pure; MX lookup runs only
// when NO_MX_RECORDS or UNVERIFIABLE is in the policy.
type ValidateEmail struct {
	// Block lists the reasons that deny. Empty defaults to
	// {DISPOSABLE, INVALID, NO_MX_RECORDS}.
	Block    []EmailReason
	RuleMode Mode
	// Resolver is injectable for tests; nil uses net.DefaultResolver.
	Resolver MXResolver

	blockSet map[EmailReason]bool
}

var defaultEmailBlock = []EmailReason{EmailDisposable, EmailInvalid, EmailNoMXRecords}

var knownEmailReasons = map[EmailReason]bool{
	EmailDisposable: true, EmailInvalid: true, EmailNoMXRecords: true,
	EmailFree: true, EmailRoleBased: true, EmailCatchAll: true,
	EmailUnverifiable: true, EmailTypoDomain: true,
}

// Kind implements Rule.
func (r *ValidateEmail) Kind() Kind { return KindEmail }

// Mode implements Rule.
func (r *ValidateEmail) Mode() Mode {
	if r.RuleMode == "" {
		return Live
	}
	return r.RuleMode
}

// Validate implements Rule.
func (r *ValidateEmail) Validate() error {
	if r.RuleMode != "" && r.RuleMode != Live && r.RuleMode != DryRun {
		return ErrConfig.New("validateEmail mode %q", r.RuleMode)
	}
	block := r.Block
	if len(block) == 0 {
		block = defaultEmailBlock
	}
	r.blockSet = map[EmailReason]bool{}
	for _, reason := range block {
		if !knownEmailReasons[reason] {
			return ErrConfig.New("validateEmail reason %q", reason)
		}
		r.blockSet[reason] = true
	}
	return nil
}

// Evaluate implements Rule. A request without an email allows: the rule
// guards email quality, not email presence.
func (r *ValidateEmail) Evaluate(ctx context.Context, deps Deps, rctx *Context) (Result, error) {
	email := strings.TrimSpace(rctx.Email)
	allow := Result{Kind: KindEmail, Conclusion: Allow}
	if email == "" {
		return finish(allow, r.Mode()), nil
	}

	local, domain, ok := splitEmail(email)
	if !ok {
		return r.verdict(EmailInvalid)
	}

	if disposableDomains[domain] && r.blockSet[EmailDisposable] {
		return r.verdict(EmailDisposable)
	}
	if _, typo := typoDomains[domain]; typo && r.blockSet[EmailTypoDomain] {
		return r.verdict(EmailTypoDomain)
	}
	if freeDomains[domain] && r.blockSet[EmailFree] {
		return r.verdict(EmailFree)
	}
	if roleLocals[local] && r.blockSet[EmailRoleBased] {
		return r.verdict(EmailRoleBased)
	}
	if catchAllDomains[domain] && r.blockSet[EmailCatchAll] {
		return r.verdict(EmailCatchAll)
	}

	if r.blockSet[EmailNoMXRecords] || r.blockSet[EmailUnverifiable] {
		mxs, err := r.resolver().LookupMX(ctx, domain)
		switch {
		case err != nil && isNotFound(err):
			if r.blockSet[EmailNoMXRecords] {
				return r.verdict(EmailNoMXRecords)
			}
		case err != nil:
			// DNS infrastructure failure: best effort only.
			if r.blockSet[EmailUnverifiable] {
				return r.verdict(EmailUnverifiable)
			}
			deps.logger().Debug("email mx lookup failed")
		case len(mxs) == 0:
			if r.blockSet[EmailNoMXRecords] {
				return r.verdict(EmailNoMXRecords)
			}
		}
	}
	return finish(allow, r.Mode()), nil
}

func (r *ValidateEmail) verdict(reason EmailReason) (Result, error) {
	if !r.blockSet[reason] {
		return finish(Result{Kind: KindEmail, Conclusion: Allow}, r.Mode()), nil
	}
	return finish(Result{
		Kind:       KindEmail,
		Conclusion: Deny,
		Reason:     ReasonEmail,
		Detail:     string(reason),
	}, r.Mode()), nil
}

func (r *ValidateEmail) resolver() MXResolver {
	if r.Resolver != nil {
		return r.Resolver
	}
	return net.DefaultResolver
}

// splitEmail parses and lower-cases the address. Display names, multiple
// '@', and domains without a dot are invalid.
func splitEmail(email string) (local, domain string, ok bool) {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", "", false
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	local = strings.ToLower(email[:at])
	domain = strings.ToLower(email[at+1:])
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", "", false
	}
	return local, domain, true
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}
