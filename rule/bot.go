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
	"strings"
)

// botSignatures maps a lower-cased UA substring to a stable bot identifier.
// Identifiers are what Allow/Block lists name.
var botSignatures = map[string]string{
	"googlebot":           "GOOGLE_CRAWLER",
	"bingbot":             "BING_CRAWLER",
	"duckduckbot":         "DUCKDUCKGO_CRAWLER",
	"baiduspider":         "BAIDU_CRAWLER",
	"yandexbot":           "YANDEX_CRAWLER",
	"slurp":               "YAHOO_CRAWLER",
	"facebookexternalhit": "FACEBOOK_CRAWLER",
	"twitterbot":          "TWITTER_CRAWLER",
	"linkedinbot":         "LINKEDIN_CRAWLER",
	"slackbot":            "SLACK_BOT",
	"discordbot":          "DISCORD_BOT",
	"telegrambot":         "TELEGRAM_BOT",
	"whatsapp":            "WHATSAPP_BOT",
	"applebot":            "APPLE_CRAWLER",
	"gptbot":              "OPENAI_CRAWLER",
	"chatgpt-user":        "OPENAI_CRAWLER",
	"claudebot":           "ANTHROPIC_CRAWLER",
	"anthropic-ai":        "ANTHROPIC_CRAWLER",
	"perplexitybot":       "PERPLEXITY_CRAWLER",
	"bytespider":          "BYTEDANCE_CRAWLER",
	"ccbot":               "COMMON_CRAWL",
	"semrushbot":          "SEMRUSH_CRAWLER",
	"ahrefsbot":           "AHREFS_CRAWLER",
	"mj12bot":             "MAJESTIC_CRAWLER",
	"petalbot":            "PETAL_CRAWLER",
	"curl/":               "CURL",
	"wget/":               "WGET",
	"python-requests":     "PYTHON_REQUESTS",
	"python-urllib":       "PYTHON_URLLIB",
	"go-http-client":      "GO_HTTP_CLIENT",
	"okhttp":              "OKHTTP",
	"java/":               "JAVA_HTTP_CLIENT",
	"axios/":              "AXIOS",
	"node-fetch":          "NODE_FETCH",
	"headlesschrome":      "HEADLESS_CHROME",
	"phantomjs":           "PHANTOMJS",
	"selenium":            "SELENIUM",
	"scrapy":              "SCRAPY",
	"httpclient":          "GENERIC_HTTP_CLIENT",
	"libwww-perl":         "PERL_LWP",
	"bot":                 "UNKNOWN_BOT",
	"crawler":             "UNKNOWN_CRAWLER",
	"spider":              "UNKNOWN_SPIDER",
}

// DetectBot classifies the User-Agent against the signature table.
//
// Policy: a nil Allow list means "no bot policy beyond Block"; an empty
// non-nil Allow list denies every detected bot; a populated Allow list
// permits exactly those identifiers. Block always denies its identifiers.
// Unknown UAs (no signature match) are allowed.
type DetectBot struct {
	Allow    []string
	Block    []string
	RuleMode Mode

	allowSet map[string]bool
	blockSet map[string]bool
}

// Kind implements Rule.
func (r *DetectBot) Kind() Kind { return KindBot }

// Mode implements Rule.
func (r *DetectBot) Mode() Mode {
	if r.RuleMode == "" {
		return Live
	}
	return r.RuleMode
}

// Validate implements Rule.
func (r *DetectBot) Validate() error {
	if r.RuleMode != "" && r.RuleMode != Live && r.RuleMode != DryRun {
		return ErrConfig.New("detectBot mode %q", r.RuleMode)
	}
	if r.Allow != nil {
		r.allowSet = map[string]bool{}
		for _, id := range r.Allow {
			r.allowSet[strings.ToUpper(id)] = true
		}
	}
	r.blockSet = map[string]bool{}
	for _, id := range r.Block {
		r.blockSet[strings.ToUpper(id)] = true
	}
	return nil
}

// Evaluate implements Rule. No I/O.
func (r *DetectBot) Evaluate(ctx context.Context, deps Deps, rctx *Context) (Result, error) {
	ua := strings.ToLower(rctx.Header("user-agent"))
	id := detectBotID(ua)

	allow := Result{Kind: KindBot, Conclusion: Allow}
	if id == "" {
		return finish(allow, r.Mode()), nil
	}
	if r.blockSet[id] {
		return finish(Result{Kind: KindBot, Conclusion: Deny, Reason: ReasonBot, Detail: id}, r.Mode()), nil
	}
	if r.allowSet != nil && !r.allowSet[id] {
		return finish(Result{Kind: KindBot, Conclusion: Deny, Reason: ReasonBot, Detail: id}, r.Mode()), nil
	}
	allow.Detail = id
	return finish(allow, r.Mode()), nil
}

// detectBotID returns the identifier for the first matching signature, with
// specific signatures checked before the generic bot/crawler/spider ones.
func detectBotID(ua string) string {
	if ua == "" {
		return ""
	}
	var generic string
	for sub, id := range botSignatures {
		if !strings.Contains(ua, sub) {
			continue
		}
		switch sub {
		case "bot", "crawler", "spider":
			generic = id
		default:
			return id
		}
	}
	return generic
}
