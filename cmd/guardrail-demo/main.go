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

// Package main runs a small HTTP service protected by a guardrail engine.
//
// It exists to try the library end to end: point it at a policy file (or
// just pick a preset with -preset), send it traffic, and watch the decisions
// land on /metrics.
//
// Quick start:
//
//	go run ./cmd/guardrail-demo -preset api
//	curl -i "http://localhost:8080/api/hello"
//	curl -i "http://localhost:8080/api/hello?q=SELECT+*+FROM+users"   # 403
//	curl -s "http://localhost:8080/metrics" | grep guardrail_
//
// With Redis-backed shared state:
//
//	go run ./cmd/guardrail-demo -preset api -storage redis -redis_addr localhost:6379
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"guardrail"
	"guardrail/guardrailhttp"
	"guardrail/internal/dynval"
	"guardrail/rule"
	"guardrail/storage"
	"guardrail/telemetry"
)

// policyFile is the YAML shape of -config. Every field is optional; flags
// override file values.
type policyFile struct {
	Listen        string `yaml:"listen"`
	Preset        string `yaml:"preset"`
	Strategy      string `yaml:"strategy"`
	ErrorHandling string `yaml:"errorHandling"`
	KeyPrefix     string `yaml:"keyPrefix"`

	Storage struct {
		Backend       string `yaml:"backend"`
		RedisAddr     string `yaml:"redisAddr"`
		RedisPassword string `yaml:"redisPassword"`
		RedisDB       int    `yaml:"redisDB"`
	} `yaml:"storage"`

	Whitelist struct {
		IPs     []string `yaml:"ips"`
		UserIDs []string `yaml:"userIds"`
	} `yaml:"whitelist"`
	Blacklist struct {
		IPs       []string `yaml:"ips"`
		UserIDs   []string `yaml:"userIds"`
		Countries []string `yaml:"countries"`
	} `yaml:"blacklist"`

	Rules struct {
		SlidingWindow *struct {
			Interval string `yaml:"interval"`
			Max      int64  `yaml:"max"`
			DryRun   bool   `yaml:"dryRun"`
		} `yaml:"slidingWindow"`
		TokenBucket *struct {
			Interval   string `yaml:"interval"`
			Capacity   int64  `yaml:"capacity"`
			RefillRate int64  `yaml:"refillRate"`
			DryRun     bool   `yaml:"dryRun"`
		} `yaml:"tokenBucket"`
		Shield *struct {
			ScanBody bool `yaml:"scanBody"`
			DryRun   bool `yaml:"dryRun"`
		} `yaml:"shield"`
		DetectBot *struct {
			Allow  []string `yaml:"allow"`
			Block  []string `yaml:"block"`
			DryRun bool     `yaml:"dryRun"`
		} `yaml:"detectBot"`
		Filter *struct {
			Allow  []string `yaml:"allow"`
			Deny   []string `yaml:"deny"`
			DryRun bool     `yaml:"dryRun"`
		} `yaml:"filter"`
	} `yaml:"rules"`
}

func loadPolicy(path string) (policyFile, error) {
	var p policyFile
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("parse %s: %w", path, err)
	}
	return p, nil
}

func mode(dry bool) rule.Mode {
	if dry {
		return rule.DryRun
	}
	return rule.Live
}

// buildRules turns the file's rule section into engine rules.
func buildRules(p policyFile) []rule.Rule {
	var rules []rule.Rule
	if r := p.Rules.SlidingWindow; r != nil {
		rules = append(rules, &rule.SlidingWindow{
			Interval: r.Interval, Max: r.Max, RuleMode: mode(r.DryRun),
		})
	}
	if r := p.Rules.TokenBucket; r != nil {
		rules = append(rules, &rule.TokenBucket{
			Interval: r.Interval, Capacity: dynval.Lit(r.Capacity),
			RefillRate: r.RefillRate, RuleMode: mode(r.DryRun),
		})
	}
	if r := p.Rules.Shield; r != nil {
		rules = append(rules, &rule.Shield{ScanBody: r.ScanBody, RuleMode: mode(r.DryRun)})
	}
	if r := p.Rules.DetectBot; r != nil {
		rules = append(rules, &rule.DetectBot{Allow: r.Allow, Block: r.Block, RuleMode: mode(r.DryRun)})
	}
	if r := p.Rules.Filter; r != nil {
		rules = append(rules, &rule.Filter{Allow: r.Allow, Deny: r.Deny, RuleMode: mode(r.DryRun)})
	}
	return rules
}

func main() {
	configPath := flag.String("config", "", "Path to a YAML policy file")
	listen := flag.String("listen", ":8080", "HTTP listen address")
	preset := flag.String("preset", "", "Rule preset when no policy file sets one (api, web, strict, ai, payment, auth, development)")
	backend := flag.String("storage", "", "Storage backend: memory or redis (overrides the policy file)")
	redisAddr := flag.String("redis_addr", "", "Redis address for -storage redis")
	debug := flag.Bool("debug", false, "Log every decision at debug level")
	flag.Parse()

	log, err := zap.NewProduction()
	if *debug {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	policy, err := loadPolicy(*configPath)
	if err != nil {
		log.Fatal("load policy", zap.Error(err))
	}
	if policy.Listen != "" && *listen == ":8080" {
		*listen = policy.Listen
	}
	if *preset == "" {
		*preset = policy.Preset
	}
	if *backend == "" {
		*backend = policy.Storage.Backend
	}
	if *redisAddr == "" {
		*redisAddr = policy.Storage.RedisAddr
	}

	store, err := storage.Build(log, storage.Config{
		Backend:       *backend,
		RedisAddr:     *redisAddr,
		RedisPassword: policy.Storage.RedisPassword,
		RedisDB:       policy.Storage.RedisDB,
	})
	if err != nil {
		log.Fatal("build storage", zap.Error(err))
	}

	cfg := guardrail.Config{
		Rules:         buildRules(policy),
		Preset:        guardrail.Preset(*preset),
		Strategy:      guardrail.Strategy(policy.Strategy),
		ErrorHandling: guardrail.ErrorHandling(policy.ErrorHandling),
		KeyPrefix:     policy.KeyPrefix,
		Store:         store,
		Log:           log,
		Emitter:       telemetry.LogEmitter{Log: log},
	}
	if len(policy.Whitelist.IPs) > 0 || len(policy.Whitelist.UserIDs) > 0 {
		cfg.Whitelist = &guardrail.ListCriteria{
			IPs: policy.Whitelist.IPs, UserIDs: policy.Whitelist.UserIDs,
		}
	}
	if len(policy.Blacklist.IPs) > 0 || len(policy.Blacklist.UserIDs) > 0 || len(policy.Blacklist.Countries) > 0 {
		cfg.Blacklist = &guardrail.ListCriteria{
			IPs: policy.Blacklist.IPs, UserIDs: policy.Blacklist.UserIDs,
			Countries: policy.Blacklist.Countries,
		}
	}
	if len(cfg.Rules) == 0 && cfg.Preset == "" {
		cfg.Preset = guardrail.PresetAPI
	}

	engine, err := guardrail.New(cfg)
	if err != nil {
		log.Fatal("build engine", zap.Error(err))
	}

	protect := guardrailhttp.Middleware(engine, guardrailhttp.MiddlewareConfig{
		MaxBodyBytes: 64 << 10,
		Options: func(r *http.Request) *guardrail.Options {
			return &guardrail.Options{
				UserID: r.Header.Get("X-User-Id"),
				Email:  r.URL.Query().Get("email"),
			}
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "hello from %s\n", r.URL.Path)
	})))
	mux.Handle("/metrics", engine.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:         *listen,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("guardrail demo listening", zap.String("addr", *listen))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("shutdown", zap.Error(err))
	}
	if c, ok := store.(interface{ Close() }); ok {
		c.Close()
	}
}
