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
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config selects and configures a back end by name. It exists for binaries
// that pick a store from flags or a config file; library users construct
// back ends directly.
type Config struct {
	// Backend is "memory" (default) or "redis".
	Backend string
	// RedisAddr is the host:port of the Redis server ("redis" backend).
	RedisAddr string
	// RedisPassword is optional.
	RedisPassword string
	// RedisDB selects the logical database.
	RedisDB int
	// Memory back end knobs; zero values use the package defaults.
	MemoryCapacity int
}

// Build constructs a Store from config.
//
// Supported back ends:
//   - "", "memory": in-process TTL LRU (single replica only)
//   - "redis":      shared distributed state via Lua primitives
func Build(log *zap.Logger, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(MemoryOptions{Capacity: cfg.MemoryCapacity}), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, Error.New("redis backend requires an address")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedis(log, client, RedisOptions{})
	default:
		return nil, Error.New("unknown storage backend %q", cfg.Backend)
	}
}
