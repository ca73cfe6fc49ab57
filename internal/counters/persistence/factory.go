// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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
package persistence

import (
	"context"
	"fmt"

	"shardcounter/internal/counters/cache"
	"shardcounter/internal/counters/store"
)

// Options holds the knobs shared by BuildStore and BuildCache.
type Options struct {
	Tx store.Options
	// Pool is used by the SQL adapters; its DriverName is derived from the
	// adapter when empty.
	Pool        PoolConfig
	RedisAddr   string
	RedisPrefix string
}

// Closer releases an adapter's connections.
type Closer func() error

func nopCloser() error { return nil }

// BuildStore constructs a store.Store from a string selector.
// Supported adapters:
//   - "memory": in-process store (default)
//   - "postgres": lib/pq driver, SERIALIZABLE transactions
//   - "pgx": pgx stdlib driver, SERIALIZABLE transactions
//   - "sqlite3": go-sqlite3, e.g. a file DSN or ":memory:" (one pinned connection)
//   - "redis": hashes with WATCH/MULTI transactions
func BuildStore(ctx context.Context, adapter string, opts Options) (store.Store, Closer, error) {
	switch adapter {
	case "", "memory":
		m, err := store.NewMemory(opts.Tx)
		if err != nil {
			return nil, nil, err
		}
		return m, nopCloser, nil
	case "postgres", "pgx", "sqlite3":
		pool := opts.Pool
		if pool.DriverName == "" {
			pool.DriverName = adapter
		}
		if pool.MaxOpenConns == 0 {
			def := DefaultPoolConfig(pool.DSN, pool.DriverName)
			pool.MaxOpenConns, pool.MaxIdleConns = def.MaxOpenConns, def.MaxIdleConns
			pool.ConnMaxLifetime, pool.ConnMaxIdleTime = def.ConnMaxLifetime, def.ConnMaxIdleTime
		}
		s, err := OpenSQLStore(ctx, pool, opts.Tx)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		if opts.RedisAddr == "" {
			return nil, nil, fmt.Errorf("redis store: address must not be empty")
		}
		c := NewRedisClient(opts.RedisAddr)
		s, err := NewRedisStore(c, opts.RedisPrefix, opts.Tx)
		if err != nil {
			_ = c.Close()
			return nil, nil, err
		}
		return s, c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store adapter: %s", adapter)
	}
}

// BuildCache constructs a cache.Cache from a string selector: "memory"
// (default) or "redis".
func BuildCache(adapter string, opts Options) (cache.Cache, Closer, error) {
	switch adapter {
	case "", "memory":
		return cache.NewMemory(), nopCloser, nil
	case "redis":
		if opts.RedisAddr == "" {
			return nil, nil, fmt.Errorf("redis cache: address must not be empty")
		}
		c := NewRedisClient(opts.RedisAddr)
		return NewRedisCache(c, opts.RedisPrefix), c.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache adapter: %s", adapter)
	}
}
