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

// Package persistence provides durable adapters for the counter store and
// cache contracts: a SQL store for Postgres and SQLite, a Redis store and a
// Redis cache.
//
// Every adapter maps its backend's serialization failure onto
// store.ErrContention and retries it the same bounded number of times, so the
// engines observe one contention model regardless of backend:
//   - Postgres: SERIALIZABLE transactions, SQLSTATE 40001 and 40P01
//   - SQLite: BUSY and LOCKED
//   - Redis: WATCH/MULTI/EXEC aborted by a concurrent write (redis.TxFailedErr)
package persistence

import (
	"fmt"
	"strings"
	"time"
)

// PoolConfig configures the database/sql connection pool.
//
// go-sqlite3 gives every connection to an in-memory DSN its own database, and
// the database dies with its last connection. OpenSQLStore therefore ignores
// the pool settings for such DSNs and pins the store to one connection that is
// never recycled.
type PoolConfig struct {
	DSN string
	// DriverName is one of "pgx", "postgres" or "sqlite3".
	DriverName      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns pool settings suited to a small daemon.
func DefaultPoolConfig(dsn, driverName string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		DriverName:      driverName,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// Validate fails fast on settings database/sql would silently accept.
func (c PoolConfig) Validate() error {
	switch {
	case c.DSN == "":
		return fmt.Errorf("pool: DSN must not be empty")
	case c.DriverName == "":
		return fmt.Errorf("pool: driver name must not be empty")
	case c.MaxOpenConns <= 0:
		return fmt.Errorf("pool: max open conns must be positive, got %d", c.MaxOpenConns)
	case c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("pool: max idle conns must be within [0, %d], got %d", c.MaxOpenConns, c.MaxIdleConns)
	case c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0:
		return fmt.Errorf("pool: connection lifetimes must not be negative")
	}
	return nil
}

// sqliteInMemory reports whether dsn names an in-memory SQLite database.
func sqliteInMemory(dsn string) bool {
	return dsn == ":memory:" ||
		strings.HasPrefix(dsn, "file::memory:") ||
		strings.Contains(dsn, "mode=memory")
}

// pinned returns c reduced to a single connection that never expires.
func (c PoolConfig) pinned() PoolConfig {
	c.MaxOpenConns, c.MaxIdleConns = 1, 1
	c.ConnMaxLifetime, c.ConnMaxIdleTime = 0, 0
	return c
}
