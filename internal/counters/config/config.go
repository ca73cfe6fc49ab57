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
// Package config loads counterd's YAML configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shardcounter/internal/counters/cachebiased"
	"shardcounter/internal/counters/maintenance"
	"shardcounter/internal/counters/partitioned"
	"shardcounter/internal/counters/persistence"
	"shardcounter/internal/counters/store"
)

// Config is the root of counterd.yaml.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Partitioned PartitionedConfig `yaml:"partitioned"`
	CacheBiased CacheBiasedConfig `yaml:"cache_biased"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	NATS        NATSConfig        `yaml:"nats"`
}

type StoreConfig struct {
	// Adapter is one of memory, sqlite3, postgres, pgx or redis.
	Adapter         string        `yaml:"adapter"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	MaxTxRecords    int           `yaml:"max_tx_records"`
	Retries         int           `yaml:"retries"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPrefix     string        `yaml:"redis_prefix"`
}

type CacheConfig struct {
	// Adapter is memory or redis.
	Adapter     string `yaml:"adapter"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type PartitionedConfig struct {
	MaxRounds int `yaml:"max_rounds"`
	// CountTTL enables the count memo when positive.
	CountTTL time.Duration `yaml:"count_ttl"`
	// Counters are created at startup if missing.
	Counters []CounterConfig `yaml:"counters"`
}

type CounterConfig struct {
	Name          string `yaml:"name"`
	NumPartitions int    `yaml:"num_partitions"`
	MaxPartitions int    `yaml:"max_partitions"`
	DynamicGrowth bool   `yaml:"dynamic_growth"`
	Idempotent    bool   `yaml:"idempotent"`
}

type CacheBiasedConfig struct {
	PersistDelay time.Duration `yaml:"persist_delay"`
}

type MaintenanceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	ShrinkPasses int           `yaml:"shrink_passes"`
	Evict        bool          `yaml:"evict"`
}

type MetricsConfig struct {
	// Addr exposes /metrics when non-empty, e.g. ":9090".
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

type NATSConfig struct {
	// URL enables NATS-triggered sweeps when non-empty.
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Default returns an in-memory configuration with maintenance every minute.
func Default() Config {
	pool := persistence.DefaultPoolConfig("", "")
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Adapter:         "memory",
			MaxOpenConns:    pool.MaxOpenConns,
			MaxIdleConns:    pool.MaxIdleConns,
			ConnMaxLifetime: pool.ConnMaxLifetime,
			ConnMaxIdleTime: pool.ConnMaxIdleTime,
			MaxTxRecords:    store.DefaultMaxTxRecords,
			Retries:         store.DefaultRetries,
		},
		Cache:       CacheConfig{Adapter: "memory"},
		Partitioned: PartitionedConfig{MaxRounds: partitioned.DefaultMaxRounds},
		CacheBiased: CacheBiasedConfig{PersistDelay: cachebiased.DefaultPersistDelay},
		Maintenance: MaintenanceConfig{
			Enabled:      true,
			Interval:     time.Minute,
			Timeout:      30 * time.Second,
			ShrinkPasses: 1,
		},
		Metrics: MetricsConfig{Namespace: "shardcounter", Subsystem: "counters"},
		NATS:    NATSConfig{Subject: maintenance.DefaultSubject},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	// #nosec G304 -- the path comes from the operator's command line.
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read YAML file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides selected fields from PREFIX_* environment variables,
// e.g. COUNTERD_STORE_DSN.
func (c *Config) ApplyEnv(prefix string) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(prefix + "_" + name); ok {
			*dst = v
		}
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("STORE_ADAPTER", &c.Store.Adapter)
	str("STORE_DSN", &c.Store.DSN)
	str("CACHE_ADAPTER", &c.Cache.Adapter)
	str("METRICS_ADDR", &c.Metrics.Addr)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT", &c.NATS.Subject)
	if v, ok := os.LookupEnv(prefix + "_REDIS_ADDR"); ok {
		c.Store.RedisAddr = v
		c.Cache.RedisAddr = v
	}
	if v, ok := os.LookupEnv(prefix + "_STORE_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s_STORE_RETRIES: %w", prefix, err)
		}
		c.Store.Retries = n
	}
	if v, ok := os.LookupEnv(prefix + "_MAINTENANCE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s_MAINTENANCE_INTERVAL: %w", prefix, err)
		}
		c.Maintenance.Interval = d
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch c.Store.Adapter {
	case "memory", "sqlite3", "postgres", "pgx":
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store: redis_addr is required for the redis adapter")
		}
	default:
		return fmt.Errorf("store: unknown adapter %q", c.Store.Adapter)
	}
	if c.Store.Adapter != "memory" && c.Store.Adapter != "redis" {
		if err := c.Persistence().Pool.Validate(); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if _, err := c.Persistence().Tx.Normalize(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	switch c.Cache.Adapter {
	case "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache: redis_addr is required for the redis adapter")
		}
	default:
		return fmt.Errorf("cache: unknown adapter %q", c.Cache.Adapter)
	}
	if c.Partitioned.MaxRounds < 0 || c.Partitioned.CountTTL < 0 {
		return fmt.Errorf("partitioned: max_rounds and count_ttl must not be negative")
	}
	seen := make(map[string]bool, len(c.Partitioned.Counters))
	for _, cc := range c.Partitioned.Counters {
		if seen[cc.Name] {
			return fmt.Errorf("partitioned: counter %q listed twice", cc.Name)
		}
		seen[cc.Name] = true
		if err := cc.Metadata().Validate(); err != nil {
			return err
		}
	}
	if c.CacheBiased.PersistDelay < 0 {
		return fmt.Errorf("cache_biased: persist_delay must not be negative")
	}
	if c.Maintenance.Enabled && c.Maintenance.Interval <= 0 {
		return fmt.Errorf("maintenance: interval must be positive")
	}
	if c.Maintenance.ShrinkPasses < 0 || c.Maintenance.Timeout < 0 {
		return fmt.Errorf("maintenance: shrink_passes and timeout must not be negative")
	}
	return nil
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return l, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// Persistence maps the store and cache sections onto adapter options.
func (c Config) Persistence() persistence.Options {
	return persistence.Options{
		Tx: store.Options{MaxTxRecords: c.Store.MaxTxRecords, Retries: c.Store.Retries},
		Pool: persistence.PoolConfig{
			DSN:             c.Store.DSN,
			DriverName:      c.Store.Adapter,
			MaxOpenConns:    c.Store.MaxOpenConns,
			MaxIdleConns:    c.Store.MaxIdleConns,
			ConnMaxLifetime: c.Store.ConnMaxLifetime,
			ConnMaxIdleTime: c.Store.ConnMaxIdleTime,
		},
		RedisAddr:   c.Store.RedisAddr,
		RedisPrefix: c.Store.RedisPrefix,
	}
}

// CacheOptions is Persistence with the cache's Redis settings.
func (c Config) CacheOptions() persistence.Options {
	o := c.Persistence()
	o.RedisAddr = c.Cache.RedisAddr
	o.RedisPrefix = c.Cache.RedisPrefix
	return o
}

// WorkerConfig converts the maintenance section for the worker.
func (c Config) WorkerConfig() maintenance.Config {
	return maintenance.Config{
		Interval:     c.Maintenance.Interval,
		Timeout:      c.Maintenance.Timeout,
		ShrinkPasses: c.Maintenance.ShrinkPasses,
		Evict:        c.Maintenance.Evict,
	}
}

func (cc CounterConfig) Metadata() partitioned.Metadata {
	return partitioned.Metadata{
		Name:          cc.Name,
		NumPartitions: cc.NumPartitions,
		MaxPartitions: cc.MaxPartitions,
		DynamicGrowth: cc.DynamicGrowth,
		Idempotent:    cc.Idempotent,
	}
}
