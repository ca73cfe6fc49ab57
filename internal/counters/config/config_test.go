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
package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"shardcounter/internal/counters/partitioned"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "counterd.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Store.Adapter != "memory" || cfg.Cache.Adapter != "memory" {
		t.Fatalf("expected in-memory adapters, got %+v %+v", cfg.Store, cfg.Cache)
	}
	if cfg.Partitioned.MaxRounds != partitioned.DefaultMaxRounds {
		t.Fatalf("max rounds: %d", cfg.Partitioned.MaxRounds)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeYAML(t, `
log_level: debug
store:
  adapter: sqlite3
  dsn: /tmp/counters.db
  max_tx_records: 10
cache_biased:
  persist_delay: 2s
partitioned:
  count_ttl: 500ms
  counters:
    - name: page-views
      num_partitions: 4
      max_partitions: 64
      dynamic_growth: true
      idempotent: true
maintenance:
  interval: 15s
  shrink_passes: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store.Adapter != "sqlite3" || cfg.Store.MaxTxRecords != 10 {
		t.Fatalf("store not loaded: %+v", cfg.Store)
	}
	if cfg.Store.Retries != 3 || cfg.Store.MaxOpenConns != 25 {
		t.Fatalf("unset fields must keep defaults: %+v", cfg.Store)
	}
	if cfg.CacheBiased.PersistDelay != 2*time.Second || cfg.Partitioned.CountTTL != 500*time.Millisecond {
		t.Fatalf("durations not parsed: %+v %+v", cfg.CacheBiased, cfg.Partitioned)
	}
	if cfg.Maintenance.Interval != 15*time.Second || cfg.Maintenance.ShrinkPasses != 3 || !cfg.Maintenance.Enabled {
		t.Fatalf("maintenance not loaded: %+v", cfg.Maintenance)
	}
	want := partitioned.Metadata{Name: "page-views", NumPartitions: 4, MaxPartitions: 64, DynamicGrowth: true, Idempotent: true}
	if len(cfg.Partitioned.Counters) != 1 || cfg.Partitioned.Counters[0].Metadata() != want {
		t.Fatalf("counters: %+v", cfg.Partitioned.Counters)
	}
	if lvl, _ := cfg.SlogLevel(); lvl != slog.LevelDebug {
		t.Fatalf("level: %v", lvl)
	}

	p := cfg.Persistence()
	if p.Pool.DriverName != "sqlite3" || p.Pool.DSN != "/tmp/counters.db" || p.Tx.MaxTxRecords != 10 {
		t.Fatalf("persistence options: %+v", p)
	}
	if wc := cfg.WorkerConfig(); wc.ShrinkPasses != 3 || wc.Interval != 15*time.Second {
		t.Fatalf("worker config: %+v", wc)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
	if _, err := Load(writeYAML(t, "store: [unclosed")); err == nil {
		t.Fatalf("expected error for malformed YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("COUNTERD_STORE_ADAPTER", "redis")
	t.Setenv("COUNTERD_CACHE_ADAPTER", "redis")
	t.Setenv("COUNTERD_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("COUNTERD_STORE_RETRIES", "7")
	t.Setenv("COUNTERD_MAINTENANCE_INTERVAL", "5s")
	t.Setenv("COUNTERD_NATS_URL", "nats://127.0.0.1:4222")

	cfg := Default()
	if err := cfg.ApplyEnv("COUNTERD"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Store.RedisAddr != "127.0.0.1:6379" || cfg.Cache.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("redis addr must apply to store and cache: %+v %+v", cfg.Store, cfg.Cache)
	}
	if cfg.Store.Retries != 7 || cfg.Maintenance.Interval != 5*time.Second || cfg.NATS.URL == "" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if o := cfg.CacheOptions(); o.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("cache options: %+v", o)
	}

	t.Setenv("COUNTERD_STORE_RETRIES", "many")
	if err := cfg.ApplyEnv("COUNTERD"); err == nil || !strings.Contains(err.Error(), "STORE_RETRIES") {
		t.Fatalf("expected a parse error, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":       func(c *Config) { c.LogLevel = "loud" },
		"store adapter":   func(c *Config) { c.Store.Adapter = "mysql" },
		"redis store":     func(c *Config) { c.Store.Adapter = "redis" },
		"sql without dsn": func(c *Config) { c.Store.Adapter = "postgres" },
		"tx records":      func(c *Config) { c.Store.MaxTxRecords = 2 },
		"cache adapter":   func(c *Config) { c.Cache.Adapter = "memcache" },
		"redis cache":     func(c *Config) { c.Cache.Adapter = "redis" },
		"count ttl":       func(c *Config) { c.Partitioned.CountTTL = -time.Second },
		"persist delay":   func(c *Config) { c.CacheBiased.PersistDelay = -time.Second },
		"interval":        func(c *Config) { c.Maintenance.Interval = 0 },
		"duplicate counter": func(c *Config) {
			cc := CounterConfig{Name: "x", NumPartitions: 1, MaxPartitions: 1}
			c.Partitioned.Counters = []CounterConfig{cc, cc}
		},
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := Default()
	cfg.Partitioned.Counters = []CounterConfig{{Name: "x", NumPartitions: 3, MaxPartitions: 2}}
	var cfgErr *partitioned.ConfigError
	if err := cfg.Validate(); !errors.As(err, &cfgErr) {
		t.Fatalf("expected a partitioned.ConfigError, got %v", err)
	}
}
