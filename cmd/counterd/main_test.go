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
package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"shardcounter/internal/counters/config"
)

func TestLoadConfig_FlagsOverrideFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counterd.yaml")
	body := "store:\n  adapter: sqlite3\n  dsn: /tmp/a.db\nmaintenance:\n  interval: 1m\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("COUNTERD_STORE_DSN", "/tmp/env.db")
	t.Setenv("COUNTERD_METRICS_ADDR", ":9191")

	cfg, err := loadConfig([]string{"-config", path, "-maintenance_interval", "3s", "-metrics_addr", ":9090"})
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if cfg.Store.Adapter != "sqlite3" {
		t.Fatalf("file value lost: %q", cfg.Store.Adapter)
	}
	if cfg.Store.DSN != "/tmp/env.db" {
		t.Fatalf("env must override file, got %q", cfg.Store.DSN)
	}
	if cfg.Metrics.Addr != ":9090" || cfg.Maintenance.Interval != 3*time.Second {
		t.Fatalf("flags must override env and file: %+v %+v", cfg.Metrics, cfg.Maintenance)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	if _, err := loadConfig([]string{"-store", "redis"}); err == nil {
		t.Fatalf("redis without an address must fail validation")
	}
	if _, err := loadConfig([]string{"-no-such-flag"}); err == nil {
		t.Fatalf("unknown flags must fail")
	}
}

func TestRun_ReturnsAfterShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Maintenance.Interval = time.Hour
	cfg.Metrics.Addr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := run(ctx, cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestRun_ReportsStartupErrors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := config.Default()
	cfg.Metrics.Addr = ln.Addr().String()
	if err := run(context.Background(), cfg); err == nil {
		t.Fatalf("a metrics address in use must fail startup")
	}

	cfg = config.Default()
	cfg.Store.Adapter = "sqlite3"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "missing", "counters.db")
	if err := run(context.Background(), cfg); err == nil {
		t.Fatalf("an unopenable database must fail startup")
	}
}
