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
// Package main runs counterd, a host for the sharded counter engines.
//
// counterd wires a durable store and a cache from its YAML config, creates
// the configured partitioned counters, and keeps them healthy:
//  1. A maintenance worker periodically shrinks partitioned counters,
//     consolidates append counters and flushes cache-biased counters.
//  2. Optionally, a NATS subscription triggers the same sweep on demand.
//  3. Optionally, Prometheus metrics are served on /metrics.
//
// On SIGINT or SIGTERM the worker runs a final sweep before the process exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"shardcounter/internal/counters/appendonly"
	"shardcounter/internal/counters/cachebiased"
	"shardcounter/internal/counters/config"
	"shardcounter/internal/counters/maintenance"
	"shardcounter/internal/counters/partitioned"
	"shardcounter/internal/counters/persistence"
	"shardcounter/internal/counters/telemetry"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	level, _ := cfg.SlogLevel()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		log.Fatalf("counterd: %v", err)
	}
}

// run serves until ctx is done, then drains NATS, runs the final sweep and
// releases every adapter it opened, including on an early error.
func run(ctx context.Context, cfg config.Config) error {
	// 1. Durable store and cache.
	st, closeStore, err := persistence.BuildStore(ctx, cfg.Store.Adapter, cfg.Persistence())
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()
	ch, closeCache, err := persistence.BuildCache(cfg.Cache.Adapter, cfg.CacheOptions())
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer closeCache()

	// 2. Telemetry (opt-in).
	var rec telemetry.Recorder = telemetry.Noop{}
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		rec = telemetry.NewProm(reg, cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		srv, err := telemetry.ServeMetrics(cfg.Metrics.Addr, reg)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				slog.Warn("metrics shutdown", "err", err)
			}
		}()
		fmt.Printf("Metrics listening on %s/metrics\n", srv.Addr)
	}

	// 3. Engines.
	popts := []partitioned.Option{
		partitioned.WithRecorder(rec),
		partitioned.WithMaxRounds(cfg.Partitioned.MaxRounds),
	}
	if cfg.Partitioned.CountTTL > 0 {
		popts = append(popts, partitioned.WithCountCache(ch, cfg.Partitioned.CountTTL))
	}
	pe := partitioned.New(st, popts...)
	ae := appendonly.New(st, appendonly.WithRecorder(rec))
	ce := cachebiased.New(st, ch, cachebiased.WithRecorder(rec), cachebiased.WithPersistDelay(cfg.CacheBiased.PersistDelay))

	for _, cc := range cfg.Partitioned.Counters {
		md, err := pe.Create(ctx, cc.Metadata())
		if err != nil {
			return fmt.Errorf("create counter %q: %w", cc.Name, err)
		}
		slog.Info("partitioned counter ready", "counter", md.Name, "partitions", md.NumPartitions, "max", md.MaxPartitions)
	}

	// 4. Maintenance. NATS is wired before the loop starts so a failed
	// subscription leaves nothing running.
	worker := maintenance.NewWorker(cfg.WorkerConfig(),
		maintenance.WithPartitioned(pe),
		maintenance.WithAppendOnly(ae),
		maintenance.WithCacheBiased(ce),
		maintenance.WithRecorder(rec),
	)
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name("counterd"))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Close()
		if _, err := maintenance.SubscribeNATS(nc, cfg.NATS.Subject, worker); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		fmt.Printf("Sweeps on NATS subject %s\n", cfg.NATS.Subject)
	}
	if cfg.Maintenance.Enabled {
		worker.Start()
	}

	fmt.Printf("counterd running (store=%s, cache=%s)\n", cfg.Store.Adapter, cfg.Cache.Adapter)

	// 5. Graceful shutdown.
	<-ctx.Done()

	fmt.Println("\nShutting down counterd...")
	if nc != nil {
		// Let an in-flight sweep request finish before the final sweep.
		if err := nc.Drain(); err != nil {
			slog.Warn("nats drain", "err", err)
		}
	}
	// Stop runs the final sweep, or we run one here when the loop was never started.
	if cfg.Maintenance.Enabled {
		worker.Stop()
	} else {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Maintenance.Timeout)
		worker.RunOnce(sctx)
		cancel()
	}
	fmt.Println("counterd stopped.")
	return nil
}

// loadConfig reads -config, then COUNTERD_* variables, then explicitly set
// flags, each overriding the previous layer.
func loadConfig(args []string) (config.Config, error) {
	fs := flag.NewFlagSet("counterd", flag.ContinueOnError)
	path := fs.String("config", "", "Path to counterd.yaml (defaults apply when empty)")
	storeAdapter := fs.String("store", "", "Store adapter: memory, sqlite3, postgres, pgx or redis")
	dsn := fs.String("dsn", "", "Database DSN for the SQL store adapters")
	cacheAdapter := fs.String("cache", "", "Cache adapter: memory or redis")
	redisAddr := fs.String("redis_addr", "", "Redis address for the redis store and cache, e.g. 127.0.0.1:6379")
	metricsAddr := fs.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	natsURL := fs.String("nats_url", "", "If non-empty, run a sweep for every message on the NATS subject")
	interval := fs.Duration("maintenance_interval", 0, "How often the maintenance worker sweeps")
	logLevel := fs.String("log_level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv("COUNTERD"); err != nil {
		return cfg, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "store":
			cfg.Store.Adapter = *storeAdapter
		case "dsn":
			cfg.Store.DSN = *dsn
		case "cache":
			cfg.Cache.Adapter = *cacheAdapter
		case "redis_addr":
			cfg.Store.RedisAddr = *redisAddr
			cfg.Cache.RedisAddr = *redisAddr
		case "metrics_addr":
			cfg.Metrics.Addr = *metricsAddr
		case "nats_url":
			cfg.NATS.URL = *natsURL
		case "maintenance_interval":
			cfg.Maintenance.Interval = *interval
		case "log_level":
			cfg.LogLevel = *logLevel
		}
	})
	return cfg, cfg.Validate()
}
