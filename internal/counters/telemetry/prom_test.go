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

package telemetry

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProm_CountsByVariant(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg, "counters", "test")

	p.Increment(Partitioned)
	p.Increment(Partitioned)
	p.Increment(Append)
	p.Contention(Partitioned)
	p.FlushFailure(CacheBiased)
	p.CacheHit(CacheBiased)
	p.CacheMiss(CacheBiased)
	p.Exhausted()

	if got := testutil.ToFloat64(p.increments.WithLabelValues(string(Partitioned))); got != 2 {
		t.Fatalf("partitioned increments: want 2 got %v", got)
	}
	if got := testutil.ToFloat64(p.increments.WithLabelValues(string(Append))); got != 1 {
		t.Fatalf("append increments: want 1 got %v", got)
	}
	if got := testutil.ToFloat64(p.contentions.WithLabelValues(string(Partitioned))); got != 1 {
		t.Fatalf("contentions: want 1 got %v", got)
	}
	if got := testutil.ToFloat64(p.flushFailures.WithLabelValues(string(CacheBiased))); got != 1 {
		t.Fatalf("flush failures: want 1 got %v", got)
	}
	if got := testutil.ToFloat64(p.exhausted); got != 1 {
		t.Fatalf("exhausted: want 1 got %v", got)
	}
}

func TestProm_PartitionEventsAndSweeps(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg, "counters", "test")

	p.Expansion(2)
	p.Expansion(4)
	p.Shrink(3)
	p.Consolidation(10)
	p.Sweep(50*time.Millisecond, 0)
	p.Sweep(10*time.Millisecond, 2)

	if got := testutil.ToFloat64(p.expansions); got != 2 {
		t.Fatalf("expansions: want 2 got %v", got)
	}
	if got := testutil.ToFloat64(p.shrinks); got != 1 {
		t.Fatalf("shrinks: want 1 got %v", got)
	}
	if got := testutil.ToFloat64(p.sweepFailures); got != 2 {
		t.Fatalf("sweep failures: want 2 got %v", got)
	}
	n, err := testutil.GatherAndCount(reg, "counters_test_partitions", "counters_test_sweep_seconds")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 histogram families, got %d", n)
	}
}

func TestProm_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewProm(reg, "counters", "dup")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected MustRegister to panic on duplicate collectors")
		}
	}()
	_ = NewProm(reg, "counters", "dup")
}

func TestServeMetrics_ServesAndReportsBindFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewProm(reg, "counters", "serve")
	p.Increment(Partitioned)

	srv, err := ServeMetrics("127.0.0.1:0", reg)
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer func() { _ = srv.Shutdown(context.Background()) }()

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "counters_serve_") {
		t.Fatalf("metrics missing from response:\n%s", body)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := ServeMetrics(ln.Addr().String(), reg); err == nil {
		t.Fatalf("expected an error for an address already in use")
	}
}
