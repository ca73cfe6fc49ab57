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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom implements Recorder with Prometheus collectors.
type Prom struct {
	increments    *prometheus.CounterVec
	contentions   *prometheus.CounterVec
	flushFailures *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	expansions    prometheus.Counter
	shrinks       prometheus.Counter
	exhausted     prometheus.Counter
	partitions    prometheus.Histogram
	folded        prometheus.Histogram
	sweepSeconds  prometheus.Histogram
	sweepFailures prometheus.Counter
}

// NewProm registers the collectors on reg (nil means prometheus.DefaultRegisterer).
// ns and sub become the metric namespace and subsystem.
func NewProm(reg prometheus.Registerer, ns, sub string) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	byVariant := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help,
		}, []string{"variant"})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: name, Help: help,
		})
	}
	p := &Prom{
		increments:    byVariant("increments_total", "Increments applied"),
		contentions:   byVariant("contentions_total", "Transactions that failed with contention after store retries"),
		flushFailures: byVariant("flush_failures_total", "Swallowed durable write failures"),
		cacheHits:     byVariant("cache_hits_total", "Cache hits"),
		cacheMisses:   byVariant("cache_misses_total", "Cache misses"),
		expansions:    counter("expansions_total", "Partitioned counter expansions"),
		shrinks:       counter("shrinks_total", "Partitioned counter shrink passes that merged partitions"),
		exhausted:     counter("exhausted_total", "Idempotent increments abandoned after capacity was exhausted"),
		partitions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "partitions",
			Help:    "Partition count observed after expand or shrink",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),
		folded: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "consolidated_deltas",
			Help:    "Deltas folded per consolidation pass",
			Buckets: []float64{0, 1, 4, 16, 64, 256, 1024, 4096},
		}),
		sweepSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "sweep_seconds",
			Help:    "Duration of maintenance sweeps",
			Buckets: prometheus.DefBuckets,
		}),
		sweepFailures: counter("sweep_failures_total", "Per-counter maintenance failures"),
	}
	reg.MustRegister(
		p.increments, p.contentions, p.flushFailures, p.cacheHits, p.cacheMisses,
		p.expansions, p.shrinks, p.exhausted, p.partitions, p.folded,
		p.sweepSeconds, p.sweepFailures,
	)
	return p
}

func (p *Prom) Increment(v Variant) { p.increments.WithLabelValues(string(v)).Inc() }
func (p *Prom) Contention(v Variant) { p.contentions.WithLabelValues(string(v)).Inc() }
func (p *Prom) FlushFailure(v Variant) { p.flushFailures.WithLabelValues(string(v)).Inc() }
func (p *Prom) CacheHit(v Variant) { p.cacheHits.WithLabelValues(string(v)).Inc() }
func (p *Prom) CacheMiss(v Variant) { p.cacheMisses.WithLabelValues(string(v)).Inc() }
func (p *Prom) Exhausted() { p.exhausted.Inc() }

func (p *Prom) Expansion(partitions int) {
	p.expansions.Inc()
	p.partitions.Observe(float64(partitions))
}

func (p *Prom) Shrink(partitions int) {
	p.shrinks.Inc()
	p.partitions.Observe(float64(partitions))
}

func (p *Prom) Consolidation(folded int) { p.folded.Observe(float64(folded)) }

func (p *Prom) Sweep(d time.Duration, failures int) {
	p.sweepSeconds.Observe(d.Seconds())
	if failures > 0 {
		p.sweepFailures.Add(float64(failures))
	}
}

var _ Recorder = (*Prom)(nil)

// ServeMetrics binds addr and exposes /metrics for g in a background
// goroutine. A nil g serves the default gatherer. The returned server's Addr is
// the bound address, so ":0" resolves to the chosen port.
func ServeMetrics(addr string, g prometheus.Gatherer) (*http.Server, error) {
	mux := http.NewServeMux()
	if g == nil {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}
	server := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "addr", server.Addr, "err", err)
		}
	}()
	return server, nil
}
