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
// Package maintenance runs the periodic upkeep the counter engines expect from
// an external scheduler: shrinking partitioned counters, consolidating append
// counters and flushing cache-biased counters.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"shardcounter/internal/counters/partitioned"
	"shardcounter/internal/counters/telemetry"
)

// Shrinker is the partitioned engine's maintenance surface.
type Shrinker interface {
	Names(ctx context.Context) ([]string, error)
	Shrink(ctx context.Context, name string) (partitioned.Metadata, error)
}

// Consolidator is the append engine's maintenance surface.
type Consolidator interface {
	Names(ctx context.Context) ([]string, error)
	Consolidate(ctx context.Context, name string) (int64, error)
}

// Flusher is the cache-biased engine's maintenance surface.
type Flusher interface {
	Names(ctx context.Context) ([]string, error)
	Flush(ctx context.Context, name string, evict bool) (int64, bool, error)
}

// Config tunes a Worker. Zero values take defaults.
type Config struct {
	// Interval between sweeps. Default 1m.
	Interval time.Duration
	// Timeout bounds one sweep. Default 30s.
	Timeout time.Duration
	// ShrinkPasses is how many Shrink calls each partitioned counter gets per
	// sweep. Default 1.
	ShrinkPasses int
	// Evict drops cache-biased entries after flushing them.
	Evict bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ShrinkPasses <= 0 {
		c.ShrinkPasses = 1
	}
	return c
}

// Report summarizes one sweep.
type Report struct {
	Shrunk       int `json:"shrunk"`
	Consolidated int `json:"consolidated"`
	Flushed      int `json:"flushed"`
	Failures     int `json:"failures"`
}

// Worker sweeps the configured engines on a ticker. Any engine may be nil.
type Worker struct {
	partitioned Shrinker
	appendonly  Consolidator
	cachebiased Flusher
	cfg         Config
	log         *slog.Logger
	rec         telemetry.Recorder

	sweepMu  sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  uint32
	stopped  uint32
}

type Option func(*Worker)

func WithPartitioned(s Shrinker) Option { return func(w *Worker) { w.partitioned = s } }
func WithAppendOnly(c Consolidator) Option { return func(w *Worker) { w.appendonly = c } }
func WithCacheBiased(f Flusher) Option { return func(w *Worker) { w.cachebiased = f } }
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.log = l } }
func WithRecorder(r telemetry.Recorder) Option { return func(w *Worker) { w.rec = r } }

// NewWorker creates a worker; call Start to begin sweeping.
func NewWorker(cfg Config, opts ...Option) *Worker {
	w := &Worker{
		cfg:      cfg.withDefaults(),
		log:      slog.Default().With("component", "maintenance"),
		rec:      telemetry.Noop{},
		stopChan: make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start launches the sweep loop. Calling it again is a no-op.
func (w *Worker) Start() {
	if !atomic.CompareAndSwapUint32(&w.started, 0, 1) {
		return
	}
	w.log.Info("starting maintenance worker", "interval", w.cfg.Interval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
}

// Stop ends the loop after a final sweep and waits for it. Safe to call more
// than once.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	w.log.Info("stopping maintenance worker")
	close(w.stopChan)
	w.wg.Wait()
}

func (w *Worker) loop() {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stopChan:
			// Persist whatever is still buffered before exiting.
			w.sweep()
			return
		}
	}
}

func (w *Worker) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	defer cancel()
	w.RunOnce(ctx)
}

// RunOnce performs one sweep over every counter of every configured engine.
// Failures are logged and counted; they never stop the sweep. Concurrent
// calls are serialized.
func (w *Worker) RunOnce(ctx context.Context) Report {
	w.sweepMu.Lock()
	defer w.sweepMu.Unlock()

	start := time.Now()
	var r Report
	if w.partitioned != nil {
		w.each(ctx, "partitioned", w.partitioned.Names, &r, func(name string) error {
			for i := 0; i < w.cfg.ShrinkPasses; i++ {
				md, err := w.partitioned.Shrink(ctx, name)
				if err != nil {
					return err
				}
				if md.NumPartitions <= 1 {
					break
				}
			}
			r.Shrunk++
			return nil
		})
	}
	if w.appendonly != nil {
		w.each(ctx, "appendonly", w.appendonly.Names, &r, func(name string) error {
			if _, err := w.appendonly.Consolidate(ctx, name); err != nil {
				return err
			}
			r.Consolidated++
			return nil
		})
	}
	if w.cachebiased != nil {
		w.each(ctx, "cachebiased", w.cachebiased.Names, &r, func(name string) error {
			_, flushed, err := w.cachebiased.Flush(ctx, name, w.cfg.Evict)
			if err != nil {
				return err
			}
			if flushed {
				r.Flushed++
			}
			return nil
		})
	}
	elapsed := time.Since(start)
	w.rec.Sweep(elapsed, r.Failures)
	w.log.Debug("sweep done", "shrunk", r.Shrunk, "consolidated", r.Consolidated,
		"flushed", r.Flushed, "failures", r.Failures, "elapsed", elapsed)
	return r
}

func (w *Worker) each(ctx context.Context, engine string, names func(context.Context) ([]string, error), r *Report, fn func(string) error) {
	list, err := names(ctx)
	if err != nil {
		r.Failures++
		w.log.Error("listing counters failed", "engine", engine, "err", err)
		return
	}
	for _, name := range list {
		if ctx.Err() != nil {
			r.Failures++
			w.log.Error("sweep aborted", "engine", engine, "err", ctx.Err())
			return
		}
		if err := fn(name); err != nil {
			r.Failures++
			w.log.Error("maintenance failed", "engine", engine, "counter", name, "err", err)
		}
	}
}
