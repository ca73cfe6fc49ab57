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

// Package cachebiased implements the cache-biased deferred-write counter.
//
// The live value is an atomic counter in the cache, stored biased by
// cache.Bias so that it can go negative on an unsigned primitive. A durable
// shadow record in the store trails it: the first increment after the flush
// lock expires writes the cached value through, at most once per persist delay.
// Cache and shadow are never updated atomically together; the cache is the
// source of truth while an entry is resident, and the shadow rebuilds the entry
// after an eviction, possibly missing increments newer than the last flush.
package cachebiased

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"shardcounter/internal/counters/cache"
	"shardcounter/internal/counters/keys"
	"shardcounter/internal/counters/store"
	"shardcounter/internal/counters/telemetry"
)

// DefaultPersistDelay is the flush lock lifetime used when a call passes none.
const DefaultPersistDelay = 10 * time.Second

// warmConcurrency bounds parallel cache warms in GetMulti.
const warmConcurrency = 8

// Engine operates cache-biased counters. It is safe for concurrent use.
type Engine struct {
	store        store.Store
	cache        cache.Cache
	persistDelay time.Duration
	log          *slog.Logger
	rec          telemetry.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithPersistDelay sets the delay used when Increment is given a non-positive one.
func WithPersistDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.persistDelay = d
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithRecorder(r telemetry.Recorder) Option { return func(e *Engine) { e.rec = r } }

// New returns an engine over the durable store s and the cache c.
func New(s store.Store, c cache.Cache, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		cache:        c,
		persistDelay: DefaultPersistDelay,
		log:          slog.Default().With("component", "cachebiased"),
		rec:          telemetry.Noop{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Increment adds delta and returns the new value without waiting for
// persistence. The caller that takes the flush lock writes the value through
// to the shadow; failures of that write are logged and dropped, since a later
// flush persists a fresher value.
func (e *Engine) Increment(ctx context.Context, name string, delta int64, persistDelay time.Duration) (int64, error) {
	if err := keys.ValidateName(name); err != nil {
		return 0, err
	}
	if persistDelay <= 0 {
		persistDelay = e.persistDelay
	}
	key := keys.Shadow(name)
	if err := e.warm(ctx, name); err != nil {
		return 0, err
	}
	biased, err := e.cache.Increment(ctx, key, delta, cache.Bias)
	if err != nil {
		return 0, fmt.Errorf("cache-biased counter %q: increment: %w", name, err)
	}
	value := cache.Decode(biased)
	e.rec.Increment(telemetry.CacheBiased)

	won, err := e.cache.Add(ctx, keys.FlushLock(name), 1, persistDelay)
	if err != nil {
		e.rec.FlushFailure(telemetry.CacheBiased)
		e.log.Warn("flush lock unavailable", "counter", name, "err", err)
		return value, nil
	}
	if won {
		if err := e.persist(ctx, name, value); err != nil {
			e.rec.FlushFailure(telemetry.CacheBiased)
			e.log.Warn("deferred flush failed", "counter", name, "err", err)
		}
	}
	return value, nil
}

// warm seeds an absent cache entry from the durable shadow so an increment
// after eviction continues from the persisted value instead of zero.
func (e *Engine) warm(ctx context.Context, name string) error {
	key := keys.Shadow(name)
	_, err := e.cache.Get(ctx, key)
	switch {
	case err == nil:
		e.rec.CacheHit(telemetry.CacheBiased)
		return nil
	case !errors.Is(err, cache.ErrCacheMiss):
		return fmt.Errorf("cache-biased counter %q: %w", name, err)
	}
	e.rec.CacheMiss(telemetry.CacheBiased)
	v, _, err := e.shadow(ctx, name)
	if err != nil {
		return err
	}
	if _, err := e.cache.Add(ctx, key, cache.Encode(v), 0); err != nil {
		return fmt.Errorf("cache-biased counter %q: warm: %w", name, err)
	}
	return nil
}

// Get returns the cached value, rebuilding the cache entry from the shadow on a miss.
func (e *Engine) Get(ctx context.Context, name string) (int64, error) {
	if err := keys.ValidateName(name); err != nil {
		return 0, err
	}
	key := keys.Shadow(name)
	biased, err := e.cache.Get(ctx, key)
	switch {
	case err == nil:
		e.rec.CacheHit(telemetry.CacheBiased)
		return cache.Decode(biased), nil
	case !errors.Is(err, cache.ErrCacheMiss):
		return 0, fmt.Errorf("cache-biased counter %q: %w", name, err)
	}
	e.rec.CacheMiss(telemetry.CacheBiased)
	v, _, err := e.shadow(ctx, name)
	if err != nil {
		return 0, err
	}
	added, err := e.cache.Add(ctx, key, cache.Encode(v), 0)
	if err != nil {
		return 0, fmt.Errorf("cache-biased counter %q: warm: %w", name, err)
	}
	if !added {
		// Someone else seeded or incremented meanwhile; theirs is newer.
		if biased, err := e.cache.Get(ctx, key); err == nil {
			return cache.Decode(biased), nil
		}
	}
	return v, nil
}

// Flush writes the cached value to the shadow and returns it. flushed is false
// when nothing was cached, in which case the shadow value is returned. With
// evict the cache entry is dropped after the write, unless it moved meanwhile.
func (e *Engine) Flush(ctx context.Context, name string, evict bool) (value int64, flushed bool, err error) {
	if err := keys.ValidateName(name); err != nil {
		return 0, false, err
	}
	key := keys.Shadow(name)
	item, err := e.cache.Gets(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		v, _, err := e.shadow(ctx, name)
		return v, false, err
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache-biased counter %q: %w", name, err)
	}
	value = cache.Decode(item.Value)
	if err := e.persist(ctx, name, value); err != nil {
		e.rec.FlushFailure(telemetry.CacheBiased)
		return value, false, err
	}
	if evict {
		if err := e.evict(ctx, item); err != nil {
			return value, true, err
		}
	}
	return value, true, nil
}

// evict drops the entry only if it still holds the flushed version. The check
// and the delete are one cache operation, so an increment landing after the
// flush keeps the entry alive.
func (e *Engine) evict(ctx context.Context, flushed *cache.Item) error {
	ok, err := e.cache.CompareAndDelete(ctx, flushed)
	if err != nil {
		return err
	}
	if !ok {
		e.log.Debug("entry moved during flush, keeping it", "key", flushed.Key)
	}
	return nil
}

// Reset is Set(ctx, name, 0).
func (e *Engine) Reset(ctx context.Context, name string) (bool, error) {
	return e.Set(ctx, name, 0)
}

// Set writes value to the shadow, then swaps it into the cache. A false result
// with a nil error means the durable write succeeded but a concurrent increment
// won the cache race; the cache converges on the next flush cycle.
func (e *Engine) Set(ctx context.Context, name string, value int64) (bool, error) {
	if err := keys.ValidateName(name); err != nil {
		return false, err
	}
	if err := e.persist(ctx, name, value); err != nil {
		return false, err
	}
	key := keys.Shadow(name)
	item, err := e.cache.Gets(ctx, key)
	switch {
	case errors.Is(err, cache.ErrCacheMiss):
		ok, err := e.cache.Add(ctx, key, cache.Encode(value), 0)
		if err != nil {
			return false, fmt.Errorf("cache-biased counter %q: seed: %w", name, err)
		}
		return ok, nil
	case err != nil:
		return false, fmt.Errorf("cache-biased counter %q: %w", name, err)
	}
	ok, err := e.cache.CompareAndSwap(ctx, item, cache.Encode(value))
	if err != nil {
		return false, fmt.Errorf("cache-biased counter %q: swap: %w", name, err)
	}
	if !ok {
		e.log.Debug("set lost cache race", "counter", name)
	}
	return ok, nil
}

// Exists reports whether the counter is cached or has a shadow. A shadow hit
// warms the cache.
func (e *Engine) Exists(ctx context.Context, name string) (bool, error) {
	if err := keys.ValidateName(name); err != nil {
		return false, err
	}
	key := keys.Shadow(name)
	if _, err := e.cache.Get(ctx, key); err == nil {
		return true, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		return false, fmt.Errorf("cache-biased counter %q: %w", name, err)
	}
	v, ok, err := e.shadow(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if _, err := e.cache.Add(ctx, key, cache.Encode(v), 0); err != nil {
		e.log.Warn("warm after exists failed", "counter", name, "err", err)
	}
	return true, nil
}

// Delete removes the shadow and the cache entry.
func (e *Engine) Delete(ctx context.Context, name string) error {
	return e.DeleteMulti(ctx, []string{name})
}

// GetMulti is the batched Get. Counters without cache entry or shadow read as 0.
func (e *Engine) GetMulti(ctx context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	if len(names) == 0 {
		return out, nil
	}
	shadowKeys := keys.Shadows(names)
	hits, err := e.cache.GetMulti(ctx, shadowKeys)
	if err != nil {
		return nil, fmt.Errorf("cache-biased get multi: %w", err)
	}
	var missed []int
	for i, k := range shadowKeys {
		if v, ok := hits[k]; ok {
			out[names[i]] = cache.Decode(v)
			continue
		}
		missed = append(missed, i)
	}
	if len(missed) == 0 {
		return out, nil
	}

	missKeys := make([]string, len(missed))
	for j, i := range missed {
		missKeys[j] = shadowKeys[i]
	}
	recs, err := e.store.GetMulti(ctx, missKeys)
	if err != nil {
		return nil, fmt.Errorf("cache-biased get multi: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for j, i := range missed {
		var v int64
		if recs[j] != nil {
			v = recs[j].Value
		}
		out[names[i]] = v
		key := missKeys[j]
		g.Go(func() error {
			_, err := e.cache.Add(gctx, key, cache.Encode(v), 0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Warn("warm after get multi failed", "err", err)
	}
	return out, nil
}

// DeleteMulti removes shadows and cache entries of every name.
func (e *Engine) DeleteMulti(ctx context.Context, names []string) error {
	for _, n := range names {
		if err := keys.ValidateName(n); err != nil {
			return err
		}
	}
	shadowKeys := keys.Shadows(names)
	batch := e.store.MaxTxRecords()
	for start := 0; start < len(shadowKeys); start += batch {
		if err := e.store.Delete(ctx, shadowKeys[start:min(start+batch, len(shadowKeys))]...); err != nil {
			return fmt.Errorf("cache-biased delete: %w", err)
		}
	}
	if err := e.cache.DeleteMulti(ctx, shadowKeys); err != nil {
		return fmt.Errorf("cache-biased delete: %w", err)
	}
	return nil
}

// Names lists counters with a durable shadow.
func (e *Engine) Names(ctx context.Context) ([]string, error) {
	recs, err := e.store.Query(ctx, store.KindShadow, "")
	if err != nil {
		return nil, fmt.Errorf("list cache-biased counters: %w", err)
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Ref)
	}
	return out, nil
}

// shadow returns the durable value and whether a shadow exists.
func (e *Engine) shadow(ctx context.Context, name string) (int64, bool, error) {
	rec, err := e.store.Get(ctx, keys.Shadow(name))
	switch {
	case err == nil:
		return rec.Value, true, nil
	case store.IsNotFound(err):
		return 0, false, nil
	}
	return 0, false, fmt.Errorf("cache-biased counter %q: read shadow: %w", name, err)
}

func (e *Engine) persist(ctx context.Context, name string, value int64) error {
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		return tx.Put(&store.Record{
			Key:   keys.Shadow(name),
			Kind:  store.KindShadow,
			Ref:   name,
			Value: value,
		})
	})
	if err != nil {
		return fmt.Errorf("cache-biased counter %q: persist: %w", name, err)
	}
	return nil
}
