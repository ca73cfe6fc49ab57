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

// Package appendonly implements the append-then-consolidate counter.
//
// Every increment writes a brand-new delta record, so increments never
// contend. Consolidate folds pending deltas into the counter's accumulator.
// Value reads the accumulator only: increments are invisible until the next
// consolidation. That lag is the price of O(1) reads.
//
// Each fold batch re-reads its deltas, adds their sum to the accumulator and
// deletes them in one transaction, so a delta is folded exactly once even
// when several consolidations run concurrently.
package appendonly

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"shardcounter/internal/counters/keys"
	"shardcounter/internal/counters/store"
	"shardcounter/internal/counters/telemetry"
)

// Engine operates append counters. It is safe for concurrent use.
type Engine struct {
	store store.Store
	log   *slog.Logger
	rec   telemetry.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithRecorder(r telemetry.Recorder) Option { return func(e *Engine) { e.rec = r } }

// New returns an engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		log:   slog.Default().With("component", "appendonly"),
		rec:   telemetry.Noop{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Increment records delta and returns the key of the new delta record.
func (e *Engine) Increment(ctx context.Context, name string, delta int64) (string, error) {
	if err := keys.ValidateName(name); err != nil {
		return "", err
	}
	key, err := e.store.Put(ctx, &store.Record{
		Key:   keys.Delta(name, uuid.NewString()),
		Kind:  store.KindDelta,
		Ref:   keys.Accumulator(name),
		Value: delta,
	})
	if err != nil {
		return "", fmt.Errorf("append counter %q: %w", name, err)
	}
	e.rec.Increment(telemetry.Append)
	return key, nil
}

// Consolidate folds pending deltas into the accumulator and returns the
// accumulator value afterwards. A batch that loses to a concurrent writer is
// skipped and its deltas stay pending for the next run.
func (e *Engine) Consolidate(ctx context.Context, name string) (int64, error) {
	pending, err := e.pendingKeys(ctx, name)
	if err != nil {
		return 0, err
	}
	batch := e.store.MaxTxRecords() - 1
	folded := 0
	for start := 0; start < len(pending); start += batch {
		chunk := pending[start:min(start+batch, len(pending))]
		n, err := e.fold(ctx, name, chunk)
		switch {
		case err == nil:
			folded += n
		case errors.Is(err, store.ErrContention):
			e.rec.Contention(telemetry.Append)
			e.log.Warn("fold batch contended, deferring", "counter", name, "deltas", len(chunk), "err", err)
		default:
			return 0, fmt.Errorf("append counter %q: fold: %w", name, err)
		}
	}
	e.rec.Consolidation(folded)
	if folded > 0 {
		e.log.Debug("consolidated", "counter", name, "folded", folded, "pending", len(pending)-folded)
	}
	return e.Value(ctx, name)
}

// fold moves one batch of deltas into the accumulator atomically and returns
// how many deltas it consumed.
func (e *Engine) fold(ctx context.Context, name string, deltaKeys []string) (int, error) {
	var n int
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		n = 0
		recs, err := tx.GetMulti(deltaKeys)
		if err != nil {
			return err
		}
		var (
			sum  int64
			live []string
		)
		for _, r := range recs {
			if r == nil {
				continue
			}
			sum += r.Value
			live = append(live, r.Key)
		}
		if len(live) == 0 {
			return nil
		}
		acc, err := getAccumulator(tx, name)
		if err != nil {
			return err
		}
		acc.Value += sum
		if err := tx.Put(acc); err != nil {
			return err
		}
		n = len(live)
		return tx.Delete(live...)
	})
	return n, err
}

// Value returns the consolidated total, creating the accumulator at 0 if needed.
func (e *Engine) Value(ctx context.Context, name string) (int64, error) {
	if err := keys.ValidateName(name); err != nil {
		return 0, err
	}
	rec, err := e.store.Get(ctx, keys.Accumulator(name))
	if err == nil {
		return rec.Value, nil
	}
	if !store.IsNotFound(err) {
		return 0, fmt.Errorf("append counter %q: %w", name, err)
	}
	var v int64
	err = e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		acc, err := getAccumulator(tx, name)
		if err != nil {
			return err
		}
		v = acc.Value
		return tx.Put(acc)
	})
	if err != nil {
		return 0, fmt.Errorf("append counter %q: %w", name, err)
	}
	return v, nil
}

// Set discards pending deltas and overwrites the accumulator with value.
func (e *Engine) Set(ctx context.Context, name string, value int64) error {
	if err := keys.ValidateName(name); err != nil {
		return err
	}
	if err := e.dropPending(ctx, name); err != nil {
		return err
	}
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		acc, err := getAccumulator(tx, name)
		if err != nil {
			return err
		}
		acc.Value = value
		return tx.Put(acc)
	})
	if err != nil {
		return fmt.Errorf("append counter %q: set: %w", name, err)
	}
	return nil
}

// Delete consolidates, then removes the accumulator and any deltas that could
// not be folded.
func (e *Engine) Delete(ctx context.Context, name string) error {
	if _, err := e.Consolidate(ctx, name); err != nil {
		return err
	}
	if err := e.dropPending(ctx, name); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, keys.Accumulator(name)); err != nil {
		return fmt.Errorf("append counter %q: delete: %w", name, err)
	}
	return nil
}

// Exists reports whether the counter has an accumulator or pending deltas.
func (e *Engine) Exists(ctx context.Context, name string) (bool, error) {
	_, err := e.store.Get(ctx, keys.Accumulator(name))
	switch {
	case err == nil:
		return true, nil
	case !store.IsNotFound(err):
		return false, fmt.Errorf("append counter %q: %w", name, err)
	}
	n, err := e.Pending(ctx, name)
	return n > 0, err
}

// Pending returns the number of unconsolidated deltas.
func (e *Engine) Pending(ctx context.Context, name string) (int, error) {
	ks, err := e.pendingKeys(ctx, name)
	return len(ks), err
}

// Names lists counters that have an accumulator or pending deltas.
func (e *Engine) Names(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, kind := range []store.Kind{store.KindAccumulator, store.KindDelta} {
		recs, err := e.store.Query(ctx, kind, "")
		if err != nil {
			return nil, fmt.Errorf("list append counters: %w", err)
		}
		for _, r := range recs {
			name := r.Ref
			if kind == store.KindDelta {
				var ok bool
				if name, ok = keys.AccumulatorName(r.Ref); !ok {
					continue
				}
			}
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) pendingKeys(ctx context.Context, name string) ([]string, error) {
	if err := keys.ValidateName(name); err != nil {
		return nil, err
	}
	recs, err := e.store.Query(ctx, store.KindDelta, keys.Accumulator(name))
	if err != nil {
		return nil, fmt.Errorf("append counter %q: list deltas: %w", name, err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out, nil
}

func (e *Engine) dropPending(ctx context.Context, name string) error {
	pending, err := e.pendingKeys(ctx, name)
	if err != nil {
		return err
	}
	batch := e.store.MaxTxRecords()
	for start := 0; start < len(pending); start += batch {
		if err := e.store.Delete(ctx, pending[start:min(start+batch, len(pending))]...); err != nil {
			return fmt.Errorf("append counter %q: drop deltas: %w", name, err)
		}
	}
	return nil
}

func getAccumulator(tx store.Tx, name string) (*store.Record, error) {
	rec, err := tx.Get(keys.Accumulator(name))
	if store.IsNotFound(err) {
		return &store.Record{Key: keys.Accumulator(name), Kind: store.KindAccumulator, Ref: name}, nil
	}
	return rec, err
}
