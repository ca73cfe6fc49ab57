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

// Package partitioned implements the partitioned live-sum counter.
//
// A counter's total is spread over num_partitions independently updatable
// partition records. Each increment updates one partition picked at random, so
// concurrent increments rarely touch the same record; a count sums every
// partition. Under contention the idempotent increment path doubles the number
// of partitions (up to max_partitions), and Shrink folds partitions back
// together when load subsides.
//
// Shrink is a tolerant operation, not a guaranteed-exact one. Increments read
// the metadata record inside their own transaction, so a store that validates
// that read against Shrink's metadata write (all stores in this module do)
// serializes the two. A store with weaker isolation could let an increment land
// on a partition Shrink is zeroing, and that increment would be lost.
package partitioned

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"shardcounter/internal/counters/cache"
	"shardcounter/internal/counters/keys"
	"shardcounter/internal/counters/store"
	"shardcounter/internal/counters/telemetry"
)

// DefaultMaxRounds bounds the apply/expand rounds of one idempotent increment.
const DefaultMaxRounds = 16

// ErrCapacityExhausted is returned, together with store.ErrContention, when an
// idempotent increment keeps contending after growth reached its ceiling.
var ErrCapacityExhausted = errors.New("partition capacity exhausted")

// IndexSource picks a partition index in [0, n).
type IndexSource interface {
	Intn(n int) int
}

// IndexFunc adapts a function to IndexSource.
type IndexFunc func(n int) int

func (f IndexFunc) Intn(n int) int { return f(n) }

type uniform struct{}

func (uniform) Intn(n int) int { return rand.IntN(n) }

// Engine operates partitioned counters stored in a store.Store.
// It is safe for concurrent use.
type Engine struct {
	store     store.Store
	index     IndexSource
	newID     func() string
	maxRounds int
	log       *slog.Logger
	rec       telemetry.Recorder

	countCache cache.Cache
	countTTL   time.Duration
	counts     singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithIndexSource replaces the uniform random partition picker.
func WithIndexSource(src IndexSource) Option { return func(e *Engine) { e.index = src } }

// WithRequestIDs replaces the uuid generator used for idempotent increments.
func WithRequestIDs(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

// WithMaxRounds bounds the apply/expand rounds of an idempotent increment.
func WithMaxRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// WithCountCache memoizes Count results in c for ttl. Increments do not
// invalidate the memo, so counts may lag by up to ttl.
func WithCountCache(c cache.Cache, ttl time.Duration) Option {
	return func(e *Engine) {
		e.countCache = c
		e.countTTL = ttl
	}
}

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithRecorder(r telemetry.Recorder) Option { return func(e *Engine) { e.rec = r } }

// New returns an engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		index:     uniform{},
		newID:     uuid.NewString,
		maxRounds: DefaultMaxRounds,
		log:       slog.Default().With("component", "partitioned"),
		rec:       telemetry.Noop{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Create validates md and stores it unless the counter already exists, in
// which case the stored metadata is returned unchanged.
func (e *Engine) Create(ctx context.Context, md Metadata) (Metadata, error) {
	if err := md.Validate(); err != nil {
		return Metadata{}, err
	}
	var out Metadata
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		existing, err := loadMetadata(tx, md.Name)
		switch {
		case err == nil:
			out = existing
			return nil
		case !store.IsNotFound(err):
			return err
		}
		out = md
		return saveMetadata(tx, md)
	})
	if err != nil {
		return Metadata{}, err
	}
	return out, nil
}

// Metadata returns the stored metadata of a counter.
func (e *Engine) Metadata(ctx context.Context, name string) (Metadata, error) {
	rec, err := e.store.Get(ctx, keys.Metadata(name))
	if err != nil {
		return Metadata{}, fmt.Errorf("partitioned counter %q: %w", name, err)
	}
	return metadataFrom(rec)
}

// Names lists every partitioned counter.
func (e *Engine) Names(ctx context.Context) ([]string, error) {
	recs, err := e.store.Query(ctx, store.KindMetadata, "")
	if err != nil {
		return nil, fmt.Errorf("list partitioned counters: %w", err)
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Ref)
	}
	return out, nil
}

// pick returns a partition index for a counter currently spread over n partitions.
func (e *Engine) pick(n int) int {
	i := e.index.Intn(n)
	if i < 0 || i >= n {
		// Adversarial sources in tests may return out-of-range values.
		i = ((i % n) + n) % n
	}
	return i
}

// addToPartition applies delta to a random partition inside tx and returns the
// partition key it touched.
func (e *Engine) addToPartition(tx store.Tx, md Metadata, delta int64) (string, error) {
	key := keys.Partition(md.Name, e.pick(md.NumPartitions))
	rec, err := tx.Get(key)
	switch {
	case store.IsNotFound(err):
		rec = &store.Record{Key: key, Kind: store.KindPartition, Ref: md.Name}
	case err != nil:
		return "", err
	}
	rec.Value += delta
	if err := tx.Put(rec); err != nil {
		return "", err
	}
	return key, nil
}
