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

// Package store defines the transactional record store the counter engines are
// built on, together with an in-process implementation.
//
// The contract mirrors a datastore with optimistic transactions:
//   - records are addressed by string keys and carry a kind, a weak reference,
//     a signed value and an optional opaque payload
//   - a transaction reads and writes a bounded set of records (MaxTxRecords)
//     and fails with ErrContention when a concurrent commit touched what it read
//   - a contended transaction is retried a fixed number of times by the store
//     itself before the contention error is surfaced to the caller
package store

import (
	"context"
	"errors"
	"fmt"
)

const (
	// DefaultMaxTxRecords bounds the distinct records a transaction may touch.
	DefaultMaxTxRecords = 25
	// DefaultRetries is the number of times a contended transaction is re-run.
	DefaultRetries = 3
	// minTxRecords is the smallest useful bound: a shrink touches the metadata
	// record and at least two partitions.
	minTxRecords = 3
)

var (
	// ErrNotFound reports an absent record (or counter).
	ErrNotFound = errors.New("not found")
	// ErrContention reports a transaction that could not be serialized.
	ErrContention = errors.New("transaction contention")
	// ErrTxTooLarge reports a transaction touching more than MaxTxRecords records.
	ErrTxTooLarge = errors.New("transaction touches too many records")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Kind tags the record family.
type Kind string

const (
	KindMetadata    Kind = "meta"
	KindPartition   Kind = "partition"
	KindTxLog       Kind = "txlog"
	KindDelta       Kind = "delta"
	KindAccumulator Kind = "accumulator"
	KindShadow      Kind = "shadow"
)

// Record is the unit of storage.
//
// Ref is a weak back-reference used for listing (owner counter name,
// accumulator key, partition key). It is never followed transactionally.
type Record struct {
	Key   string
	Kind  Kind
	Ref   string
	Value int64
	Data  []byte
}

// Clone returns a deep copy so callers never share buffers with a store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	return &c
}

// Tx is the view of the store inside RunInTransaction. Reads observe the
// transaction's own writes.
type Tx interface {
	Get(key string) (*Record, error)
	// GetMulti returns one entry per key, nil for absent keys.
	GetMulti(keys []string) ([]*Record, error)
	Put(rec *Record) error
	Delete(keys ...string) error
}

// Store is the transactional record store.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	GetMulti(ctx context.Context, keys []string) ([]*Record, error)
	// Put writes rec and returns its key; an empty key is generated.
	Put(ctx context.Context, rec *Record) (string, error)
	Delete(ctx context.Context, keys ...string) error
	// Query lists records of a kind; a non-empty ref filters on Record.Ref.
	// Results are ordered by key.
	Query(ctx context.Context, kind Kind, ref string) ([]*Record, error)
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error
	MaxTxRecords() int
}

// Options configures transaction limits shared by all implementations.
type Options struct {
	// MaxTxRecords is the maximum number of distinct keys per transaction.
	// 0 uses DefaultMaxTxRecords.
	MaxTxRecords int
	// Retries is how many times a contended transaction is re-run before
	// ErrContention is returned. 0 uses DefaultRetries; negative disables retries.
	Retries int
}

// Normalize applies defaults and validates the result.
func (o Options) Normalize() (Options, error) {
	if o.MaxTxRecords == 0 {
		o.MaxTxRecords = DefaultMaxTxRecords
	}
	if o.MaxTxRecords < minTxRecords {
		return o, fmt.Errorf("max tx records must be >= %d, got %d", minTxRecords, o.MaxTxRecords)
	}
	switch {
	case o.Retries == 0:
		o.Retries = DefaultRetries
	case o.Retries < 0:
		o.Retries = 0
	}
	return o, nil
}

// KeyBudget tracks distinct keys touched by a transaction and enforces the limit.
// Implementations embed it in their Tx types.
type KeyBudget struct {
	limit   int
	touched map[string]struct{}
}

// NewKeyBudget returns a budget allowing limit distinct keys.
func NewKeyBudget(limit int) KeyBudget {
	return KeyBudget{limit: limit, touched: make(map[string]struct{}, limit)}
}

// Touch records key, failing with ErrTxTooLarge past the limit.
func (b *KeyBudget) Touch(key string) error {
	if _, ok := b.touched[key]; ok {
		return nil
	}
	if len(b.touched) >= b.limit {
		return fmt.Errorf("%w: limit %d, key %q", ErrTxTooLarge, b.limit, key)
	}
	b.touched[key] = struct{}{}
	return nil
}

// Touched returns the keys touched so far, in no particular order.
func (b *KeyBudget) Touched() []string {
	out := make([]string, 0, len(b.touched))
	for k := range b.touched {
		out = append(out, k)
	}
	return out
}

// Retry runs attempt until it succeeds, fails with anything other than
// ErrContention, or retries are exhausted.
func Retry(ctx context.Context, retries int, attempt func() error) error {
	var err error
	for i := 0; i <= retries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = attempt()
		if err == nil || !errors.Is(err, ErrContention) {
			return err
		}
	}
	return err
}
