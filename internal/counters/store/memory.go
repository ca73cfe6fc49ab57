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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Store with optimistic transactions.
//
// Every write bumps a global clock and stamps the written key with it. A
// transaction remembers the stamp of every key it read and, at commit, fails
// with ErrContention if any of those stamps moved. Keys that were never
// written have stamp 0, so racing creators of the same key conflict too.
//
// A deleted key keeps its stamp only while an open transaction has read it;
// after that it falls back to 0, so versions holds live keys plus the
// tombstones some transaction can still validate against.
type Memory struct {
	mu       sync.Mutex
	records  map[string]*Record
	versions map[string]uint64
	// readers counts the open transactions that read each key.
	readers map[string]int
	clock   uint64
	opts    Options

	// conflict, when set, is consulted at every commit with the keys the
	// transaction touched; returning true forces ErrContention.
	conflict func(touched []string) bool
}

// NewMemory returns an empty store.
func NewMemory(opts Options) (*Memory, error) {
	o, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	return &Memory{
		records:  make(map[string]*Record),
		versions: make(map[string]uint64),
		readers:  make(map[string]int),
		opts:     o,
	}, nil
}

// SetConflictInjector installs a hook that can force commit failures.
// Used by tests to drive contention deterministically.
func (m *Memory) SetConflictInjector(fn func(touched []string) bool) {
	m.mu.Lock()
	m.conflict = fn
	m.mu.Unlock()
}

func (m *Memory) MaxTxRecords() int { return m.opts.MaxTxRecords }

func (m *Memory) Get(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec.Clone(), nil
}

func (m *Memory) GetMulti(ctx context.Context, keys []string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, len(keys))
	for i, k := range keys {
		out[i] = m.records[k].Clone()
	}
	return out, nil
}

func (m *Memory) Put(ctx context.Context, rec *Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c := rec.Clone()
	if c.Key == "" {
		c.Key = uuid.NewString()
	}
	m.mu.Lock()
	m.write(c.Key, c)
	m.mu.Unlock()
	return c.Key, nil
}

func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	for _, k := range keys {
		m.write(k, nil)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Query(ctx context.Context, kind Kind, ref string) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := make([]*Record, 0)
	for _, r := range m.records {
		if r.Kind != kind || (ref != "" && r.Ref != ref) {
			continue
		}
		out = append(out, r.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return Retry(ctx, m.opts.Retries, func() error {
		tx := &memTx{
			m:      m,
			budget: NewKeyBudget(m.opts.MaxTxRecords),
			reads:  make(map[string]uint64),
			writes: make(map[string]*Record),
		}
		defer tx.release()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.commit()
	})
}

// write must be called with mu held. A nil rec deletes.
func (m *Memory) write(key string, rec *Record) {
	m.clock++
	if rec == nil {
		delete(m.records, key)
		if m.readers[key] == 0 {
			delete(m.versions, key)
			return
		}
	} else {
		m.records[key] = rec
	}
	m.versions[key] = m.clock
}

type memTx struct {
	m      *Memory
	budget KeyBudget
	reads  map[string]uint64
	writes map[string]*Record // nil value marks a delete
	order  []string
}

func (t *memTx) Get(key string) (*Record, error) {
	if err := t.budget.Touch(key); err != nil {
		return nil, err
	}
	if w, ok := t.writes[key]; ok {
		if w == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return w.Clone(), nil
	}
	t.m.mu.Lock()
	rec := t.m.records[key].Clone()
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = t.m.versions[key]
		t.m.readers[key]++
	}
	t.m.mu.Unlock()
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, nil
}

func (t *memTx) GetMulti(keys []string) ([]*Record, error) {
	out := make([]*Record, len(keys))
	for i, k := range keys {
		rec, err := t.Get(k)
		if err != nil && !IsNotFound(err) {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (t *memTx) Put(rec *Record) error {
	c := rec.Clone()
	if c.Key == "" {
		c.Key = uuid.NewString()
	}
	if err := t.budget.Touch(c.Key); err != nil {
		return err
	}
	t.stage(c.Key, c)
	return nil
}

func (t *memTx) Delete(keys ...string) error {
	for _, k := range keys {
		if err := t.budget.Touch(k); err != nil {
			return err
		}
		t.stage(k, nil)
	}
	return nil
}

func (t *memTx) stage(key string, rec *Record) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = rec
}

// release drops the transaction's reads, forgetting the stamps of deleted keys
// no other open transaction has read.
func (t *memTx) release() {
	if len(t.reads) == 0 {
		return
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for k := range t.reads {
		if t.m.readers[k]--; t.m.readers[k] > 0 {
			continue
		}
		delete(t.m.readers, k)
		if _, live := t.m.records[k]; !live {
			delete(t.m.versions, k)
		}
	}
}

func (t *memTx) commit() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.m.conflict != nil && t.m.conflict(t.budget.Touched()) {
		return ErrContention
	}
	for k, ver := range t.reads {
		if t.m.versions[k] != ver {
			return fmt.Errorf("%w: %s changed", ErrContention, k)
		}
	}
	for _, k := range t.order {
		t.m.write(k, t.writes[k])
	}
	return nil
}
