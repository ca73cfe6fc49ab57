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

package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// entry is one cached value. Its mutex serializes every read-modify-write on
// the key; the map itself is only touched to publish or retire entries.
//
// live is false for a freshly published placeholder and for an expired value.
// removed marks an entry that has been unlinked from the map: a goroutine that
// locks a removed entry must reload from the map instead of mutating it.
type entry struct {
	mu      sync.Mutex
	value   uint64
	cas     uint64
	expires int64 // UnixNano, 0 = never
	live    bool
	removed bool
}

// Memory is an in-process Cache. It is safe for concurrent use.
type Memory struct {
	entries sync.Map
	casSeq  atomic.Uint64
	now     func() time.Time
}

// NewMemory returns an empty cache.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

// SetClock replaces the time source used for expiry. Tests only.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

// lock returns the locked entry for key. With create=false it returns nil when
// the key has never been published. The caller must call release.
func (m *Memory) lock(key string, create bool) *entry {
	for {
		v, ok := m.entries.Load(key)
		if !ok {
			if !create {
				return nil
			}
			e := &entry{}
			e.mu.Lock()
			actual, loaded := m.entries.LoadOrStore(key, e)
			if !loaded {
				return e
			}
			e.mu.Unlock()
			v = actual
		}
		e := v.(*entry)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if e.live && e.expires != 0 && m.now().UnixNano() >= e.expires {
			e.live = false
		}
		return e
	}
}

// release unlocks e, unlinking it first if it holds no value.
func (m *Memory) release(key string, e *entry) {
	if !e.live {
		e.removed = true
		m.entries.CompareAndDelete(key, e)
	}
	e.mu.Unlock()
}

func (m *Memory) store(e *entry, value uint64, ttl time.Duration) {
	e.value = value
	e.live = true
	e.expires = 0
	if ttl > 0 {
		e.expires = m.now().Add(ttl).UnixNano()
	}
	e.cas = m.casSeq.Add(1)
}

func (m *Memory) Get(ctx context.Context, key string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e := m.lock(key, false)
	if e == nil {
		return 0, ErrCacheMiss
	}
	defer m.release(key, e)
	if !e.live {
		return 0, ErrCacheMiss
	}
	return e.value, nil
}

func (m *Memory) GetMulti(ctx context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	for _, k := range keys {
		v, err := m.Get(ctx, k)
		if err == ErrCacheMiss {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Increment clamps decrements at zero and wraps increments modulo 2^64.
func (m *Memory) Increment(ctx context.Context, key string, delta int64, initial uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e := m.lock(key, true)
	defer m.release(key, e)
	if !e.live {
		m.store(e, initial, 0)
	}
	v := e.value
	if delta >= 0 {
		v += uint64(delta)
	} else {
		d := uint64(-(delta + 1)) + 1
		if d > v {
			v = 0
		} else {
			v -= d
		}
	}
	e.value = v
	e.cas = m.casSeq.Add(1)
	return v, nil
}

func (m *Memory) Add(ctx context.Context, key string, value uint64, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e := m.lock(key, true)
	defer m.release(key, e)
	if e.live {
		return false, nil
	}
	m.store(e, value, ttl)
	return true, nil
}

func (m *Memory) Gets(ctx context.Context, key string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := m.lock(key, false)
	if e == nil {
		return nil, ErrCacheMiss
	}
	defer m.release(key, e)
	if !e.live {
		return nil, ErrCacheMiss
	}
	return &Item{Key: key, Value: e.value, CasID: e.cas}, nil
}

// CompareAndSwap keeps the entry's existing expiry.
func (m *Memory) CompareAndSwap(ctx context.Context, item *Item, value uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e := m.lock(item.Key, false)
	if e == nil {
		return false, nil
	}
	defer m.release(item.Key, e)
	if !e.live || e.cas != item.CasID {
		return false, nil
	}
	e.value = value
	e.cas = m.casSeq.Add(1)
	return true, nil
}

func (m *Memory) CompareAndDelete(ctx context.Context, item *Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	e := m.lock(item.Key, false)
	if e == nil {
		return false, nil
	}
	defer m.release(item.Key, e)
	if !e.live || e.cas != item.CasID {
		return false, nil
	}
	e.live = false
	return true, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e := m.lock(key, false); e != nil {
		e.live = false
		m.release(key, e)
	}
	return nil
}

func (m *Memory) DeleteMulti(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := m.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int {
	n := 0
	m.entries.Range(func(k, _ any) bool {
		if e := m.lock(k.(string), false); e != nil {
			if e.live {
				n++
			}
			m.release(k.(string), e)
		}
		return true
	})
	return n
}
