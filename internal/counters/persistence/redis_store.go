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

package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"shardcounter/internal/counters/store"
)

// RedisStore is a store.Store on Redis hashes.
//
// Layout, relative to the prefix:
//
//	rec:<key>             hash {kind, ref, value, data}
//	idx:<kind>            set of keys with that kind
//	idx:<kind>:<ref>      set of keys with that kind and ref
//
// Transactions WATCH every key they read and apply buffered writes in one
// MULTI/EXEC. Index sets may briefly hold keys whose record was rewritten
// under another kind; Query filters on the hash so such entries are ignored.
type RedisStore struct {
	c      redis.UniversalClient
	prefix string
	opts   store.Options
}

// DefaultRedisPrefix namespaces every key the Redis adapters write.
const DefaultRedisPrefix = "shardcounter:"

// NewRedisStore builds a store on an existing client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(c redis.UniversalClient, prefix string, opts store.Options) (*RedisStore, error) {
	o, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{c: c, prefix: prefix, opts: o}, nil
}

func (s *RedisStore) MaxTxRecords() int { return s.opts.MaxTxRecords }

func (s *RedisStore) recKey(key string) string { return s.prefix + "rec:" + key }

func (s *RedisStore) kindIndex(kind store.Kind) string { return s.prefix + "idx:" + string(kind) }

func (s *RedisStore) refIndex(kind store.Kind, ref string) string {
	return s.prefix + "idx:" + string(kind) + ":" + ref
}

// recordFields flattens a record for HSET.
func recordFields(rec *store.Record) []any {
	return []any{
		"kind", string(rec.Kind),
		"ref", rec.Ref,
		"value", strconv.FormatInt(rec.Value, 10),
		"data", string(rec.Data),
	}
}

// recordFromHash decodes an HGETALL reply; an empty reply means missing.
func recordFromHash(key string, h map[string]string) (*store.Record, error) {
	if len(h) == 0 {
		return nil, nil
	}
	rec := &store.Record{Key: key, Kind: store.Kind(h["kind"]), Ref: h["ref"]}
	if v := h["value"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("record %s: bad value %q: %w", key, v, err)
		}
		rec.Value = n
	}
	if d := h["data"]; d != "" {
		rec.Data = []byte(d)
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*store.Record, error) {
	h, err := s.c.HGetAll(ctx, s.recKey(key)).Result()
	if err != nil {
		return nil, err
	}
	rec, err := recordFromHash(key, h)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	return rec, nil
}

func (s *RedisStore) GetMulti(ctx context.Context, keys []string) ([]*store.Record, error) {
	return s.hashes(ctx, s.c, keys)
}

// pipeliner is satisfied by clients and by a watched *redis.Tx.
type pipeliner interface {
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

func (s *RedisStore) hashes(ctx context.Context, c pipeliner, keys []string) ([]*store.Record, error) {
	out := make([]*store.Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	_, err := c.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HGetAll(ctx, s.recKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, cmd := range cmds {
		rec, err := recordFromHash(keys[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (s *RedisStore) Put(ctx context.Context, rec *store.Record) (string, error) {
	c := rec.Clone()
	if c.Key == "" {
		c.Key = uuid.NewString()
	}
	_, err := s.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		s.queuePut(ctx, p, c)
		return nil
	})
	if err != nil {
		return "", err
	}
	return c.Key, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	old, err := s.hashes(ctx, s.c, keys)
	if err != nil {
		return err
	}
	_, err = s.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			s.queueDelete(ctx, p, k, old[i])
		}
		return nil
	})
	return err
}

func (s *RedisStore) queuePut(ctx context.Context, p redis.Pipeliner, rec *store.Record) {
	p.HSet(ctx, s.recKey(rec.Key), recordFields(rec)...)
	p.SAdd(ctx, s.kindIndex(rec.Kind), rec.Key)
	p.SAdd(ctx, s.refIndex(rec.Kind, rec.Ref), rec.Key)
}

func (s *RedisStore) queueDelete(ctx context.Context, p redis.Pipeliner, key string, old *store.Record) {
	p.Del(ctx, s.recKey(key))
	if old != nil {
		p.SRem(ctx, s.kindIndex(old.Kind), key)
		p.SRem(ctx, s.refIndex(old.Kind, old.Ref), key)
	}
}

func (s *RedisStore) Query(ctx context.Context, kind store.Kind, ref string) ([]*store.Record, error) {
	idx := s.kindIndex(kind)
	if ref != "" {
		idx = s.refIndex(kind, ref)
	}
	members, err := s.c.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	recs, err := s.hashes(ctx, s.c, members)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Record, 0, len(recs))
	for _, rec := range recs {
		if rec == nil || rec.Kind != kind || (ref != "" && rec.Ref != ref) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// RunInTransaction runs fn under WATCH and commits its writes atomically.
// A concurrent write to any key fn read aborts the commit with
// store.ErrContention, which is retried.
func (s *RedisStore) RunInTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	return store.Retry(ctx, s.opts.Retries, func() error {
		err := s.c.Watch(ctx, func(rtx *redis.Tx) error {
			t := &redisTx{
				s:      s,
				ctx:    ctx,
				rtx:    rtx,
				budget: store.NewKeyBudget(s.opts.MaxTxRecords),
				seen:   make(map[string]*store.Record),
				writes: make(map[string]*store.Record),
			}
			if err := fn(t); err != nil {
				return err
			}
			return t.commit()
		})
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: %w", store.ErrContention, err)
		}
		return err
	})
}

type redisTx struct {
	s      *RedisStore
	ctx    context.Context
	rtx    *redis.Tx
	budget store.KeyBudget
	// seen holds the committed version of every watched key, nil if missing.
	seen   map[string]*store.Record
	writes map[string]*store.Record // nil value marks a delete
	order  []string
}

// load watches keys and caches its committed state.
func (t *redisTx) load(keys []string) error {
	var fresh []string
	for _, k := range keys {
		if _, ok := t.seen[k]; !ok {
			fresh = append(fresh, k)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	watch := make([]string, len(fresh))
	for i, k := range fresh {
		watch[i] = t.s.recKey(k)
	}
	if err := t.rtx.Watch(t.ctx, watch...).Err(); err != nil {
		return err
	}
	recs, err := t.s.hashes(t.ctx, t.rtx, fresh)
	if err != nil {
		return err
	}
	for i, k := range fresh {
		t.seen[k] = recs[i]
	}
	return nil
}

func (t *redisTx) current(key string) *store.Record {
	if w, ok := t.writes[key]; ok {
		return w.Clone()
	}
	return t.seen[key].Clone()
}

func (t *redisTx) Get(key string) (*store.Record, error) {
	if err := t.budget.Touch(key); err != nil {
		return nil, err
	}
	if _, ok := t.writes[key]; !ok {
		if err := t.load([]string{key}); err != nil {
			return nil, err
		}
	}
	rec := t.current(key)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	return rec, nil
}

func (t *redisTx) GetMulti(keys []string) ([]*store.Record, error) {
	var unread []string
	for _, k := range keys {
		if err := t.budget.Touch(k); err != nil {
			return nil, err
		}
		if _, ok := t.writes[k]; !ok {
			unread = append(unread, k)
		}
	}
	if err := t.load(unread); err != nil {
		return nil, err
	}
	out := make([]*store.Record, len(keys))
	for i, k := range keys {
		out[i] = t.current(k)
	}
	return out, nil
}

func (t *redisTx) record(key string, rec *store.Record) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = rec
}

func (t *redisTx) Put(rec *store.Record) error {
	c := rec.Clone()
	if c.Key == "" {
		c.Key = uuid.NewString()
	}
	if err := t.budget.Touch(c.Key); err != nil {
		return err
	}
	t.record(c.Key, c)
	return nil
}

func (t *redisTx) Delete(keys ...string) error {
	for _, k := range keys {
		if err := t.budget.Touch(k); err != nil {
			return err
		}
	}
	// Index cleanup needs the committed kind and ref.
	if err := t.load(keys); err != nil {
		return err
	}
	for _, k := range keys {
		t.record(k, nil)
	}
	return nil
}

func (t *redisTx) commit() error {
	if len(t.writes) == 0 {
		return nil
	}
	_, err := t.rtx.TxPipelined(t.ctx, func(p redis.Pipeliner) error {
		for _, k := range t.order {
			old := t.seen[k]
			w := t.writes[k]
			if w == nil {
				t.s.queueDelete(t.ctx, p, k, old)
				continue
			}
			if old != nil && (old.Kind != w.Kind || old.Ref != w.Ref) {
				p.SRem(t.ctx, t.s.kindIndex(old.Kind), k)
				p.SRem(t.ctx, t.s.refIndex(old.Kind, old.Ref), k)
			}
			t.s.queuePut(t.ctx, p, w)
		}
		return nil
	})
	return err
}
