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
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"shardcounter/internal/counters/cache"
)

// casScript swaps a value only if it still equals the observed one.
// KEEPTTL preserves any expiry set by Add.
const casScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
  return 1
end
return 0
`

// casDeleteScript deletes a key only if it still holds the observed value.
const casDeleteScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`

// RedisCache is a cache.Cache on Redis strings.
//
// Redis integers are signed, so values are stored as cache.Decode(u). Since
// the bias is the sign bit, the unsigned order of cached values matches the
// signed order of stored integers and INCRBY stays exact. Decrementing below
// the unsigned floor surfaces as a Redis overflow error instead of clamping.
type RedisCache struct {
	c      redis.UniversalClient
	prefix string
	cas    *redis.Script
	casDel *redis.Script
}

// NewRedisCache builds a cache on an existing client. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisCache(c redis.UniversalClient, prefix string) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCache{
		c:      c,
		prefix: prefix + "cache:",
		cas:    redis.NewScript(casScript),
		casDel: redis.NewScript(casDeleteScript),
	}
}

func (r *RedisCache) key(k string) string { return r.prefix + k }

func parseStored(s string) (uint64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: bad stored value %q: %w", s, err)
	}
	return cache.Encode(n), nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (uint64, error) {
	s, err := r.c.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, cache.ErrCacheMiss
	}
	if err != nil {
		return 0, err
	}
	return parseStored(s)
}

func (r *RedisCache) GetMulti(ctx context.Context, keys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	vals, err := r.c.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		u, err := parseStored(s)
		if err != nil {
			return nil, err
		}
		out[keys[i]] = u
	}
	return out, nil
}

// Increment seeds a missing key with initial and adds delta in one MULTI.
func (r *RedisCache) Increment(ctx context.Context, key string, delta int64, initial uint64) (uint64, error) {
	k := r.key(key)
	var incr *redis.IntCmd
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SetNX(ctx, k, cache.Decode(initial), 0)
		incr = p.IncrBy(ctx, k, delta)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cache.Encode(incr.Val()), nil
}

func (r *RedisCache) Add(ctx context.Context, key string, value uint64, ttl time.Duration) (bool, error) {
	return r.c.SetNX(ctx, r.key(key), cache.Decode(value), ttl).Result()
}

// Gets reads a value for a later CompareAndSwap. Swaps compare on the value,
// so CasID stays zero.
func (r *RedisCache) Gets(ctx context.Context, key string) (*cache.Item, error) {
	s, err := r.c.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, cache.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	u, err := parseStored(s)
	if err != nil {
		return nil, err
	}
	return &cache.Item{Key: key, Value: u}, nil
}

func (r *RedisCache) CompareAndSwap(ctx context.Context, item *cache.Item, value uint64) (bool, error) {
	old := strconv.FormatInt(cache.Decode(item.Value), 10)
	next := strconv.FormatInt(cache.Decode(value), 10)
	n, err := r.cas.Run(ctx, r.c, []string{r.key(item.Key)}, old, next).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisCache) CompareAndDelete(ctx context.Context, item *cache.Item) (bool, error) {
	old := strconv.FormatInt(cache.Decode(item.Value), 10)
	n, err := r.casDel.Run(ctx, r.c, []string{r.key(item.Key)}, old).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.c.Del(ctx, r.key(key)).Err()
}

func (r *RedisCache) DeleteMulti(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.c.Del(ctx, full...).Err()
}
