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

package partitioned

import (
	"context"
	"errors"
	"fmt"

	"shardcounter/internal/counters/cache"
	"shardcounter/internal/counters/keys"
	"shardcounter/internal/counters/telemetry"
)

// Count returns the sum of partitions [0, num_partitions). Missing partitions
// count as zero. With a count cache configured the result may be up to the
// memo TTL old, and concurrent computations for one counter are coalesced.
func (e *Engine) Count(ctx context.Context, name string) (int64, error) {
	if e.countCache == nil {
		return e.sum(ctx, name)
	}
	memo := keys.CountMemo(name)
	if v, err := e.countCache.Get(ctx, memo); err == nil {
		e.rec.CacheHit(telemetry.Partitioned)
		return cache.Decode(v), nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		e.log.Warn("count memo read failed", "counter", name, "err", err)
	}
	e.rec.CacheMiss(telemetry.Partitioned)

	v, err, _ := e.counts.Do(name, func() (any, error) {
		total, err := e.sum(ctx, name)
		if err != nil {
			return int64(0), err
		}
		if _, err := e.countCache.Add(ctx, memo, cache.Encode(total), e.countTTL); err != nil {
			e.log.Warn("count memo write failed", "counter", name, "err", err)
		}
		return total, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (e *Engine) sum(ctx context.Context, name string) (int64, error) {
	md, err := e.Metadata(ctx, name)
	if err != nil {
		return 0, err
	}
	parts, err := e.store.GetMulti(ctx, keys.Partitions(name, 0, md.NumPartitions))
	if err != nil {
		return 0, fmt.Errorf("partitioned counter %q: read partitions: %w", name, err)
	}
	var total int64
	for _, p := range parts {
		if p != nil {
			total += p.Value
		}
	}
	return total, nil
}
