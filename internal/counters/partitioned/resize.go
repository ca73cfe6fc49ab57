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

	"shardcounter/internal/counters/keys"
	"shardcounter/internal/counters/store"
)

// Expand doubles the partition count, capped at max_partitions, and reports
// whether further growth remains possible. At the ceiling it is a no-op
// returning false. Expand ignores the dynamic_growth flag; that flag only
// governs automatic growth from the idempotent increment path.
func (e *Engine) Expand(ctx context.Context, name string) (bool, error) {
	var (
		grew bool
		md   Metadata
	)
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		grew = false
		var err error
		md, err = loadMetadata(tx, name)
		if err != nil {
			return err
		}
		if md.NumPartitions >= md.MaxPartitions {
			return nil
		}
		md.NumPartitions = min(md.NumPartitions*2, md.MaxPartitions)
		grew = true
		return saveMetadata(tx, md)
	})
	if err != nil {
		return false, err
	}
	if grew {
		e.rec.Expansion(md.NumPartitions)
		e.log.Debug("expanded", "counter", name, "partitions", md.NumPartitions, "max", md.MaxPartitions)
	}
	return md.NumPartitions < md.MaxPartitions, nil
}

// mergeWidth is how many trailing partitions one Shrink folds together.
func mergeWidth(num, maxTx int) int {
	k := min(num/2, maxTx-1)
	if k == 0 {
		return 0
	}
	return max(k, 2)
}

// Shrink folds the trailing partitions into the first partition of that range
// and returns the resulting metadata. Merged partitions are zeroed, never
// deleted, since indices are stable identifiers. One call merges at most
// MaxTxRecords-1 partitions; call it repeatedly until NumPartitions is 1 to
// consolidate fully.
func (e *Engine) Shrink(ctx context.Context, name string) (Metadata, error) {
	var (
		md     Metadata
		merged int
	)
	maxTx := e.store.MaxTxRecords()
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		merged = 0
		var err error
		md, err = loadMetadata(tx, name)
		if err != nil {
			return err
		}
		k := mergeWidth(md.NumPartitions, maxTx)
		if k == 0 {
			return nil
		}
		from := md.NumPartitions - k
		parts, err := tx.GetMulti(keys.Partitions(name, from, md.NumPartitions))
		if err != nil {
			return err
		}
		var sum int64
		for _, p := range parts {
			if p != nil {
				sum += p.Value
			}
		}
		if err := tx.Put(&store.Record{
			Key:   keys.Partition(name, from),
			Kind:  store.KindPartition,
			Ref:   name,
			Value: sum,
		}); err != nil {
			return err
		}
		for _, p := range parts[1:] {
			if p == nil || p.Value == 0 {
				continue
			}
			p.Value = 0
			if err := tx.Put(p); err != nil {
				return err
			}
		}
		md.NumPartitions -= k - 1
		merged = k
		return saveMetadata(tx, md)
	})
	if err != nil {
		return Metadata{}, err
	}
	if merged > 0 {
		e.rec.Shrink(md.NumPartitions)
		e.log.Debug("shrunk", "counter", name, "merged", merged, "partitions", md.NumPartitions)
	}
	return md, nil
}
