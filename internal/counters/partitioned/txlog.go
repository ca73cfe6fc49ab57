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
	"fmt"
	"strings"

	"shardcounter/internal/counters/keys"
	"shardcounter/internal/counters/store"
)

// TxLog is one idempotency log entry.
type TxLog struct {
	RequestID string
	// Partition is the key of the partition the request updated.
	Partition string
	Index     int
}

// TxLogs lists the idempotency log of a counter by walking every partition
// index the counter may ever have used.
func (e *Engine) TxLogs(ctx context.Context, name string) ([]TxLog, error) {
	md, err := e.Metadata(ctx, name)
	if err != nil {
		return nil, err
	}
	prefix := keys.TxLog(name, "")
	var out []TxLog
	for _, part := range keys.Partitions(name, 0, md.MaxPartitions) {
		recs, err := e.store.Query(ctx, store.KindTxLog, part)
		if err != nil {
			return nil, fmt.Errorf("partitioned counter %q: list tx logs: %w", name, err)
		}
		for _, r := range recs {
			_, idx, err := keys.ParsePartition(r.Ref)
			if err != nil {
				return nil, fmt.Errorf("partitioned counter %q: tx log %s: %w", name, r.Key, err)
			}
			out = append(out, TxLog{
				RequestID: strings.TrimPrefix(r.Key, prefix),
				Partition: r.Ref,
				Index:     idx,
			})
		}
	}
	return out, nil
}

// ClearLogs deletes a counter's idempotency log and returns how many entries
// were removed. Requests replayed after clearing are applied again.
func (e *Engine) ClearLogs(ctx context.Context, name string) (int, error) {
	logs, err := e.TxLogs(ctx, name)
	if err != nil {
		return 0, err
	}
	batch := e.store.MaxTxRecords()
	deleted := 0
	for start := 0; start < len(logs); start += batch {
		end := min(start+batch, len(logs))
		ks := make([]string, 0, end-start)
		for _, l := range logs[start:end] {
			ks = append(ks, keys.TxLog(name, l.RequestID))
		}
		if err := e.store.Delete(ctx, ks...); err != nil {
			return deleted, fmt.Errorf("partitioned counter %q: clear tx logs: %w", name, err)
		}
		deleted += len(ks)
	}
	if deleted > 0 {
		e.log.Debug("cleared tx logs", "counter", name, "entries", deleted)
	}
	return deleted, nil
}
