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

// Package keys is the partition directory: it maps counter names, partition
// indices and request ids to deterministic storage and cache keys.
//
// Every key starts with a kind prefix so records of different counter variants
// never collide, and every variable suffix that can contain the separator is
// placed before a component that cannot (indices, uuids, validated request ids),
// which keeps the mapping injective.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const sep = ":"

// Key prefixes, one per record family.
const (
	prefixMetadata    = "pcounter"
	prefixPartition   = "pshard"
	prefixTxLog       = "ptxlog"
	prefixCountMemo   = "pcount"
	prefixAccumulator = "acounter"
	prefixDelta       = "adelta"
	prefixShadow      = "ccounter"
	prefixFlushLock   = "cflush"
)

var (
	// ErrEmptyName is returned for an empty counter name.
	ErrEmptyName = errors.New("counter name must not be empty")
	// ErrBadRequestID is returned for a request id that cannot be namespaced safely.
	ErrBadRequestID = errors.New("request id must be non-empty and must not contain ':'")
)

// ValidateName rejects names the directory cannot map.
func ValidateName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	return nil
}

// ValidateRequestID rejects request ids that would make log keys ambiguous.
func ValidateRequestID(id string) error {
	if id == "" || strings.Contains(id, sep) {
		return ErrBadRequestID
	}
	return nil
}

// Metadata is the key of a partitioned counter's metadata record.
func Metadata(name string) string { return prefixMetadata + sep + name }

// Partition is the key of partition index of the named counter.
func Partition(name string, index int) string {
	return fmt.Sprintf("%s%s%s%s%d", prefixPartition, sep, name, sep, index)
}

// Partitions returns the keys of partitions [from, to) of the named counter.
func Partitions(name string, from, to int) []string {
	if to <= from {
		return nil
	}
	out := make([]string, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, Partition(name, i))
	}
	return out
}

// ParsePartition splits a partition key back into counter name and index.
func ParsePartition(key string) (name string, index int, err error) {
	rest, ok := strings.CutPrefix(key, prefixPartition+sep)
	if !ok {
		return "", 0, fmt.Errorf("not a partition key: %q", key)
	}
	i := strings.LastIndex(rest, sep)
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed partition key: %q", key)
	}
	index, err = strconv.Atoi(rest[i+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("malformed partition index in %q", key)
	}
	return rest[:i], index, nil
}

// TxLog is the idempotency log key for a request applied to the named counter.
func TxLog(name, requestID string) string {
	return prefixTxLog + sep + name + sep + requestID
}

// CountMemo is the cache key holding a memoized partitioned count.
func CountMemo(name string) string { return prefixCountMemo + sep + name }

// Accumulator is the key of an append counter's consolidated total.
func Accumulator(name string) string { return prefixAccumulator + sep + name }

// AccumulatorName returns the counter name an accumulator key belongs to.
func AccumulatorName(key string) (string, bool) {
	name, ok := strings.CutPrefix(key, prefixAccumulator+sep)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// Delta is the key of one unconsolidated append counter increment.
func Delta(name, id string) string { return prefixDelta + sep + name + sep + id }

// Shadow is the key shared by a cache-biased counter's cache entry and its
// durable shadow record.
func Shadow(name string) string { return prefixShadow + sep + name }

// Shadows maps names to their shadow keys, preserving order.
func Shadows(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = Shadow(n)
	}
	return out
}

// FlushLock is the advisory lock key coordinating durable flushes of a
// cache-biased counter.
func FlushLock(name string) string { return prefixFlushLock + sep + name }
