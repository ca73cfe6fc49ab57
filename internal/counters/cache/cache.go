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

// Package cache defines the volatile atomic cache used by the cache-biased
// counter and the partitioned count memo.
//
// Values are unsigned 64-bit integers, as in memcache. Signed quantities are
// stored biased by Bias (see Encode and Decode), so a logical zero is stored as
// 2^63 and decrements below zero never hit the unsigned floor in practice.
package cache

import (
	"context"
	"errors"
	"time"
)

// Bias is the offset applied to signed values stored in the cache.
const Bias uint64 = 1 << 63

// ErrCacheMiss reports an absent or expired entry.
var ErrCacheMiss = errors.New("cache miss")

// Encode maps a signed value to its biased unsigned representation.
func Encode(v int64) uint64 { return uint64(v) ^ Bias }

// Decode is the inverse of Encode.
func Decode(u uint64) int64 { return int64(u ^ Bias) }

// Item is a value read with Gets, usable for a later CompareAndSwap.
type Item struct {
	Key   string
	Value uint64
	// CasID identifies the version observed by Gets. Implementations that
	// compare on value instead leave it zero.
	CasID uint64
}

// Cache is the atomic cache contract.
type Cache interface {
	Get(ctx context.Context, key string) (uint64, error)
	// GetMulti omits missing keys from the result.
	GetMulti(ctx context.Context, keys []string) (map[string]uint64, error)
	// Increment adds delta to key, first seeding an absent key with initial.
	// The seeded entry does not expire.
	Increment(ctx context.Context, key string, delta int64, initial uint64) (uint64, error)
	// Add stores value only if key is absent. ttl 0 means no expiry.
	Add(ctx context.Context, key string, value uint64, ttl time.Duration) (bool, error)
	Gets(ctx context.Context, key string) (*Item, error)
	// CompareAndSwap replaces item's entry with value if it has not changed
	// since Gets. It returns false, without error, when the entry changed or vanished.
	CompareAndSwap(ctx context.Context, item *Item, value uint64) (bool, error)
	// CompareAndDelete removes item's entry if it has not changed since Gets,
	// under the same rules as CompareAndSwap.
	CompareAndDelete(ctx context.Context, item *Item) (bool, error)
	Delete(ctx context.Context, key string) error
	DeleteMulti(ctx context.Context, keys []string) error
}
