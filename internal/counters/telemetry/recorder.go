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

// Package telemetry records counter engine events.
//
// Engines depend on the Recorder interface only; Noop is the default and Prom
// exports Prometheus metrics. Metrics are labelled by variant at most, never by
// counter name, to keep cardinality bounded.
package telemetry

import "time"

// Variant names a counter engine in metric labels.
type Variant string

const (
	Partitioned Variant = "partitioned"
	Append      Variant = "append"
	CacheBiased Variant = "cachebiased"
)

// Recorder receives engine events. Implementations must be safe for concurrent use.
type Recorder interface {
	// Increment counts an applied increment.
	Increment(v Variant)
	// Contention counts a transaction that failed after the store's retries.
	Contention(v Variant)
	// Expansion reports a partitioned counter grown to partitions.
	Expansion(partitions int)
	// Shrink reports a partitioned counter consolidated down to partitions.
	Shrink(partitions int)
	// Exhausted counts idempotent increments that gave up.
	Exhausted()
	// Consolidation reports deltas folded by one append-counter pass.
	Consolidation(folded int)
	// FlushFailure counts a swallowed durable write failure.
	FlushFailure(v Variant)
	CacheHit(v Variant)
	CacheMiss(v Variant)
	// Sweep reports one maintenance pass.
	Sweep(d time.Duration, failures int)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Increment(Variant) {}
func (Noop) Contention(Variant) {}
func (Noop) Expansion(int) {}
func (Noop) Shrink(int) {}
func (Noop) Exhausted() {}
func (Noop) Consolidation(int) {}
func (Noop) FlushFailure(Variant) {}
func (Noop) CacheHit(Variant) {}
func (Noop) CacheMiss(Variant) {}
func (Noop) Sweep(time.Duration, int) {}

var _ Recorder = Noop{}
