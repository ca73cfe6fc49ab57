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
	"encoding/json"
	"fmt"

	"shardcounter/internal/counters/keys"
	"shardcounter/internal/counters/store"
)

// Metadata is the configuration and current partition count of a counter.
type Metadata struct {
	Name          string `json:"-"`
	NumPartitions int    `json:"num_partitions"`
	MaxPartitions int    `json:"max_partitions"`
	DynamicGrowth bool   `json:"dynamic_growth"`
	Idempotent    bool   `json:"idempotent"`
}

// ConfigError reports invalid partition bounds.
type ConfigError struct {
	Counter string
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("partitioned counter %q: invalid configuration: %s", e.Counter, e.Reason)
}

// Validate checks the partition bounds.
func (m Metadata) Validate() error {
	if err := keys.ValidateName(m.Name); err != nil {
		return &ConfigError{Counter: m.Name, Reason: err.Error()}
	}
	switch {
	case m.NumPartitions < 1:
		return &ConfigError{Counter: m.Name, Reason: fmt.Sprintf("num_partitions must be >= 1, got %d", m.NumPartitions)}
	case m.MaxPartitions < 1:
		return &ConfigError{Counter: m.Name, Reason: fmt.Sprintf("max_partitions must be >= 1, got %d", m.MaxPartitions)}
	case m.NumPartitions > m.MaxPartitions:
		return &ConfigError{Counter: m.Name, Reason: fmt.Sprintf("num_partitions %d exceeds max_partitions %d", m.NumPartitions, m.MaxPartitions)}
	}
	return nil
}

// CanGrow reports whether Expand would add partitions.
func (m Metadata) CanGrow() bool { return m.DynamicGrowth && m.NumPartitions < m.MaxPartitions }

func (m Metadata) record() (*store.Record, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata %q: %w", m.Name, err)
	}
	return &store.Record{Key: keys.Metadata(m.Name), Kind: store.KindMetadata, Ref: m.Name, Data: data}, nil
}

func metadataFrom(rec *store.Record) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		return m, fmt.Errorf("decode metadata %q: %w", rec.Key, err)
	}
	m.Name = rec.Ref
	return m, nil
}

// loadMetadata reads a counter's metadata inside tx.
func loadMetadata(tx store.Tx, name string) (Metadata, error) {
	rec, err := tx.Get(keys.Metadata(name))
	if err != nil {
		return Metadata{}, fmt.Errorf("partitioned counter %q: %w", name, err)
	}
	return metadataFrom(rec)
}

func saveMetadata(tx store.Tx, m Metadata) error {
	rec, err := m.record()
	if err != nil {
		return err
	}
	return tx.Put(rec)
}
