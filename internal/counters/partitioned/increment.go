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

	"shardcounter/internal/counters/keys"
	"shardcounter/internal/counters/store"
	"shardcounter/internal/counters/telemetry"
)

type incrementConfig struct {
	idempotent bool
	requestID  string
}

// IncrementOption configures a single Increment call.
type IncrementOption func(*incrementConfig)

// Idempotent forces the idempotent path with a freshly minted request id.
func Idempotent() IncrementOption {
	return func(c *incrementConfig) { c.idempotent = true }
}

// WithRequestID forces the idempotent path with a caller-supplied request id.
// A request id that was already applied makes the call a no-op.
func WithRequestID(id string) IncrementOption {
	return func(c *incrementConfig) {
		c.idempotent = true
		c.requestID = id
	}
}

// Increment adds delta to the named counter.
//
// Without the idempotent flag (on the counter or the call) it runs a single
// transaction and returns store.ErrContention if that fails; the caller owns
// retry. The idempotent path retries with growth, see incrementIdempotent.
func (e *Engine) Increment(ctx context.Context, name string, delta int64, opts ...IncrementOption) error {
	var cfg incrementConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.requestID != "" {
		if err := keys.ValidateRequestID(cfg.requestID); err != nil {
			return err
		}
	}
	if !cfg.idempotent {
		md, err := e.Metadata(ctx, name)
		if err != nil {
			return err
		}
		cfg.idempotent = md.Idempotent
	}
	if cfg.idempotent {
		if cfg.requestID == "" {
			cfg.requestID = e.newID()
		}
		return e.incrementIdempotent(ctx, name, delta, cfg.requestID)
	}

	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		md, err := loadMetadata(tx, name)
		if err != nil {
			return err
		}
		_, err = e.addToPartition(tx, md, delta)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrContention) {
			e.rec.Contention(telemetry.Partitioned)
		}
		return err
	}
	e.rec.Increment(telemetry.Partitioned)
	return nil
}

// state is a step of the idempotent increment loop.
type state int

const (
	applying state = iota
	expanding
	exhausted
	done
)

func (s state) String() string {
	switch s {
	case applying:
		return "applying"
	case expanding:
		return "expanding"
	case exhausted:
		return "exhausted"
	case done:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// incrementIdempotent applies delta at most once for requestID.
//
// applying runs one transaction that checks the log entry, updates a random
// partition and writes the log entry. Contention moves to expanding, which
// grows the counter when it can and returns to applying with the same request
// id. When growth is disabled, at its ceiling, or the round budget is spent the
// loop ends in exhausted.
func (e *Engine) incrementIdempotent(ctx context.Context, name string, delta int64, requestID string) error {
	var (
		st      = applying
		rounds  int
		lastErr error
	)
	for {
		switch st {
		case applying:
			if err := ctx.Err(); err != nil {
				return err
			}
			rounds++
			duplicate, err := e.applyOnce(ctx, name, delta, requestID)
			switch {
			case err == nil:
				if duplicate {
					e.log.Debug("request already applied", "counter", name, "request_id", requestID)
				} else {
					e.rec.Increment(telemetry.Partitioned)
				}
				st = done
			case errors.Is(err, store.ErrContention):
				e.rec.Contention(telemetry.Partitioned)
				lastErr = err
				st = expanding
			default:
				return err
			}

		case expanding:
			if rounds >= e.maxRounds {
				st = exhausted
				continue
			}
			md, err := e.Metadata(ctx, name)
			if err != nil {
				return err
			}
			if !md.CanGrow() {
				st = exhausted
				continue
			}
			if _, err := e.Expand(ctx, name); err != nil && !errors.Is(err, store.ErrContention) {
				return err
			}
			st = applying

		case exhausted:
			e.rec.Exhausted()
			e.log.Warn("idempotent increment exhausted", "counter", name, "request_id", requestID, "rounds", rounds)
			return fmt.Errorf("partitioned counter %q, request %s: %w: %w", name, requestID, ErrCapacityExhausted, lastErr)

		case done:
			return nil
		}
	}
}

// applyOnce runs the log-check, partition-update and log-write transaction.
// It reports whether requestID had already been applied.
func (e *Engine) applyOnce(ctx context.Context, name string, delta int64, requestID string) (bool, error) {
	var duplicate bool
	logKey := keys.TxLog(name, requestID)
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		duplicate = false
		md, err := loadMetadata(tx, name)
		if err != nil {
			return err
		}
		_, err = tx.Get(logKey)
		switch {
		case err == nil:
			duplicate = true
			return nil
		case !store.IsNotFound(err):
			return err
		}
		partition, err := e.addToPartition(tx, md, delta)
		if err != nil {
			return err
		}
		return tx.Put(&store.Record{
			Key:  logKey,
			Kind: store.KindTxLog,
			Ref:  partition,
			Data: []byte(name),
		})
	})
	return duplicate, err
}
