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
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"shardcounter/internal/counters/cache"
	"shardcounter/internal/counters/keys"
	"shardcounter/internal/counters/store"
)

func newStore(t *testing.T, opts store.Options) *store.Memory {
	t.Helper()
	m, err := store.NewMemory(opts)
	require.NoError(t, err)
	return m
}

// cycle returns an IndexSource walking 0,1,2,... modulo n.
func cycle() IndexSource {
	var next atomic.Int64
	return IndexFunc(func(n int) int { return int(next.Add(1)-1) % n })
}

func TestCreate_ValidatesAndGetsOrCreates(t *testing.T) {
	ctx := context.Background()
	e := New(newStore(t, store.Options{}))

	for _, md := range []Metadata{
		{Name: "c", NumPartitions: 0, MaxPartitions: 4},
		{Name: "c", NumPartitions: 1, MaxPartitions: 0},
		{Name: "c", NumPartitions: 5, MaxPartitions: 4},
		{Name: "", NumPartitions: 1, MaxPartitions: 1},
	} {
		_, err := e.Create(ctx, md)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr, "metadata %+v", md)
	}

	first, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 2, MaxPartitions: 8, DynamicGrowth: true})
	require.NoError(t, err)
	again, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 1, MaxPartitions: 1})
	require.NoError(t, err)
	require.Equal(t, first, again, "existing metadata must be returned unchanged")

	names, err := e.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, names)
}

func TestUnknownCounterIsNotFound(t *testing.T) {
	ctx := context.Background()
	e := New(newStore(t, store.Options{}))

	require.ErrorIs(t, e.Increment(ctx, "ghost", 1), store.ErrNotFound)
	require.ErrorIs(t, e.Increment(ctx, "ghost", 1, Idempotent()), store.ErrNotFound)
	_, err := e.Count(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.Expand(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.Shrink(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.TxLogs(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIncrement_NonIdempotentSpreadsAndSums(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Options{})
	e := New(s, WithIndexSource(cycle()))
	_, err := e.Create(ctx, Metadata{Name: "hits", NumPartitions: 4, MaxPartitions: 4})
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		require.NoError(t, e.Increment(ctx, "hits", 3))
	}
	require.NoError(t, e.Increment(ctx, "hits", -4))

	total, err := e.Count(ctx, "hits")
	require.NoError(t, err)
	require.EqualValues(t, 20, total)

	parts, err := s.Query(ctx, store.KindPartition, "hits")
	require.NoError(t, err)
	require.Len(t, parts, 4, "cycling picker must touch every partition")

	logs, err := e.TxLogs(ctx, "hits")
	require.NoError(t, err)
	require.Empty(t, logs, "non-idempotent increments are not logged")
}

func TestIncrement_OutOfRangeIndexIsWrapped(t *testing.T) {
	ctx := context.Background()
	e := New(newStore(t, store.Options{}), WithIndexSource(IndexFunc(func(n int) int { return -7 })))
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 3, MaxPartitions: 3})
	require.NoError(t, err)
	require.NoError(t, e.Increment(ctx, "c", 1))
	total, err := e.Count(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
}

func TestIncrement_NonIdempotentContentionIsReturned(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Options{Retries: 2})
	e := New(s)
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 1, MaxPartitions: 8, DynamicGrowth: true})
	require.NoError(t, err)

	s.SetConflictInjector(func([]string) bool { return true })
	err = e.Increment(ctx, "c", 1)
	require.ErrorIs(t, err, store.ErrContention)
	require.NotErrorIs(t, err, ErrCapacityExhausted)
	s.SetConflictInjector(nil)

	md, err := e.Metadata(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 1, md.NumPartitions, "non-idempotent path must not expand")
}

func TestIncrement_IdempotentSumAcrossExpansions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Options{Retries: -1})
	e := New(s)
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 1, MaxPartitions: 16, DynamicGrowth: true, Idempotent: true})
	require.NoError(t, err)

	// The first three commits touching a tx log fail, forcing expansions mid-stream.
	var commits atomic.Int64
	s.SetConflictInjector(func(touched []string) bool {
		for _, k := range touched {
			if strings.HasPrefix(k, "ptxlog:") {
				return commits.Add(1) <= 3
			}
		}
		return false
	})

	r := rand.New(rand.NewPCG(1, 2))
	var want int64
	for i := 0; i < 200; i++ {
		d := r.Int64N(21) - 10
		want += d
		require.NoError(t, e.Increment(ctx, "c", d))
	}
	s.SetConflictInjector(nil)

	total, err := e.Count(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, want, total)

	md, err := e.Metadata(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 8, md.NumPartitions, "three contended rounds double the counter three times")

	logs, err := e.TxLogs(ctx, "c")
	require.NoError(t, err)
	require.Len(t, logs, 200)
}

func TestIncrement_SameRequestIDAppliesOnce(t *testing.T) {
	ctx := context.Background()
	e := New(newStore(t, store.Options{}))
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 2, MaxPartitions: 2})
	require.NoError(t, err)

	require.NoError(t, e.Increment(ctx, "c", 5, WithRequestID("req-1")))
	require.NoError(t, e.Increment(ctx, "c", 5, WithRequestID("req-1")))
	total, err := e.Count(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 5, total)

	logs, err := e.TxLogs(ctx, "c")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "req-1", logs[0].RequestID)
	require.True(t, strings.HasPrefix(logs[0].Partition, "pshard:c:"))
	require.Contains(t, []int{0, 1}, logs[0].Index)
	require.Equal(t, keys.Partition("c", logs[0].Index), logs[0].Partition)

	n, err := e.ClearLogs(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	logs, err = e.TxLogs(ctx, "c")
	require.NoError(t, err)
	require.Empty(t, logs)

	require.ErrorIs(t, e.Increment(ctx, "c", 1, WithRequestID("bad:id")), keys.ErrBadRequestID)
}

// ambiguousStore reports contention for the first transaction touching a tx
// log even though that transaction committed, as a store may after a lost
// commit acknowledgement.
type ambiguousStore struct {
	*store.Memory
	tripped atomic.Bool
}

func (a *ambiguousStore) RunInTransaction(ctx context.Context, fn func(store.Tx) error) error {
	logged := false
	err := a.Memory.RunInTransaction(ctx, func(tx store.Tx) error {
		logged = false
		return fn(&spyTx{Tx: tx, logged: &logged})
	})
	if err == nil && logged && a.tripped.CompareAndSwap(false, true) {
		return store.ErrContention
	}
	return err
}

type spyTx struct {
	store.Tx
	logged *bool
}

func (s *spyTx) Put(rec *store.Record) error {
	if rec.Kind == store.KindTxLog {
		*s.logged = true
	}
	return s.Tx.Put(rec)
}

func TestIncrement_RetryWithSameIDAfterAmbiguousCommit(t *testing.T) {
	ctx := context.Background()
	s := &ambiguousStore{Memory: newStore(t, store.Options{})}
	e := New(s)
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 1, MaxPartitions: 4, DynamicGrowth: true})
	require.NoError(t, err)

	require.NoError(t, e.Increment(ctx, "c", 9, Idempotent()))
	require.True(t, s.tripped.Load())

	total, err := e.Count(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 9, total, "the retry must reuse the request id and be a no-op")

	md, err := e.Metadata(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 2, md.NumPartitions, "contention triggers one expansion")
}

func TestIncrement_ExhaustedWithoutGrowth(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Options{Retries: 1})
	e := New(s)
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 1, MaxPartitions: 8, DynamicGrowth: false})
	require.NoError(t, err)

	s.SetConflictInjector(func([]string) bool { return true })
	err = e.Increment(ctx, "c", 1, Idempotent())
	require.ErrorIs(t, err, ErrCapacityExhausted)
	require.ErrorIs(t, err, store.ErrContention)
}

func TestIncrement_ExhaustedAtCeiling(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Options{Retries: -1})
	e := New(s)
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 1, MaxPartitions: 4, DynamicGrowth: true})
	require.NoError(t, err)

	// Only increments contend; metadata-only expansions still commit.
	s.SetConflictInjector(func(touched []string) bool {
		for _, k := range touched {
			if strings.HasPrefix(k, "ptxlog:") {
				return true
			}
		}
		return false
	})
	err = e.Increment(ctx, "c", 1, Idempotent())
	require.ErrorIs(t, err, ErrCapacityExhausted)
	s.SetConflictInjector(nil)

	md, err := e.Metadata(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 4, md.NumPartitions)
	total, err := e.Count(ctx, "c")
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestIncrement_RoundBudget(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Options{Retries: -1})
	e := New(s, WithMaxRounds(2))
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 1, MaxPartitions: 1 << 20, DynamicGrowth: true})
	require.NoError(t, err)

	s.SetConflictInjector(func(touched []string) bool {
		for _, k := range touched {
			if strings.HasPrefix(k, "ptxlog:") {
				return true
			}
		}
		return false
	})
	err = e.Increment(ctx, "c", 1, Idempotent())
	require.ErrorIs(t, err, ErrCapacityExhausted)
	s.SetConflictInjector(nil)

	md, err := e.Metadata(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, 2, md.NumPartitions, "one expansion between the two rounds")
}

func TestIncrement_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(newStore(t, store.Options{}))
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 1, MaxPartitions: 1})
	require.NoError(t, err)
	cancel()
	require.ErrorIs(t, e.Increment(ctx, "c", 1, WithRequestID("r")), context.Canceled)
}

func TestExpand_CapsAtMax(t *testing.T) {
	ctx := context.Background()
	e := New(newStore(t, store.Options{}))
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 3, MaxPartitions: 5})
	require.NoError(t, err)

	more, err := e.Expand(ctx, "c")
	require.NoError(t, err)
	require.False(t, more)
	md, _ := e.Metadata(ctx, "c")
	require.Equal(t, 5, md.NumPartitions)

	more, err = e.Expand(ctx, "c")
	require.NoError(t, err)
	require.False(t, more, "at the ceiling Expand is a no-op")
	md, _ = e.Metadata(ctx, "c")
	require.Equal(t, 5, md.NumPartitions)

	_, err = e.Create(ctx, Metadata{Name: "d", NumPartitions: 1, MaxPartitions: 8})
	require.NoError(t, err)
	more, err = e.Expand(ctx, "d")
	require.NoError(t, err)
	require.True(t, more)
}

func TestMergeWidth(t *testing.T) {
	cases := []struct{ num, maxTx, want int }{
		{1, 25, 0},
		{2, 25, 2},
		{3, 25, 2},
		{8, 25, 4},
		{100, 25, 24},
		{16, 3, 2},
	}
	for _, c := range cases {
		require.Equal(t, c.want, mergeWidth(c.num, c.maxTx), "num=%d maxTx=%d", c.num, c.maxTx)
	}
}

func TestShrink_ConvergesToOnePreservingCount(t *testing.T) {
	for _, maxTx := range []int{3, 5, 25} {
		ctx := context.Background()
		s := newStore(t, store.Options{MaxTxRecords: maxTx})
		e := New(s, WithIndexSource(cycle()))
		_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 37, MaxPartitions: 64})
		require.NoError(t, err)

		var want int64
		for i := 0; i < 100; i++ {
			d := int64(i%7 - 2)
			want += d
			require.NoError(t, e.Increment(ctx, "c", d))
		}

		prev := 37
		for step := 0; ; step++ {
			require.Less(t, step, 100, "shrink must converge")
			md, err := e.Shrink(ctx, "c")
			require.NoError(t, err)
			total, err := e.Count(ctx, "c")
			require.NoError(t, err)
			require.Equal(t, want, total, "count changed after shrink to %d (maxTx=%d)", md.NumPartitions, maxTx)
			require.GreaterOrEqual(t, md.NumPartitions, 1)
			if md.NumPartitions == 1 {
				break
			}
			require.Less(t, md.NumPartitions, prev)
			prev = md.NumPartitions
		}

		md, err := e.Shrink(ctx, "c")
		require.NoError(t, err)
		require.Equal(t, 1, md.NumPartitions, "shrinking a single partition is a no-op")

		parts, err := s.Query(ctx, store.KindPartition, "c")
		require.NoError(t, err)
		require.Len(t, parts, 37, "merged partitions are zeroed, never deleted")
	}
}

func TestConcurrentIdempotentIncrementsGrowWithinBounds(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, store.Options{Retries: 64})
	e := New(s, WithMaxRounds(64))
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 1, MaxPartitions: 4, DynamicGrowth: true, Idempotent: true})
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error { return e.Increment(ctx, "c", 1) })
	}
	require.NoError(t, g.Wait())

	total, err := e.Count(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 50, total)

	md, err := e.Metadata(ctx, "c")
	require.NoError(t, err)
	require.GreaterOrEqual(t, md.NumPartitions, 1)
	require.LessOrEqual(t, md.NumPartitions, 4)

	logs, err := e.TxLogs(ctx, "c")
	require.NoError(t, err)
	require.Len(t, logs, 50)
}

func TestCount_MemoizedWithTTL(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()
	now := time.Unix(0, 0)
	c.SetClock(func() time.Time { return now })
	e := New(newStore(t, store.Options{}), WithCountCache(c, time.Second))
	_, err := e.Create(ctx, Metadata{Name: "c", NumPartitions: 2, MaxPartitions: 2})
	require.NoError(t, err)

	require.NoError(t, e.Increment(ctx, "c", -3))
	total, err := e.Count(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, -3, total)

	require.NoError(t, e.Increment(ctx, "c", 10))
	total, err = e.Count(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, -3, total, "memo is served until it expires")

	now = now.Add(2 * time.Second)
	total, err = e.Count(ctx, "c")
	require.NoError(t, err)
	require.EqualValues(t, 7, total)
}

func TestConfigErrorMessage(t *testing.T) {
	err := Metadata{Name: "c", NumPartitions: 2, MaxPartitions: 1}.Validate()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "c", cfgErr.Counter)
	require.Contains(t, err.Error(), "exceeds max_partitions")
}
