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
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"shardcounter/internal/counters/store"
)

// Schema (Postgres; SQLite uses BLOB for data):
//
// CREATE TABLE IF NOT EXISTS counter_records (
//   id    TEXT PRIMARY KEY,
//   kind  TEXT NOT NULL,
//   ref   TEXT NOT NULL DEFAULT '',
//   value BIGINT NOT NULL DEFAULT 0,
//   data  BYTEA
// );
// CREATE INDEX IF NOT EXISTS idx_counter_records_kind_ref ON counter_records(kind, ref);
//
// Writes are upserts keyed by id:
//   INSERT INTO counter_records(id, kind, ref, value, data) VALUES (...)
//     ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, ...

// Dialect selects SQL flavour details.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "pgx", "postgres":
		return DialectPostgres, nil
	case "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported sql driver %q", driverName)
}

const (
	selectColumns = `SELECT id, kind, ref, value, data FROM counter_records`
	upsertRecord  = `INSERT INTO counter_records (id, kind, ref, value, data) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, ref = excluded.ref, value = excluded.value, data = excluded.data`
)

// SQLStore is a store.Store on a single counter_records table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	opts    store.Options
	// defaultTimeout bounds calls whose context has no deadline.
	defaultTimeout time.Duration
}

// NewSQLStore wraps an open database. Call EnsureSchema before first use on a
// fresh database.
func NewSQLStore(db *sql.DB, dialect Dialect, opts store.Options) (*SQLStore, error) {
	o, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, dialect: dialect, opts: o, defaultTimeout: 10 * time.Second}, nil
}

// OpenSQLStore opens a pool, verifies connectivity and creates the schema.
func OpenSQLStore(ctx context.Context, cfg PoolConfig, opts store.Options) (*SQLStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialect, err := DialectFor(cfg.DriverName)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite && sqliteInMemory(cfg.DSN) {
		cfg = cfg.pinned()
	}
	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DriverName, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.DriverName, err)
	}
	s, err := NewSQLStore(db, dialect, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the table and index if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	blob := "BYTEA"
	if s.dialect == DialectSQLite {
		blob = "BLOB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS counter_records (
  id    TEXT PRIMARY KEY,
  kind  TEXT NOT NULL,
  ref   TEXT NOT NULL DEFAULT '',
  value BIGINT NOT NULL DEFAULT 0,
  data  ` + blob + `
)`,
		`CREATE INDEX IF NOT EXISTS idx_counter_records_kind_ref ON counter_records(kind, ref)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) MaxTxRecords() int { return s.opts.MaxTxRecords }

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok && s.defaultTimeout > 0 {
		return context.WithTimeout(ctx, s.defaultTimeout)
	}
	return ctx, func() {}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) get(ctx context.Context, q queryer, key string) (*store.Record, error) {
	row := q.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE id = ?`), key)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, key)
	}
	if err != nil {
		return nil, classify(err)
	}
	return rec, nil
}

func (s *SQLStore) getMulti(ctx context.Context, q queryer, keys []string) ([]*store.Record, error) {
	out := make([]*store.Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := selectColumns + ` WHERE id IN (` + placeholders(len(keys)) + `)`
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	found := make(map[string]*store.Record, len(keys))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify(err)
		}
		found[rec.Key] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	for i, k := range keys {
		out[i] = found[k].Clone()
	}
	return out, nil
}

func (s *SQLStore) put(ctx context.Context, q queryer, rec *store.Record) error {
	_, err := q.ExecContext(ctx, s.rebind(upsertRecord), rec.Key, string(rec.Kind), rec.Ref, rec.Value, rec.Data)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Key, classify(err))
	}
	return nil
}

func (s *SQLStore) delete(ctx context.Context, q queryer, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	query := `DELETE FROM counter_records WHERE id IN (` + placeholders(len(keys)) + `)`
	if _, err := q.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return fmt.Errorf("delete: %w", classify(err))
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (*store.Record, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.get(ctx, s.db, key)
}

func (s *SQLStore) GetMulti(ctx context.Context, keys []string) ([]*store.Record, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.getMulti(ctx, s.db, keys)
}

func (s *SQLStore) Put(ctx context.Context, rec *store.Record) (string, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	c := rec.Clone()
	if c.Key == "" {
		c.Key = uuid.NewString()
	}
	if err := s.put(ctx, s.db, c); err != nil {
		return "", err
	}
	return c.Key, nil
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.delete(ctx, s.db, keys)
}

func (s *SQLStore) Query(ctx context.Context, kind store.Kind, ref string) ([]*store.Record, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	query := selectColumns + ` WHERE kind = ?`
	args := []any{string(kind)}
	if ref != "" {
		query += ` AND ref = ?`
		args = append(args, ref)
	}
	query += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	out := make([]*store.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// RunInTransaction runs fn in a database transaction, SERIALIZABLE on
// Postgres, retrying serialization failures.
func (s *SQLStore) RunInTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	var txOpts *sql.TxOptions
	if s.dialect == DialectPostgres {
		txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return store.Retry(ctx, s.opts.Retries, func() error {
		tx, err := s.db.BeginTx(ctx, txOpts)
		if err != nil {
			return classify(err)
		}
		// Ensure rollback on any failure.
		defer func() {
			_ = tx.Rollback()
		}()
		if err := fn(&sqlTx{s: s, ctx: ctx, tx: tx, budget: store.NewKeyBudget(s.opts.MaxTxRecords)}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return classify(err)
		}
		return nil
	})
}

type sqlTx struct {
	s      *SQLStore
	ctx    context.Context
	tx     *sql.Tx
	budget store.KeyBudget
}

func (t *sqlTx) Get(key string) (*store.Record, error) {
	if err := t.budget.Touch(key); err != nil {
		return nil, err
	}
	return t.s.get(t.ctx, t.tx, key)
}

func (t *sqlTx) GetMulti(keys []string) ([]*store.Record, error) {
	for _, k := range keys {
		if err := t.budget.Touch(k); err != nil {
			return nil, err
		}
	}
	return t.s.getMulti(t.ctx, t.tx, keys)
}

func (t *sqlTx) Put(rec *store.Record) error {
	c := rec.Clone()
	if c.Key == "" {
		c.Key = uuid.NewString()
	}
	if err := t.budget.Touch(c.Key); err != nil {
		return err
	}
	return t.s.put(t.ctx, t.tx, c)
}

func (t *sqlTx) Delete(keys ...string) error {
	for _, k := range keys {
		if err := t.budget.Touch(k); err != nil {
			return err
		}
	}
	return t.s.delete(t.ctx, t.tx, keys)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*store.Record, error) {
	var (
		rec  store.Record
		kind string
		data []byte
	)
	if err := sc.Scan(&rec.Key, &kind, &rec.Ref, &rec.Value, &data); err != nil {
		return nil, err
	}
	rec.Kind = store.Kind(kind)
	if len(data) > 0 {
		rec.Data = data
	}
	return &rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// classify wraps serialization failures with store.ErrContention.
func classify(err error) error {
	if err == nil || errors.Is(err, store.ErrContention) {
		return err
	}
	if isSerializationFailure(err) {
		return fmt.Errorf("%w: %w", store.ErrContention, err)
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}
