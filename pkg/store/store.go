// Package store is lnvpsd's persistence layer: a typed, transactional KV
// over Postgres (spec.md §4.7 "Persistence"). It follows the teacher's raw
// SQL + pgx.Row.Scan idiom directly rather than a generated query layer —
// this system has a single schema (no per-tenant schema routing), so the
// extra indirection of a sqlc-style generated package buys nothing here.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so Store methods can
// run against the pool directly or inside a caller-managed transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides database operations for every entity in spec.md §3.
type Store struct {
	db DBTX
}

// New creates a Store backed by the given connection — a *pgxpool.Pool for
// top-level calls, or a pgx.Tx when the caller needs several writes to
// commit atomically (e.g. MarkPaid's expiry push, spec.md §3 VmPayment).
func New(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside a transaction on pool, committing if fn returns nil
// and rolling back otherwise.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, s *Store) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
