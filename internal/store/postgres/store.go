// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-intake/internal/apperrors"
	"github.com/dvloznov/finance-intake/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrations holds the schema files applied by cmd/migrate, named NNNN_name.sql.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// execBatch sends one statement per row and reports the first failure.
func execBatch(ctx context.Context, db querier, sql string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, args := range rows {
		b.Queue(sql, args...)
	}
	br := db.SendBatch(ctx, b)
	for range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

// queries implements store.Repository over a querier.
type queries struct {
	db querier
	// inTx enables row locks in LockFile and LockSubmission.
	inTx bool
}

// Store is the PostgreSQL-backed store.Store.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

// New connects a pool to the given DSN.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("New: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("New: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, translate("New: ping", err)
	}

	return NewFromPool(pool), nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{queries: &queries{db: pool}, pool: pool}
}

// Pool exposes the underlying pool for tooling such as migrations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// WithTx implements store.Store.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Repository) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate("WithTx: begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &queries{db: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return translate("WithTx: commit", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() {
	s.pool.Close()
}

// translate maps driver errors onto apperrors kinds.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NotFoundf("%s: not found", op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return &apperrors.Error{Kind: apperrors.KindConflict, Msg: op + ": duplicate " + pgErr.ConstraintName, Err: err}
		case pgErr.Code == "22P02":
			// Malformed uuid in a lookup is indistinguishable from an unknown id.
			return apperrors.NotFoundf("%s: not found", op)
		case pgErr.Code == "23514" || pgErr.Code == "23502":
			return &apperrors.Error{Kind: apperrors.KindValidation, Msg: op + ": constraint " + pgErr.ConstraintName, Err: err}
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "55P03",
			pgErr.Code == "57P01", pgErr.Code == "57P03", strings.HasPrefix(pgErr.Code, "08"):
			return apperrors.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return apperrors.Transient(op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

var _ store.Store = (*Store)(nil)
var _ store.Repository = (*queries)(nil)
