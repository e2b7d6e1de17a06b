// Package storage provides the PostgreSQL storage layer for studysync.
//
// It manages connection pooling via pgxpool, an optional dedicated
// connection for LISTEN/NOTIFY, the two outbox tables, and the base-study,
// study, analysis and pipeline queries the consistency workers need. All
// worker writes go through InTx so they commit as one unit.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB wraps a pgxpool.Pool for normal queries and an optional pgx.Conn for
// LISTEN/NOTIFY.
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

var _ Store = (*DB)(nil)

// New creates a new DB with a connection pool. notifyDSN may be empty when
// no listener is needed (the CLI only sends notifications).
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	// pipeline_embeddings carries a vector column. Registration fails until
	// the extension exists, which is fine before the first migration.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w: %w", ErrUnavailable, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w: %w", ErrUnavailable, err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool and notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

const (
	txMaxRetries = 3
	txBaseDelay  = 50 * time.Millisecond
)

// InTx runs fn inside a transaction and commits if fn returns nil.
// Serialization failures and deadlocks retry the whole unit of work, so fn
// must not keep state across attempts.
func (db *DB) InTx(ctx context.Context, fn func(Tx) error) error {
	return WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin tx: %w: %w", ErrUnavailable, err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit tx: %w", err)
		}
		return nil
	})
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var _ Tx = (*pgTx)(nil)
