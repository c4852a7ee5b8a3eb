package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/upb/screentime-engine/repositories"
	"go.uber.org/zap"
)

// ErrNestedTransaction is returned by Begin when ctx already carries a transaction
var ErrNestedTransaction = errors.New("transaction already open on context")

type txKey struct{}

// TxManager opens read-committed transactions for policy and membership writes.
// Repository calls made with Tx.Context() run on the open transaction.
type TxManager struct {
	db     *DB
	logger *zap.Logger
}

// NewTransactionManager creates a TxManager over db
func NewTransactionManager(db *DB, logger *zap.Logger) repositories.TransactionManager {
	return &TxManager{db: db, logger: logger.Named("tx")}
}

// Begin opens a transaction. Nested transactions are not supported.
func (m *TxManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	if _, open := txFromContext(ctx); open {
		return nil, ErrNestedTransaction
	}
	sqlTx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	tx := &Tx{sqlTx: sqlTx, logger: m.logger}
	tx.ctx = context.WithValue(ctx, txKey{}, tx)
	m.logger.Debug("begin")
	return tx, nil
}

// InTransaction runs fn and commits when it returns nil
func (m *TxManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx.Context(), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error("rollback failed", zap.Error(rbErr), zap.NamedError("cause", err))
		}
		return err
	}
	return tx.Commit()
}

// Tx is an open postgres transaction
type Tx struct {
	sqlTx  *sql.Tx
	ctx    context.Context
	logger *zap.Logger
}

// Commit commits the transaction
func (t *Tx) Commit() error {
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.logger.Debug("commit")
	return nil
}

// Rollback aborts the transaction; rolling back a finished transaction is a no-op
func (t *Tx) Rollback() error {
	err := t.sqlTx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	t.logger.Debug("rollback")
	return nil
}

// Context carries the transaction to repository calls
func (t *Tx) Context() context.Context {
	return t.ctx
}

func txFromContext(ctx context.Context) (*Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*Tx)
	return tx, ok
}

// Querier is the query surface shared by *sql.DB and *sql.Tx
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// querier returns the transaction open on ctx, or the pool
func querier(ctx context.Context, db *DB) Querier {
	if tx, ok := txFromContext(ctx); ok {
		return tx.sqlTx
	}
	return db.DB
}
