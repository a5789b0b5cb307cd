package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Querier is the subset of Conn used by extensions to manage their tables.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxState is the transaction state of a Conn.
type TxState int

const (
	TxNone TxState = iota
	TxRead
	TxWrite
)

// ErrTxActive is returned when beginning a transaction inside another one.
var ErrTxActive = errors.New("transaction already active")

// ErrNoTx is returned when committing or rolling back without a transaction.
var ErrNoTx = errors.New("no active transaction")

// Conn is one pinned SQLite connection.
//
// Transactions are controlled with explicit BEGIN/COMMIT statements rather
// than sql.Tx so that a read transaction can stay open across many engine
// calls (long-lived reads) and so writers can use BEGIN IMMEDIATE.
//
// A Conn is not safe for concurrent use.
type Conn struct {
	c     *sql.Conn
	state TxState
}

var _ Querier = (*Conn)(nil)

// BeginRead starts a deferred transaction. SQLite fixes the snapshot at the
// first read, which the engine issues immediately (ReadSnapshot).
func (c *Conn) BeginRead(ctx context.Context) error {
	return c.begin(ctx, "BEGIN DEFERRED", TxRead)
}

// BeginWrite starts an immediate transaction, taking the database write lock.
func (c *Conn) BeginWrite(ctx context.Context) error {
	return c.begin(ctx, "BEGIN IMMEDIATE", TxWrite)
}

func (c *Conn) begin(ctx context.Context, stmt string, state TxState) error {
	if c.state != TxNone {
		return ErrTxActive
	}
	if _, err := c.c.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("begin: %w", wrapResource(err))
	}
	c.state = state
	return nil
}

// Commit commits the active transaction.
func (c *Conn) Commit(ctx context.Context) error {
	if c.state == TxNone {
		return ErrNoTx
	}
	if _, err := c.c.ExecContext(ctx, "COMMIT"); err != nil {
		// A failed COMMIT leaves the transaction open in SQLite; undo it so the
		// connection is reusable.
		_, _ = c.c.ExecContext(context.Background(), "ROLLBACK")
		c.state = TxNone
		return fmt.Errorf("commit: %w", wrapResource(err))
	}
	c.state = TxNone
	return nil
}

// Rollback aborts the active transaction. No-op without one.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.state == TxNone {
		return nil
	}
	c.state = TxNone
	if _, err := c.c.ExecContext(ctx, "ROLLBACK"); err != nil {
		return fmt.Errorf("rollback: %w", wrapResource(err))
	}
	return nil
}

// State returns the current transaction state.
func (c *Conn) State() TxState {
	return c.state
}

// Close rolls back any open transaction and returns the connection to the pool.
func (c *Conn) Close() error {
	if c.c == nil {
		return nil
	}
	_ = c.Rollback(context.Background())
	err := c.c.Close()
	c.c = nil
	return err
}

// ExecContext implements Querier.
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.c.ExecContext(ctx, query, args...)
	return res, wrapResource(err)
}

// QueryContext implements Querier.
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.c.QueryContext(ctx, query, args...)
	return rows, wrapResource(err)
}

// QueryRowContext implements Querier.
func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.c.QueryRowContext(ctx, query, args...)
}
