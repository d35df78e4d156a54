package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// Adapter binds a database connection and dialect to scoped store
// acquisition.  When the dialect has no SQL backend the adapter falls back
// to one shared MemoryStore, which is unsafe for multi-process deployments
// (see the package doc).
type Adapter struct {
	db      *sql.DB
	dialect *dialect
	mem     *MemoryStore
	opts    options
	logger  hclog.Logger
}

// NewAdapter selects the store backend for the given dialect name ("sqlite",
// "mysql" or "postgres").  Any other name selects the in-memory fallback and
// logs a warning.  db may only be nil when the fallback is selected.
// Supported options: WithLogger, WithNow, WithNonceSkew
func NewAdapter(db *sql.DB, dialectName string, opt ...Option) (*Adapter, error) {
	const op = "store.NewAdapter"
	opts := getOpts(opt...)
	logger := opts.withLogger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	a := &Adapter{
		db:     db,
		opts:   opts,
		logger: logger,
	}
	d, ok := dialects[dialectName]
	if !ok {
		a.mem = NewMemoryStore(opt...)
		logger.Warn("no SQL store for database dialect, falling back to in-process memory store; "+
			"associations and nonces will not be shared across processes",
			"dialect", dialectName)
		return a, nil
	}
	if db == nil {
		return nil, fmt.Errorf("%s: database handle is nil for dialect %q: %w", op, dialectName, ErrNilParameter)
	}
	a.dialect = d
	return a, nil
}

// InMemory reports whether the adapter fell back to the non-persistent
// store.
func (a *Adapter) InMemory() bool {
	return a.dialect == nil
}

// Dialect returns the selected dialect name, or "" for the in-memory
// fallback.
func (a *Adapter) Dialect() string {
	if a.dialect == nil {
		return ""
	}
	return a.dialect.name
}

// Scope opens a transaction, hands a Store bound to it to fn, and commits
// when fn returns nil or rolls back when it returns an error or panics.
// Every exit path releases the transaction.
func (a *Adapter) Scope(ctx context.Context, fn func(ctx context.Context, s Store) error) (err error) {
	const op = "store.(Adapter).Scope"
	if fn == nil {
		return fmt.Errorf("%s: callback is nil: %w", op, ErrNilParameter)
	}
	if a.dialect == nil {
		return fn(ctx, a.mem)
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: unable to begin transaction: %w", op, err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = multierror.Append(err, fmt.Errorf("%s: rollback failed: %w", op, rbErr))
			}
			return
		}
		if cmErr := tx.Commit(); cmErr != nil {
			err = fmt.Errorf("%s: commit failed: %w", op, cmErr)
		}
	}()
	err = fn(ctx, newSQLStore(tx, a.dialect, a.opts))
	return err
}

// ScopeTx is Scope for callers already inside a transaction: the adapter
// binds the backend to tx but does not manage the transaction boundary, the
// caller keeps that responsibility.
func (a *Adapter) ScopeTx(ctx context.Context, tx *sql.Tx, fn func(ctx context.Context, s Store) error) error {
	const op = "store.(Adapter).ScopeTx"
	if fn == nil {
		return fmt.Errorf("%s: callback is nil: %w", op, ErrNilParameter)
	}
	if a.dialect == nil {
		return fn(ctx, a.mem)
	}
	if tx == nil {
		return fmt.Errorf("%s: transaction is nil: %w", op, ErrNilParameter)
	}
	return fn(ctx, newSQLStore(tx, a.dialect, a.opts))
}
