package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// SchemaVersionKey is the name under which the store's schema version is
// recorded in the host's system table.
const SchemaVersionKey = "openid.store_version"

// Schema versions: 0 means "legacy, no version recorded"; 1 means the
// association and nonce tables exist.
const (
	schemaVersionLegacy  = 0
	schemaVersionCurrent = 1
)

// TargetSchemaVersion returns the schema version this adapter's backend
// wants: 1 for the SQL backends, 0 for the in-memory fallback, which keeps
// no tables.
func (a *Adapter) TargetSchemaVersion() int {
	if a.dialect == nil {
		return schemaVersionLegacy
	}
	return schemaVersionCurrent
}

// SchemaVersion reads the recorded schema version.  ok is false when no
// version has ever been recorded, which callers must treat as the legacy
// version 0 with possibly pre-existing tables.
func (a *Adapter) SchemaVersion(ctx context.Context) (version int, ok bool, err error) {
	const op = "store.(Adapter).SchemaVersion"
	if a.dialect == nil {
		return schemaVersionLegacy, false, nil
	}
	return a.schemaVersion(ctx, a.db)
}

func (a *Adapter) schemaVersion(ctx context.Context, q querier) (int, bool, error) {
	const op = "store.(Adapter).SchemaVersion"
	var raw string
	err := q.QueryRowContext(ctx, a.dialect.selectVersion, SchemaVersionKey).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return schemaVersionLegacy, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("%s: unable to read schema version: %w", op, err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false, fmt.Errorf("%s: recorded schema version %q is not a non-negative integer: %w",
			op, raw, ErrInvalidParameter)
	}
	return v, true, nil
}

// NeedsUpgrade reports whether Upgrade must run.  A recorded version newer
// than the backend's target is a fatal configuration error
// (ErrSchemaDowngrade), never silently handled.
func (a *Adapter) NeedsUpgrade(ctx context.Context) (bool, error) {
	const op = "store.(Adapter).NeedsUpgrade"
	if a.dialect == nil {
		return false, nil
	}
	if err := a.ensureSystemTable(ctx, a.db); err != nil {
		return false, err
	}
	have, ok, err := a.SchemaVersion(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	want := a.TargetSchemaVersion()
	if have > want {
		return false, fmt.Errorf("%s: store version is %d, this release wants %d: %w",
			op, have, want, ErrSchemaDowngrade)
	}
	return have < want, nil
}

// Upgrade brings the schema to the backend's target version inside one
// transaction and returns the new version.  The upgrade is idempotent: when
// no version was recorded the tables may still exist from before versions
// were tracked, so their presence is checked before any DDL runs.
func (a *Adapter) Upgrade(ctx context.Context) (int, error) {
	const op = "store.(Adapter).Upgrade"
	if a.dialect == nil {
		return schemaVersionLegacy, nil
	}
	if err := a.ensureSystemTable(ctx, a.db); err != nil {
		return 0, err
	}
	var newVersion int
	err := withTx(ctx, a.db, func(tx *sql.Tx) error {
		version, recorded, err := a.schemaVersion(ctx, tx)
		if err != nil {
			return err
		}
		want := a.TargetSchemaVersion()
		if version > want {
			return fmt.Errorf("%s: store version is %d, this release wants %d: %w",
				op, version, want, ErrSchemaDowngrade)
		}
		if !recorded {
			if _, err := tx.ExecContext(ctx, a.dialect.insertVersion,
				SchemaVersionKey, strconv.Itoa(schemaVersionLegacy)); err != nil {
				return fmt.Errorf("%s: unable to record initial schema version: %w", op, err)
			}
		}
		if version < schemaVersionCurrent {
			exists, err := a.tableExists(ctx, tx, "oid_associations")
			if err != nil {
				return err
			}
			if !exists {
				if err := a.createTables(ctx, tx); err != nil {
					return err
				}
			}
			version = schemaVersionCurrent
		}
		if _, err := tx.ExecContext(ctx, a.dialect.updateVersion,
			strconv.Itoa(version), SchemaVersionKey); err != nil {
			return fmt.Errorf("%s: unable to record schema version: %w", op, err)
		}
		newVersion = version
		return nil
	})
	if err != nil {
		return 0, err
	}
	a.logger.Info("upgraded openid store schema", "version", newVersion)
	return newVersion, nil
}

// CreateSchema creates the system, association and nonce tables for a fresh
// database and records the current schema version.
func (a *Adapter) CreateSchema(ctx context.Context) error {
	const op = "store.(Adapter).CreateSchema"
	if a.dialect == nil {
		return nil
	}
	if _, err := a.Upgrade(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (a *Adapter) ensureSystemTable(ctx context.Context, q querier) error {
	const op = "store.(Adapter).ensureSystemTable"
	if _, err := q.ExecContext(ctx, a.dialect.createSystem); err != nil {
		return fmt.Errorf("%s: unable to create system table: %w", op, err)
	}
	return nil
}

func (a *Adapter) createTables(ctx context.Context, q querier) error {
	const op = "store.(Adapter).createTables"
	if _, err := q.ExecContext(ctx, a.dialect.createAssociations); err != nil {
		return fmt.Errorf("%s: unable to create association table: %w", op, err)
	}
	if _, err := q.ExecContext(ctx, a.dialect.createNonces); err != nil {
		return fmt.Errorf("%s: unable to create nonce table: %w", op, err)
	}
	return nil
}

func (a *Adapter) tableExists(ctx context.Context, q querier, table string) (bool, error) {
	const op = "store.(Adapter).tableExists"
	var name string
	err := q.QueryRowContext(ctx, a.dialect.tableExists, table).Scan(&name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("%s: unable to check for table %s: %w", op, table, err)
	}
	return true, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}
