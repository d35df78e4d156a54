package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// querier is the subset of database/sql satisfied by both *sql.DB and
// *sql.Tx, so the same store code runs inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// dialect carries the SQL text that differs between backends: placeholder
// style, column types and the insert-or-ignore statement UseNonce relies on
// for its atomic check-and-set.
type dialect struct {
	name string

	createSystem       string
	createAssociations string
	createNonces       string
	tableExists        string

	upsertAssociation string
	selectAssociation string
	selectByServer    string
	deleteAssociation string
	deleteExpired     string

	insertNonce  string
	deleteNonces string

	selectVersion string
	insertVersion string
	updateVersion string
}

var dialects = map[string]*dialect{
	DialectSQLite:   sqliteDialect,
	DialectMySQL:    mysqlDialect,
	DialectPostgres: postgresDialect,
}

// Supported database dialect names.
const (
	DialectSQLite   = "sqlite"
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
)

var sqliteDialect = &dialect{
	name: DialectSQLite,
	createSystem: `CREATE TABLE IF NOT EXISTS system (
		name TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL)`,
	createAssociations: `CREATE TABLE oid_associations (
		server_url TEXT NOT NULL,
		handle VARCHAR(255) NOT NULL,
		secret BLOB NOT NULL,
		issued INTEGER NOT NULL,
		lifetime INTEGER NOT NULL,
		assoc_type VARCHAR(64) NOT NULL,
		PRIMARY KEY (server_url, handle))`,
	createNonces: `CREATE TABLE oid_nonces (
		server_url TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		salt CHAR(40) NOT NULL,
		PRIMARY KEY (server_url, timestamp, salt))`,
	tableExists: `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`,

	upsertAssociation: `INSERT OR REPLACE INTO oid_associations
		(server_url, handle, secret, issued, lifetime, assoc_type)
		VALUES (?, ?, ?, ?, ?, ?)`,
	selectAssociation: `SELECT handle, secret, issued, lifetime, assoc_type
		FROM oid_associations WHERE server_url = ? AND handle = ?`,
	selectByServer: `SELECT handle, secret, issued, lifetime, assoc_type
		FROM oid_associations WHERE server_url = ? ORDER BY issued DESC`,
	deleteAssociation: `DELETE FROM oid_associations WHERE server_url = ? AND handle = ?`,
	deleteExpired:     `DELETE FROM oid_associations WHERE issued + lifetime < ?`,

	insertNonce:  `INSERT OR IGNORE INTO oid_nonces (server_url, timestamp, salt) VALUES (?, ?, ?)`,
	deleteNonces: `DELETE FROM oid_nonces WHERE timestamp < ?`,

	selectVersion: `SELECT value FROM system WHERE name = ?`,
	insertVersion: `INSERT INTO system (name, value) VALUES (?, ?)`,
	updateVersion: `UPDATE system SET value = ? WHERE name = ?`,
}

var mysqlDialect = &dialect{
	name: DialectMySQL,
	createSystem: `CREATE TABLE IF NOT EXISTS system (
		name VARCHAR(255) NOT NULL PRIMARY KEY,
		value TEXT NOT NULL) ENGINE=InnoDB`,
	createAssociations: `CREATE TABLE oid_associations (
		server_url VARCHAR(2047) NOT NULL,
		handle VARCHAR(255) NOT NULL,
		secret BLOB NOT NULL,
		issued BIGINT NOT NULL,
		lifetime BIGINT NOT NULL,
		assoc_type VARCHAR(64) NOT NULL,
		PRIMARY KEY (server_url(255), handle)) ENGINE=InnoDB`,
	createNonces: `CREATE TABLE oid_nonces (
		server_url VARCHAR(2047) NOT NULL,
		timestamp BIGINT NOT NULL,
		salt CHAR(40) NOT NULL,
		PRIMARY KEY (server_url(255), timestamp, salt)) ENGINE=InnoDB`,
	tableExists: `SELECT table_name FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name = ?`,

	upsertAssociation: `INSERT INTO oid_associations
		(server_url, handle, secret, issued, lifetime, assoc_type)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE secret = VALUES(secret), issued = VALUES(issued),
		lifetime = VALUES(lifetime), assoc_type = VALUES(assoc_type)`,
	selectAssociation: `SELECT handle, secret, issued, lifetime, assoc_type
		FROM oid_associations WHERE server_url = ? AND handle = ?`,
	selectByServer: `SELECT handle, secret, issued, lifetime, assoc_type
		FROM oid_associations WHERE server_url = ? ORDER BY issued DESC`,
	deleteAssociation: `DELETE FROM oid_associations WHERE server_url = ? AND handle = ?`,
	deleteExpired:     `DELETE FROM oid_associations WHERE issued + lifetime < ?`,

	insertNonce:  `INSERT IGNORE INTO oid_nonces (server_url, timestamp, salt) VALUES (?, ?, ?)`,
	deleteNonces: `DELETE FROM oid_nonces WHERE timestamp < ?`,

	selectVersion: `SELECT value FROM system WHERE name = ?`,
	insertVersion: `INSERT INTO system (name, value) VALUES (?, ?)`,
	updateVersion: `UPDATE system SET value = ? WHERE name = ?`,
}

var postgresDialect = &dialect{
	name: DialectPostgres,
	createSystem: `CREATE TABLE IF NOT EXISTS system (
		name TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL)`,
	createAssociations: `CREATE TABLE oid_associations (
		server_url TEXT NOT NULL,
		handle VARCHAR(255) NOT NULL,
		secret BYTEA NOT NULL,
		issued BIGINT NOT NULL,
		lifetime BIGINT NOT NULL,
		assoc_type VARCHAR(64) NOT NULL,
		PRIMARY KEY (server_url, handle))`,
	createNonces: `CREATE TABLE oid_nonces (
		server_url TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		salt CHAR(40) NOT NULL,
		PRIMARY KEY (server_url, timestamp, salt))`,
	tableExists: `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1`,

	upsertAssociation: `INSERT INTO oid_associations
		(server_url, handle, secret, issued, lifetime, assoc_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (server_url, handle) DO UPDATE SET secret = EXCLUDED.secret,
		issued = EXCLUDED.issued, lifetime = EXCLUDED.lifetime, assoc_type = EXCLUDED.assoc_type`,
	selectAssociation: `SELECT handle, secret, issued, lifetime, assoc_type
		FROM oid_associations WHERE server_url = $1 AND handle = $2`,
	selectByServer: `SELECT handle, secret, issued, lifetime, assoc_type
		FROM oid_associations WHERE server_url = $1 ORDER BY issued DESC`,
	deleteAssociation: `DELETE FROM oid_associations WHERE server_url = $1 AND handle = $2`,
	deleteExpired:     `DELETE FROM oid_associations WHERE issued + lifetime < $1`,

	insertNonce: `INSERT INTO oid_nonces (server_url, timestamp, salt)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
	deleteNonces: `DELETE FROM oid_nonces WHERE timestamp < $1`,

	selectVersion: `SELECT value FROM system WHERE name = $1`,
	insertVersion: `INSERT INTO system (name, value) VALUES ($1, $2)`,
	updateVersion: `UPDATE system SET value = $1 WHERE name = $2`,
}

// sqlStore implements Store on top of a querier using one dialect's SQL.
type sqlStore struct {
	q    querier
	d    *dialect
	now  func() time.Time
	skew time.Duration
}

var _ Store = (*sqlStore)(nil)

func newSQLStore(q querier, d *dialect, opts options) *sqlStore {
	return &sqlStore{
		q:    q,
		d:    d,
		now:  opts.withNow,
		skew: opts.withNonceSkew,
	}
}

// StoreAssociation implements Store.StoreAssociation.
func (s *sqlStore) StoreAssociation(ctx context.Context, serverURL string, a *Association) error {
	const op = "store.(sqlStore).StoreAssociation"
	if serverURL == "" {
		return fmt.Errorf("%s: server URL is empty: %w", op, ErrInvalidParameter)
	}
	if a == nil {
		return fmt.Errorf("%s: association is nil: %w", op, ErrNilParameter)
	}
	_, err := s.q.ExecContext(ctx, s.d.upsertAssociation,
		serverURL, a.Handle, a.Secret, a.IssuedAt.Unix(), int64(a.Lifetime/time.Second), a.Type)
	if err != nil {
		return fmt.Errorf("%s: unable to store association: %w", op, err)
	}
	return nil
}

// GetAssociation implements Store.GetAssociation.
func (s *sqlStore) GetAssociation(ctx context.Context, serverURL, handle string) (*Association, error) {
	const op = "store.(sqlStore).GetAssociation"
	if serverURL == "" {
		return nil, fmt.Errorf("%s: server URL is empty: %w", op, ErrInvalidParameter)
	}
	now := s.now()
	if handle != "" {
		row := s.q.QueryRowContext(ctx, s.d.selectAssociation, serverURL, handle)
		a, err := scanAssociation(row.Scan)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("%s: unable to query association: %w", op, err)
		case !a.IsValid(now):
			return nil, nil
		}
		return a, nil
	}
	rows, err := s.q.QueryContext(ctx, s.d.selectByServer, serverURL)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to query associations: %w", op, err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAssociation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s: unable to scan association: %w", op, err)
		}
		// rows are ordered newest first
		if a.IsValid(now) {
			return a, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: unable to read associations: %w", op, err)
	}
	return nil, nil
}

// RemoveAssociation implements Store.RemoveAssociation.
func (s *sqlStore) RemoveAssociation(ctx context.Context, serverURL, handle string) (bool, error) {
	const op = "store.(sqlStore).RemoveAssociation"
	if serverURL == "" || handle == "" {
		return false, fmt.Errorf("%s: server URL or handle is empty: %w", op, ErrInvalidParameter)
	}
	res, err := s.q.ExecContext(ctx, s.d.deleteAssociation, serverURL, handle)
	if err != nil {
		return false, fmt.Errorf("%s: unable to remove association: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: unable to remove association: %w", op, err)
	}
	return n > 0, nil
}

// UseNonce implements Store.UseNonce.  The insert-or-ignore statement makes
// the check-and-set atomic: a replayed nonce affects zero rows.
func (s *sqlStore) UseNonce(ctx context.Context, serverURL string, ts time.Time, salt string) (bool, error) {
	const op = "store.(sqlStore).UseNonce"
	now := s.now()
	if ts.Before(now.Add(-s.skew)) || ts.After(now.Add(s.skew)) {
		return false, nil
	}
	res, err := s.q.ExecContext(ctx, s.d.insertNonce, serverURL, ts.Unix(), salt)
	if err != nil {
		return false, fmt.Errorf("%s: unable to record nonce: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: unable to record nonce: %w", op, err)
	}
	return n > 0, nil
}

// CleanupNonces implements Store.CleanupNonces.
func (s *sqlStore) CleanupNonces(ctx context.Context) (int, error) {
	const op = "store.(sqlStore).CleanupNonces"
	cutoff := s.now().Add(-s.skew).Unix()
	res, err := s.q.ExecContext(ctx, s.d.deleteNonces, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s: unable to remove nonces: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: unable to remove nonces: %w", op, err)
	}
	return int(n), nil
}

// CleanupAssociations implements Store.CleanupAssociations.
func (s *sqlStore) CleanupAssociations(ctx context.Context) (int, error) {
	const op = "store.(sqlStore).CleanupAssociations"
	res, err := s.q.ExecContext(ctx, s.d.deleteExpired, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("%s: unable to remove associations: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: unable to remove associations: %w", op, err)
	}
	return int(n), nil
}

func scanAssociation(scan func(dest ...interface{}) error) (*Association, error) {
	var (
		handle    string
		secret    []byte
		issued    int64
		lifetime  int64
		assocType string
	)
	if err := scan(&handle, &secret, &issued, &lifetime, &assocType); err != nil {
		return nil, err
	}
	return &Association{
		Handle:   handle,
		Secret:   secret,
		Type:     assocType,
		IssuedAt: time.Unix(issued, 0),
		Lifetime: time.Duration(lifetime) * time.Second,
	}, nil
}
