package keystore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a PSK KeyStore backed by a SQLite database with a single
// table: psk_identities(identity TEXT PRIMARY KEY, secret_hex TEXT NOT
// NULL). It is the database-backed alternative to the file-backed store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn, checks the connection, and creates the
// psk_identities table if it is missing, failing fast at startup rather
// than on the first handshake. An existing table's columns are not
// checked.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("keystore: opening sqlite dsn: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: connecting to sqlite dsn: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS psk_identities (
		identity TEXT PRIMARY KEY,
		secret_hex TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: validating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Lookup implements KeyStore. A query/scan error that isn't sql.ErrNoRows
// is reported as ErrTransient so the TLS Handler fails the handshake
// closed instead of silently treating a backing-store outage as an
// unknown identity.
func (s *SQLiteStore) Lookup(ctx context.Context, identity []byte) ([]byte, bool, error) {
	var hexSecret string
	row := s.db.QueryRowContext(ctx, `SELECT secret_hex FROM psk_identities WHERE identity = ?`, string(identity))
	if err := row.Scan(&hexSecret); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	secret, err := hex.DecodeString(hexSecret)
	if err != nil {
		return nil, false, fmt.Errorf("%w: corrupt secret encoding: %v", ErrTransient, err)
	}
	return secret, true, nil
}

// Exists implements KeyStore.
func (s *SQLiteStore) Exists(ctx context.Context, identity []byte) bool {
	var found int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM psk_identities WHERE identity = ?`, string(identity))
	return row.Scan(&found) == nil
}
