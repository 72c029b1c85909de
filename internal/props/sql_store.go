package props

// ============================================================================
// SQLStore
//
// 1. Every property is one row of the properties table in the shared SQLite
//    database, so the daemon and one-shot CLI invocations see each other's
//    writes without rewriting a whole document.
// 2. Set is a per-key UPSERT; SetMany and Delete run in one transaction, so
//    a queue and its generation change together.
// 3. Writers in other processes wait on the database's busy_timeout.
// ============================================================================

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore is a Store kept in the properties table (see internal/store).
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore wraps an opened database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

func (s *SQLStore) Get(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow("SELECT value FROM properties WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read property %s: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLStore) Set(key, value string) error {
	return s.SetMany(map[string]string{key: value})
}

func (s *SQLStore) SetMany(values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	stamp := s.now().UTC().Format(time.RFC3339Nano)
	return s.inTx(func(tx *sql.Tx) error {
		for k, v := range values {
			if _, err := tx.Exec(`
				INSERT INTO properties (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				k, v, stamp); err != nil {
				return fmt.Errorf("failed to write property %s: %w", k, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.Exec("DELETE FROM properties WHERE key = ?", k); err != nil {
				return fmt.Errorf("failed to delete property %s: %w", k, err)
			}
		}
		return nil
	})
}

// Keys returns the keys starting with prefix, sorted.
func (s *SQLStore) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM properties WHERE substr(key, 1, length(?)) = ? ORDER BY key",
		prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan property key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLStore) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin property transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit properties: %w", err)
	}
	return nil
}
