// Package fingerprint records the last value this tool wrote for each
// user field. The keep-customized policies need to distinguish "value
// we set on a previous run" from "value the user changed themselves",
// and the remote APIs do not report who last touched a field.
package fingerprint

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS fingerprints (
	user_key   TEXT NOT NULL,
	field      TEXT NOT NULL,
	hash       TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_key, field)
);
`

// Store persists field fingerprints in a local SQLite database.
type Store struct {
	db *sqlx.DB
}

// Open opens (and if needed initializes) the store at path. Use
// ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init fingerprint store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Hash returns the canonical fingerprint of a field value.
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// Put records that value was written to field for the given user.
func (s *Store) Put(userKey, field, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO fingerprints (user_key, field, hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_key, field) DO UPDATE SET
			hash = excluded.hash,
			updated_at = excluded.updated_at`,
		userKey, field, Hash(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record fingerprint: %w", err)
	}
	return nil
}

// Matches reports whether the given value is the one this tool last
// wrote for the field. A field with no recorded fingerprint never
// matches.
func (s *Store) Matches(userKey, field, value string) (bool, error) {
	var hash string
	err := s.db.Get(&hash, `
		SELECT hash FROM fingerprints WHERE user_key = ? AND field = ?`,
		userKey, field)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up fingerprint: %w", err)
	}
	return hash == Hash(value), nil
}

// Forget drops all fingerprints for a user, typically after the user
// is deprovisioned.
func (s *Store) Forget(userKey string) error {
	_, err := s.db.Exec(`DELETE FROM fingerprints WHERE user_key = ?`, userKey)
	if err != nil {
		return fmt.Errorf("forget fingerprints: %w", err)
	}
	return nil
}
