// Package pending stores confirmation tokens for actions that must be
// acknowledged by email before they take effect (subscriptions, removals,
// address changes).
//
// Tokens are held in a small SQLite database per list. Confirmation is
// at-most-once: two racing confirms of the same token cannot both
// succeed.
package pending

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Kinds of pendable actions.
const (
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
	KindHeldMessage = "held_message"
)

// ErrNotFound is returned by Confirm for tokens that are unknown, already
// confirmed, or expired.
var ErrNotFound = errors.New("pending: no such token")

// DefaultLifetime applies when Add is called with a zero lifetime.
const DefaultLifetime = 3 * 24 * time.Hour

// Store is one token database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and prepares the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn inside one process.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS pended (
		token   TEXT PRIMARY KEY,
		kind    TEXT NOT NULL,
		payload TEXT NOT NULL,
		expires INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pending: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add stores a pendable action and returns its fresh token. The token
// carries 160 bits of randomness, comfortably above the floor needed to
// make guessing infeasible.
func (s *Store) Add(kind string, payload map[string]string, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("pending: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(`INSERT INTO pended (token, kind, payload, expires) VALUES (?, ?, ?, ?)`,
		token, kind, string(data), time.Now().Add(lifetime).Unix())
	if err != nil {
		return "", fmt.Errorf("pending: %w", err)
	}
	return token, nil
}

// Confirm resolves a token to its pended action. With expunge set the
// token is consumed; at most one caller ever gets a non-error result for
// a given token. Without expunge the token is only peeked at.
func (s *Store) Confirm(token string, expunge bool) (kind string, payload map[string]string, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", nil, fmt.Errorf("pending: %w", err)
	}
	defer tx.Rollback()

	var data string
	var expires int64
	err = tx.QueryRow(`SELECT kind, payload, expires FROM pended WHERE token = ?`, token).
		Scan(&kind, &data, &expires)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("pending: %w", err)
	}

	if time.Now().Unix() >= expires {
		// Expired tokens behave exactly like unknown ones, but we clean
		// them up while we are here.
		_, _ = tx.Exec(`DELETE FROM pended WHERE token = ?`, token)
		_ = tx.Commit()
		return "", nil, ErrNotFound
	}

	if expunge {
		res, err := tx.Exec(`DELETE FROM pended WHERE token = ?`, token)
		if err != nil {
			return "", nil, fmt.Errorf("pending: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", nil, fmt.Errorf("pending: %w", err)
		}
		if n != 1 {
			// Lost the race against another confirm.
			return "", nil, ErrNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("pending: %w", err)
	}

	payload = map[string]string{}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return "", nil, fmt.Errorf("pending: %w", err)
	}
	return kind, payload, nil
}

// Evict drops all expired tokens and reports how many were removed.
// Called from the periodic hook of the command runner.
func (s *Store) Evict() (int, error) {
	res, err := s.db.Exec(`DELETE FROM pended WHERE expires <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("pending: %w", err)
	}
	return int(n), nil
}

// Count returns the number of live tokens. Used by tests and metrics.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pended WHERE expires > ?`, time.Now().Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pending: %w", err)
	}
	return n, nil
}

func newToken() (string, error) {
	var buf [20]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("pending: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
