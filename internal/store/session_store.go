// Package store defines persistence contracts for host state. Implementations
// live in subpackages (sqlite, file).
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionData is the persisted form of a device session. Raw tokens are
// never stored, only their SHA-256.
type SessionData struct {
	ID         string `db:"id" json:"id"`
	TokenHash  string `db:"token_hash" json:"token_hash"`
	Name       string `db:"name" json:"name"`
	Rights     uint8  `db:"rights" json:"rights"`
	Ceiling    uint8  `db:"ceiling" json:"ceiling"`
	RemoteAddr string `db:"remote_addr" json:"remote_addr"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`     // unix millis
	LastSeenAt int64  `db:"last_seen_at" json:"last_seen_at"` // unix millis
}

// SessionStore persists sessions and the set of retired tokens.
type SessionStore interface {
	SaveSession(s SessionData) error
	DeleteSession(id string) error
	ListSessions() ([]SessionData, error)
	RetireToken(tokenHash string) error
	IsRetired(tokenHash string) (bool, error)
	Close() error
}

// HashToken returns the hex SHA-256 of a bearer token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
