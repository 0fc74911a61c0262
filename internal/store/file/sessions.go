// Package file implements store.SessionStore as a JSON document on disk, for
// hosts where an embedded database is unwanted.
package file

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/deskpilot/internal/store"
)

type document struct {
	Sessions []store.SessionData `json:"sessions"`
	Retired  map[string]int64    `json:"retired"` // token hash -> unix millis
}

// SessionStore rewrites the whole document on every change. Session counts
// are small (one row per paired phone or tablet).
type SessionStore struct {
	path string
	doc  document
	mu   sync.Mutex
}

// NewSessionStore loads path if it exists.
func NewSessionStore(path string) (*SessionStore, error) {
	s := &SessionStore{path: path, doc: document{Retired: map[string]int64{}}}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if s.doc.Retired == nil {
		s.doc.Retired = map[string]int64{}
	}
	return s, nil
}

func (s *SessionStore) SaveSession(d store.SessionData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Sessions {
		if s.doc.Sessions[i].ID == d.ID {
			d.CreatedAt = s.doc.Sessions[i].CreatedAt
			d.TokenHash = s.doc.Sessions[i].TokenHash
			s.doc.Sessions[i] = d
			return s.save()
		}
	}
	s.doc.Sessions = append(s.doc.Sessions, d)
	return s.save()
}

func (s *SessionStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Sessions {
		if s.doc.Sessions[i].ID == id {
			s.doc.Sessions = append(s.doc.Sessions[:i], s.doc.Sessions[i+1:]...)
			return s.save()
		}
	}
	return store.ErrNotFound
}

func (s *SessionStore) ListSessions() ([]store.SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.SessionData, len(s.doc.Sessions))
	copy(out, s.doc.Sessions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *SessionStore) RetireToken(tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Retired[tokenHash]; ok {
		return nil
	}
	s.doc.Retired[tokenHash] = time.Now().UnixMilli()
	return s.save()
}

func (s *SessionStore) IsRetired(tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.doc.Retired[tokenHash]
	return ok, nil
}

func (s *SessionStore) Close() error { return nil }

// save must be called with s.mu held. Writes go through a temp file so a
// crash never leaves a truncated document.
func (s *SessionStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		slog.Error("session store: failed to create dir", "error", err)
		return err
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("session store: failed to write", "error", err)
		return err
	}
	return os.Rename(tmp, s.path)
}

var _ store.SessionStore = (*SessionStore)(nil)
