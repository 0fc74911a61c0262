package file

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/deskpilot/internal/store"
)

func TestSessionStore_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := NewSessionStore(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.SaveSession(store.SessionData{ID: "b", TokenHash: "hb", CreatedAt: 20}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSession(store.SessionData{ID: "a", TokenHash: "ha", CreatedAt: 10, Rights: 3}); err != nil {
		t.Fatal(err)
	}
	if err := s.RetireToken("dead"); err != nil {
		t.Fatal(err)
	}

	s2, err := NewSessionStore(path)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s2.ListSessions()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("sessions = %+v, want a then b", got)
	}
	if got[0].Rights != 3 {
		t.Errorf("rights = %d, want 3", got[0].Rights)
	}
	if ok, _ := s2.IsRetired("dead"); !ok {
		t.Error("retired token lost on reload")
	}
}

func TestSessionStore_UpdateKeepsTokenHash(t *testing.T) {
	s, _ := NewSessionStore(filepath.Join(t.TempDir(), "s.json"))
	s.SaveSession(store.SessionData{ID: "a", TokenHash: "ha", CreatedAt: 5})
	s.SaveSession(store.SessionData{ID: "a", Name: "renamed"})

	got, _ := s.ListSessions()
	if got[0].TokenHash != "ha" || got[0].CreatedAt != 5 || got[0].Name != "renamed" {
		t.Errorf("after update = %+v", got[0])
	}
}

func TestSessionStore_DeleteMissing(t *testing.T) {
	s, _ := NewSessionStore(filepath.Join(t.TempDir(), "s.json"))
	if err := s.DeleteSession("ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
