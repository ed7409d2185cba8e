package auth

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func check(t *testing.T, s *Store, user, password string, expect bool) {
	t.Helper()

	ts := time.Now()
	ok := s.IsValidLogin(user, password)
	if time.Since(ts) < s.AuthDuration {
		t.Errorf("auth on %q/%q was too fast", user, password)
	}
	if ok != expect {
		t.Errorf("auth on %q/%q: got %v, expected %v", user, password, ok, expect)
	}
}

func TestAddAndAuthenticate(t *testing.T) {
	s := New()
	s.AuthDuration = 20 * time.Millisecond

	if err := s.AddUser("alice", "hunter2"); err != nil {
		t.Fatal(err)
	}

	check(t, s, "alice", "hunter2", true)
	check(t, s, "alice", "wrong", false)
	check(t, s, "bob", "hunter2", false)

	if !s.Exists("alice") {
		t.Errorf("expected alice to exist")
	}
	if s.Exists("bob") {
		t.Errorf("expected bob to not exist")
	}
}

func TestRemoveUser(t *testing.T) {
	s := New()
	s.AddUser("alice", "hunter2")

	if !s.RemoveUser("alice") {
		t.Errorf("expected alice to have been present")
	}
	if s.RemoveUser("alice") {
		t.Errorf("expected second removal to report absent")
	}
	if s.Exists("alice") {
		t.Errorf("alice should no longer exist")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "auth_test_")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	fname := filepath.Join(dir, "users.db")

	s := New()
	s.AddUser("alice", "hunter2")
	s.AddUser("bob", "correcthorse")

	if err := s.Save(fname); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(fname)
	if err != nil {
		t.Fatal(err)
	}

	if !loaded.IsValidLogin("alice", "hunter2") {
		t.Errorf("alice should be able to log in after reload")
	}
	if !loaded.IsValidLogin("bob", "correcthorse") {
		t.Errorf("bob should be able to log in after reload")
	}
	if loaded.IsValidLogin("alice", "wrong") {
		t.Errorf("alice should not authenticate with the wrong password")
	}

	wantUsers := map[string]bool{"alice": true, "bob": true}
	gotUsers := map[string]bool{}
	for _, u := range loaded.Usernames() {
		gotUsers[u] = true
	}
	if diff := cmp.Diff(wantUsers, gotUsers); diff != "" {
		t.Errorf("unexpected user set (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s, err := Load("/does/not/exist/users.db")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Usernames()) != 0 {
		t.Errorf("expected empty store, got %v", s.Usernames())
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir, err := ioutil.TempDir("", "auth_test_")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	fname := filepath.Join(dir, "users.db")
	if err := ioutil.WriteFile(fname, []byte{0x00, 0x05, 'a', 'l'}, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(fname); err == nil {
		t.Errorf("expected an error loading a truncated file")
	}
}
