// Package auth implements the relay's user/password store: a flat map of
// username to salted password hash, persisted to a single file.
package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"mailrelay/internal/normalize"
)

const saltLen = 16

// A User holds the stored credentials for one account: never the plaintext
// password, only a salt and the hex-encoded SHA-1 digest of salt||password.
type User struct {
	Username     string
	Salt         []byte
	PasswordHash string
}

// Store is a username -> User map, guarded for concurrent access, since
// logins happen concurrently on the listener's per-connection goroutines.
type Store struct {
	mu    sync.RWMutex
	users map[string]*User

	// How long IsValidLogin calls should last, approximately, to make basic
	// timing attacks harder. Applied both for successful and unsuccessful
	// attempts, increased by 0-20%.
	AuthDuration time.Duration
}

// New returns an empty, ready to use Store.
func New() *Store {
	return &Store{
		users:        map[string]*User{},
		AuthDuration: 100 * time.Millisecond,
	}
}

func hashPassword(salt []byte, password string) string {
	h := sha1.New()
	h.Write(salt)
	h.Write([]byte(password))
	return hex.EncodeToString(h.Sum(nil))
}

// AddUser adds (or replaces) a user with the given plaintext password,
// generating a fresh random salt.
func (s *Store) AddUser(username, password string) error {
	norm, err := normalize.User(username)
	if err != nil {
		return fmt.Errorf("invalid username %q: %v", username, err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return err
	}

	s.mu.Lock()
	s.users[norm] = &User{
		Username:     norm,
		Salt:         salt,
		PasswordHash: hashPassword(salt, password),
	}
	s.mu.Unlock()

	return nil
}

// RemoveUser removes a user, if present. Returns whether it was present.
func (s *Store) RemoveUser(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; !ok {
		return false
	}
	delete(s.users, username)
	return true
}

// Exists reports whether the given username is registered.
func (s *Store) Exists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok
}

// Usernames returns all registered usernames, in no particular order.
func (s *Store) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.users))
	for name := range s.users {
		names = append(names, name)
	}
	return names
}

// IsValidLogin reports whether username/password is a valid combination.
// It always takes approximately AuthDuration, regardless of outcome, to
// avoid leaking timing information about whether the user exists.
func (s *Store) IsValidLogin(username, password string) bool {
	defer func(start time.Time) {
		elapsed := time.Since(start)
		delay := s.AuthDuration - elapsed
		if delay > 0 {
			maxDelta := int64(float64(delay) * 0.2)
			if maxDelta > 0 {
				delay += time.Duration(mrand.Int63n(maxDelta))
			}
			time.Sleep(delay)
		}
	}(time.Now())

	s.mu.RLock()
	u, ok := s.users[username]
	s.mu.RUnlock()

	if !ok {
		return false
	}

	want := hashPassword(u.Salt, password)
	return subtle.ConstantTimeCompare([]byte(want), []byte(u.PasswordHash)) == 1
}
