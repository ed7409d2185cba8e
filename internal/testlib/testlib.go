// Package testlib provides common test utilities.
package testlib

import (
	"io/ioutil"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"mailrelay/internal/protocol"
)

// MustTempDir creates a temporary directory, or dies trying.
func MustTempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "testlib_")
	if err != nil {
		t.Fatal(err)
	}

	err = os.Chdir(dir)
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("test directory: %q", dir)
	return dir
}

// RemoveIfOk removes the given directory, but only if we have not failed. We
// want to keep the failed directories for debugging.
func RemoveIfOk(t *testing.T, dir string) {
	// Safeguard, to make sure we only remove test directories.
	// This should help prevent accidental deletions.
	if !strings.Contains(dir, "testlib_") {
		panic("invalid/dangerous directory")
	}

	if !t.Failed() {
		os.RemoveAll(dir)
	}
}

// Rewrite a file with the given contents.
func Rewrite(t *testing.T, path, contents string) error {
	// Safeguard, to make sure we only mess with test files.
	if !strings.Contains(path, "testlib_") {
		panic("invalid/dangerous path")
	}

	err := ioutil.WriteFile(path, []byte(contents), 0600)
	if err != nil {
		t.Errorf("failed to rewrite file: %v", err)
	}

	return err
}

// GetFreePort returns a free TCP port. This is hacky and not race-free, but
// it works well enough for testing purposes.
func GetFreePort() string {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		panic(err)
	}
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		panic(err)
	}
	return port
}

// WaitFor f to return true (returns true), or d to pass (returns false).
func WaitFor(f func() bool, d time.Duration) bool {
	start := time.Now()
	for time.Since(start) < d {
		if f() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

// TestSink is a session.Sink fake: it never shows a real dialog, and
// remembers every event a session reports, so a test can assert on what a
// GUI shell would have been told.
type TestSink struct {
	wg sync.WaitGroup

	mu        sync.Mutex
	Dialogs   []string
	LogLines  []string
	Received  []*protocol.SmtpMailMessage
	Disconnects int
	UserGone  []string
}

// NewTestSink returns an empty, ready to use TestSink.
func NewTestSink() *TestSink {
	return &TestSink{}
}

// Expect i mail deliveries to be reported via OnMailReceived.
func (s *TestSink) Expect(i int) {
	s.wg.Add(i)
}

// Wait until all expected mail deliveries have arrived.
func (s *TestSink) Wait() {
	s.wg.Wait()
}

func (s *TestSink) ShowDialog(text, title, severity string) {
	s.mu.Lock()
	s.Dialogs = append(s.Dialogs, title+": "+text)
	s.mu.Unlock()
}

func (s *TestSink) Log(line string) {
	s.mu.Lock()
	s.LogLines = append(s.LogLines, line)
	s.mu.Unlock()
}

func (s *TestSink) OnMailReceived(msg *protocol.SmtpMailMessage) {
	s.mu.Lock()
	s.Received = append(s.Received, msg)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *TestSink) OnDisconnect() {
	s.mu.Lock()
	s.Disconnects++
	s.mu.Unlock()
}

func (s *TestSink) OnUserDisconnect(username string) {
	s.mu.Lock()
	s.UserGone = append(s.UserGone, username)
	s.mu.Unlock()
}

// DumbSink discards every event; useful when a test needs a non-nil Sink
// but doesn't care what happens to it.
type dumbSink struct{}

func (dumbSink) ShowDialog(text, title, severity string) {}
func (dumbSink) Log(line string)                         {}
func (dumbSink) OnMailReceived(msg *protocol.SmtpMailMessage) {}
func (dumbSink) OnDisconnect()                          {}
func (dumbSink) OnUserDisconnect(username string)       {}

// DumbSink always discards every event.
var DumbSink = dumbSink{}
