package listener

import (
	"net"
	"testing"
	"time"

	"mailrelay/internal/auth"
	"mailrelay/internal/session"
	"mailrelay/internal/testlib"
	"mailrelay/internal/transport"
)

func dialTCP(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, time.Second)
}

// loginClient performs only the handshake and returns the resulting
// Session without starting its dispatch loop, so the caller is free to
// read pushed lines directly off the Transport without racing a second
// reader.
func loginClient(t *testing.T, conn net.Conn, clientHost, user, password string) *session.Session {
	t.Helper()
	s := session.New(transport.New(conn), testlib.DumbSink)
	if err := session.ClientHandshake(clientHost, user, password)(s); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	return s
}

func newRunningListener(t *testing.T, store *auth.Store) (*Listener, string) {
	t.Helper()
	addr := "127.0.0.1:" + testlib.GetFreePort()
	l := New("mail.example.com", addr, store, testlib.DumbSink)

	go l.ListenAndServe()

	// Give the accept loop a moment to actually bind before dialing.
	if !testlib.WaitFor(func() bool {
		c, err := dialTCP(addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second) {
		t.Fatal("listener never started accepting")
	}

	return l, addr
}

func TestAcceptRegistersSessionAfterLogin(t *testing.T) {
	store := auth.New()
	if err := store.AddUser("alice", "swordfish"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	l, addr := newRunningListener(t, store)
	defer l.Shutdown()

	conn, err := dialTCP(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cli := loginClient(t, conn, "client.example.com", "alice", "swordfish")
	defer cli.Transport.Close()

	if !testlib.WaitFor(func() bool {
		_, ok := l.Lookup("alice")
		return ok
	}, time.Second) {
		t.Fatal("session for alice never registered")
	}
}

func TestReloginEvictsPreviousSession(t *testing.T) {
	store := auth.New()
	if err := store.AddUser("alice", "swordfish"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	l, addr := newRunningListener(t, store)
	defer l.Shutdown()

	conn1, err := dialTCP(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn1.Close()
	first := loginClient(t, conn1, "client.example.com", "alice", "swordfish")
	defer first.Transport.Close()

	if !testlib.WaitFor(func() bool {
		s, ok := l.Lookup("alice")
		return ok && s == first
	}, time.Second) {
		t.Fatal("first session never registered")
	}

	conn2, err := dialTCP(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	second := loginClient(t, conn2, "client.example.com", "alice", "swordfish")
	defer second.Transport.Close()

	if !testlib.WaitFor(func() bool {
		s, ok := l.Lookup("alice")
		return ok && s == second
	}, time.Second) {
		t.Fatal("second session never replaced the first")
	}

	if !testlib.WaitFor(func() bool { return first.Transport.Send("irrelevant") != nil }, time.Second) {
		t.Error("evicted session's transport was never closed")
	}
}

func TestLookupUnknownUser(t *testing.T) {
	l, _ := newRunningListener(t, auth.New())
	defer l.Shutdown()

	if _, ok := l.Lookup("nobody"); ok {
		t.Error("Lookup found a session for a user that never logged in")
	}
}

func TestShutdownQuitsAllSessions(t *testing.T) {
	store := auth.New()
	if err := store.AddUser("alice", "swordfish"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	l, addr := newRunningListener(t, store)

	conn, err := dialTCP(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	cli := loginClient(t, conn, "client.example.com", "alice", "swordfish")
	defer cli.Transport.Close()

	if !testlib.WaitFor(func() bool {
		_, ok := l.Lookup("alice")
		return ok
	}, time.Second) {
		t.Fatal("session never registered")
	}

	l.Shutdown()

	if _, err := cli.Transport.ReadLine(); err != nil {
		t.Fatalf("expected a graceful QUIT, got error: %v", err)
	}
}
