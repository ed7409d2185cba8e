package session

import (
	"net"
	"testing"
	"time"

	"mailrelay/internal/auth"
	"mailrelay/internal/transport"
)

func sessionPipe() (*Session, *Session) {
	c1, c2 := net.Pipe()
	return New(transport.New(c1), nil), New(transport.New(c2), nil)
}

func TestHandshakeSuccess(t *testing.T) {
	store := auth.New()
	if err := store.AddUser("alice", "swordfish"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	srv, cli := sessionPipe()
	defer srv.Transport.Close()
	defer cli.Transport.Close()

	srvErr := make(chan error, 1)
	go func() { srvErr <- ServerHandshake("mail.example.com", store, false)(srv) }()

	cliErr := make(chan error, 1)
	go func() { cliErr <- ClientHandshake("client.example.com", "alice", "swordfish")(cli) }()

	if err := <-cliErr; err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-srvErr; err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	if srv.Username != "alice" {
		t.Errorf("server session username = %q, want alice", srv.Username)
	}
	if cli.Username != "alice" {
		t.Errorf("client session username = %q, want alice", cli.Username)
	}
}

func TestHandshakeBadPassword(t *testing.T) {
	store := auth.New()
	if err := store.AddUser("alice", "swordfish"); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	srv, cli := sessionPipe()
	defer srv.Transport.Close()
	defer cli.Transport.Close()

	srvErr := make(chan error, 1)
	go func() { srvErr <- ServerHandshake("mail.example.com", store, false)(srv) }()

	cliErr := make(chan error, 1)
	go func() { cliErr <- ClientHandshake("client.example.com", "alice", "wrong")(cli) }()

	if err := <-cliErr; err == nil {
		t.Fatal("expected client handshake to fail on bad password")
	}
	if err := <-srvErr; err == nil {
		t.Fatal("expected server handshake to report the declined login")
	}
}

func TestHandshakeAllowAnyIgnoresStore(t *testing.T) {
	srv, cli := sessionPipe()
	defer srv.Transport.Close()
	defer cli.Transport.Close()

	srvErr := make(chan error, 1)
	go func() { srvErr <- ServerHandshake("relay.example.com", nil, true)(srv) }()

	cliErr := make(chan error, 1)
	go func() { cliErr <- ClientHandshake("peer.example.com", "server", "server")(cli) }()

	if err := <-cliErr; err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-srvErr; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestHandshakeFailsIfPeerCloses(t *testing.T) {
	srv, cli := sessionPipe()
	defer srv.Transport.Close()
	cli.Transport.Close()

	done := make(chan error, 1)
	go func() { done <- ServerHandshake("mail.example.com", auth.New(), false)(srv) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error once the peer closed mid-handshake")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake did not return after peer closed the connection")
	}
}
