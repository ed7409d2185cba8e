package queue

import (
	"fmt"
	"net"
	"time"

	"mailrelay/internal/session"
	"mailrelay/internal/transport"
)

// RelayUsername and RelayPassword are the shared identity this server presents when
// relaying to another instance of itself, per this protocol's single
// server-to-server identity (there is no per-domain relay credential).
const (
	RelayUsername = "server"
	RelayPassword = "server"
)

// DefaultRelayPort is the port a peer is assumed to listen on for relayed
// mail when a host has none of its own and the dialer's RelayPort is left
// unset. spec.md §6 documents this as a recommended default, not a fixed
// requirement, so NetDialer.RelayPort can override it per-config for a peer
// running on a non-default ListenAddress.
const DefaultRelayPort = "2525"

// dialTimeout bounds how long a single outbound connection attempt may
// take before the processor gives up on that host for this tick.
const dialTimeout = 10 * time.Second

// NetDialer is the production Dialer: it opens a real TCP connection to
// host and runs the client handshake with the shared relay identity,
// returning a live Session ready to have a SendOutgoing task enqueued.
type NetDialer struct {
	ClientHostname string

	// RelayPort is used for any host with no port of its own. Defaults to
	// DefaultRelayPort when empty.
	RelayPort string
}

// DialAndLogin connects to host, runs the client-side handshake, and
// starts the session's cooperative loop in the background. The returned
// Session is usable as soon as the handshake completes; Run continues to
// service it (including the SendOutgoing task the caller will enqueue)
// until the peer or the caller closes it.
func (d *NetDialer) DialAndLogin(host string) (*session.Session, error) {
	port := d.RelayPort
	if port == "" {
		port = DefaultRelayPort
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, port)
	}

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %v", addr, err)
	}

	t := transport.New(conn)
	sess := session.New(t, nil)

	handshake := session.ClientHandshake(d.ClientHostname, RelayUsername, RelayPassword)
	if err := handshake(sess); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %v", addr, err)
	}

	// The handshake already ran; start the loop without running it again,
	// so the session can service the SendOutgoing task the caller enqueues.
	go sess.Run(nil, nil)

	return sess, nil
}
