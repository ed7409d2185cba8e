// Package listener implements the server's accept loop: per-connection
// handshake, the username -> session map (mutated only by the listener's
// own accept-driven goroutines, read by the queue processor's dispatcher),
// re-login eviction, and graceful shutdown.
package listener

import (
	"net"
	"sync"

	"blitiri.com.ar/go/systemd"

	"mailrelay/internal/auth"
	"mailrelay/internal/session"
	"mailrelay/internal/trace"
	"mailrelay/internal/transport"
)

// Listener accepts connections on Addr, runs the server handshake on each,
// and keeps a username -> Session map for the queue processor to push
// local deliveries into.
type Listener struct {
	Hostname            string
	Addr                string
	AuthStore           *auth.Store
	AllowAnyCredentials bool
	Sink                session.Sink

	mu       sync.RWMutex
	sessions map[string]*session.Session

	ln net.Listener
	ev *trace.EventLog
}

// New creates a Listener. Call ListenAndServe to actually start accepting.
func New(hostname, addr string, store *auth.Store, sink session.Sink) *Listener {
	return &Listener{
		Hostname:  hostname,
		Addr:      addr,
		AuthStore: store,
		Sink:      sink,
		sessions:  map[string]*session.Session{},
	}
}

// ListenAndServe opens (or inherits via systemd socket activation) the
// listening socket and accepts connections until the listener is closed.
func (l *Listener) ListenAndServe() error {
	l.ev = trace.NewEventLog("Listener", l.Addr)

	ln, err := l.listen()
	if err != nil {
		return err
	}
	l.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handle(conn)
	}
}

// listen returns a net.Listener for l.Addr, preferring a systemd-activated
// socket with a matching name if one was inherited.
func (l *Listener) listen() (net.Listener, error) {
	inherited, err := systemd.Listeners()
	if err == nil {
		if lns, ok := inherited[l.Addr]; ok && len(lns) > 0 {
			return lns[0], nil
		}
	}
	return net.Listen("tcp", l.Addr)
}

func (l *Listener) handle(conn net.Conn) {
	t := transport.New(conn)
	sess := session.New(t, l.Sink)

	sess.Run(
		session.ServerHandshake(l.Hostname, l.AuthStore, l.AllowAnyCredentials),
		func(sess *session.Session) {
			l.evict(sess.Username, sess)
			l.ev.Printf("login: %s from %s", sess.Username, conn.RemoteAddr())
		},
	)

	if sess.Username == "" {
		// Handshake never succeeded; nothing was registered.
		return
	}

	l.mu.Lock()
	if l.sessions[sess.Username] == sess {
		delete(l.sessions, sess.Username)
	}
	l.mu.Unlock()
}

// evict registers sess as the current session for username, terminating
// and discarding whatever session (if any) was previously registered.
func (l *Listener) evict(username string, sess *session.Session) {
	l.mu.Lock()
	if old, ok := l.sessions[username]; ok && old != sess {
		old.Terminate()
	}
	l.sessions[username] = sess
	l.mu.Unlock()
}

// Lookup returns the currently registered session for username, if any.
// Safe to call from any goroutine; the result may become stale immediately
// (the session may disconnect right after this returns), which callers
// must tolerate.
func (l *Listener) Lookup(username string) (*session.Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sessions[username]
	return s, ok
}

// Shutdown asks every live session to quit gracefully, and stops accepting
// new connections.
func (l *Listener) Shutdown() {
	l.mu.Lock()
	for _, s := range l.sessions {
		s.Quit()
	}
	l.sessions = map[string]*session.Session{}
	l.mu.Unlock()

	if l.ln != nil {
		l.ln.Close()
	}
}
