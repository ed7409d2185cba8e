// Package session implements the cooperative, single-goroutine-per-connection
// worker that both the server and the client driver run: a task inbox of
// deferred closures, a non-blocking poll of the transport, and a small
// command dispatch table, shared because this protocol is symmetric (the
// server pushes mail down to a logged-in client's session the same way a
// client submits mail to the server).
package session

import (
	"sync"
	"time"

	"mailrelay/internal/protocol"
	"mailrelay/internal/transport"
)

// pollInterval is how long the worker loop sleeps between polls when there
// is nothing to do.
const pollInterval = 150 * time.Millisecond

// Sink is the external collaborator contract: an injected object (normally
// backed by a GUI shell) that the session notifies of events it cannot
// handle itself.
type Sink interface {
	ShowDialog(text, title, severity string)
	Log(line string)
	OnMailReceived(msg *protocol.SmtpMailMessage)
	OnDisconnect()
	OnUserDisconnect(username string)
}

// Task is a deferred action, run on the session's own goroutine the next
// time its loop drains the inbox. This is how other goroutines (the queue
// processor, the listener) safely interact with a session without racing
// its I/O.
type Task func(*Session)

// Session is one live connection's worker: a username (once logged in), the
// transport it owns, and a FIFO of pending tasks.
type Session struct {
	Username string
	Hostname string

	Transport *transport.Transport
	Sink      Sink

	taskMu sync.Mutex
	tasks  []Task

	connMu    sync.Mutex
	connected bool
}

// New creates a Session wrapping t, not yet marked connected.
func New(t *transport.Transport, sink Sink) *Session {
	return &Session{
		Transport: t,
		Sink:      sink,
	}
}

// Enqueue appends a task to the session's inbox. Safe to call from any
// goroutine.
func (s *Session) Enqueue(t Task) {
	s.taskMu.Lock()
	s.tasks = append(s.tasks, t)
	s.taskMu.Unlock()
}

func (s *Session) drainTasks() {
	s.taskMu.Lock()
	pending := s.tasks
	s.tasks = nil
	s.taskMu.Unlock()

	for _, t := range pending {
		t(s)
	}
}

func (s *Session) setConnected(v bool) {
	s.connMu.Lock()
	s.connected = v
	s.connMu.Unlock()
}

// Connected reports whether the session's loop should keep running.
func (s *Session) Connected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connected
}

// Run drives the session's cooperative loop: handshake once, then
// repeatedly drain pending tasks, dispatch at most one inbound line if one
// is available, and otherwise sleep. Run returns once the session
// disconnects, gracefully or not.
// onReady, if non-nil, is called once the handshake succeeds and before the
// dispatch loop starts, so a caller (the listener) can register the session
// in its username -> session map before any inbound line can possibly
// reference it.
func (s *Session) Run(handshake func(*Session) error, onReady func(*Session)) {
	s.setConnected(true)

	if handshake != nil {
		if err := handshake(s); err != nil {
			if s.Sink != nil {
				s.Sink.Log("handshake failed: " + err.Error())
			}
			s.setConnected(false)
			s.Transport.Close()
			return
		}
	}

	if onReady != nil {
		onReady(s)
	}

	for s.Connected() {
		s.drainTasks()

		if !s.Connected() {
			break
		}

		if s.Transport.HasData() {
			line, err := s.Transport.ReadLine()
			if err != nil {
				s.abort()
				break
			}
			s.dispatch(line)
		} else {
			time.Sleep(pollInterval)
		}
	}

	if s.Sink != nil {
		s.Sink.OnDisconnect()
	}
}

// abort marks the session disconnected without sending anything further,
// for transport errors.
func (s *Session) abort() {
	s.setConnected(false)
	s.Transport.Close()
}

// Quit enqueues a graceful termination: sending QUIT to the peer, closing
// the transport, and marking the session disconnected. It returns
// immediately; the actual work happens on the session's own goroutine.
func (s *Session) Quit() {
	s.Enqueue(func(sess *Session) {
		sess.Transport.Send("QUIT")
		sess.Transport.Close()
		sess.setConnected(false)
	})
}

// Terminate marks the session disconnected immediately, without attempting
// to notify the peer. Used when a re-login evicts this session.
func (s *Session) Terminate() {
	s.setConnected(false)
	s.Transport.Close()
}
