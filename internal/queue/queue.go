// Package queue implements the relay's two delivery queues: an incoming
// (local-delivery) FIFO and an outgoing (remote-relay) FIFO, drained by a
// single cooperative processor loop in bounded per-tick chunks, with
// best-effort persistence across restarts.
package queue

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"mailrelay/internal/maillog"
	"mailrelay/internal/protocol"
	"mailrelay/internal/session"
	"mailrelay/internal/trace"
)

// drainSize is N from the queue processor loop: at most this many entries
// are popped from each queue per tick.
const drainSize = 10

// tickInterval is how long the processor sleeps after every tick.
const tickInterval = 250 * time.Millisecond

// postSendGrace is how long an outbound relay session worker is kept alive
// after sending, before it is told to quit, giving the remote peer time to
// acknowledge before the connection is torn down.
const postSendGrace = 500 * time.Millisecond

// IncomingEntry is one pending local delivery: the recipient's username
// and the message bound for their inbox.
type IncomingEntry struct {
	Username string
	Message  *protocol.MailMessage
}

// OutgoingEntry is one pending outbound relay: a full envelope, addressed
// to one or more remote recipients sharing the same host split logic as
// everything else in this protocol.
type OutgoingEntry struct {
	Message *protocol.SmtpMailMessage
}

// Sessions is the subset of *listener.Listener the queue processor needs,
// kept as an interface so the processor doesn't import the listener
// package and so it can be faked in tests.
type Sessions interface {
	Lookup(username string) (*session.Session, bool)
}

// Dialer opens a client-role session to a remote host, performing the
// client handshake with the shared relay identity. Production code backs
// this with net.Dial plus session.ClientHandshake; tests can fake it.
type Dialer interface {
	DialAndLogin(host string) (*session.Session, error)
}

// Queue holds the two FIFOs, the task inbox that preserves insertion
// ordering across producer goroutines, and the collaborators the
// processor loop needs to actually deliver mail.
type Queue struct {
	Sessions Sessions
	Dialer   Dialer
	BaseDir  string

	// MailLogDir is where WriteDelivery writes the per-message log sink,
	// normally BaseDir's sibling "logs" directory.
	MailLogDir string

	taskMu sync.Mutex
	tasks  []func()

	mu       sync.Mutex
	incoming []IncomingEntry
	outgoing []OutgoingEntry

	runMu   sync.Mutex
	running bool

	ev *trace.EventLog
}

// New creates an empty Queue.
func New(sessions Sessions, dialer Dialer, baseDir, mailLogDir string) *Queue {
	return &Queue{
		Sessions:   sessions,
		Dialer:     dialer,
		BaseDir:    baseDir,
		MailLogDir: mailLogDir,
		ev:         trace.NewEventLog("Queue", "processor"),
	}
}

// EnqueueIncoming appends to the incoming queue via the task inbox, so
// concurrent dispatchers preserve submission order.
func (q *Queue) EnqueueIncoming(username string, msg *protocol.MailMessage) {
	q.enqueueTask(func() {
		q.mu.Lock()
		q.incoming = append(q.incoming, IncomingEntry{Username: username, Message: msg})
		q.mu.Unlock()
	})
}

// EnqueueOutgoing appends to the outgoing queue via the task inbox.
func (q *Queue) EnqueueOutgoing(msg *protocol.SmtpMailMessage) {
	q.enqueueTask(func() {
		q.mu.Lock()
		q.outgoing = append(q.outgoing, OutgoingEntry{Message: msg})
		q.mu.Unlock()
	})
}

func (q *Queue) enqueueTask(t func()) {
	q.taskMu.Lock()
	q.tasks = append(q.tasks, t)
	q.taskMu.Unlock()
}

func (q *Queue) drainTasks() {
	q.taskMu.Lock()
	pending := q.tasks
	q.tasks = nil
	q.taskMu.Unlock()

	for _, t := range pending {
		t()
	}
}

// popIncoming removes and returns up to n entries from the head of the
// incoming queue.
func (q *Queue) popIncoming(n int) []IncomingEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.incoming) < n {
		n = len(q.incoming)
	}
	batch := q.incoming[:n]
	q.incoming = q.incoming[n:]
	return batch
}

// popOutgoing removes and returns up to n entries from the head of the
// outgoing queue.
func (q *Queue) popOutgoing(n int) []OutgoingEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.outgoing) < n {
		n = len(q.outgoing)
	}
	batch := q.outgoing[:n]
	q.outgoing = q.outgoing[n:]
	return batch
}

// requeueIncoming re-appends an entry to the tail of the incoming queue,
// for the "no session yet" retry case.
func (q *Queue) requeueIncoming(e IncomingEntry) {
	q.mu.Lock()
	q.incoming = append(q.incoming, e)
	q.mu.Unlock()
}

// pending reports the current length of each queue, for QueueLoop
// logging and for tests.
func (q *Queue) pending() (incoming, outgoing int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.incoming), len(q.outgoing)
}

// Run drives the processor loop: drain the task inbox, process one batch
// of incoming and one batch of outgoing entries, log the tick, and sleep.
// It runs until Stop is called.
func (q *Queue) Run() {
	q.runMu.Lock()
	q.running = true
	q.runMu.Unlock()

	for q.isRunning() {
		q.drainTasks()

		for _, e := range q.popIncoming(drainSize) {
			q.processIncoming(e)
		}
		for _, e := range q.popOutgoing(drainSize) {
			q.processOutgoing(e)
		}

		in, out := q.pending()
		maillog.QueueLoop(in, out)
		q.ev.Debugf("tick: %d incoming, %d outgoing pending", in, out)

		time.Sleep(tickInterval)
	}
}

func (q *Queue) isRunning() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	return q.running
}

// Stop asks the processor loop to exit after its current tick.
func (q *Queue) Stop() {
	q.runMu.Lock()
	q.running = false
	q.runMu.Unlock()
}

// processIncoming attempts local delivery of a single entry: if the
// recipient has no live session, it is re-appended to the tail for retry
// next tick; otherwise a send task is handed to that session, and the
// delivery is recorded to the per-user log sink.
func (q *Queue) processIncoming(e IncomingEntry) {
	sess, ok := q.Sessions.Lookup(e.Username)
	if !ok {
		q.requeueIncoming(e)
		return
	}

	msg := e.Message
	username := e.Username
	sess.Enqueue(func(s *session.Session) {
		err := s.SendOutgoing(msg.Sender, append(append([]string{}, msg.To...), msg.Cc...), msg)
		maillog.SendAttempt(msg.Sender, username, err)
	})

	if q.MailLogDir != "" {
		if err := maillog.WriteDelivery(q.MailLogDir, "", username, msg); err != nil {
			q.ev.Errorf("writing delivery log for %s: %v", username, err)
		}
	}
}

// processOutgoing attempts relay of a single entry: every recipient's
// host is dialed and logged into independently, since each remote host
// needs its own connection; a host that fails to connect or
// authenticate is logged and the recipient dropped, without re-enqueuing
// the message.
func (q *Queue) processOutgoing(e OutgoingEntry) {
	byHost := groupByHost(e.Message.SMTPRecipients)

	for host, rcpts := range byHost {
		sess, err := q.Dialer.DialAndLogin(host)
		if err != nil {
			maillog.SendAttempt(e.Message.SMTPFrom, host, err)
			q.ev.Errorf("relay to %s failed: %v", host, err)
			continue
		}

		msg := &e.Message.MailMessage
		from := e.Message.SMTPFrom
		done := make(chan struct{})
		sess.Enqueue(func(s *session.Session) {
			err := s.SendOutgoing(from, rcpts, msg)
			for _, r := range rcpts {
				maillog.SendAttempt(from, r, err)
			}
			close(done)
		})

		<-done
		time.Sleep(postSendGrace)
		sess.Quit()
	}
}

// DumpString returns a human-readable snapshot of both queues, for the
// /debug/queue monitoring endpoint.
func (q *Queue) DumpString() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := fmt.Sprintf("# Queue status\n\nincoming: %d\noutgoing: %d\n\n",
		len(q.incoming), len(q.outgoing))

	s += "## Incoming (local delivery)\n\n"
	for _, e := range q.incoming {
		s += fmt.Sprintf("to=%s from=%s subject=%q\n", e.Username, e.Message.Sender, e.Message.Subject)
	}

	s += "\n## Outgoing (remote relay)\n\n"
	for _, e := range q.outgoing {
		s += fmt.Sprintf("from=%s to=%v subject=%q\n",
			e.Message.SMTPFrom, e.Message.SMTPRecipients, e.Message.Subject)
	}

	return s
}

// groupByHost splits a set of envelope addresses by their host part, so
// the outbound processor opens exactly one connection per remote host
// for each outgoing message.
func groupByHost(addrs []string) map[string][]string {
	out := map[string][]string{}
	for _, a := range addrs {
		parts := strings.SplitN(a, "@", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[1]] = append(out[parts[1]], a)
	}
	return out
}
