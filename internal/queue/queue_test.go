package queue

import (
	"fmt"
	"sync"
	"testing"

	"mailrelay/internal/protocol"
	"mailrelay/internal/session"
)

// fakeSessions is a Sessions fake: a username -> Session map a test can
// populate and mutate to simulate login/logout.
type fakeSessions struct {
	mu   sync.Mutex
	byID map[string]*session.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byID: map[string]*session.Session{}}
}

func (f *fakeSessions) Lookup(username string) (*session.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[username]
	return s, ok
}

func (f *fakeSessions) set(username string, s *session.Session) {
	f.mu.Lock()
	f.byID[username] = s
	f.mu.Unlock()
}

func TestEnqueueIncomingRequiresTick(t *testing.T) {
	sessions := newFakeSessions()
	q := New(sessions, nil, t.TempDir(), "")

	q.EnqueueIncoming("bob", &protocol.MailMessage{Sender: "alice@srv"})

	in, out := q.pending()
	if in != 0 || out != 0 {
		t.Fatalf("expected nothing pending before the tick, got in=%d out=%d", in, out)
	}

	q.drainTasks()

	in, out = q.pending()
	if in != 1 || out != 0 {
		t.Fatalf("expected 1 incoming entry pending, got in=%d out=%d", in, out)
	}
}

func TestProcessIncomingRequeuesWhenNoSession(t *testing.T) {
	sessions := newFakeSessions()
	q := New(sessions, nil, t.TempDir(), "")

	q.EnqueueIncoming("bob", &protocol.MailMessage{Sender: "alice@srv"})
	q.drainTasks()

	for _, e := range q.popIncoming(drainSize) {
		q.processIncoming(e)
	}

	in, _ := q.pending()
	if in != 1 {
		t.Fatalf("expected the entry to be requeued, got %d pending", in)
	}
}

func TestProcessIncomingDeliversWhenSessionPresent(t *testing.T) {
	sessions := newFakeSessions()
	q := New(sessions, nil, t.TempDir(), t.TempDir())

	bobSession := session.New(nil, nil)
	sessions.set("bob", bobSession)

	msg := &protocol.MailMessage{Sender: "alice@srv", To: []string{"bob@srv"}, Body: "hi\n"}
	q.EnqueueIncoming("bob", msg)
	q.drainTasks()

	for _, e := range q.popIncoming(drainSize) {
		q.processIncoming(e)
	}

	in, _ := q.pending()
	if in != 0 {
		t.Fatalf("expected entry consumed, got %d still pending", in)
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	hosts  []string
	fail   map[string]bool
	onDial func(host string) (*session.Session, error)
}

func (f *fakeDialer) DialAndLogin(host string) (*session.Session, error) {
	f.mu.Lock()
	f.hosts = append(f.hosts, host)
	fail := f.fail[host]
	f.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("dial %s: connection refused", host)
	}
	if f.onDial != nil {
		return f.onDial(host)
	}
	return nil, fmt.Errorf("no session available in fake dialer")
}

func TestGroupByHost(t *testing.T) {
	got := groupByHost([]string{"a@host1", "b@host1", "c@host2", "bogus"})
	if len(got["host1"]) != 2 || len(got["host2"]) != 1 {
		t.Fatalf("unexpected grouping: %v", got)
	}
}

func TestOutgoingDialFailureDropsRecipientWithoutRequeue(t *testing.T) {
	sessions := newFakeSessions()
	dialer := &fakeDialer{fail: map[string]bool{"elsewhere": true}}
	q := New(sessions, dialer, t.TempDir(), "")

	msg := &protocol.SmtpMailMessage{
		MailMessage:    protocol.MailMessage{Sender: "alice@srv"},
		SMTPFrom:       "alice@srv",
		SMTPRecipients: []string{"dave@elsewhere"},
	}
	q.EnqueueOutgoing(msg)
	q.drainTasks()

	for _, e := range q.popOutgoing(drainSize) {
		q.processOutgoing(e)
	}

	_, out := q.pending()
	if out != 0 {
		t.Fatalf("failed relay must not be requeued, got %d pending", out)
	}
	if len(dialer.hosts) != 1 || dialer.hosts[0] != "elsewhere" {
		t.Fatalf("expected a dial attempt to elsewhere, got %v", dialer.hosts)
	}
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	q := New(newFakeSessions(), nil, dir, "")
	q.EnqueueIncoming("bob", &protocol.MailMessage{
		Sender: "alice@srv", To: []string{"bob@srv"}, Subject: "hi", Body: "hello\n",
	})
	q.EnqueueOutgoing(&protocol.SmtpMailMessage{
		MailMessage:    protocol.MailMessage{Sender: "alice@srv", Subject: "hey"},
		SMTPFrom:       "alice@srv",
		SMTPRecipients: []string{"dave@elsewhere"},
	})
	q.drainTasks()

	if err := q.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	restored := New(newFakeSessions(), nil, dir, "")
	restored.Restore()

	in, out := restored.pending()
	if in != 1 || out != 1 {
		t.Fatalf("expected 1 incoming and 1 outgoing after restore, got in=%d out=%d", in, out)
	}

	entries := restored.popIncoming(drainSize)
	if entries[0].Username != "bob" || entries[0].Message.Subject != "hi" {
		t.Fatalf("unexpected restored incoming entry: %+v", entries[0])
	}
}

func TestRestoreMissingFilesIsEmpty(t *testing.T) {
	q := New(newFakeSessions(), nil, t.TempDir(), "")
	q.Restore()

	in, out := q.pending()
	if in != 0 || out != 0 {
		t.Fatalf("expected empty queues, got in=%d out=%d", in, out)
	}
}
