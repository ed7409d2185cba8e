package maillog

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"blitiri.com.ar/go/log"

	"mailrelay/internal/protocol"
)

var netAddr = &net.TCPAddr{
	IP:   net.ParseIP("1.2.3.4"),
	Port: 4321,
}

func expect(t *testing.T, buf *bytes.Buffer, s string) {
	if strings.Contains(buf.String(), s) {
		return
	}
	t.Errorf("buffer mismatch:")
	t.Errorf("  expected to contain: %q", s)
	t.Errorf("  got: %q", buf.String())
}

func TestLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf)

	l.Listening("1.2.3.4:4321")
	expect(t, buf, "daemon listening on 1.2.3.4:4321")
	buf.Reset()

	l.Auth(netAddr, "alice", false)
	expect(t, buf, "1.2.3.4:4321 auth failed for alice")
	buf.Reset()

	l.Auth(netAddr, "alice", true)
	expect(t, buf, "1.2.3.4:4321 auth succeeded for alice")
	buf.Reset()

	l.Rejected(netAddr, "from", []string{"to1", "to2"}, "error")
	expect(t, buf, "1.2.3.4:4321 rejected from=from to=[to1 to2] - error")
	buf.Reset()

	l.Queued("from", "bob", true)
	expect(t, buf, "from=from queued (local) to=bob")
	buf.Reset()

	l.Queued("from", "bob@remote", false)
	expect(t, buf, "from=from queued (remote) to=bob@remote")
	buf.Reset()

	l.SendAttempt("from", "to", nil)
	expect(t, buf, "from=from to=to sent")
	buf.Reset()

	l.SendAttempt("from", "to", fmt.Errorf("boom"))
	expect(t, buf, "from=from to=to failed: boom")
	buf.Reset()

	l.QueueLoop(3, 1)
	expect(t, buf, "queue tick: 3 incoming, 1 outgoing pending")
	buf.Reset()
}

// io.Writer that fails all write operations, for testing.
type failedWriter struct{}

func (w *failedWriter) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("test error")
}

// nopCloser adds a Close method to an io.Writer, to turn it into a
// io.WriteCloser. This is the equivalent of ioutil.NopCloser but for
// io.Writer.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Test that we complain (only once) when we can't log.
func TestFailedLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	log.Default = log.New(nopCloser{io.Writer(buf)})

	failedw := &failedWriter{}
	l := New(failedw)

	l.printf("123 testing")
	s := buf.String()
	if !strings.Contains(s, "failed to write to maillog: test error") {
		t.Errorf("log did not contain expected message. Log: %#v", s)
	}

	buf.Reset()
	l.printf("123 testing")
	s = buf.String()
	if s != "" {
		t.Errorf("expected second attempt to not log, but log had: %#v", s)
	}
}

func TestWriteDelivery(t *testing.T) {
	dir, err := ioutil.TempDir("", "maillog_test_")
	if err != nil {
		t.Fatal(err)
	}

	msg := &protocol.MailMessage{
		Encrypted: false,
		Sender:    "alice@srv",
		To:        []string{"bob@srv"},
		Date:      "2024-01-01",
		Subject:   "hi",
		Body:      "hello\n",
	}

	if err := WriteDelivery(dir, "", "bob", msg); err != nil {
		t.Fatal(err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, localServerLabel, "bob", "*.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one delivery file, got %v", matches)
	}

	contents, err := ioutil.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(contents), "from: alice@srv") {
		t.Errorf("delivery file missing expected content: %q", contents)
	}
}
