// Package transport owns the single net.Conn backing a session: line
// framing in the ISO-8859-1 charset this protocol uses, a blocking
// ReadLine, a non-blocking HasData probe for the session worker's
// cooperative loop, and Send/SendSecret for writing, with an optional
// caller-supplied log callback so password-like sends can be logged
// obscured without affecting what actually goes over the wire.
package transport

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// LineLogger receives a copy of every line sent or received, for audit
// logging. It may be nil.
type LineLogger func(direction, line string)

// Transport wraps one net.Conn with line-oriented I/O.
type Transport struct {
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	Logf LineLogger
}

// New wraps conn in a Transport.
func New(conn net.Conn) *Transport {
	return &Transport{
		conn: conn,
		r:    bufio.NewReader(conn),
	}
}

// RemoteAddr returns the remote address of the underlying connection.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// LocalAddr returns the local address of the underlying connection.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// encodeLatin1 converts a Go string (as produced by our own callers, always
// within Latin-1 range in practice) to its ISO-8859-1 byte representation.
func encodeLatin1(s string) []byte {
	b, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	if err != nil {
		// Fall back to sending the string's raw UTF-8 bytes rather than fail
		// the send; this only happens for code points outside Latin-1, which
		// this protocol's commands and headers never legitimately contain.
		return []byte(s)
	}
	return b
}

func decodeLatin1(b []byte) string {
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// Send writes line terminated by CRLF, and flushes. logged, if non-empty, is
// what gets passed to Logf instead of line (used by SendSecret to obscure
// passwords in logs without touching what is sent on the wire). Pass "" to
// log line itself.
func (t *Transport) send(line, logged string) error {
	t.writeMu.Lock()
	_, err := t.conn.Write(append(encodeLatin1(line), '\r', '\n'))
	t.writeMu.Unlock()

	if t.Logf != nil {
		if logged == "" {
			logged = line
		}
		t.Logf("send", logged)
	}

	return err
}

// Send writes line to the wire, CRLF-terminated.
func (t *Transport) Send(line string) error {
	return t.send(line, "")
}

// SendSecret writes line to the wire like Send, but logs a redacted form
// (every character replaced by '*') instead of the real content.
func (t *Transport) SendSecret(line string) error {
	return t.send(line, strings.Repeat("*", len(line)))
}

// ReadLine blocks until a full CRLF- or LF-terminated line is available,
// and returns it without the line terminator.
func (t *Transport) ReadLine() (string, error) {
	raw, err := t.r.ReadBytes('\n')
	if err != nil && len(raw) == 0 {
		return "", err
	}

	raw = []byte(strings.TrimRight(string(raw), "\r\n"))
	line := decodeLatin1(raw)

	if t.Logf != nil {
		t.Logf("recv", line)
	}

	if err != nil {
		return line, err
	}
	return line, nil
}

// HasData reports whether there is at least one byte available to read
// without blocking, without consuming it.
func (t *Transport) HasData() bool {
	t.conn.SetReadDeadline(time.Now())
	_, err := t.r.Peek(1)
	t.conn.SetReadDeadline(time.Time{})

	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		// Any other error (EOF, closed connection) is reported as "has
		// data" so the caller's next ReadLine surfaces it.
		return true
	}
	return true
}

// Close closes the underlying connection. It is safe to call more than
// once.
func (t *Transport) Close() error {
	return t.conn.Close()
}
