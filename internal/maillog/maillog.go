// Package maillog implements a log specifically for email: the audit trail
// of auth attempts, queueing, and delivery attempts, plus the per-message
// log sink that records every accepted delivery to its own file.
package maillog

import (
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"mailrelay/internal/protocol"
	"mailrelay/internal/trace"
)

// Global event logs.
var (
	authLog = trace.NewEventLog("Authentication", "Incoming connection")
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

// Write the given buffer, prepending timing information.
func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log data to, such as a file or syslog.
// It implements various user-friendly methods for logging mail information
// to it.
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a new Logger which will write messages to the given writer.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a new Logger which will write messages to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "mailrelay")
	if err != nil {
		return nil, err
	}

	l := &Logger{w: w}
	return l, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that the daemon is listening on the given address.
func (l *Logger) Listening(a string) {
	l.printf("daemon listening on %s\n", a)
}

// Auth logs an authentication request.
func (l *Logger) Auth(netAddr net.Addr, user string, successful bool) {
	res := "succeeded"
	if !successful {
		res = "failed"
	}
	msg := fmt.Sprintf("%s auth %s for %s\n", netAddr, res, user)
	l.printf(msg)
	authLog.Debugf(msg)
}

// Rejected logs that we've rejected an email.
func (l *Logger) Rejected(netAddr net.Addr, from string, to []string, err string) {
	if from != "" {
		from = fmt.Sprintf(" from=%s", from)
	}
	toStr := ""
	if len(to) > 0 {
		toStr = fmt.Sprintf(" to=%v", to)
	}
	l.printf("%s rejected%s%s - %v\n", netAddr, from, toStr, err)
}

// Queued logs that we have queued an email for the given recipient.
func (l *Logger) Queued(from string, to string, local bool) {
	kind := "remote"
	if local {
		kind = "local"
	}
	l.printf("from=%s queued (%s) to=%s\n", from, kind, to)
}

// SendAttempt logs that we have attempted to deliver an email.
func (l *Logger) SendAttempt(from, to string, err error) {
	if err == nil {
		l.printf("from=%s to=%s sent\n", from, to)
	} else {
		l.printf("from=%s to=%s failed: %v\n", from, to, err)
	}
}

// QueueLoop logs that a queue processing tick has completed.
func (l *Logger) QueueLoop(incoming, outgoing int) {
	l.printf("queue tick: %d incoming, %d outgoing pending\n", incoming, outgoing)
}

// Default logger, used in the following top-level functions.
var Default = New(ioutil.Discard)

// Listening logs that the daemon is listening on the given address.
func Listening(a string) {
	Default.Listening(a)
}

// Auth logs an authentication request.
func Auth(netAddr net.Addr, user string, successful bool) {
	Default.Auth(netAddr, user, successful)
}

// Rejected logs that we've rejected an email.
func Rejected(netAddr net.Addr, from string, to []string, err string) {
	Default.Rejected(netAddr, from, to, err)
}

// Queued logs that we have queued an email.
func Queued(from string, to string, local bool) {
	Default.Queued(from, to, local)
}

// SendAttempt logs that we have attempted to send an email.
func SendAttempt(from, to string, err error) {
	Default.SendAttempt(from, to, err)
}

// QueueLoop logs that we have completed a queue processing tick.
func QueueLoop(incoming, outgoing int) {
	Default.QueueLoop(incoming, outgoing)
}

// localServerLabel is the directory name used in place of a host, for
// deliveries that never left this server (local recipients).
const localServerLabel = "localServer"

// WriteDelivery writes the per-message log sink entry for a single accepted
// delivery, at logs/<host>/<user>/<timestamp>.txt. An empty host (what
// local deliveries pass) is written under localServerLabel; any other host
// is used as the directory name as given.
func WriteDelivery(baseDir, host, user string, msg *protocol.MailMessage) error {
	if host == "" {
		host = localServerLabel
	}

	dir := filepath.Join(baseDir, host, user)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	name := time.Now().Format("2006.01.02-15:04:05") + ".txt"
	path := filepath.Join(dir, name)

	return ioutil.WriteFile(path, []byte(canonicalString(msg)), 0644)
}

// canonicalString renders a MailMessage the way the per-message log sink
// records it: encrypted flag, from, to list, cc list, date, subject, body.
func canonicalString(msg *protocol.MailMessage) string {
	return fmt.Sprintf(
		"encrypted: %v\nfrom: %s\nto: %v\ncc: %v\ndate: %s\nsubject: %s\nbody:\n%s",
		msg.Encrypted, msg.Sender, msg.To, msg.Cc, msg.Date, msg.Subject, msg.Body)
}
