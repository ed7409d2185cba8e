// Package dispatch implements the server-side mail sink: on each message
// accepted by a session, classify every recipient as local or remote
// against the local-hostnames set, and push the message into the
// appropriate queue.
package dispatch

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"mailrelay/internal/envelope"
	"mailrelay/internal/maillog"
	"mailrelay/internal/protocol"
	"mailrelay/internal/set"
)

// Queue is the subset of *queue.Queue the dispatcher needs; kept as an
// interface so it can be faked in tests without importing the queue
// package.
type Queue interface {
	EnqueueIncoming(username string, msg *protocol.MailMessage)
	EnqueueOutgoing(msg *protocol.SmtpMailMessage)
}

// Dispatcher classifies the recipients of an accepted message and routes
// them into the incoming (local) or outgoing (remote) queue.
type Dispatcher struct {
	LocalHosts *set.String
	Q          Queue
	RemoteAddr net.Addr
}

// New creates a Dispatcher that treats hosts in localHosts as local.
func New(localHosts *set.String, q Queue) *Dispatcher {
	return &Dispatcher{LocalHosts: localHosts, Q: q}
}

// canonicalHost ASCII-normalizes a hostname via IDNA, so that case or
// Unicode variants of a local hostname still match the local-hostnames
// set. On any conversion error the original host is returned unchanged,
// so a merely odd-looking host doesn't become unroutable.
func canonicalHost(host string) string {
	ascii, err := idna.ToASCII(strings.ToLower(host))
	if err != nil {
		return strings.ToLower(host)
	}
	return ascii
}

// split divides addr into user and host on the first "@", returning ok =
// false unless both halves are non-empty.
func split(addr string) (user, host string, ok bool) {
	user, host = envelope.Split(addr)
	return user, host, user != "" && host != ""
}

// isLocal reports whether host names this server.
func (d *Dispatcher) isLocal(host string) bool {
	return d.LocalHosts.Has(canonicalHost(host))
}

// Dispatch classifies every envelope recipient of msg and enqueues it
// accordingly. Empty recipients are skipped silently; a non-empty recipient
// whose split into user@host doesn't yield two non-empty parts is logged as
// malformed and skipped. The remaining well-formed recipients on the same
// message are still processed.
func (d *Dispatcher) Dispatch(msg *protocol.SmtpMailMessage) {
	var remote []string

	for _, rcpt := range msg.SMTPRecipients {
		if rcpt == "" {
			continue
		}

		user, host, ok := split(rcpt)
		if !ok {
			maillog.Rejected(d.RemoteAddr, msg.SMTPFrom, []string{rcpt},
				fmt.Sprintf("malformed recipient %q", rcpt))
			continue
		}

		if d.isLocal(host) {
			maillog.Queued(msg.SMTPFrom, rcpt, true)
			d.Q.EnqueueIncoming(user, &msg.MailMessage)
		} else {
			remote = append(remote, rcpt)
		}
	}

	if len(remote) > 0 {
		maillog.Queued(msg.SMTPFrom, fmt.Sprintf("%v", remote), false)
		out := *msg
		out.SMTPRecipients = remote
		d.Q.EnqueueOutgoing(&out)
	}
}
