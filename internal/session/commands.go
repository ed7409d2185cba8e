package session

import (
	"strings"

	"mailrelay/internal/protocol"
)

// dispatch handles one inbound line: either the start of a mail transaction
// (MAIL FROM), a polite hangup (QUIT), or anything else (an unrecognized
// command gets a 500 and is otherwise ignored).
func (s *Session) dispatch(line string) {
	upper := strings.ToUpper(line)

	switch {
	case strings.HasPrefix(upper, "MAIL FROM"):
		s.handleMailFrom(line)
	case upper == "QUIT":
		s.Transport.Send("221 " + s.Hostname + " Service closing transmission channel")
		s.setConnected(false)
		if s.Sink != nil {
			s.Sink.OnUserDisconnect(s.Username)
		}
	default:
		s.Transport.Send("500 unrecognized command")
	}
}

// handleMailFrom drives a full transaction: the RCPT TO lines, DATA, and
// the body, replying at each step, then hands the parsed message to the
// sink.
func (s *Session) handleMailFrom(firstLine string) {
	from := firstAddress(firstLine)

	var rcpts []string
	for {
		line, err := s.Transport.ReadLine()
		if err != nil {
			s.abort()
			return
		}

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "RCPT TO"):
			rcpts = append(rcpts, firstAddress(line))
			s.Transport.Send("250 OK")

		case upper == "DATA":
			s.Transport.Send("354 End data with <CR><LF> .<CR><LF>")

			lines, err := protocol.ReadDataBody(s.Transport.ReadLine)
			if err != nil {
				s.abort()
				return
			}

			msg, err := protocol.DecodeBody(lines)
			if err != nil {
				s.Transport.Send("500 malformed message body")
				return
			}

			s.Transport.Send("250 OK")

			if s.Sink != nil {
				s.Sink.OnMailReceived(&protocol.SmtpMailMessage{
					MailMessage:    *msg,
					SMTPFrom:       from,
					SMTPRecipients: rcpts,
				})
			}
			return

		default:
			s.Transport.Send("500 unrecognized command")
		}
	}
}

// firstAddress extracts the single address out of a "MAIL FROM:<addr>" or
// "RCPT TO:<addr>" style line.
func firstAddress(line string) string {
	addrs := protocol.ExtractAddresses(line)
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// SendOutgoing sends msg to this session's peer as a full MAIL
// FROM/RCPT TO/DATA transaction, expecting the usual acknowledgements.
// It is meant to run inside a Task, i.e. on the session's own goroutine.
func (s *Session) SendOutgoing(from string, rcpts []string, msg *protocol.MailMessage) error {
	return protocol.SendMail(s.Transport, msg, from, rcpts)
}
