// Package protocol implements the wire codec for this relay's line-oriented,
// SMTP-flavored protocol: framing, the MAIL FROM/RCPT TO/DATA envelope
// sequence, the fixed-shift letter substitution used to obfuscate bodies,
// and address extraction from the From:/To:/Cc: header lines embedded in a
// message body.
//
// This is deliberately not RFC 5321: it borrows response codes and command
// names, but defines its own framing (a single leading line marking
// encryption, a `.`-terminated body with no dot-stuffing) and its own LOGIN
// sub-handshake in place of AUTH. A body line that is exactly "." cannot be
// transmitted losslessly; this is a known, documented limitation, not a bug.
package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// Encryption markers. Exactly one of these is always the first line of a
// message body on the wire.
const (
	EncryptedMarker    = "_ENCRYPTED_"
	NotEncryptedMarker = "NOT-ENCRYPTED"
)

// Shift is the fixed rotation amount used by the obfuscation cipher.
const Shift = 13

// addrRE extracts bare addresses out of a From:/To:/Cc: header line.
var addrRE = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+`)

// MailMessage is the display-level representation of a single message: the
// fields a compose/inbox UI would show, independent of how it travelled on
// the wire.
type MailMessage struct {
	Encrypted bool
	Sender    string
	To        []string
	Cc        []string
	Date      string
	Subject   string
	Body      string
}

// Clone returns a deep copy, so a caller can hand out a MailMessage without
// worrying about later mutation by its recipient.
func (m MailMessage) Clone() MailMessage {
	c := m
	c.To = append([]string(nil), m.To...)
	c.Cc = append([]string(nil), m.Cc...)
	return c
}

// SmtpMailMessage augments a MailMessage with the envelope-level addressing
// actually used for the MAIL FROM/RCPT TO exchange, which need not equal the
// header-level From/To/Cc (e.g. bcc, or aliasing).
type SmtpMailMessage struct {
	MailMessage

	SMTPFrom       string
	SMTPRecipients []string
}

// ComposeEnvelope builds the SmtpMailMessage used to submit msg: the
// envelope sender is the header From, and the envelope recipients are the
// concatenation of To and Cc, in order.
func ComposeEnvelope(msg MailMessage) *SmtpMailMessage {
	rcpts := make([]string, 0, len(msg.To)+len(msg.Cc))
	rcpts = append(rcpts, msg.To...)
	rcpts = append(rcpts, msg.Cc...)

	return &SmtpMailMessage{
		MailMessage:    msg.Clone(),
		SMTPFrom:       msg.Sender,
		SMTPRecipients: rcpts,
	}
}

// Substitute applies the fixed-shift letter rotation to s: every ASCII
// letter is rotated by shift positions within its case's alphabet; every
// other byte (digits, punctuation, the @ and . in addresses) passes through
// unchanged. Substitute is applied a second time with shift = 26-shift to
// reverse it, since rotation by 13 is its own inverse.
func Substitute(s string, shift int) string {
	shift = ((shift % 26) + 26) % 26
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+rune(shift))%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+rune(shift))%26
		default:
			return r
		}
	}, s)
}

// SubstituteLines applies Substitute to every line independently.
func SubstituteLines(lines []string, shift int) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = Substitute(l, shift)
	}
	return out
}

// ExtractAddresses returns all non-overlapping addr-spec matches in line, in
// order of appearance.
func ExtractAddresses(line string) []string {
	return addrRE.FindAllString(line, -1)
}

// Encode serializes msg into the wire lines sent as a DATA body: a leading
// encryption marker, five header lines (From/To/Cc/Date/Subject), a blank
// separator, and the body lines. If msg.Encrypted, every line but the
// marker is substituted before being returned. The caller is responsible
// for CRLF-terminating and sending each line, and for the final "."
// sentinel.
func Encode(msg *MailMessage) []string {
	marker := NotEncryptedMarker
	if msg.Encrypted {
		marker = EncryptedMarker
	}

	lines := []string{marker}
	lines = append(lines,
		"From: "+msg.Sender,
		"To: "+strings.Join(msg.To, ", "),
		"Cc: "+strings.Join(msg.Cc, ", "),
		"Date: "+msg.Date,
		"Subject: "+msg.Subject,
		"",
	)
	lines = append(lines, strings.Split(msg.Body, "\n")...)

	if msg.Encrypted {
		for i := 1; i < len(lines); i++ {
			lines[i] = Substitute(lines[i], Shift)
		}
	}

	return lines
}

// minBodyLines is the number of content lines a body must have after the
// marker: the five header lines plus the blank separator.
const minBodyLines = 6

// DecodeBody parses the raw content lines of a DATA body (as read up to,
// but not including, the "." sentinel) into a MailMessage. rawLines[0] must
// be the encryption marker; if it is EncryptedMarker, the remaining lines
// are reverse-substituted before parsing, so the returned MailMessage
// always holds plaintext.
//
// Per this protocol's framing, the display Body is the full content
// following the marker line - the header block and blank separator
// included - joined with "\n", not just the text after the blank line; the
// Sender/To/Cc/Date/Subject fields are separately extracted from the header
// lines for convenience.
func DecodeBody(rawLines []string) (*MailMessage, error) {
	if len(rawLines) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	encrypted := rawLines[0] == EncryptedMarker
	content := rawLines[1:]
	if encrypted {
		content = SubstituteLines(content, 26-Shift)
	}

	if len(content) < minBodyLines {
		return nil, fmt.Errorf("malformed body: missing header block")
	}

	fromLine, toLine, ccLine := content[0], content[1], content[2]
	dateLine, subjLine := content[3], content[4]

	sender := ""
	if m := ExtractAddresses(fromLine); len(m) > 0 {
		sender = m[0]
	}

	body := strings.Join(content, "\n") + "\n"

	return &MailMessage{
		Encrypted: encrypted,
		Sender:    sender,
		To:        ExtractAddresses(toLine),
		Cc:        ExtractAddresses(ccLine),
		Date:      strings.TrimPrefix(dateLine, "Date: "),
		Subject:   strings.TrimPrefix(subjLine, "Subject: "),
		Body:      body,
	}, nil
}

// ReadDataBody reads lines (via readLine, typically transport.ReadLine)
// until it sees the "." sentinel, and returns the accumulated lines
// (not including the sentinel itself).
func ReadDataBody(readLine func() (string, error)) ([]string, error) {
	var lines []string
	for {
		line, err := readLine()
		if err != nil {
			return nil, err
		}
		if line == "." {
			return lines, nil
		}
		lines = append(lines, line)
	}
}
