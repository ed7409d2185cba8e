package protocol

import (
	"fmt"
	"strings"
)

// LineTransport is the minimal send/receive surface SendMail needs; it is
// satisfied by *transport.Transport, kept as a local interface here to
// avoid a dependency from protocol on transport.
type LineTransport interface {
	Send(line string) error
	ReadLine() (string, error)
}

// SendMail issues the client side of a mail submission over an
// already-connected, already-logged-in transport: MAIL FROM, one RCPT TO
// per recipient, DATA, the encoded body, and the "." sentinel, checking the
// expected response code at each step.
func SendMail(t LineTransport, msg *MailMessage, from string, recipients []string) error {
	if err := t.Send(fmt.Sprintf("MAIL FROM:<%s>", from)); err != nil {
		return err
	}
	if _, err := expectCode(t, "250"); err != nil {
		return fmt.Errorf("MAIL FROM rejected: %v", err)
	}

	for _, r := range recipients {
		if err := t.Send(fmt.Sprintf("RCPT TO:<%s>", r)); err != nil {
			return err
		}
		if _, err := expectCode(t, "250"); err != nil {
			return fmt.Errorf("RCPT TO %q rejected: %v", r, err)
		}
	}

	if err := t.Send("DATA"); err != nil {
		return err
	}
	if _, err := expectCode(t, "354"); err != nil {
		return fmt.Errorf("DATA rejected: %v", err)
	}

	for _, line := range Encode(msg) {
		if err := t.Send(line); err != nil {
			return err
		}
	}
	if err := t.Send("."); err != nil {
		return err
	}

	if _, err := expectCode(t, "250"); err != nil {
		return fmt.Errorf("message not accepted: %v", err)
	}

	return nil
}

func expectCode(t LineTransport, code string) (string, error) {
	line, err := t.ReadLine()
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(line, code) {
		return line, fmt.Errorf("unexpected response %q", line)
	}
	return line, nil
}
