// mailrelay-client is a minimal command-line driver for this relay's
// protocol: it logs in, optionally composes and submits one message, then
// stays connected printing whatever inbound deliveries arrive.
//
// It stands in for the GUI compose/inbox shell the full protocol is meant
// to sit behind; this binary exercises the same session/protocol calls a
// richer client would.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"mailrelay/internal/protocol"
	"mailrelay/internal/session"
	"mailrelay/internal/transport"
)

var (
	addr     = flag.String("addr", "localhost:2525", "server address")
	username = flag.String("user", "", "login username")
	password = flag.String("password", "", "login password (will prompt if missing)")
	host     = flag.String("client_host", "localhost", "HELO identity to present")

	to        = flag.String("to", "", "comma-separated recipients")
	cc        = flag.String("cc", "", "comma-separated cc recipients")
	subject   = flag.String("subject", "", "message subject")
	body      = flag.String("body", "", "message body; if empty, no message is sent")
	encrypted = flag.Bool("encrypted", false, "obscure the body with the substitution cipher")
)

// cliSink prints every event a session reports to stdout; this is the
// stand-in for a real inbox/compose GUI's Sink implementation.
type cliSink struct{}

func (cliSink) ShowDialog(text, title, severity string) {
	fmt.Printf("[%s] %s: %s\n", severity, title, text)
}

func (cliSink) Log(line string) {
	fmt.Println(line)
}

func (cliSink) OnMailReceived(msg *protocol.SmtpMailMessage) {
	fmt.Printf("\n--- new mail from %s ---\nsubject: %s\n%s\n", msg.Sender, msg.Subject, msg.Body)
}

func (cliSink) OnDisconnect() {
	fmt.Println("disconnected")
}

func (cliSink) OnUserDisconnect(username string) {
	fmt.Printf("%s disconnected\n", username)
}

func main() {
	flag.Parse()

	if *username == "" {
		fmt.Println("missing -user")
		os.Exit(1)
	}

	pw := *password
	if pw == "" {
		var err error
		pw, err = promptPassword()
		if err != nil {
			fmt.Printf("error reading password: %v\n", err)
			os.Exit(1)
		}
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Printf("error connecting to %s: %v\n", *addr, err)
		os.Exit(1)
	}

	t := transport.New(conn)
	t.Logf = func(direction, line string) { fmt.Println(direction, line) }

	sess := session.New(t, cliSink{})

	ready := make(chan struct{})
	handshake := session.ClientHandshake(*host, *username, pw)
	go sess.Run(handshake, func(s *session.Session) {
		fmt.Printf("logged in as %s\n", s.Username)
		close(ready)
	})

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
	}
	if sess.Username == "" {
		fmt.Println("login failed")
		os.Exit(1)
	}

	if *body != "" {
		msg := &protocol.MailMessage{
			Encrypted: *encrypted,
			Sender:    *username,
			To:        splitAddrs(*to),
			Cc:        splitAddrs(*cc),
			Date:      time.Now().Format(time.RFC1123),
			Subject:   *subject,
			Body:      *body,
		}
		env := protocol.ComposeEnvelope(*msg)

		done := make(chan error, 1)
		sess.Enqueue(func(s *session.Session) {
			done <- s.SendOutgoing(env.SMTPFrom, env.SMTPRecipients, msg)
		})
		if err := <-done; err != nil {
			fmt.Printf("error sending mail: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("mail sent")
	}

	fmt.Println("waiting for inbound mail, press Enter to quit")
	bufio.NewReader(os.Stdin).ReadString('\n')
	sess.Quit()
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func promptPassword() (string, error) {
	fmt.Print("Password: ")
	p, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	return string(p), err
}
