package session

import (
	"fmt"
	"strings"

	"mailrelay/internal/auth"
)

// ServerHandshake performs the server side of the connection handshake: a
// banner, a HELO exchange, then a LOGIN sub-handshake (plain username then
// password, never an RFC AUTH response). If allowAny is true, any
// credentials are accepted (used for the standalone relay identity shared
// between peers); otherwise the given store must validate them.
func ServerHandshake(hostname string, store *auth.Store, allowAny bool) func(*Session) error {
	return func(s *Session) error {
		s.Hostname = hostname

		if err := s.Transport.Send(fmt.Sprintf("220 %s ESMTP", hostname)); err != nil {
			return err
		}

		helo, err := s.Transport.ReadLine()
		if err != nil {
			return err
		}
		peer := strings.TrimSpace(strings.TrimPrefix(strings.ToUpper(helo), "HELO"))
		if peer == "" {
			peer = helo
		}
		if err := s.Transport.Send(fmt.Sprintf("250 Hello %s, I am glad to meet you", peer)); err != nil {
			return err
		}

		username, err := s.Transport.ReadLine()
		if err != nil {
			return err
		}
		password, err := s.Transport.ReadLine()
		if err != nil {
			return err
		}

		ok := allowAny || store.IsValidLogin(username, password)
		if !ok {
			s.Transport.Send("DECLINED")
			s.Transport.Close()
			return fmt.Errorf("login declined for %q", username)
		}

		if err := s.Transport.Send("ACCEPTED"); err != nil {
			return err
		}

		s.Username = username
		return nil
	}
}

// ClientHandshake performs the client side: read the banner, send HELO,
// then the LOGIN pair. The password is sent via SendSecret so it is
// redacted in any log callback.
func ClientHandshake(clientHost, username, password string) func(*Session) error {
	return func(s *Session) error {
		if _, err := s.Transport.ReadLine(); err != nil {
			return err
		}

		if err := s.Transport.Send(fmt.Sprintf("HELO %s", clientHost)); err != nil {
			return err
		}
		if _, err := s.Transport.ReadLine(); err != nil {
			return err
		}

		if err := s.Transport.Send(username); err != nil {
			return err
		}
		if err := s.Transport.SendSecret(password); err != nil {
			return err
		}

		resp, err := s.Transport.ReadLine()
		if err != nil {
			return err
		}
		if resp != "ACCEPTED" {
			return fmt.Errorf("login declined")
		}

		s.Username = username
		return nil
	}
}
