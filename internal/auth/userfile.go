package auth

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"mailrelay/internal/safeio"
)

// On-disk format: a sequence of records, one per user, read until EOF.
// Each record is:
//
//	writeUTF(username)     // 2-byte big-endian length prefix + UTF-8 bytes
//	writeUTF(hex password hash)
//	int32 big-endian salt length
//	raw salt bytes
//
// writeUTF mirrors java.io.DataOutputStream.writeUTF, which this format was
// ported from; it is not a general string encoding, just a length-prefixed
// byte run.

func writeUTF(w io.Writer, s string) error {
	b := []byte(s)
	if len(b) > 0xFFFF {
		return fmt.Errorf("string too long to encode: %d bytes", len(b))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readUTF(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Load reads a Store from the given file. If the file does not exist, an
// empty Store is returned with no error.
func Load(fname string) (*Store, error) {
	s := New()

	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return s, nil
	} else if err != nil {
		return s, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		username, err := readUTF(r)
		if err == io.EOF {
			break
		} else if err != nil {
			return s, fmt.Errorf("corrupt user database: %v", err)
		}

		hash, err := readUTF(r)
		if err != nil {
			return s, fmt.Errorf("corrupt user database: %v", err)
		}

		var saltLen int32
		if err := binary.Read(r, binary.BigEndian, &saltLen); err != nil {
			return s, fmt.Errorf("corrupt user database: %v", err)
		}

		salt := make([]byte, saltLen)
		if _, err := io.ReadFull(r, salt); err != nil {
			return s, fmt.Errorf("corrupt user database: %v", err)
		}

		s.users[username] = &User{
			Username:     username,
			Salt:         salt,
			PasswordHash: hash,
		}
	}

	return s, nil
}

// Save writes the Store to the given file, atomically.
func (s *Store) Save(fname string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := &bytes.Buffer{}
	for _, u := range s.users {
		if err := writeUTF(buf, u.Username); err != nil {
			return err
		}
		if err := writeUTF(buf, u.PasswordHash); err != nil {
			return err
		}
		if err := binary.Write(buf, binary.BigEndian, int32(len(u.Salt))); err != nil {
			return err
		}
		if _, err := buf.Write(u.Salt); err != nil {
			return err
		}
	}

	return safeio.WriteFile(fname, buf.Bytes(), 0600)
}
