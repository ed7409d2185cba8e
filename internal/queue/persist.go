package queue

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"mailrelay/internal/protocol"
	"mailrelay/internal/safeio"
)

// persistVersion is the version byte prefixing every queue dump file, so
// a future format change can be detected instead of silently misparsed.
const persistVersion = 1

// On-disk format, one file per queue:
//
//	byte         version
//	uint32 BE    record count
//	record...
//
// An incoming record is:
//
//	writeUTF(username)
//	mailMessageRecord
//
// An outgoing record is:
//
//	writeUTF(smtpFrom)
//	uint32 BE    recipient count
//	writeUTF(recipient)...
//	mailMessageRecord
//
// mailMessageRecord is:
//
//	byte         encrypted (0 or 1)
//	writeUTF(sender)
//	uint32 BE    len(to); writeUTF(to[i])...
//	uint32 BE    len(cc); writeUTF(cc[i])...
//	writeUTF(date)
//	writeUTF(subject)
//	writeUTF(body)
//
// This mirrors the explicit record format the auth package's user
// database already uses (length-prefixed UTF-8 strings), rather than a
// reflective object serializer.

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

func writeMailMessage(w io.Writer, m *protocol.MailMessage) error {
	enc := byte(0)
	if m.Encrypted {
		enc = 1
	}
	if _, err := w.Write([]byte{enc}); err != nil {
		return err
	}
	if err := writeUTF(w, m.Sender); err != nil {
		return err
	}
	if err := writeStrings(w, m.To); err != nil {
		return err
	}
	if err := writeStrings(w, m.Cc); err != nil {
		return err
	}
	if err := writeUTF(w, m.Date); err != nil {
		return err
	}
	if err := writeUTF(w, m.Subject); err != nil {
		return err
	}
	return writeUTF(w, m.Body)
}

func readMailMessage(r io.Reader) (*protocol.MailMessage, error) {
	var encByte [1]byte
	if _, err := io.ReadFull(r, encByte[:]); err != nil {
		return nil, err
	}

	sender, err := readUTF(r)
	if err != nil {
		return nil, err
	}
	to, err := readStrings(r)
	if err != nil {
		return nil, err
	}
	cc, err := readStrings(r)
	if err != nil {
		return nil, err
	}
	date, err := readUTF(r)
	if err != nil {
		return nil, err
	}
	subject, err := readUTF(r)
	if err != nil {
		return nil, err
	}
	body, err := readUTF(r)
	if err != nil {
		return nil, err
	}

	return &protocol.MailMessage{
		Encrypted: encByte[0] == 1,
		Sender:    sender,
		To:        to,
		Cc:        cc,
		Date:      date,
		Subject:   subject,
		Body:      body,
	}, nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeUTF(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader) ([]string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		s, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// incomingFile and outgoingFile are the two dump file names, relative to
// a Queue's BaseDir.
const (
	incomingFile = "incoming.queue"
	outgoingFile = "outgoing.queue"
)

// Persist writes both queues to BaseDir, one file each, atomically. An
// empty queue still produces a (near-empty) file, which is harmless on
// restore.
func (q *Queue) Persist() error {
	q.mu.Lock()
	incoming := append([]IncomingEntry(nil), q.incoming...)
	outgoing := append([]OutgoingEntry(nil), q.outgoing...)
	q.mu.Unlock()

	if err := persistIncoming(q.BaseDir+"/"+incomingFile, incoming); err != nil {
		return fmt.Errorf("persisting incoming queue: %v", err)
	}
	if err := persistOutgoing(q.BaseDir+"/"+outgoingFile, outgoing); err != nil {
		return fmt.Errorf("persisting outgoing queue: %v", err)
	}
	return nil
}

// Restore reads both queue dump files back from BaseDir, if present, and
// re-enqueues their entries in the order they were written. A missing
// file is treated as an empty queue; a corrupt file is logged and
// treated as empty, rather than aborting startup.
func (q *Queue) Restore() {
	incoming, err := loadIncoming(q.BaseDir + "/" + incomingFile)
	if err != nil {
		q.ev.Errorf("corrupt incoming queue dump, starting empty: %v", err)
		incoming = nil
	}
	outgoing, err := loadOutgoing(q.BaseDir + "/" + outgoingFile)
	if err != nil {
		q.ev.Errorf("corrupt outgoing queue dump, starting empty: %v", err)
		outgoing = nil
	}

	q.mu.Lock()
	q.incoming = append(q.incoming, incoming...)
	q.outgoing = append(q.outgoing, outgoing...)
	q.mu.Unlock()
}

func persistIncoming(fname string, entries []IncomingEntry) error {
	buf := &bytes.Buffer{}
	buf.WriteByte(persistVersion)
	binary.Write(buf, binary.BigEndian, uint32(len(entries)))

	for _, e := range entries {
		if err := writeUTF(buf, e.Username); err != nil {
			return err
		}
		if err := writeMailMessage(buf, e.Message); err != nil {
			return err
		}
	}

	return safeio.WriteFile(fname, buf.Bytes(), 0600)
}

func loadIncoming(fname string) ([]IncomingEntry, error) {
	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	version, err := r.ReadByte()
	if err == io.EOF {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if version != persistVersion {
		return nil, fmt.Errorf("unsupported queue dump version %d", version)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	entries := make([]IncomingEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		username, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		msg, err := readMailMessage(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, IncomingEntry{Username: username, Message: msg})
	}
	return entries, nil
}

func persistOutgoing(fname string, entries []OutgoingEntry) error {
	buf := &bytes.Buffer{}
	buf.WriteByte(persistVersion)
	binary.Write(buf, binary.BigEndian, uint32(len(entries)))

	for _, e := range entries {
		if err := writeUTF(buf, e.Message.SMTPFrom); err != nil {
			return err
		}
		if err := writeStrings(buf, e.Message.SMTPRecipients); err != nil {
			return err
		}
		if err := writeMailMessage(buf, &e.Message.MailMessage); err != nil {
			return err
		}
	}

	return safeio.WriteFile(fname, buf.Bytes(), 0600)
}

func loadOutgoing(fname string) ([]OutgoingEntry, error) {
	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	version, err := r.ReadByte()
	if err == io.EOF {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if version != persistVersion {
		return nil, fmt.Errorf("unsupported queue dump version %d", version)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}

	entries := make([]OutgoingEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		from, err := readUTF(r)
		if err != nil {
			return nil, err
		}
		rcpts, err := readStrings(r)
		if err != nil {
			return nil, err
		}
		msg, err := readMailMessage(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, OutgoingEntry{Message: &protocol.SmtpMailMessage{
			MailMessage:    *msg,
			SMTPFrom:       from,
			SMTPRecipients: rcpts,
		}})
	}
	return entries, nil
}
