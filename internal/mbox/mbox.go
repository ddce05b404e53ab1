// Package mbox reads and writes mboxrd-style mailbox files.
//
// The digest machinery appends every eligible post to a per-list mailbox
// and later replays it during assembly, so the format must round-trip
// exactly: body lines that could be mistaken for message separators are
// quoted with ">" on write and unquoted on read.
package mbox

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"
)

// Message is one entry of a mailbox file.
type Message struct {
	// EnvSender is taken from the "From " separator line. Empty senders
	// are stored as MAILER-DAEMON following mbox convention.
	EnvSender string
	Date      time.Time

	// Body holds the raw RFC 5322 message, headers included.
	Body []byte
}

// Append adds one message to the mailbox at path, creating it with mode
// 0660 if needed. The file is opened in append mode so concurrent writers
// holding the list lock interleave whole messages, never partial lines.
func Append(path, envSender string, stamp time.Time, msg []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o660)
	if err != nil {
		return fmt.Errorf("mbox: %w", err)
	}
	defer f.Close()

	if envSender == "" {
		envSender = "MAILER-DAEMON"
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "From %s %s\n", envSender, stamp.UTC().Format(time.ANSIC))

	sc := bufio.NewScanner(bytes.NewReader(msg))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if isFromLine(line) {
			w.WriteByte('>')
		}
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("mbox: %w", err)
	}

	// Blank separator line after every message.
	w.WriteByte('\n')

	if err := w.Flush(); err != nil {
		return fmt.Errorf("mbox: %w", err)
	}
	return f.Close()
}

// ReadAll parses the mailbox at path and returns its messages in file
// order. A missing file yields an empty slice.
func ReadAll(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mbox: %w", err)
	}
	defer f.Close()

	var (
		msgs []Message
		cur  *Message
		body bytes.Buffer
	)
	flush := func() {
		if cur == nil {
			return
		}
		// The separator blank line before the next "From " belongs to the
		// framing, not the message.
		b := body.Bytes()
		b = bytes.TrimSuffix(b, []byte("\n"))
		cur.Body = append([]byte(nil), b...)
		msgs = append(msgs, *cur)
		cur = nil
		body.Reset()
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "From ") {
			flush()
			sender, date := parseFromLine(line)
			cur = &Message{EnvSender: sender, Date: date}
			continue
		}
		if cur == nil {
			// Garbage before the first separator; skip it.
			continue
		}
		if quoted(line) {
			line = line[1:]
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("mbox: %w", err)
	}
	flush()

	return msgs, nil
}

// Size returns the current size of the mailbox in bytes, 0 for a missing
// file.
func Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return fi.Size(), nil
}

// isFromLine reports whether a body line needs quoting: "From " possibly
// behind an existing run of ">" quoting from a previous round-trip.
func isFromLine(line string) bool {
	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	return strings.HasPrefix(line[i:], "From ")
}

// quoted reports whether line carries one level of separator quoting.
func quoted(line string) bool {
	i := 0
	for i < len(line) && line[i] == '>' {
		i++
	}
	return i > 0 && strings.HasPrefix(line[i:], "From ")
}

func parseFromLine(line string) (sender string, date time.Time) {
	rest := strings.TrimPrefix(line, "From ")
	idx := strings.IndexByte(rest, ' ')
	if idx < 0 {
		return rest, time.Time{}
	}
	sender = rest[:idx]
	date, _ = time.Parse(time.ANSIC, strings.TrimSpace(rest[idx+1:]))
	return sender, date
}
