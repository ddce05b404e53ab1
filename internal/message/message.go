// Package message wraps a parsed RFC 5322 message for in-memory handler
// processing: a structured header plus the raw body bytes.
package message

import (
	"bufio"
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Msg is one message moving through a handler chain. Handlers mutate the
// header freely; the body is replaced wholesale when needed.
type Msg struct {
	Header textproto.Header
	Body   []byte
}

// Parse splits raw RFC 5322 bytes into header and body.
func Parse(raw []byte) (*Msg, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("message: malformed header: %w", err)
	}

	body := new(bytes.Buffer)
	if _, err := body.ReadFrom(br); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}

	return &Msg{Header: hdr, Body: body.Bytes()}, nil
}

// Bytes serializes the message back to wire form.
func (m *Msg) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.Header); err != nil {
		return nil, fmt.Errorf("message: %w", err)
	}
	buf.Write(m.Body)
	return buf.Bytes(), nil
}

// Subject returns the Subject header, unfolded.
func (m *Msg) Subject() string {
	return strings.Join(strings.Fields(m.Header.Get("Subject")), " ")
}

// SenderAddr determines the author address the way list policy expects:
// the Sender header wins over From, and the envelope sender (passed by
// the caller from queue metadata) is the last resort.
func (m *Msg) SenderAddr(envSender string) string {
	for _, key := range []string{"Sender", "From"} {
		v := m.Header.Get(key)
		if v == "" {
			continue
		}
		if addr, err := mail.ParseAddress(v); err == nil {
			return strings.ToLower(addr.Address)
		}
	}
	return strings.ToLower(envSender)
}

// FromDisplay returns a human-readable rendition of the From header for
// tables of contents: the display name when present, the bare address
// otherwise.
func (m *Msg) FromDisplay() string {
	v := m.Header.Get("From")
	if v == "" {
		return ""
	}
	addr, err := mail.ParseAddress(v)
	if err != nil {
		return strings.TrimSpace(v)
	}
	if addr.Name != "" {
		return addr.Name
	}
	return addr.Address
}

// AddressList parses a recipient-style header into bare lowercase
// addresses. Unparseable headers yield nil.
func (m *Msg) AddressList(key string) []string {
	v := m.Header.Get(key)
	if v == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(v)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

// ContentType returns the media type of the message without parameters,
// lowercased, defaulting to text/plain.
func (m *Msg) ContentType() string {
	v := m.Header.Get("Content-Type")
	if v == "" {
		return "text/plain"
	}
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// TextBody returns the body of the message's first text/plain part,
// walking into multipart containers depth-first. For flat messages that
// is the body itself when its type is text/plain. Nil means the message
// carries no plain text.
func (m *Msg) TextBody() []byte {
	ct := m.ContentType()
	switch {
	case ct == "text/plain":
		return m.Body

	case strings.HasPrefix(ct, "multipart/"):
		boundary := m.Boundary()
		if boundary == "" {
			return nil
		}
		chunks := strings.Split(string(m.Body), "--"+boundary)
		// chunks[0] is the preamble; the chunk after the closing
		// "--boundary--" marker is the epilogue.
		for _, chunk := range chunks[1:] {
			if strings.HasPrefix(chunk, "--") {
				break
			}
			// Drop the line break terminating the boundary line; the rest
			// is a header block plus body in its own right.
			chunk = strings.TrimPrefix(chunk, "\r")
			chunk = strings.TrimPrefix(chunk, "\n")
			part, err := Parse([]byte(chunk))
			if err != nil {
				continue
			}
			if body := part.TextBody(); body != nil {
				return body
			}
		}
	}
	return nil
}

// Boundary extracts the multipart boundary parameter, or "".
func (m *Msg) Boundary() string {
	v := m.Header.Get("Content-Type")
	for _, part := range strings.Split(v, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(strings.ToLower(part), "boundary=") {
			continue
		}
		b := part[len("boundary="):]
		b = strings.Trim(b, `"`)
		return b
	}
	return ""
}

// StripPrefixedSubject removes the list's subject prefix and any leading
// Re: markers for ToC display.
func StripPrefixedSubject(subject, prefix string) string {
	s := strings.TrimSpace(subject)
	for {
		switch {
		case prefix != "" && strings.HasPrefix(strings.ToLower(s), strings.ToLower(strings.TrimSpace(prefix))):
			s = strings.TrimSpace(s[len(strings.TrimSpace(prefix)):])
		case len(s) >= 3 && strings.EqualFold(s[:3], "re:"):
			s = strings.TrimSpace(s[3:])
		default:
			if s == "" {
				return "(no subject)"
			}
			return s
		}
	}
}
