package digest

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/dhanikabulath/mailman3/internal/i18n"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/mbox"
	"github.com/dhanikabulath/mailman3/internal/message"
	"github.com/dhanikabulath/mailman3/internal/spool"
	"github.com/emersion/go-message/textproto"
)

// Per-message headers retained in a digest, in RFC 1153 order.
var keepHeaders = []string{
	"Date", "From", "To", "Cc", "Subject", "Message-ID", "Keywords",
	"In-Reply-To", "References", "Content-Type", "MIME-Version",
	"Content-Transfer-Encoding", "Precedence",
}

// scrubbed is one digest entry: the retained headers in canonical order
// plus the body.
type scrubbed struct {
	headers [][2]string
	body    []byte

	tocSubject string
	tocAuthor  string
}

// Assemble renders the accumulated messages into the MIME and RFC 1153
// digests, enqueues them to the virgin queue with the recipient
// partition, and advances the list's issue counters.
//
// Counters are mutated only after both enqueues succeeded, so a failed
// assembly can be retried without skipping issue numbers.
func Assemble(l *list.List, msgs []mbox.Message, now time.Time, virgin *spool.Switchboard) error {
	volume, issue := bumpVolume(l, now)
	p := i18n.Printer(l.Language)
	digestID := p.Sprintf("%s Digest, Vol %d, Issue %d", l.RealName, volume, issue)

	entries := make([]scrubbed, 0, len(msgs))
	for i, m := range msgs {
		e, err := scrubMessage(m, i+1, l.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("digest: message %d: %w", i+1, err)
		}
		entries = append(entries, e)
	}

	masthead := renderMasthead(l, p)
	toc := renderToc(entries, p)

	mimeDigest, err := renderMime(l, p, digestID, masthead, toc, now, entries)
	if err != nil {
		return err
	}
	flatDigest, err := renderFlat(l, p, digestID, masthead, toc, now, entries)
	if err != nil {
		return err
	}

	mimeRcpts, plainRcpts := l.DigestRecipients()

	if len(mimeRcpts) > 0 {
		meta := &spool.Meta{
			ListName:   l.Name,
			EnvSender:  l.BouncesAddress(),
			Recipients: mimeRcpts,
			IsDigest:   true,
		}
		if _, err := virgin.Enqueue(mimeDigest, meta); err != nil {
			return err
		}
	}
	if len(plainRcpts) > 0 {
		meta := &spool.Meta{
			ListName:   l.Name,
			EnvSender:  l.BouncesAddress(),
			Recipients: plainRcpts,
			IsDigest:   true,
		}
		if _, err := virgin.Enqueue(flatDigest, meta); err != nil {
			return err
		}
	}

	// The partition has been fixed in the queued metadata; members owed
	// one last digest have now received it.
	l.ClearOneLastDigest()
	l.Volume = volume
	l.NextDigestNumber = issue + 1
	l.DigestLastSentAt = now
	return nil
}

// scrubMessage reduces a message to the digest header allow-list, in
// order, with the synthesized Message: index first.
func scrubMessage(m mbox.Message, index int, prefix string) (scrubbed, error) {
	msg, err := message.Parse(m.Body)
	if err != nil {
		return scrubbed{}, err
	}

	e := scrubbed{
		headers:    [][2]string{{"Message", fmt.Sprintf("%d", index)}},
		body:       msg.Body,
		tocSubject: message.StripPrefixedSubject(msg.Subject(), prefix),
		tocAuthor:  msg.FromDisplay(),
	}
	for _, key := range keepHeaders {
		if v := msg.Header.Get(key); v != "" {
			e.headers = append(e.headers, [2]string{key, v})
		}
	}
	return e, nil
}

func renderMasthead(l *list.List, p printer) string {
	var b strings.Builder
	b.WriteString(p.Sprintf("Send %s mailing list submissions to %s",
		l.RealName, l.PostAddress()))
	b.WriteString("\n\n")
	b.WriteString(p.Sprintf("To subscribe or unsubscribe via email, send a message with subject or body 'help' to %s",
		l.RequestAddress()))
	b.WriteString("\n\n")
	b.WriteString(p.Sprintf("You can reach the person managing the list at %s",
		l.OwnerAddress()))
	b.WriteString("\n\n")
	b.WriteString(`When replying, please edit your Subject line so it is more specific than "Re: Contents of ` + l.RealName + ` digest..."`)
	b.WriteString("\n")
	return b.String()
}

func renderToc(entries []scrubbed, p printer) string {
	var b strings.Builder
	b.WriteString(p.Sprintf("Today's Topics:"))
	b.WriteString("\n\n")
	for i, e := range entries {
		author := e.tocAuthor
		if author == "" {
			author = "unknown"
		}
		line := fmt.Sprintf("%4d. %s (%s)", i+1, e.tocSubject, author)
		for _, wrapped := range wrapLine(line, 70, 5) {
			b.WriteString(wrapped)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// wrapLine breaks s at word boundaries to fit width columns, indenting
// continuation lines by hang spaces.
func wrapLine(s string, width, hang int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return []string{""}
	}

	indent := strings.Repeat(" ", hang)
	var lines []string
	cur := words[0]
	for _, w := range words[1:] {
		if len(cur)+1+len(w) > width {
			lines = append(lines, cur)
			cur = indent + w
			continue
		}
		cur += " " + w
	}
	return append(lines, cur)
}

// renderMime builds the multipart/mixed digest: masthead, optional
// header, table of contents, an inner multipart/digest carrying the
// scrubbed messages, optional footer, and the closing epilogue.
func renderMime(l *list.List, p printer, digestID, masthead, toc string, now time.Time, entries []scrubbed) ([]byte, error) {
	// Inner multipart/digest is rendered first so its boundary is known
	// when the enclosing part header is written.
	var inner bytes.Buffer
	iw := textproto.NewMultipartWriter(&inner)
	for _, e := range entries {
		var ph textproto.Header
		ph.Set("Content-Type", "message/rfc822")
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
		if _, err := pw.Write(renderEntryWire(e)); err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
	}
	innerBoundary := iw.Boundary()
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	var buf bytes.Buffer
	mw := textproto.NewMultipartWriter(&buf)

	var h textproto.Header
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary()))
	h.Set("Reply-To", l.PostAddress())
	h.Set("Date", now.UTC().Format(time.RFC1123Z))
	h.Set("Subject", digestID)
	h.Set("To", l.PostAddress())
	h.Set("From", l.RequestAddress())
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	textPart := func(description, body string) error {
		var ph textproto.Header
		ph.Set("Content-Type", `text/plain; charset="utf-8"`)
		ph.Set("Content-Description", description)
		pw, err := mw.CreatePart(ph)
		if err != nil {
			return err
		}
		_, err = pw.Write([]byte(body))
		return err
	}

	if err := textPart(digestID, masthead); err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	if hdr := l.DigestHeader; hdr != "" {
		if err := textPart("Digest Header", hdr); err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
	}
	if err := textPart(p.Sprintf("Today's Topics (%d messages)", len(entries)), toc); err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	var dh textproto.Header
	dh.Set("Content-Type", fmt.Sprintf("multipart/digest; boundary=%q", innerBoundary))
	dw, err := mw.CreatePart(dh)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	if _, err := dw.Write(inner.Bytes()); err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	if ftr := l.DigestFooter; ftr != "" {
		if err := textPart("Digest Footer", ftr); err != nil {
			return nil, fmt.Errorf("digest: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	// Epilogue after the closing boundary.
	fmt.Fprintf(&buf, "\r\n%s\r\n", p.Sprintf("End of %s", digestID))

	return buf.Bytes(), nil
}

// renderFlat builds the RFC 1153 plain text digest.
func renderFlat(l *list.List, p printer, digestID, masthead, toc string, now time.Time, entries []scrubbed) ([]byte, error) {
	var b bytes.Buffer

	var h textproto.Header
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", `text/plain; charset="utf-8"`)
	h.Set("Reply-To", l.PostAddress())
	h.Set("Date", now.UTC().Format(time.RFC1123Z))
	h.Set("Subject", digestID)
	h.Set("To", l.PostAddress())
	h.Set("From", l.RequestAddress())
	if err := textproto.WriteHeader(&b, h); err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}

	b.WriteString(masthead)
	b.WriteString("\n")
	if hdr := l.DigestHeader; hdr != "" {
		b.WriteString(hdr)
		if !strings.HasSuffix(hdr, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("\n")
	}
	b.WriteString(toc)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("-", 70))
	b.WriteString("\n\n")

	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
			b.WriteString(strings.Repeat("-", 30))
			b.WriteString("\n\n")
		}
		for _, kv := range e.headers {
			fmt.Fprintf(&b, "%s: %s\n", kv[0], kv[1])
		}
		b.WriteString("\n")
		b.Write(e.body)
		if !bytes.HasSuffix(e.body, []byte("\n")) {
			b.WriteByte('\n')
		}
	}

	// Trailer: footer is intentionally allowed before the two-line
	// trailer even though RFC 1153 is stricter.
	if ftr := l.DigestFooter; ftr != "" {
		b.WriteString("\n")
		b.WriteString(ftr)
		if !strings.HasSuffix(ftr, "\n") {
			b.WriteByte('\n')
		}
	}
	trailer := p.Sprintf("End of %s", digestID)
	b.WriteString("\n")
	b.WriteString(trailer)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("*", len(trailer)))
	b.WriteString("\n")

	return b.Bytes(), nil
}

// renderEntryWire serializes a scrubbed entry to wire form for embedding
// as a message/rfc822 part.
func renderEntryWire(e scrubbed) []byte {
	var b bytes.Buffer
	for _, kv := range e.headers {
		fmt.Fprintf(&b, "%s: %s\r\n", kv[0], kv[1])
	}
	b.WriteString("\r\n")
	b.Write(e.body)
	return b.Bytes()
}

// printer is the subset of *message.Printer the renderers use; it keeps
// the i18n dependency mockable in tests.
type printer interface {
	Sprintf(key string, args ...interface{}) string
}
