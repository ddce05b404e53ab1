package message

import (
	"time"

	"github.com/emersion/go-message/textproto"
)

// NewNotification composes a fresh single-part text message as generated
// by the system itself (auto-replies, rejection notices, moderator
// alerts). The body is expected to be complete UTF-8 text; a trailing
// newline is the caller's concern.
func NewNotification(from, to, subject, body string) *Msg {
	var h textproto.Header
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", `text/plain; charset="utf-8"`)
	h.Set("Content-Transfer-Encoding", "8bit")
	h.Set("Date", time.Now().UTC().Format(time.RFC1123Z))
	h.Set("Subject", subject)
	h.Set("To", to)
	h.Set("From", from)
	h.Set("Precedence", "bulk")

	return &Msg{Header: h, Body: []byte(body)}
}
