package pipeline

import (
	"fmt"
	"html"
	"os"
	"strings"

	"github.com/dhanikabulath/mailman3/internal/message"
	"github.com/dhanikabulath/mailman3/internal/spool"
)

// SizeFilter holds oversize posts and posts whose top-level content type
// is not deliverable to a list.
type SizeFilter struct{}

func (SizeFilter) Name() string { return "size-filter" }

func (SizeFilter) Handle(ctx *Context) (Outcome, error) {
	if max := ctx.List.MaxMessageSize; max > 0 {
		size := ctx.Meta.OriginalSize
		if size == 0 {
			size = int64(len(ctx.Msg.Body))
		}
		if size > int64(max)*1024 {
			return Hold(fmt.Sprintf("Message body is too big: %d bytes with a limit of %d KB",
				size, max)), nil
		}
	}

	switch ct := ctx.Msg.ContentType(); {
	case strings.HasPrefix(ct, "text/"),
		strings.HasPrefix(ct, "multipart/"),
		ct == "message/rfc822":
	default:
		return Hold("Message has a disallowed content type: " + ctx.Msg.ContentType()), nil
	}
	return Continue(), nil
}

// Approve lets a post carrying the moderator password in an Approved
// header bypass the moderation gate. The header itself is removed later
// by CleanseHeaders so the password never leaks to subscribers.
type Approve struct{}

func (Approve) Name() string { return "approve" }

func (Approve) Handle(ctx *Context) (Outcome, error) {
	pw := ctx.List.ModeratorPassword
	if pw == "" {
		return Continue(), nil
	}
	for _, key := range []string{"Approved", "Approve", "X-Approved"} {
		if v := strings.TrimSpace(ctx.Msg.Header.Get(key)); v != "" && v == pw {
			ctx.Approved = true
			break
		}
	}
	return Continue(), nil
}

// Replybot answers mail to the -request alias with an automatic response
// when the list asks for it, honoring the per-sender daily cap.
type Replybot struct{}

func (Replybot) Name() string { return "replybot" }

func (Replybot) Handle(ctx *Context) (Outcome, error) {
	if !ctx.Meta.ToRequest || !ctx.List.AutorespondRequests {
		return Continue(), nil
	}

	sender := ctx.Msg.SenderAddr(ctx.Meta.EnvSender)
	if sender == "" {
		return Discard("request mail without a sender"), nil
	}
	if !ctx.List.OkToAutorespond(sender, ctx.Now) {
		return Discard("autoresponse cap reached for " + sender), nil
	}

	reply := message.NewNotification(
		ctx.List.BouncesAddress(),
		sender,
		"Auto-response for your message to "+ctx.List.RequestAddress(),
		"Your message to "+ctx.List.RequestAddress()+" has been received\n"+
			"and will be processed. For help, send a message containing the\n"+
			"word 'help' to "+ctx.List.RequestAddress()+".\n")
	raw, err := reply.Bytes()
	if err != nil {
		return Continue(), err
	}
	if _, err := ctx.Virgin.Enqueue(raw, newVirginMeta(ctx, sender)); err != nil {
		return Continue(), err
	}
	return Stop(), nil
}

// Verbs that make a post look like a misdirected email command.
var adminVerbs = []string{
	"subscribe", "unsubscribe", "who", "info", "lists", "set",
	"help", "password", "options", "remove", "join", "leave", "confirm",
}

// Moderate is the posting gate: loop defence, member policy and the
// administrivia guard.
type Moderate struct{}

func (Moderate) Name() string { return "moderate" }

func (Moderate) Handle(ctx *Context) (Outcome, error) {
	// A post that already went through this list is a mail loop.
	fields := ctx.Msg.Header.FieldsByKey("X-BeenThere")
	for fields.Next() {
		if strings.EqualFold(strings.TrimSpace(fields.Value()), ctx.List.Name) {
			return Discard("loop detected via X-BeenThere"), nil
		}
	}

	if ctx.Approved {
		return Continue(), nil
	}

	if ctx.List.Administrivia && looksLikeAdministrivia(ctx.Msg) {
		return Hold("Message may contain administrivia"), nil
	}

	sender := ctx.Msg.SenderAddr(ctx.Meta.EnvSender)
	member := ctx.List.Member(sender)
	if member == nil {
		return Hold("Post by non-member " + sender), nil
	}
	if member.Moderated {
		return Hold("Post by moderated member " + sender), nil
	}
	return Continue(), nil
}

// looksLikeAdministrivia checks the subject and the first few body lines
// for lone command verbs, the classic signature of a subscribe request
// sent to the posting address.
func looksLikeAdministrivia(msg *message.Msg) bool {
	check := func(line string) bool {
		fields := strings.Fields(line)
		if len(fields) == 0 || len(fields) > 3 {
			return false
		}
		verb := strings.ToLower(fields[0])
		for _, v := range adminVerbs {
			if verb == v {
				return true
			}
		}
		return false
	}

	if check(msg.Subject()) {
		return true
	}

	lines := strings.Split(string(msg.Body), "\n")
	seen := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if check(line) {
			return true
		}
		seen++
		if seen >= 5 {
			break
		}
	}
	return false
}

// CookHeaders rewrites the header block the way subscribers should see
// it: RFC 2369 List-* headers, reply redirection and the subject prefix.
type CookHeaders struct{}

func (CookHeaders) Name() string { return "cook-headers" }

func (CookHeaders) Handle(ctx *Context) (Outcome, error) {
	l := ctx.List
	h := &ctx.Msg.Header

	listID := fmt.Sprintf("%s <%s.%s>", l.Description, l.LocalPart(), l.Domain())
	if l.Description == "" {
		listID = fmt.Sprintf("<%s.%s>", l.LocalPart(), l.Domain())
	}
	h.Set("List-Id", listID)
	h.Set("List-Post", "<mailto:"+l.PostAddress()+">")
	h.Set("List-Help", "<mailto:"+l.RequestAddress()+"?subject=help>")
	h.Set("List-Subscribe", "<mailto:"+l.SubAddress("join")+">")
	h.Set("List-Unsubscribe", "<mailto:"+l.SubAddress("leave")+">")
	h.Add("X-BeenThere", l.Name)

	if !h.Has("Precedence") {
		h.Set("Precedence", "list")
	}
	if l.ReplyGoesToList {
		h.Set("Reply-To", l.PostAddress())
	}

	if prefix := strings.TrimSpace(l.SubjectPrefix); prefix != "" {
		subject := ctx.Msg.Subject()
		if !strings.Contains(strings.ToLower(subject), strings.ToLower(prefix)) {
			if subject == "" {
				h.Set("Subject", prefix+" (no subject)")
			} else if len(subject) >= 3 && strings.EqualFold(subject[:3], "re:") {
				// Keep the reply marker in front of the prefix.
				h.Set("Subject", "Re: "+prefix+" "+strings.TrimSpace(subject[3:]))
			} else {
				h.Set("Subject", prefix+" "+subject)
			}
		}
	}
	return Continue(), nil
}

// CleanseHeaders strips headers that must not reach subscribers.
// Message-ID is deliberately untouched.
type CleanseHeaders struct{}

func (CleanseHeaders) Name() string { return "cleanse-headers" }

func (CleanseHeaders) Handle(ctx *Context) (Outcome, error) {
	for _, key := range []string{
		"Approved", "Approve", "X-Approved",
		"Urgent",
		"Return-Receipt-To",
		"Disposition-Notification-To",
		"X-Confirm-Reading-To",
		"X-PMRQC",
	} {
		ctx.Msg.Header.Del(key)
	}
	return Continue(), nil
}

// MimeScrub converts single-part HTML posts to plain text when the list
// filters HTML. Multipart rewriting is out of scope; such posts pass
// through unchanged.
type MimeScrub struct{}

func (MimeScrub) Name() string { return "mime-scrub" }

func (MimeScrub) Handle(ctx *Context) (Outcome, error) {
	if !ctx.List.FilterHTML || ctx.Msg.ContentType() != "text/html" {
		return Continue(), nil
	}

	ctx.Msg.Body = []byte(stripTags(string(ctx.Msg.Body)))
	ctx.Msg.Header.Set("Content-Type", `text/plain; charset="utf-8"`)
	ctx.Msg.Header.Del("Content-Transfer-Encoding")
	return Continue(), nil
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(b.String())
}

// Decorate renders the list's header and footer templates around plain
// text bodies. Non-text posts are left alone rather than risk corrupting
// a MIME structure.
type Decorate struct{}

func (Decorate) Name() string { return "decorate" }

func (Decorate) Handle(ctx *Context) (Outcome, error) {
	l := ctx.List
	if l.DigestHeader == "" && l.DigestFooter == "" {
		return Continue(), nil
	}
	if ctx.Msg.ContentType() != "text/plain" {
		return Continue(), nil
	}

	var b strings.Builder
	if hdr := ExpandTemplate(l.DigestHeader, l); hdr != "" {
		b.WriteString(hdr)
		if !strings.HasSuffix(hdr, "\n") {
			b.WriteByte('\n')
		}
	}
	b.Write(ctx.Msg.Body)
	if ftr := ExpandTemplate(l.DigestFooter, l); ftr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(ftr)
		if !strings.HasSuffix(ftr, "\n") {
			b.WriteByte('\n')
		}
	}
	ctx.Msg.Body = []byte(b.String())
	return Continue(), nil
}

// ExpandTemplate substitutes ${...} placeholders in list-supplied
// template text. Unknown placeholders expand to the empty string.
func ExpandTemplate(tmpl string, l interface {
	LocalPart() string
	Domain() string
	PostAddress() string
	RequestAddress() string
}) string {
	if tmpl == "" {
		return ""
	}
	return os.Expand(tmpl, func(key string) string {
		switch key {
		case "list_name":
			return l.LocalPart()
		case "host_name":
			return l.Domain()
		case "list_address":
			return l.PostAddress()
		case "request_address":
			return l.RequestAddress()
		}
		return ""
	})
}

// ToOutgoing fans the accepted post out to the regular (non-digest)
// membership via the outgoing queue.
type ToOutgoing struct{}

func (ToOutgoing) Name() string { return "to-outgoing" }

func (ToOutgoing) Handle(ctx *Context) (Outcome, error) {
	recips := ctx.List.RegularRecipients()
	if len(recips) == 0 {
		return Continue(), nil
	}

	raw, err := ctx.Msg.Bytes()
	if err != nil {
		return Continue(), err
	}
	meta := &spool.Meta{
		ListName:   ctx.List.Name,
		EnvSender:  ctx.List.BouncesAddress(),
		Recipients: recips,
	}
	if _, err := ctx.Out.Enqueue(raw, meta); err != nil {
		return Continue(), err
	}
	return Continue(), nil
}

// ToArchive stores a copy of the cooked post for the archiver.
type ToArchive struct{}

func (ToArchive) Name() string { return "to-archive" }

func (ToArchive) Handle(ctx *Context) (Outcome, error) {
	if ctx.Archive == nil {
		return Continue(), nil
	}
	raw, err := ctx.Msg.Bytes()
	if err != nil {
		return Continue(), err
	}
	if _, err := ctx.Archive.Enqueue(raw, &spool.Meta{ListName: ctx.List.Name}); err != nil {
		return Continue(), err
	}
	return Continue(), nil
}

func newVirginMeta(ctx *Context, recipient string) *spool.Meta {
	return &spool.Meta{
		ListName:   ctx.List.Name,
		EnvSender:  ctx.List.BouncesAddress(),
		Recipients: []string{recipient},
	}
}
