package command

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/dhanikabulath/mailman3/internal/spool"
	"github.com/emersion/go-message/textproto"
)

// sendReply composes the command report and queues it for the sender with
// the original message attached. The reply travels with the list's
// bounces address as envelope sender so our own bounce runner sees
// failures.
func (p *Processor) sendReply(ctx *Ctx, original []byte) error {
	var report strings.Builder
	report.WriteString(ctx.Printer.Sprintf("The results of your email commands"))
	report.WriteString("\n\n- Results:\n")
	for _, line := range ctx.Res.Results {
		report.WriteString("    " + line + "\n")
	}
	if len(ctx.Res.Unprocessed) > 0 {
		report.WriteString("\n- Unprocessed:\n")
		for _, line := range ctx.Res.Unprocessed {
			report.WriteString("    " + line + "\n")
		}
	}
	if len(ctx.Res.Ignored) > 0 {
		report.WriteString("\n- Ignored:\n")
		for _, line := range ctx.Res.Ignored {
			report.WriteString("    " + line + "\n")
		}
	}
	report.WriteString("\n- Done.\n")

	var buf bytes.Buffer
	mw := textproto.NewMultipartWriter(&buf)

	var h textproto.Header
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary()))
	h.Set("Precedence", "bulk")
	h.Set("X-Ack", "no")
	h.Set("Date", time.Now().UTC().Format(time.RFC1123Z))
	h.Set("Subject", ctx.Printer.Sprintf("The results of your email commands"))
	h.Set("To", ctx.Sender)
	h.Set("From", ctx.List.BouncesAddress())
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return fmt.Errorf("command: reply: %w", err)
	}

	var th textproto.Header
	th.Set("Content-Type", `text/plain; charset="utf-8"`)
	tw, err := mw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("command: reply: %w", err)
	}
	if _, err := tw.Write([]byte(report.String())); err != nil {
		return fmt.Errorf("command: reply: %w", err)
	}

	var oh textproto.Header
	oh.Set("Content-Type", "message/rfc822")
	oh.Set("Content-Description", "Original message")
	ow, err := mw.CreatePart(oh)
	if err != nil {
		return fmt.Errorf("command: reply: %w", err)
	}
	if _, err := ow.Write(original); err != nil {
		return fmt.Errorf("command: reply: %w", err)
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("command: reply: %w", err)
	}

	meta := &spool.Meta{
		ListName:   ctx.List.Name,
		EnvSender:  ctx.List.BouncesAddress(),
		Recipients: []string{ctx.Sender},
	}
	if _, err := p.Virgin.Enqueue(buf.Bytes(), meta); err != nil {
		return err
	}
	return nil
}
