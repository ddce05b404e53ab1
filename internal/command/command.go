// Package command implements the mail command processor draining the cmd
// queue: mail sent to the -request, -join, -leave and -confirm addresses.
//
// Commands are read from the Subject line first and then from the body of
// the first text part, one verb per line, up to the configured line cap.
// The outcome of every line is reported back to the sender in a single
// reply with the original message attached.
package command

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/i18n"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/message"
	"github.com/dhanikabulath/mailman3/internal/pending"
	"github.com/dhanikabulath/mailman3/internal/spool"
)

// Results accumulates the report sections of one command message.
type Results struct {
	Results     []string
	Unprocessed []string
	Ignored     []string

	stopped bool
}

func (r *Results) Add(format string, args ...interface{}) {
	r.Results = append(r.Results, fmt.Sprintf(format, args...))
}

// Ctx is the environment one command message is processed in. The list is
// locked for the whole run.
type Ctx struct {
	List    *list.List
	Store   *list.Store
	Pending *pending.Store
	Cfg     *config.Config
	Log     log.Logger
	Virgin  *spool.Switchboard
	Printer i18n.P

	Msg    *message.Msg
	Sender string
	Res    *Results
	Now    time.Time
}

// Processor is the disposal logic of the command runner.
type Processor struct {
	Store  *list.Store
	Cfg    *config.Config
	Log    log.Logger
	Virgin *spool.Switchboard

	verpRe *regexp.Regexp

	lastEvict time.Time
}

func NewProcessor(store *list.Store, cfg *config.Config, virgin *spool.Switchboard, l log.Logger) (*Processor, error) {
	re, err := regexp.Compile(cfg.VERPConfirmRegexp)
	if err != nil {
		return nil, fmt.Errorf("command: verp regexp: %w", err)
	}
	return &Processor{
		Store:  store,
		Cfg:    cfg,
		Log:    l,
		Virgin: virgin,
		verpRe: re,
	}, nil
}

// Dispose implements runner.Handler.
func (p *Processor) Dispose(id string, raw []byte, meta *spool.Meta) error {
	msg, err := message.Parse(raw)
	if err != nil {
		return fmt.Errorf("command: entry %s: %w", id, err)
	}

	// Loop defence: bulk mail without an explicit ack request is almost
	// certainly another robot. Answering it would start a mail war.
	precedence := strings.ToLower(strings.TrimSpace(msg.Header.Get("Precedence")))
	xack := strings.ToLower(strings.TrimSpace(msg.Header.Get("X-Ack")))
	if (precedence == "bulk" || precedence == "junk" || precedence == "list") && xack != "yes" {
		p.Log.Msg("vette: discarding robot command mail",
			"list", meta.ListName, "precedence", precedence)
		return nil
	}

	if meta.ListName == "" {
		return fmt.Errorf("command: entry %s has no list name", id)
	}

	l, lk, err := p.Store.Lock(meta.ListName)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	sender := msg.SenderAddr(meta.EnvSender)
	if sender == "" {
		p.Log.Msg("vette: command mail without a sender", "list", l.Name)
		return nil
	}
	if !l.OkToAutorespond(sender, time.Now()) {
		p.Log.Msg("vette: autoresponse cap reached", "list", l.Name, "sender", sender)
		return p.Store.Save(l)
	}

	pstore, err := pending.Open(p.Store.PendingDBPath(l))
	if err != nil {
		return err
	}
	defer pstore.Close()

	ctx := &Ctx{
		List:    l,
		Store:   p.Store,
		Pending: pstore,
		Cfg:     p.Cfg,
		Log:     p.Log,
		Virgin:  p.Virgin,
		Printer: i18n.Printer(l.Language),
		Msg:     msg,
		Sender:  sender,
		Res:     &Results{},
		Now:     time.Now(),
	}

	p.run(ctx, meta)

	if err := p.sendReply(ctx, raw); err != nil {
		return err
	}
	return p.Store.Save(l)
}

// run feeds the command lines through the dispatcher.
func (p *Processor) run(ctx *Ctx, meta *spool.Meta) {
	// Sub-address shortcuts synthesize a single command and skip the
	// normal parse.
	switch {
	case meta.ToJoin:
		dispatch(ctx, "join", nil, false)
		return
	case meta.ToLeave:
		dispatch(ctx, "leave", nil, false)
		return
	case meta.ToConfirm:
		cookie := p.extractCookie(ctx.Msg.Header.Get("To"))
		if cookie == "" {
			ctx.Res.Unprocessed = append(ctx.Res.Unprocessed,
				"confirm: no confirmation string found in the To address")
			return
		}
		dispatch(ctx, "confirm", []string{cookie}, false)
		return
	}

	if subject := strings.TrimSpace(ctx.Msg.Subject()); subject != "" {
		fields := strings.Fields(subject)
		dispatch(ctx, strings.ToLower(fields[0]), fields[1:], true)
	}

	if ctx.Res.stopped {
		return
	}

	// Only the first text/plain part is scanned for commands: boundary
	// markers and part headers of a multipart message are not verbs.
	maxLines := p.Cfg.MailCommandsMaxLines
	processed := 0
	for _, line := range strings.Split(string(ctx.Msg.TextBody()), "\n") {
		line = strings.TrimRight(strings.TrimSpace(line), "\r")
		if line == "" {
			continue
		}

		if ctx.Res.stopped {
			ctx.Res.Unprocessed = append(ctx.Res.Unprocessed, line)
			continue
		}
		if processed >= maxLines {
			ctx.Res.Ignored = append(ctx.Res.Ignored, line)
			continue
		}
		processed++

		fields := strings.Fields(line)
		dispatch(ctx, strings.ToLower(fields[0]), fields[1:], false)
	}
}

// dispatch runs a single verb. On the Subject line an unknown verb gets a
// second chance with a leading Re: marker stripped, once.
func dispatch(ctx *Ctx, verb string, args []string, subjectLine bool) {
	cmd, ok := registry[verb]
	if !ok && subjectLine && strings.HasPrefix(verb, "re:") {
		rest := strings.TrimSpace(strings.TrimPrefix(verb, "re:"))
		if rest == "" && len(args) > 0 {
			rest, args = strings.ToLower(args[0]), args[1:]
		}
		cmd, ok = registry[rest]
		verb = rest
	}
	if !ok {
		line := verb
		if len(args) > 0 {
			line += " " + strings.Join(args, " ")
		}
		ctx.Res.Unprocessed = append(ctx.Res.Unprocessed, line)
		return
	}

	if cmd(ctx, args) {
		ctx.Res.stopped = true
	}
}

// extractCookie pulls the VERP confirmation cookie out of a To header.
func (p *Processor) extractCookie(to string) string {
	m := p.verpRe.FindStringSubmatch(strings.TrimSpace(to))
	if m == nil {
		return ""
	}
	for i, name := range p.verpRe.SubexpNames() {
		if name == "cookie" && i < len(m) {
			return m[i]
		}
	}
	return ""
}

// Periodic evicts expired confirmation tokens, at most once an hour.
func (p *Processor) Periodic() {
	if time.Since(p.lastEvict) < time.Hour {
		return
	}
	p.lastEvict = time.Now()

	names, err := p.Store.Names()
	if err != nil {
		p.Log.Error("pending eviction", err)
		return
	}
	for _, name := range names {
		l, err := p.Store.Load(name)
		if err != nil {
			continue
		}
		pstore, err := pending.Open(p.Store.PendingDBPath(l))
		if err != nil {
			continue
		}
		if n, err := pstore.Evict(); err == nil && n > 0 {
			p.Log.Msg("evicted expired tokens", "list", name, "count", n)
		}
		pstore.Close()
	}
}
