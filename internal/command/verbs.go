package command

import (
	"sort"
	"strings"

	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/message"
	"github.com/dhanikabulath/mailman3/internal/pending"
	"github.com/dhanikabulath/mailman3/internal/spool"
)

// Cmd executes one verb. Returning true stops processing of further
// lines.
type Cmd func(ctx *Ctx, args []string) (stop bool)

// registry is the static verb table. Verbs register here at init time;
// there is no per-message lookup cost or dynamic loading.
var registry = map[string]Cmd{}

func register(cmd Cmd, names ...string) {
	for _, name := range names {
		registry[name] = cmd
	}
}

func init() {
	register(cmdHelp, "help")
	register(cmdInfo, "info")
	register(cmdLists, "lists")
	register(cmdWho, "who")
	register(cmdSubscribe, "subscribe", "join")
	register(cmdUnsubscribe, "unsubscribe", "leave", "remove")
	register(cmdConfirm, "confirm")
	register(cmdSet, "set")
	register(cmdOptions, "options")
	register(cmdPassword, "password")
	register(cmdEnd, "end", "stop")
}

func cmdEnd(ctx *Ctx, args []string) bool {
	return true
}

func cmdHelp(ctx *Ctx, args []string) bool {
	verbs := make([]string, 0, len(registry))
	for name := range registry {
		verbs = append(verbs, name)
	}
	sort.Strings(verbs)

	ctx.Res.Add("Help for the %s mailing list:", ctx.List.Name)
	ctx.Res.Add("Commands may appear in the Subject or one per body line.")
	ctx.Res.Add("Available commands: %s", strings.Join(verbs, ", "))
	ctx.Res.Add("Send questions to %s", ctx.List.OwnerAddress())
	return false
}

func cmdInfo(ctx *Ctx, args []string) bool {
	ctx.Res.Add("List: %s", ctx.List.Name)
	if ctx.List.Description != "" {
		ctx.Res.Add("Description: %s", ctx.List.Description)
	}
	ctx.Res.Add("Posting address: %s", ctx.List.PostAddress())
	ctx.Res.Add("Requests: %s", ctx.List.RequestAddress())
	ctx.Res.Add("Owner: %s", ctx.List.OwnerAddress())
	return false
}

func cmdLists(ctx *Ctx, args []string) bool {
	names, err := ctx.Store.Names()
	if err != nil {
		ctx.Res.Add("lists: temporarily unavailable")
		return false
	}
	ctx.Res.Add("Public mailing lists on this server:")
	for _, name := range names {
		ctx.Res.Add("  %s", name)
	}
	return false
}

func cmdWho(ctx *Ctx, args []string) bool {
	if !ctx.List.IsMember(ctx.Sender) {
		ctx.Res.Add("who: the roster is only available to members")
		return false
	}

	var addrs []string
	for _, m := range ctx.List.Members {
		addrs = append(addrs, m.Address)
	}
	sort.Strings(addrs)

	ctx.Res.Add("Members of %s (%d):", ctx.List.Name, len(addrs))
	for _, a := range addrs {
		ctx.Res.Add("  %s", a)
	}
	return false
}

func cmdSubscribe(ctx *Ctx, args []string) bool {
	addr := ctx.Sender
	if len(args) > 0 && strings.ContainsRune(args[0], '@') {
		addr = strings.ToLower(args[0])
	}

	if ctx.List.IsMember(addr) {
		ctx.Res.Add("subscribe: %s is already a member", addr)
		return false
	}

	token, err := ctx.Pending.Add(pending.KindSubscribe, map[string]string{
		"address": addr,
	}, 0)
	if err != nil {
		ctx.Log.Error("pend subscribe", err, "list", ctx.List.Name)
		ctx.Res.Add("subscribe: temporary failure, try again later")
		return false
	}

	sendConfirmRequest(ctx, addr, token, "subscribe to")
	ctx.Res.Add("subscribe: confirmation requested for %s", addr)
	return false
}

func cmdUnsubscribe(ctx *Ctx, args []string) bool {
	addr := ctx.Sender
	if len(args) > 0 && strings.ContainsRune(args[0], '@') {
		addr = strings.ToLower(args[0])
	}

	if !ctx.List.IsMember(addr) {
		ctx.Res.Add("unsubscribe: %s is not a member", addr)
		return false
	}

	token, err := ctx.Pending.Add(pending.KindUnsubscribe, map[string]string{
		"address": addr,
	}, 0)
	if err != nil {
		ctx.Log.Error("pend unsubscribe", err, "list", ctx.List.Name)
		ctx.Res.Add("unsubscribe: temporary failure, try again later")
		return false
	}

	sendConfirmRequest(ctx, addr, token, "unsubscribe from")
	ctx.Res.Add("unsubscribe: confirmation requested for %s", addr)
	return false
}

func cmdConfirm(ctx *Ctx, args []string) bool {
	if len(args) == 0 {
		ctx.Res.Add("confirm: missing confirmation string")
		return false
	}

	kind, payload, err := ctx.Pending.Confirm(args[0], true)
	if err != nil {
		ctx.Res.Add("confirm: invalid or expired confirmation string")
		return false
	}

	addr := payload["address"]
	switch kind {
	case pending.KindSubscribe:
		if err := ctx.List.AddMember(&list.Member{Address: addr}); err != nil {
			ctx.Res.Add("confirm: %s is already a member", addr)
			return false
		}
		ctx.Res.Add("confirm: %s subscribed to %s", addr, ctx.List.Name)
	case pending.KindUnsubscribe:
		if err := ctx.List.RemoveMember(addr); err != nil {
			ctx.Res.Add("confirm: %s is not a member", addr)
			return false
		}
		ctx.Res.Add("confirm: %s unsubscribed from %s", addr, ctx.List.Name)
	default:
		ctx.Res.Add("confirm: unknown pended action %q", kind)
	}
	return false
}

// Per-member options reachable via "set <option> <on|off>".
func cmdSet(ctx *Ctx, args []string) bool {
	if len(args) < 2 {
		ctx.Res.Add("set: usage: set <digest|mime|delivery> <on|off>")
		return false
	}

	m := ctx.List.Member(ctx.Sender)
	if m == nil {
		ctx.Res.Add("set: %s is not a member", ctx.Sender)
		return false
	}

	var on bool
	switch strings.ToLower(args[1]) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		ctx.Res.Add("set: expected 'on' or 'off', got %q", args[1])
		return false
	}

	switch strings.ToLower(args[0]) {
	case "digest":
		if m.Digest && !on {
			// Switching away mid-issue: the member still receives the
			// digest currently accumulating.
			if ctx.List.OneLastDigest == nil {
				ctx.List.OneLastDigest = map[string]bool{}
			}
			ctx.List.OneLastDigest[strings.ToLower(m.Address)] = true
		}
		m.Digest = on
		ctx.Res.Add("set digest %s for %s", args[1], m.Address)
	case "mime":
		m.DisableMime = !on
		ctx.Res.Add("set mime %s for %s", args[1], m.Address)
	case "delivery":
		m.DeliveryDisabled = !on
		ctx.Res.Add("set delivery %s for %s", args[1], m.Address)
	default:
		ctx.Res.Add("set: unknown option %q", args[0])
	}
	return false
}

func cmdOptions(ctx *Ctx, args []string) bool {
	m := ctx.List.Member(ctx.Sender)
	if m == nil {
		ctx.Res.Add("options: %s is not a member", ctx.Sender)
		return false
	}
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	ctx.Res.Add("Options for %s:", m.Address)
	ctx.Res.Add("  digest %s", onOff(m.Digest))
	ctx.Res.Add("  mime %s", onOff(!m.DisableMime))
	ctx.Res.Add("  delivery %s", onOff(!m.DeliveryDisabled))
	return false
}

func cmdPassword(ctx *Ctx, args []string) bool {
	ctx.Res.Add("password: this list uses mailed confirmation strings instead of passwords")
	return false
}

// sendConfirmRequest mails the confirmation challenge to the affected
// address (not necessarily the command sender).
func sendConfirmRequest(ctx *Ctx, addr, token, action string) {
	confirmAddr := ctx.List.SubAddress("confirm")
	body := "Confirmation is required before this request takes effect.\n\n" +
		"To " + action + " the " + ctx.List.Name + " mailing list, reply to\n" +
		"this message, or send a message to " + confirmAddr + " containing\n" +
		"the line:\n\n" +
		"    confirm " + token + "\n"

	notice := message.NewNotification(
		ctx.List.BouncesAddress(),
		addr,
		ctx.List.RealName+" subscription confirmation",
		body)
	// Replies must carry the cookie in the sub-address so the confirm
	// shortcut can find it without parsing the body.
	notice.Header.Set("Reply-To", ctx.List.LocalPart()+"-confirm+"+token+"@"+ctx.List.Domain())

	raw, err := notice.Bytes()
	if err != nil {
		ctx.Log.Error("compose confirm request", err, "list", ctx.List.Name)
		return
	}
	meta := &spool.Meta{
		ListName:   ctx.List.Name,
		EnvSender:  ctx.List.BouncesAddress(),
		Recipients: []string{addr},
	}
	if _, err := ctx.Virgin.Enqueue(raw, meta); err != nil {
		ctx.Log.Error("enqueue confirm request", err, "list", ctx.List.Name)
	}
}
