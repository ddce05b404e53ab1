package pipeline

import (
	"fmt"
	"time"

	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/message"
	"github.com/dhanikabulath/mailman3/internal/spool"
)

// Incoming is the disposal logic of the incoming runner: lock the list,
// run the handler chain, act on the outcome and persist the list state.
type Incoming struct {
	Store *list.Store
	Cfg   *config.Config
	Log   log.Logger

	Chain Chain

	Out     *spool.Switchboard
	Archive *spool.Switchboard
	Virgin  *spool.Switchboard
	Held    *spool.Switchboard
}

// Dispose implements runner.Handler. Lock timeouts surface as temporary
// errors so the entry is retried; everything else shunts.
func (in *Incoming) Dispose(id string, raw []byte, meta *spool.Meta) error {
	if meta.ListName == "" {
		return fmt.Errorf("incoming: entry %s has no list name", id)
	}

	msg, err := message.Parse(raw)
	if err != nil {
		return fmt.Errorf("incoming: entry %s: %w", id, err)
	}

	l, lk, err := in.Store.Lock(meta.ListName)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	ctx := &Context{
		List:    l,
		Msg:     msg,
		Meta:    meta,
		Store:   in.Store,
		Cfg:     in.Cfg,
		Log:     in.Log,
		Out:     in.Out,
		Archive: in.Archive,
		Virgin:  in.Virgin,
		Now:     time.Now(),
	}

	out, err := in.Chain.Run(ctx)
	if err != nil {
		// List state is not saved: a retried entry repeats the whole
		// chain against the pre-failure state.
		return err
	}

	switch {
	case out.IsDiscard():
		in.Log.Msg("discard", "list", l.Name, "id", id, "reason", out.Reason)

	case out.IsReject():
		in.reject(ctx, out.Reason)

	case out.IsHold():
		if err := in.hold(ctx, raw, out.Reason); err != nil {
			return err
		}

	default:
		// Accepted and fanned out; advance the post clock the bounce
		// scorer runs on.
		l.PostID++
	}

	if err := in.Store.Save(l); err != nil {
		return err
	}
	return nil
}

// reject sends a notice back to the author. Failures here are logged and
// swallowed: the disposal already succeeded from the queue's viewpoint.
func (in *Incoming) reject(ctx *Context, reason string) {
	sender := ctx.Msg.SenderAddr(ctx.Meta.EnvSender)
	if sender == "" {
		return
	}

	notice := message.NewNotification(
		ctx.List.BouncesAddress(),
		sender,
		"Request to mailing list "+ctx.List.RealName+" rejected",
		"Your message to the "+ctx.List.Name+" mailing list was rejected.\n\n"+
			"Reason: "+reason+"\n")
	raw, err := notice.Bytes()
	if err != nil {
		in.Log.Error("compose rejection", err, "list", ctx.List.Name)
		return
	}
	if _, err := ctx.Virgin.Enqueue(raw, newVirginMeta(ctx, sender)); err != nil {
		in.Log.Error("enqueue rejection", err, "list", ctx.List.Name)
	}
}

// hold parks the original post in the held queue and tells the owner.
func (in *Incoming) hold(ctx *Context, raw []byte, reason string) error {
	held := *ctx.Meta
	held.HoldReason = reason
	if _, err := in.Held.Enqueue(raw, &held); err != nil {
		return err
	}

	in.Log.Msg("hold", "list", ctx.List.Name, "reason", reason)

	notice := message.NewNotification(
		ctx.List.BouncesAddress(),
		ctx.List.OwnerAddress(),
		ctx.List.RealName+" post held for moderation",
		"A post to "+ctx.List.Name+" is being held for your review.\n\n"+
			"From: "+ctx.Msg.SenderAddr(ctx.Meta.EnvSender)+"\n"+
			"Subject: "+ctx.Msg.Subject()+"\n"+
			"Reason: "+reason+"\n")
	nraw, err := notice.Bytes()
	if err != nil {
		in.Log.Error("compose hold notice", err, "list", ctx.List.Name)
		return nil
	}
	if _, err := ctx.Virgin.Enqueue(nraw, newVirginMeta(ctx, ctx.List.OwnerAddress())); err != nil {
		in.Log.Error("enqueue hold notice", err, "list", ctx.List.Name)
	}
	return nil
}
