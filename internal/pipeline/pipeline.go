// Package pipeline implements the handler chain the incoming runner
// applies to every post, plus the runner glue that locks the list, runs
// the chain and fans accepted posts out to the delivery queues.
package pipeline

import (
	"time"

	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/message"
	"github.com/dhanikabulath/mailman3/internal/spool"
)

// Context is the triple every handler operates on, plus the services the
// handlers write to. One Context lives for exactly one pipeline run and
// is discarded afterwards.
type Context struct {
	List *list.List
	Msg  *message.Msg
	Meta *spool.Meta

	Store *list.Store
	Cfg   *config.Config
	Log   log.Logger

	// Fanout destinations.
	Out     *spool.Switchboard
	Archive *spool.Switchboard
	Virgin  *spool.Switchboard

	// Now is fixed at the start of the run so all stages agree on the
	// current time.
	Now time.Time

	// Approved is set by the approval stage and read by the moderation
	// gate.
	Approved bool
}

// Handler is one stage of the chain.
type Handler interface {
	Name() string
	Handle(ctx *Context) (Outcome, error)
}

// Chain is an ordered list of handlers.
type Chain []Handler

// Run applies the chain in order. The first non-Continue outcome wins; a
// handler error aborts the run and is mapped to transient or shunt by the
// runner above.
func (c Chain) Run(ctx *Context) (Outcome, error) {
	for _, h := range c {
		out, err := h.Handle(ctx)
		if err != nil {
			return out, err
		}
		if !out.IsContinue() {
			ctx.Log.DebugMsg("pipeline short-circuit",
				"handler", h.Name(), "outcome", out.String())
			return out, nil
		}
	}
	return Stop(), nil
}
