package mta

import (
	"fmt"

	"github.com/dhanikabulath/mailman3/framework/exterrors"
	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/spool"
)

// maxDeliveryAttempts bounds requeue cycles for a failing transport
// before the entry is shunted for the operator.
const maxDeliveryAttempts = 10

// Deliverer is the disposal logic of the outgoing and virgin runners: it
// hands each entry to the MTA with the recipient set from the metadata.
type Deliverer struct {
	Transport MTA
	Store     *list.Store
	Log       log.Logger
}

// Dispose implements runner.Handler. Transport errors are temporary up
// to maxDeliveryAttempts.
func (d *Deliverer) Dispose(id string, msg []byte, meta *spool.Meta) error {
	recipients := meta.Recipients
	if len(recipients) == 0 {
		// Fall back to the current roster for entries queued without an
		// explicit recipient set.
		if meta.ListName == "" {
			return fmt.Errorf("deliver: entry %s has neither recipients nor a list", id)
		}
		l, err := d.Store.Load(meta.ListName)
		if err != nil {
			return err
		}
		recipients = l.RegularRecipients()
	}
	if len(recipients) == 0 {
		d.Log.DebugMsg("nothing to deliver", "id", id, "list", meta.ListName)
		return nil
	}

	envFrom := meta.EnvSender
	if envFrom == "" && meta.ListName != "" {
		envFrom = bouncesFor(meta.ListName)
	}

	if err := d.Transport.Send(envFrom, recipients, msg); err != nil {
		if meta.RetryCount+1 >= maxDeliveryAttempts {
			return fmt.Errorf("deliver: giving up after %d attempts: %w",
				meta.RetryCount+1, err)
		}
		return exterrors.WithTemporary(err, true)
	}

	d.Log.DebugMsg("delivered", "id", id, "list", meta.ListName,
		"rcpt_count", len(recipients))
	return nil
}

func bouncesFor(listName string) string {
	l := list.New(listName)
	return l.BouncesAddress()
}
