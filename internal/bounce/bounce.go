package bounce

import (
	"fmt"
	"time"

	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/message"
	"github.com/dhanikabulath/mailman3/internal/spool"
)

// Processor is the disposal logic of the bounce runner.
type Processor struct {
	Store  *list.Store
	Cfg    *config.Config
	Log    log.Logger
	Virgin *spool.Switchboard
}

func NewProcessor(store *list.Store, cfg *config.Config, virgin *spool.Switchboard, l log.Logger) *Processor {
	return &Processor{Store: store, Cfg: cfg, Log: l, Virgin: virgin}
}

func (p *Processor) scorer() *Scorer {
	return &Scorer{
		MinRemovalDays:  p.Cfg.MinimumRemovalDate,
		MinPostCount:    p.Cfg.MinimumPostCountBeforeRemoval,
		MaxPostsBetween: p.Cfg.MaxPostsBetweenBounces,
		Log:             p.Log,
	}
}

// Dispose implements runner.Handler. Mail that does not look like a
// bounce, or whose scan finds nothing actionable, is dropped after
// scanning; only lock contention is retried.
func (p *Processor) Dispose(id string, raw []byte, meta *spool.Meta) error {
	if meta.ListName == "" {
		return fmt.Errorf("bounce: entry %s has no list name", id)
	}

	msg, err := message.Parse(raw)
	if err != nil {
		return fmt.Errorf("bounce: entry %s: %w", id, err)
	}

	if !FromBounceAgent(msg, meta.EnvSender) {
		p.Log.DebugMsg("not from a bounce agent", "list", meta.ListName, "id", id)
		return nil
	}

	hits := Scan(msg)
	if len(hits) == 0 {
		p.Log.DebugMsg("no addresses extracted", "list", meta.ListName, "id", id)
		return nil
	}

	l, lk, err := p.Store.Lock(meta.ListName)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	sc := p.scorer()
	now := time.Now()
	changed := false
	var removedAddrs []string

	for _, hit := range hits {
		if !l.IsMember(hit.Address) {
			continue
		}
		changed = true

		var removed bool
		switch hit.Action {
		case ActionRemove:
			removed = sc.Remove(l, hit.Address)
		case ActionBounce:
			removed = sc.Register(l, hit.Address, now)
		}
		if removed {
			removedAddrs = append(removedAddrs, hit.Address)
		}
	}

	if !changed {
		return nil
	}
	if err := p.Store.Save(l); err != nil {
		return err
	}

	for _, addr := range removedAddrs {
		p.notifyOwner(l, addr)
	}
	return nil
}

// notifyOwner tells the list owner a member was retired. Best effort; the
// removal already happened.
func (p *Processor) notifyOwner(l *list.List, addr string) {
	notice := message.NewNotification(
		l.BouncesAddress(),
		l.OwnerAddress(),
		addr+" removed from "+l.RealName,
		"The address "+addr+" has been removed from the "+l.Name+"\n"+
			"mailing list because of excessive delivery failures.\n")
	raw, err := notice.Bytes()
	if err != nil {
		p.Log.Error("compose removal notice", err, "list", l.Name)
		return
	}
	meta := &spool.Meta{
		ListName:   l.Name,
		EnvSender:  l.BouncesAddress(),
		Recipients: []string{l.OwnerAddress()},
	}
	if _, err := p.Virgin.Enqueue(raw, meta); err != nil {
		p.Log.Error("enqueue removal notice", err, "list", l.Name)
	}
}
