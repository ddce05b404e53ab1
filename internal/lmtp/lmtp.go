// Package lmtp implements the ingress listener. The local MTA delivers
// list mail here over LMTP; each recipient is resolved to a queue at RCPT
// time and the message is enqueued once per recipient at the end of DATA.
package lmtp

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/spool"
)

// Queues are the switchboards ingress feeds, keyed by what the recipient
// sub-address asks for.
type Queues struct {
	In     *spool.Switchboard
	Cmd    *spool.Switchboard
	Bounce *spool.Switchboard
	Virgin *spool.Switchboard
}

// Endpoint is the LMTP server facade. It implements smtp.Backend.
type Endpoint struct {
	Store  *list.Store
	Cfg    *config.Config
	Queues Queues
	Log    log.Logger

	serv *smtp.Server
}

func New(store *list.Store, cfg *config.Config, queues Queues, l log.Logger) *Endpoint {
	e := &Endpoint{
		Store:  store,
		Cfg:    cfg,
		Queues: queues,
		Log:    l,
	}
	e.serv = smtp.NewServer(e)
	e.serv.LMTP = true
	e.serv.Domain = cfg.LMTP.Domain
	e.serv.Addr = cfg.LMTP.Listen
	e.serv.MaxMessageBytes = cfg.LMTP.MaxMessageBytes
	e.serv.ReadTimeout = 10 * time.Minute
	e.serv.WriteTimeout = time.Minute
	e.serv.ErrorLog = e.Log
	return e
}

// ListenAndServe blocks serving the configured address. A clean Close
// returns nil.
func (e *Endpoint) ListenAndServe() error {
	e.Log.Msg("listening", "addr", e.Cfg.LMTP.Listen)
	err := e.serv.ListenAndServe()
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections from an existing listener.
func (e *Endpoint) Serve(l net.Listener) error {
	return e.serv.Serve(l)
}

// Close stops the listener and drops active connections.
func (e *Endpoint) Close() error {
	return e.serv.Close()
}

// NewSession implements smtp.Backend.
func (e *Endpoint) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{endp: e}, nil
}

// route is the resolution of one recipient: which switchboard the message
// goes to and the metadata prototype stamped on it.
type route struct {
	sb   *spool.Switchboard
	meta spool.Meta
}

var errUnknownRcpt = &smtp.SMTPError{
	Code:         550,
	EnhancedCode: smtp.EnhancedCode{5, 1, 1},
	Message:      "No such mailing list here",
}

// Service sub-addresses recognized after the list's local part.
var subAddresses = []string{
	"bounces", "confirm", "join", "leave",
	"owner", "request", "subscribe", "unsubscribe",
}

// resolve maps a recipient address to its destination queue. Resolution
// happens at RCPT time so unknown locals are rejected before DATA.
func (e *Endpoint) resolve(rcpt string) (*route, error) {
	local, domain, ok := splitAddr(rcpt)
	if !ok {
		return nil, errUnknownRcpt
	}

	// Bare list address: a post.
	if addr := local + "@" + domain; e.Store.Exists(addr) {
		return &route{
			sb:   e.Queues.In,
			meta: spool.Meta{ListName: addr, ToList: true},
		}, nil
	}

	base, sub := splitSub(local)
	if sub == "" {
		return nil, errUnknownRcpt
	}
	listAddr := base + "@" + domain
	if !e.Store.Exists(listAddr) {
		return nil, errUnknownRcpt
	}

	rt := &route{meta: spool.Meta{ListName: listAddr}}
	switch sub {
	case "bounces":
		rt.sb = e.Queues.Bounce
		rt.meta.ToBounce = true
	case "confirm":
		rt.sb = e.Queues.Cmd
		rt.meta.ToConfirm = true
	case "join":
		rt.sb = e.Queues.Cmd
		rt.meta.ToJoin = true
	case "leave":
		rt.sb = e.Queues.Cmd
		rt.meta.ToLeave = true
	case "request", "subscribe", "unsubscribe":
		rt.sb = e.Queues.Cmd
		rt.meta.ToRequest = true
	case "owner":
		l, err := e.Store.Load(listAddr)
		if err != nil {
			return nil, err
		}
		rt.sb = e.Queues.Virgin
		rt.meta.ToOwner = true
		rt.meta.EnvSender = l.BouncesAddress()
		rt.meta.Recipients = append([]string(nil), l.Owners...)
		if len(rt.meta.Recipients) == 0 {
			rt.meta.Recipients = []string{"postmaster@" + domain}
		}
	}
	return rt, nil
}

// splitAddr breaks an RFC 5321 path into lowercased local part and domain.
func splitAddr(addr string) (local, domain string, ok bool) {
	addr = strings.Trim(addr, "<>")
	i := strings.LastIndex(addr, "@")
	if i <= 0 || i == len(addr)-1 {
		return "", "", false
	}
	return strings.ToLower(addr[:i]), strings.ToLower(addr[i+1:]), true
}

// splitSub strips a recognized service suffix from a local part.
// "ant-confirm+f00" and "ant-confirm" both resolve to ("ant", "confirm").
func splitSub(local string) (base, sub string) {
	if i := strings.Index(local, "-confirm+"); i > 0 {
		return local[:i], "confirm"
	}
	i := strings.LastIndex(local, "-")
	if i <= 0 {
		return "", ""
	}
	base, sub = local[:i], local[i+1:]
	for _, known := range subAddresses {
		if sub == known {
			return base, sub
		}
	}
	return "", ""
}
