package lmtp

import (
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
)

type rcptRoute struct {
	addr  string
	route *route
}

type session struct {
	endp *Endpoint

	mailFrom string
	rcpts    []rcptRoute
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.mailFrom = strings.Trim(from, "<>")
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	rt, err := s.endp.resolve(to)
	if err != nil {
		s.endp.Log.DebugMsg("rcpt rejected", "rcpt", to, "reason", err.Error())
		return err
	}
	s.rcpts = append(s.rcpts, rcptRoute{addr: to, route: rt})
	return nil
}

var errEnqueueFailed = &smtp.SMTPError{
	Code:         451,
	EnhancedCode: smtp.EnhancedCode{4, 3, 0},
	Message:      "Temporary failure, try again later",
}

func (s *session) Data(r io.Reader) error {
	var firstErr error
	err := s.deliver(r, func(rcpt string, err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if err != nil {
		return err
	}
	return firstErr
}

// LMTPData reports a per-recipient status so the MTA can requeue exactly
// the recipients whose enqueue failed.
func (s *session) LMTPData(r io.Reader, sc smtp.StatusCollector) error {
	return s.deliver(r, sc.SetStatus)
}

func (s *session) deliver(r io.Reader, status func(rcpt string, err error)) error {
	msg, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	now := time.Now()

	for _, rc := range s.rcpts {
		meta := rc.route.meta
		meta.Received = now
		meta.OriginalSize = int64(len(msg))
		if meta.EnvSender == "" {
			meta.EnvSender = s.mailFrom
		}

		id, err := rc.route.sb.Enqueue(msg, &meta)
		if err != nil {
			s.endp.Log.Error("enqueue failed", err,
				"queue", rc.route.sb.Name(), "rcpt", rc.addr)
			status(rc.addr, errEnqueueFailed)
			continue
		}
		s.endp.Log.DebugMsg("accepted", "id", id,
			"queue", rc.route.sb.Name(), "rcpt", rc.addr, "size", len(msg))
		status(rc.addr, nil)
	}
	return nil
}

func (s *session) Reset() {
	s.mailFrom = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}
