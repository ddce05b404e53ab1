package lmtp

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/spool"
	"github.com/dhanikabulath/mailman3/internal/testutils"
)

func testEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.ListDataDir = filepath.Join(dir, "lists")
	cfg.LockDir = filepath.Join(dir, "locks")
	cfg.QueueDir = filepath.Join(dir, "queues")

	store := list.NewStore(cfg.ListDataDir, cfg.LockDir, cfg.ListLockTimeoutDur())
	l := list.New("ant@example.org")
	l.Owners = []string{"boss@example.com"}
	if err := store.Create(l); err != nil {
		t.Fatal(err)
	}

	var q Queues
	var err error
	for _, sb := range []struct {
		name string
		dst  **spool.Switchboard
	}{
		{"in", &q.In}, {"cmd", &q.Cmd}, {"bounces", &q.Bounce}, {"virgin", &q.Virgin},
	} {
		*sb.dst, _, err = spool.Open(cfg.SpoolDir(sb.name))
		if err != nil {
			t.Fatal(err)
		}
	}

	return New(store, &cfg, q, testutils.Logger(t, "lmtp"))
}

func TestResolveRouting(t *testing.T) {
	e := testEndpoint(t)

	cases := []struct {
		rcpt  string
		queue string
		check func(*spool.Meta) bool
	}{
		{"ant@example.org", "in", func(m *spool.Meta) bool { return m.ToList }},
		{"ANT@EXAMPLE.ORG", "in", func(m *spool.Meta) bool { return m.ToList }},
		{"ant-bounces@example.org", "bounces", func(m *spool.Meta) bool { return m.ToBounce }},
		{"ant-request@example.org", "cmd", func(m *spool.Meta) bool { return m.ToRequest }},
		{"ant-subscribe@example.org", "cmd", func(m *spool.Meta) bool { return m.ToRequest }},
		{"ant-unsubscribe@example.org", "cmd", func(m *spool.Meta) bool { return m.ToRequest }},
		{"ant-join@example.org", "cmd", func(m *spool.Meta) bool { return m.ToJoin }},
		{"ant-leave@example.org", "cmd", func(m *spool.Meta) bool { return m.ToLeave }},
		{"ant-confirm@example.org", "cmd", func(m *spool.Meta) bool { return m.ToConfirm }},
		{"ant-confirm+c0ffee@example.org", "cmd", func(m *spool.Meta) bool { return m.ToConfirm }},
		{"ant-owner@example.org", "virgin", func(m *spool.Meta) bool {
			return m.ToOwner && len(m.Recipients) == 1 && m.Recipients[0] == "boss@example.com"
		}},
	}

	for _, tc := range cases {
		rt, err := e.resolve(tc.rcpt)
		if err != nil {
			t.Errorf("resolve(%s): %v", tc.rcpt, err)
			continue
		}
		if rt.sb.Name() != tc.queue {
			t.Errorf("resolve(%s): queue %s, want %s", tc.rcpt, rt.sb.Name(), tc.queue)
		}
		if rt.meta.ListName != "ant@example.org" {
			t.Errorf("resolve(%s): list %q", tc.rcpt, rt.meta.ListName)
		}
		if !tc.check(&rt.meta) {
			t.Errorf("resolve(%s): wrong metadata flags: %+v", tc.rcpt, rt.meta)
		}
	}
}

func TestResolveUnknownIs550(t *testing.T) {
	e := testEndpoint(t)

	for _, rcpt := range []string{
		"ghost@example.org",
		"ant@other.example.net",
		"ant-bogus@example.org",
		"not-an-address",
	} {
		_, err := e.resolve(rcpt)
		var serr *smtp.SMTPError
		if !errors.As(err, &serr) || serr.Code != 550 {
			t.Errorf("resolve(%s) = %v, want 550", rcpt, err)
		}
	}
}

type statusMap map[string]error

func (m statusMap) SetStatus(rcpt string, err error) { m[rcpt] = err }

func TestLMTPDataEnqueuesPerRecipient(t *testing.T) {
	e := testEndpoint(t)
	s := &session{endp: e}

	if err := s.Mail("alice@example.com", nil); err != nil {
		t.Fatal(err)
	}
	for _, rcpt := range []string{"ant@example.org", "ant-request@example.org"} {
		if err := s.Rcpt(rcpt, nil); err != nil {
			t.Fatal(err)
		}
	}

	raw := "From: alice@example.com\r\nSubject: hi\r\n\r\nbody\r\n"
	st := statusMap{}
	if err := s.LMTPData(strings.NewReader(raw), st); err != nil {
		t.Fatal(err)
	}
	for rcpt, err := range st {
		if err != nil {
			t.Errorf("status for %s: %v", rcpt, err)
		}
	}
	if len(st) != 2 {
		t.Fatalf("statuses = %d, want 2", len(st))
	}

	ids, err := e.Queues.In.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("in queue entries = %d, want 1", len(ids))
	}
	msg, meta, err := e.Queues.In.Dequeue(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(msg) != raw {
		t.Error("message bytes altered in transit")
	}
	if meta.EnvSender != "alice@example.com" {
		t.Errorf("envelope sender = %q", meta.EnvSender)
	}
	if meta.OriginalSize != int64(len(raw)) {
		t.Errorf("original size = %d, want %d", meta.OriginalSize, len(raw))
	}
	if !meta.ToList || meta.ListName != "ant@example.org" {
		t.Errorf("metadata = %+v", meta)
	}

	if n, _ := e.Queues.Cmd.Len(); n != 1 {
		t.Errorf("cmd queue entries = %d, want 1", n)
	}
}

func TestSessionReset(t *testing.T) {
	e := testEndpoint(t)
	s := &session{endp: e}

	if err := s.Mail("alice@example.com", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Rcpt("ant@example.org", nil); err != nil {
		t.Fatal(err)
	}
	s.Reset()

	st := statusMap{}
	if err := s.LMTPData(strings.NewReader("Subject: x\r\n\r\n"), st); err != nil {
		t.Fatal(err)
	}
	if len(st) != 0 {
		t.Errorf("statuses after reset = %d, want 0", len(st))
	}
	if n, _ := e.Queues.In.Len(); n != 0 {
		t.Errorf("in queue entries = %d, want 0", n)
	}
}
