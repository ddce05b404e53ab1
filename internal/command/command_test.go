package command

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhanikabulath/mailman3/framework/exterrors"
	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/pending"
	"github.com/dhanikabulath/mailman3/internal/spool"
	"github.com/dhanikabulath/mailman3/internal/testutils"
)

type env struct {
	store  *list.Store
	cfg    config.Config
	virgin *spool.Switchboard
	proc   *Processor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.ListDataDir = filepath.Join(dir, "lists")
	cfg.QueueDir = filepath.Join(dir, "queues")
	cfg.LockDir = filepath.Join(dir, "locks")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.ListLockTimeout = 1

	store := list.NewStore(cfg.ListDataDir, cfg.LockDir, cfg.ListLockTimeoutDur())

	l := list.New("list@example.com")
	if err := l.AddMember(&list.Member{Address: "member@example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(l); err != nil {
		t.Fatal(err)
	}

	virgin, _, err := spool.Open(cfg.SpoolDir("virgin"))
	if err != nil {
		t.Fatal(err)
	}

	proc, err := NewProcessor(store, &cfg, virgin, testutils.Logger(t, "command"))
	if err != nil {
		t.Fatal(err)
	}
	return &env{store: store, cfg: cfg, virgin: virgin, proc: proc}
}

func commandMail(subject, body string, extra ...string) []byte {
	msg := "From: someone@example.com\r\n" +
		"To: list-request@example.com\r\n" +
		"Subject: " + subject + "\r\n"
	for _, h := range extra {
		msg += h + "\r\n"
	}
	return []byte(msg + "\r\n" + body)
}

func replyText(t *testing.T, virgin *spool.Switchboard) (string, *spool.Meta) {
	t.Helper()
	ids, err := virgin.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) == 0 {
		t.Fatal("no reply in virgin queue")
	}
	// The command report is the last entry; confirmation challenges may
	// precede it.
	raw, meta, err := virgin.Dequeue(ids[len(ids)-1])
	if err != nil {
		t.Fatal(err)
	}
	return string(raw), meta
}

func TestSubjectAndBodyCommands(t *testing.T) {
	e := newEnv(t)

	raw := commandMail("help", "subscribe\nend\njunk line\n")
	err := e.proc.Dispose("t1", raw, &spool.Meta{ListName: "list@example.com", ToRequest: true})
	if err != nil {
		t.Fatal(err)
	}

	reply, meta := replyText(t, e.virgin)

	if !strings.Contains(reply, "- Results:") || !strings.Contains(reply, "- Done.") {
		t.Error("report sections missing")
	}
	if !strings.Contains(reply, "Help for the list@example.com mailing list") {
		t.Error("help output missing")
	}
	if !strings.Contains(reply, "confirmation requested for someone@example.com") {
		t.Error("subscribe result missing")
	}
	if !strings.Contains(reply, "- Unprocessed:") || !strings.Contains(reply, "junk line") {
		t.Error("line after 'end' should be reported as unprocessed")
	}
	if !strings.Contains(reply, "message/rfc822") {
		t.Error("original message not attached")
	}
	if len(meta.Recipients) != 1 || meta.Recipients[0] != "someone@example.com" {
		t.Errorf("reply recipients = %v", meta.Recipients)
	}

	// The subscribe created exactly one pending token.
	l, err := e.store.Load("list@example.com")
	if err != nil {
		t.Fatal(err)
	}
	pstore, err := pending.Open(e.store.PendingDBPath(l))
	if err != nil {
		t.Fatal(err)
	}
	defer pstore.Close()
	if n, _ := pstore.Count(); n != 1 {
		t.Errorf("pending tokens = %d, want 1", n)
	}
}

func TestMultipartCommandBody(t *testing.T) {
	e := newEnv(t)

	body := "--frontier\r\n" +
		"Content-Type: text/html; charset=\"utf-8\"\r\n" +
		"\r\n" +
		"<p>info</p>\r\n" +
		"--frontier\r\n" +
		"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
		"\r\n" +
		"info\r\n" +
		"end\r\n" +
		"--frontier--\r\n"
	raw := commandMail("", body,
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="frontier"`)

	err := e.proc.Dispose("t1", raw, &spool.Meta{ListName: "list@example.com", ToRequest: true})
	if err != nil {
		t.Fatal(err)
	}

	reply, _ := replyText(t, e.virgin)
	// Only look at the report part; the attached original carries the raw
	// multipart text.
	report, _, _ := strings.Cut(reply, "message/rfc822")

	if !strings.Contains(report, "Posting address: list@example.com") {
		t.Error("command in the text/plain part not dispatched")
	}
	if strings.Contains(report, "- Unprocessed:") {
		t.Errorf("multipart framing reported as unprocessed:\n%s", report)
	}
	if strings.Contains(report, "frontier") || strings.Contains(report, "<p>") {
		t.Errorf("non-text content leaked into the report:\n%s", report)
	}
}

func TestLoopDefence(t *testing.T) {
	e := newEnv(t)

	raw := commandMail("help", "", "Precedence: bulk")
	err := e.proc.Dispose("t1", raw, &spool.Meta{ListName: "list@example.com", ToRequest: true})
	if err != nil {
		t.Fatal(err)
	}

	if n, _ := e.virgin.Len(); n != 0 {
		t.Fatalf("robot mail produced %d outbound messages, want 0", n)
	}
}

func TestLoopDefenceXAckOverride(t *testing.T) {
	e := newEnv(t)

	raw := commandMail("help", "", "Precedence: bulk", "X-Ack: yes")
	err := e.proc.Dispose("t1", raw, &spool.Meta{ListName: "list@example.com", ToRequest: true})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := e.virgin.Len(); n == 0 {
		t.Fatal("X-Ack: yes should re-enable the response")
	}
}

func TestSubjectReRetry(t *testing.T) {
	e := newEnv(t)

	raw := commandMail("Re: info", "end\n")
	err := e.proc.Dispose("t1", raw, &spool.Meta{ListName: "list@example.com", ToRequest: true})
	if err != nil {
		t.Fatal(err)
	}

	reply, _ := replyText(t, e.virgin)
	if !strings.Contains(reply, "Posting address: list@example.com") {
		t.Error("Re:-prefixed subject command not dispatched")
	}
}

func TestConfirmShortcutRoundTrip(t *testing.T) {
	e := newEnv(t)

	// Subscribe pends a token.
	raw := commandMail("subscribe", "")
	if err := e.proc.Dispose("t1", raw, &spool.Meta{ListName: "list@example.com", ToRequest: true}); err != nil {
		t.Fatal(err)
	}

	l, err := e.store.Load("list@example.com")
	if err != nil {
		t.Fatal(err)
	}
	pstore, err := pending.Open(e.store.PendingDBPath(l))
	if err != nil {
		t.Fatal(err)
	}

	// Dig out the token by peeking into the confirmation challenge.
	ids, err := e.virgin.Files()
	if err != nil {
		t.Fatal(err)
	}
	var token string
	for _, id := range ids {
		body, _, err := e.virgin.Dequeue(id)
		if err != nil {
			t.Fatal(err)
		}
		if i := strings.Index(string(body), "confirm "); i >= 0 {
			token = strings.Fields(string(body)[i:])[1]
		}
		if err := e.virgin.Finish(id); err != nil {
			t.Fatal(err)
		}
	}
	if token == "" {
		t.Fatal("no token in confirmation challenge")
	}
	pstore.Close()

	// Reply lands on the -confirm sub-address with a VERP cookie.
	confirm := commandMail("Your confirmation", "")
	confirm = []byte(strings.Replace(string(confirm),
		"To: list-request@example.com",
		"To: list-confirm+"+token+"@example.com", 1))

	if err := e.proc.Dispose("t2", confirm, &spool.Meta{
		ListName: "list@example.com", ToConfirm: true,
	}); err != nil {
		t.Fatal(err)
	}

	l, err = e.store.Load("list@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !l.IsMember("someone@example.com") {
		t.Error("confirmed subscription did not take effect")
	}
}

func TestLockTimeoutIsTemporary(t *testing.T) {
	e := newEnv(t)

	// Hold the list lock from "another process".
	_, lk, err := e.store.Lock("list@example.com")
	if err != nil {
		t.Fatal(err)
	}
	defer lk.Unlock()

	raw := commandMail("help", "")
	err = e.proc.Dispose("t1", raw, &spool.Meta{ListName: "list@example.com", ToRequest: true})
	if err == nil {
		t.Fatal("expected lock timeout")
	}
	if !exterrors.IsTemporary(err) {
		t.Errorf("lock timeout not temporary: %v", err)
	}
}
