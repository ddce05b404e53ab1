package bounce

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/message"
	"github.com/dhanikabulath/mailman3/internal/spool"
	"github.com/dhanikabulath/mailman3/internal/testutils"
)

func parse(t *testing.T, raw string) *message.Msg {
	t.Helper()
	msg, err := message.Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestSenderGate(t *testing.T) {
	for sender, want := range map[string]bool{
		"MAILER-DAEMON@relay.example.net": true,
		"postmaster@mx.example.org":       true,
		"ucx_smtp@vms.example.edu":        true,
		"alice@example.com":               false,
		"mailer-daemon-fan@example.com":   false,
	} {
		msg := parse(t, "From: "+sender+"\r\n\r\nbody\r\n")
		if got := FromBounceAgent(msg, ""); got != want {
			t.Errorf("FromBounceAgent(%s) = %v, want %v", sender, got, want)
		}
	}
}

func TestScanCodeTable(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		addr   string
		action Action
	}{
		{"550 user unknown", "550 x@example.com... User unknown", "x@example.com", ActionRemove},
		{"451 soft", "451 <y@example.com> temporary failure", "y@example.com", ActionBounce},
		{"554 soft", "554 delivery error: z@example.com refused", "z@example.com", ActionBounce},
		{"user not known", "User w@example.com not known here", "w@example.com", ActionRemove},
		{"colon user unknown", "v@example.com: User unknown", "v@example.com", ActionRemove},
	}

	for _, tc := range cases {
		msg := parse(t, "From: MAILER-DAEMON@relay.example.net\r\n\r\n"+tc.body+"\r\n")
		hits := Scan(msg)
		if len(hits) != 1 {
			t.Errorf("%s: hits = %v, want one", tc.name, hits)
			continue
		}
		if hits[0].Address != tc.addr || hits[0].Action != tc.action {
			t.Errorf("%s: got %+v, want %s/%v", tc.name, hits[0], tc.addr, tc.action)
		}
	}
}

func TestScanMessyJoinsOriginatorDomain(t *testing.T) {
	msg := parse(t, "From: postmaster@mx.example.org\r\n\r\n"+
		"Recipient: <bob>\r\n")
	hits := Scan(msg)
	if len(hits) != 1 || hits[0].Address != "bob@mx.example.org" {
		t.Fatalf("hits = %v, want bob@mx.example.org", hits)
	}
	if hits[0].Action != ActionBounce {
		t.Errorf("Recipient: form should score, not remove")
	}
}

func TestScanStopsAtQuotedOriginal(t *testing.T) {
	msg := parse(t, "From: MAILER-DAEMON@relay.example.net\r\n\r\n"+
		"550 real@example.com... User unknown\r\n"+
		"------ Original message follows ------\r\n"+
		"550 quoted@example.com... User unknown\r\n")
	hits := Scan(msg)
	if len(hits) != 1 || hits[0].Address != "real@example.com" {
		t.Fatalf("hits = %v, want only the address before the marker", hits)
	}
}

func TestScanMultipartUsesFirstPart(t *testing.T) {
	body := "preamble\r\n" +
		"--bnd\r\n" +
		"550 first@example.com... User unknown\r\n" +
		"--bnd\r\n" +
		"550 second@example.com... User unknown\r\n" +
		"--bnd--\r\n"
	msg := parse(t, "From: MAILER-DAEMON@relay.example.net\r\n"+
		"Content-Type: multipart/report; boundary=\"bnd\"\r\n\r\n"+body)
	hits := Scan(msg)
	if len(hits) != 1 || hits[0].Address != "first@example.com" {
		t.Fatalf("hits = %v, want only the first sub-part scanned", hits)
	}
}

func newScorer(t *testing.T) *Scorer {
	return &Scorer{
		MinRemovalDays:  5,
		MinPostCount:    10,
		MaxPostsBetween: 100,
		Log:             testutils.Logger(t, "bounce"),
	}
}

func TestScoringLifecycle(t *testing.T) {
	l := list.New("ant@example.org")
	if err := l.AddMember(&list.Member{Address: "x@example.com"}); err != nil {
		t.Fatal(err)
	}
	sc := newScorer(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// First bounce creates the record without removing.
	l.PostID = 100
	if sc.Register(l, "x@example.com", t0) {
		t.Fatal("first bounce removed the member")
	}
	inf := l.BounceInfo["x@example.com"]
	if inf == nil || inf.FirstPostID != 100 {
		t.Fatalf("bounce record = %+v", inf)
	}

	// Too fresh: enough posts passed but not enough days.
	l.PostID = 115
	if sc.Register(l, "x@example.com", t0.Add(2*24*time.Hour)) {
		t.Fatal("removed before minimum_removal_date")
	}

	// Both thresholds crossed: 20 posts and 10 days since first bounce.
	l.PostID = 120
	if !sc.Register(l, "x@example.com", t0.Add(10*24*time.Hour)) {
		t.Fatal("not removed after both thresholds crossed")
	}
	if l.IsMember("x@example.com") {
		t.Error("member still on the roster")
	}
	if l.BounceInfo["x@example.com"] != nil {
		t.Error("bounce record not cleared on removal")
	}
}

func TestStaleRecordReset(t *testing.T) {
	l := list.New("ant@example.org")
	if err := l.AddMember(&list.Member{Address: "x@example.com"}); err != nil {
		t.Fatal(err)
	}
	sc := newScorer(t)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	l.PostID = 10
	sc.Register(l, "x@example.com", t0)

	// 150 posts of clean delivery later: the record is stale and resets
	// instead of scoring.
	l.PostID = 160
	if sc.Register(l, "x@example.com", t0.Add(365*24*time.Hour)) {
		t.Fatal("stale record caused removal")
	}
	inf := l.BounceInfo["x@example.com"]
	if inf.FirstPostID != 160 {
		t.Errorf("record not reset: %+v", inf)
	}
}

func TestDigestMembersUseVolumeClock(t *testing.T) {
	l := list.New("ant@example.org")
	if err := l.AddMember(&list.Member{Address: "d@example.com", Digest: true}); err != nil {
		t.Fatal(err)
	}
	sc := newScorer(t)

	l.PostID = 500
	l.Volume = 3
	sc.Register(l, "d@example.com", time.Now())

	inf := l.BounceInfo["d@example.com"]
	if inf.FirstPostID != 3 {
		t.Errorf("digest member clocked at %d, want volume 3", inf.FirstPostID)
	}
}

func TestDisposeRemoveScenario(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.ListDataDir = filepath.Join(dir, "lists")
	cfg.LockDir = filepath.Join(dir, "locks")
	cfg.QueueDir = filepath.Join(dir, "queues")

	store := list.NewStore(cfg.ListDataDir, cfg.LockDir, cfg.ListLockTimeoutDur())
	l := list.New("ant@example.org")
	if err := l.AddMember(&list.Member{Address: "x@example.com"}); err != nil {
		t.Fatal(err)
	}
	l.PostID = 20
	l.BounceInfo = map[string]*list.BounceInfo{
		"x@example.com": {
			FirstSeen:   time.Now().Add(-10 * 24 * time.Hour),
			FirstPostID: 0,
			LastPostID:  15,
		},
	}
	if err := store.Create(l); err != nil {
		t.Fatal(err)
	}

	virgin, _, err := spool.Open(cfg.SpoolDir("virgin"))
	if err != nil {
		t.Fatal(err)
	}

	p := NewProcessor(store, &cfg, virgin, testutils.Logger(t, "bounce"))
	dsn := []byte("From: MAILER-DAEMON@relay.example.net\r\n" +
		"To: ant-bounces@example.org\r\n\r\n" +
		"550 x@example.com... User unknown\r\n")
	if err := p.Dispose("b1", dsn, &spool.Meta{ListName: "ant@example.org", ToBounce: true}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load("ant@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsMember("x@example.com") {
		t.Error("hard failure did not remove the member")
	}
	if got.BounceInfo["x@example.com"] != nil {
		t.Error("bounce record survived removal")
	}

	// The owner was told.
	if n, _ := virgin.Len(); n != 1 {
		t.Errorf("owner notifications = %d, want 1", n)
	}
}
