package mbox

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.mbox")
	stamp := time.Date(2024, 3, 14, 9, 26, 53, 0, time.UTC)

	first := "Subject: one\n\nbody line\nFrom here it gets tricky\n>From previous quoting\n"
	second := "Subject: two\n\nplain\n"

	if err := Append(path, "ann@example.org", stamp, []byte(first)); err != nil {
		t.Fatal(err)
	}
	if err := Append(path, "bob@example.org", stamp, []byte(second)); err != nil {
		t.Fatal(err)
	}

	msgs, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	if msgs[0].EnvSender != "ann@example.org" {
		t.Errorf("sender = %q", msgs[0].EnvSender)
	}
	if !msgs[0].Date.Equal(stamp) {
		t.Errorf("date = %v, want %v", msgs[0].Date, stamp)
	}
	if got := string(msgs[0].Body); got != first {
		t.Errorf("first body mangled:\ngot  %q\nwant %q", got, first)
	}
	if got := string(msgs[1].Body); got != second {
		t.Errorf("second body mangled:\ngot  %q\nwant %q", got, second)
	}
}

func TestEmptyEnvelopeSender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.mbox")
	if err := Append(path, "", time.Now(), []byte("Subject: x\n\ny\n")); err != nil {
		t.Fatal(err)
	}

	msgs, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].EnvSender != "MAILER-DAEMON" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestMissingFile(t *testing.T) {
	msgs, err := ReadAll(filepath.Join(t.TempDir(), "nope.mbox"))
	if err != nil {
		t.Fatal(err)
	}
	if msgs != nil {
		t.Fatalf("got %v, want nil", msgs)
	}

	size, err := Size(filepath.Join(t.TempDir(), "nope.mbox"))
	if err != nil || size != 0 {
		t.Fatalf("Size = %d, %v", size, err)
	}
}

func TestSizeGrows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.mbox")

	var last int64
	for i := 0; i < 3; i++ {
		body := "Subject: s\n\n" + strings.Repeat("x", 100) + "\n"
		if err := Append(path, "a@example.org", time.Now(), []byte(body)); err != nil {
			t.Fatal(err)
		}
		size, err := Size(path)
		if err != nil {
			t.Fatal(err)
		}
		if size <= last {
			t.Fatalf("size did not grow: %d -> %d", last, size)
		}
		last = size
	}
}
