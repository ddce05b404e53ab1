package spool

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openTest(t *testing.T) *Switchboard {
	t.Helper()
	sb, recovered, err := Open(filepath.Join(t.TempDir(), "in"))
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 0 {
		t.Fatalf("fresh queue recovered %d entries", recovered)
	}
	return sb
}

func TestEnqueueDequeue(t *testing.T) {
	sb := openTest(t)

	msg := []byte("From: a@example.org\r\n\r\nhello\r\n")
	id, err := sb.Enqueue(msg, &Meta{ListName: "ant@example.org", ToList: true})
	if err != nil {
		t.Fatal(err)
	}

	ids, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("Files() = %v, want [%s]", ids, id)
	}

	gotMsg, meta, err := sb.Dequeue(id)
	if err != nil {
		t.Fatal(err)
	}
	if string(gotMsg) != string(msg) {
		t.Errorf("message bytes changed in transit")
	}
	if meta.ListName != "ant@example.org" || !meta.ToList {
		t.Errorf("metadata lost: %+v", meta)
	}
	if meta.Version != MetaVersion {
		t.Errorf("version = %d, want %d", meta.Version, MetaVersion)
	}
	if meta.Received.IsZero() {
		t.Errorf("Received not stamped")
	}

	// In flight: invisible until finished or requeued.
	ids, err = sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("in-flight entry still visible: %v", ids)
	}

	if err := sb.Finish(id); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(sb.Dir())
	if len(entries) != 0 {
		t.Fatalf("queue dir not empty after finish: %v", entries)
	}
}

func TestFilesOrder(t *testing.T) {
	sb := openTest(t)

	var want []string
	for i := 0; i < 5; i++ {
		id, err := sb.Enqueue([]byte("body"), &Meta{})
		if err != nil {
			t.Fatal(err)
		}
		want = append(want, id)
		time.Sleep(2 * time.Millisecond)
	}

	got, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Files() = %v, want enqueue order %v", got, want)
	}
}

func TestCrashRecovery(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "in")
	sb, _, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	id, err := sb.Enqueue([]byte("body"), &Meta{ListName: "ant@example.org"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sb.Dequeue(id); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-disposal: reopen without Finish.
	sb2, recovered, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	ids, err := sb2.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("entry not restored: %v", ids)
	}

	_, meta, err := sb2.Dequeue(id)
	if err != nil {
		t.Fatal(err)
	}
	if meta.ListName != "ant@example.org" {
		t.Errorf("metadata lost across recovery: %+v", meta)
	}
}

func TestRequeueUpdatesMetadata(t *testing.T) {
	sb := openTest(t)

	id, err := sb.Enqueue([]byte("body"), &Meta{})
	if err != nil {
		t.Fatal(err)
	}
	_, meta, err := sb.Dequeue(id)
	if err != nil {
		t.Fatal(err)
	}

	meta.RetryCount++
	meta.LastAttempt = time.Now()
	if err := sb.Requeue(id, nil, meta); err != nil {
		t.Fatal(err)
	}

	msg, meta2, err := sb.Dequeue(id)
	if err != nil {
		t.Fatal(err)
	}
	if meta2.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", meta2.RetryCount)
	}
	if string(msg) != "body" {
		t.Errorf("message bytes lost on requeue")
	}
}

func TestBadVersionPreserved(t *testing.T) {
	sb := openTest(t)

	id, err := sb.Enqueue([]byte("body"), &Meta{Version: 99})
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = sb.Dequeue(id)
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("Dequeue err = %v, want ErrBadVersion", err)
	}

	// Unknown schema: operator gets the entry in the bad queue.
	if err := sb.Preserve(id); err != nil {
		t.Fatal(err)
	}

	badDir := filepath.Join(filepath.Dir(sb.Dir()), "bad")
	entries, err := os.ReadDir(badDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("bad queue has %d files, want pck+msg pair", len(entries))
	}
	for _, ent := range entries {
		if filepath.Ext(ent.Name()) != ".psv" {
			t.Errorf("preserved file without .psv suffix: %s", ent.Name())
		}
	}

	ids, _ := sb.Files()
	if len(ids) != 0 {
		t.Errorf("preserved entry still visible: %v", ids)
	}
}

func TestOpenDropsStaleSentinel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "in")
	sb, _, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	id, err := sb.Enqueue([]byte("body"), &Meta{ListName: "ant@example.org"})
	if err != nil {
		t.Fatal(err)
	}
	// A shutdown that raced an in-flight entry leaves its wake-up sentinel
	// behind on disk.
	if err := sb.EnqueueStop(); err != nil {
		t.Fatal(err)
	}

	sb2, recovered, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 0 {
		t.Errorf("recovered = %d, want 0", recovered)
	}

	ids, err := sb2.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("Files() = %v, want only [%s]; the stale sentinel must be gone", ids, id)
	}
}

func TestStopSentinel(t *testing.T) {
	sb := openTest(t)

	if err := sb.EnqueueStop(); err != nil {
		t.Fatal(err)
	}
	ids, err := sb.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("Files() = %v, want one sentinel", ids)
	}

	msg, meta, err := sb.Dequeue(ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != StopVersion {
		t.Errorf("sentinel version = %d, want %d", meta.Version, StopVersion)
	}
	if len(msg) != 0 {
		t.Errorf("sentinel carries a body: %q", msg)
	}
}
