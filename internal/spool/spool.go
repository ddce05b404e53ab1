// Package spool implements the durable on-disk message queues that connect
// the runners.
//
// Each queue is a flat directory holding message pairs: <id>.msg with the
// raw RFC 5322 bytes and <id>.pck with the JSON metadata sidecar. Ids embed
// the enqueue time so a plain lexicographic sort yields arrival order. All
// writes go through a temporary file and a rename, so a crash never leaves
// a half-written entry visible.
package spool

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Metadata schema versions. Entries with an unrecognized version are never
// processed; the runner preserves them in the bad queue for operator
// inspection.
const (
	MetaVersion = 1

	// StopVersion marks the shutdown sentinel enqueued to wake a runner
	// that is blocked waiting for work.
	StopVersion = -1
)

// ErrBadVersion is returned by Dequeue for entries whose metadata carries
// an unknown schema version.
var ErrBadVersion = errors.New("spool: unsupported metadata version")

// Meta is the metadata sidecar accompanying every queued message. Fields
// are written by the ingress or a runner and consumed downstream; zero
// values mean "not set".
type Meta struct {
	Version int `json:"version"`

	ListName string    `json:"list_name,omitempty"`
	Received time.Time `json:"received,omitempty"`

	// Envelope sender as presented at MAIL FROM time. May differ from the
	// From: header and is the value bounce processing cares about.
	EnvSender string `json:"envelope_sender,omitempty"`

	// Explicit recipient set for the outgoing runner. When empty the
	// delivery agent falls back to the list membership.
	Recipients []string `json:"recipients,omitempty"`

	OriginalSize int64 `json:"original_size,omitempty"`

	// Sub-address routing flags set at RCPT time. At most one is true.
	ToList    bool `json:"to_list,omitempty"`
	ToOwner   bool `json:"to_owner,omitempty"`
	ToRequest bool `json:"to_request,omitempty"`
	ToBounce  bool `json:"to_bounce,omitempty"`
	ToConfirm bool `json:"to_confirm,omitempty"`
	ToJoin    bool `json:"to_join,omitempty"`
	ToLeave   bool `json:"to_leave,omitempty"`

	// IsDigest marks copies assembled by the digest machinery so the
	// pipeline does not re-accumulate them.
	IsDigest bool `json:"is_digest,omitempty"`

	// Retry bookkeeping for the outgoing and retry runners.
	RetryCount  int       `json:"retry_count,omitempty"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`

	// Populated when an entry is moved to the shunt queue.
	ShuntReason string `json:"shunt_reason,omitempty"`

	// Populated when a post is parked in the held queue for moderation.
	HoldReason string `json:"hold_reason,omitempty"`
}

// Switchboard is one named queue directory. It is safe for use by multiple
// processes concurrently: visibility is governed entirely by renames.
type Switchboard struct {
	name string
	dir  string

	// Destination for entries that cannot be parsed at all. Shares the
	// parent directory with the queue itself.
	badDir string
}

// Open returns the switchboard rooted at dir, creating the directory if
// needed, and moves any in-flight entries left behind by a crashed runner
// back into the visible queue. Stop sentinels from a previous process are
// discarded: they were addressed to a runner that no longer exists, and a
// fresh runner picking one up would exit before draining the queue. The
// second return value is the number of entries recovered.
func Open(dir string) (*Switchboard, int, error) {
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, 0, fmt.Errorf("spool: %w", err)
	}
	badDir := filepath.Join(filepath.Dir(dir), "bad")

	sb := &Switchboard{
		name:   filepath.Base(dir),
		dir:    dir,
		badDir: badDir,
	}

	recovered, err := sb.recover()
	if err != nil {
		return nil, 0, err
	}
	if err := sb.dropSentinels(); err != nil {
		return nil, 0, err
	}
	return sb, recovered, nil
}

func (sb *Switchboard) Name() string { return sb.name }
func (sb *Switchboard) Dir() string  { return sb.dir }

// recover renames *.bak entries back to their visible names. Called once
// at Open; entries in flight at crash time are re-delivered, so disposal
// must be idempotent.
func (sb *Switchboard) recover() (int, error) {
	entries, err := os.ReadDir(sb.dir)
	if err != nil {
		return 0, fmt.Errorf("spool %s: %w", sb.name, err)
	}

	n := 0
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, ".bak") {
			continue
		}
		restored := strings.TrimSuffix(name, ".bak")
		if err := os.Rename(filepath.Join(sb.dir, name), filepath.Join(sb.dir, restored)); err != nil {
			return n, fmt.Errorf("spool %s: recover %s: %w", sb.name, name, err)
		}
		if strings.HasSuffix(restored, ".pck") {
			n++
		}
	}
	return n, nil
}

// dropSentinels removes stop sentinels from the visible queue. Sidecars
// that cannot be read or parsed are left alone; Dequeue reports those
// properly later.
func (sb *Switchboard) dropSentinels() error {
	ids, err := sb.Files()
	if err != nil {
		return err
	}
	for _, id := range ids {
		pck, err := os.ReadFile(filepath.Join(sb.dir, id+".pck"))
		if err != nil {
			continue
		}
		meta := &Meta{}
		if err := json.Unmarshal(pck, meta); err != nil {
			continue
		}
		if meta.Version != StopVersion {
			continue
		}
		if err := os.Remove(filepath.Join(sb.dir, id+".pck")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("spool %s: drop sentinel %s: %w", sb.name, id, err)
		}
		if err := os.Remove(filepath.Join(sb.dir, id+".msg")); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("spool %s: drop sentinel %s: %w", sb.name, id, err)
		}
	}
	return nil
}

// Enqueue atomically stores a message and its metadata, returning the new
// entry id. meta.Version and meta.Received are filled in if unset.
func (sb *Switchboard) Enqueue(msg []byte, meta *Meta) (string, error) {
	m := *meta
	if m.Version == 0 {
		m.Version = MetaVersion
	}
	if m.Received.IsZero() {
		m.Received = time.Now()
	}

	id := newID(msg)

	if err := sb.writePair(id, msg, &m); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueStop places the shutdown sentinel on the queue. A runner draining
// the queue treats it as a request to exit its loop.
func (sb *Switchboard) EnqueueStop() error {
	_, err := sb.Enqueue(nil, &Meta{Version: StopVersion, Received: time.Now()})
	return err
}

// writePair writes the .msg and .pck files for id through temp files. The
// .pck rename goes last: an entry without its sidecar is invisible to
// Files, so a crash between the two renames cannot expose a torn entry.
func (sb *Switchboard) writePair(id string, msg []byte, meta *Meta) error {
	pck, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("spool %s: %w", sb.name, err)
	}

	if err := writeAtomic(filepath.Join(sb.dir, id+".msg"), msg); err != nil {
		return fmt.Errorf("spool %s: %w", sb.name, err)
	}
	if err := writeAtomic(filepath.Join(sb.dir, id+".pck"), pck); err != nil {
		return fmt.Errorf("spool %s: %w", sb.name, err)
	}
	return nil
}

// Files returns the ids of all visible entries in arrival order.
func (sb *Switchboard) Files() ([]string, error) {
	entries, err := os.ReadDir(sb.dir)
	if err != nil {
		return nil, fmt.Errorf("spool %s: %w", sb.name, err)
	}

	var ids []string
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, ".pck") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".pck"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Dequeue marks the entry in flight by renaming both files to a .bak
// suffix, then reads them. Until Finish or Requeue is called the entry is
// invisible to Files but survives a crash (recover restores it).
//
// ErrBadVersion is returned for entries with an unknown metadata schema;
// the caller should Preserve them.
func (sb *Switchboard) Dequeue(id string) ([]byte, *Meta, error) {
	pckPath := filepath.Join(sb.dir, id+".pck")
	msgPath := filepath.Join(sb.dir, id+".msg")

	if err := os.Rename(pckPath, pckPath+".bak"); err != nil {
		return nil, nil, fmt.Errorf("spool %s: dequeue %s: %w", sb.name, id, err)
	}
	if err := os.Rename(msgPath, msgPath+".bak"); err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("spool %s: dequeue %s: %w", sb.name, id, err)
	}

	pck, err := os.ReadFile(pckPath + ".bak")
	if err != nil {
		return nil, nil, fmt.Errorf("spool %s: dequeue %s: %w", sb.name, id, err)
	}
	meta := &Meta{}
	if err := json.Unmarshal(pck, meta); err != nil {
		return nil, nil, fmt.Errorf("spool %s: dequeue %s: %w", sb.name, id, err)
	}
	if meta.Version != MetaVersion && meta.Version != StopVersion {
		return nil, meta, fmt.Errorf("spool %s: entry %s version %d: %w",
			sb.name, id, meta.Version, ErrBadVersion)
	}

	msg, err := os.ReadFile(msgPath + ".bak")
	if err != nil {
		if os.IsNotExist(err) {
			// Sentinels have no message body.
			return nil, meta, nil
		}
		return nil, nil, fmt.Errorf("spool %s: dequeue %s: %w", sb.name, id, err)
	}
	return msg, meta, nil
}

// Finish removes a dequeued entry permanently.
func (sb *Switchboard) Finish(id string) error {
	pckPath := filepath.Join(sb.dir, id+".pck.bak")
	msgPath := filepath.Join(sb.dir, id+".msg.bak")

	if err := os.Remove(pckPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spool %s: finish %s: %w", sb.name, id, err)
	}
	if err := os.Remove(msgPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spool %s: finish %s: %w", sb.name, id, err)
	}
	return nil
}

// Requeue returns a dequeued entry to the visible queue under its original
// id, replacing the metadata (and message, when non-nil) with the updated
// copies. Used when disposal failed transiently.
func (sb *Switchboard) Requeue(id string, msg []byte, meta *Meta) error {
	if msg == nil {
		// Keep the stored message bytes; only the sidecar changes.
		msgPath := filepath.Join(sb.dir, id+".msg")
		if err := os.Rename(msgPath+".bak", msgPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("spool %s: requeue %s: %w", sb.name, id, err)
		}
	} else {
		if err := writeAtomic(filepath.Join(sb.dir, id+".msg"), msg); err != nil {
			return fmt.Errorf("spool %s: requeue %s: %w", sb.name, id, err)
		}
		_ = os.Remove(filepath.Join(sb.dir, id+".msg.bak"))
	}

	pck, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("spool %s: requeue %s: %w", sb.name, id, err)
	}
	if err := writeAtomic(filepath.Join(sb.dir, id+".pck"), pck); err != nil {
		return fmt.Errorf("spool %s: requeue %s: %w", sb.name, id, err)
	}
	_ = os.Remove(filepath.Join(sb.dir, id+".pck.bak"))
	return nil
}

// Preserve moves a dequeued entry into the sibling bad queue with a .psv
// suffix so it is never picked up again but remains for inspection.
func (sb *Switchboard) Preserve(id string) error {
	if err := os.MkdirAll(sb.badDir, 0o770); err != nil {
		return fmt.Errorf("spool %s: %w", sb.name, err)
	}

	for _, ext := range []string{".pck", ".msg"} {
		src := filepath.Join(sb.dir, id+ext+".bak")
		dst := filepath.Join(sb.badDir, id+ext+".psv")
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("spool %s: preserve %s: %w", sb.name, id, err)
		}
	}
	return nil
}

// Len reports the number of visible entries. Used by metrics collection.
func (sb *Switchboard) Len() (int, error) {
	ids, err := sb.Files()
	return len(ids), err
}

// newID builds a queue entry id of the form <seconds>.<nanos>+<digest>.
// The fixed-width time prefix makes lexicographic order equal arrival
// order; the digest over the message, the pid and random bytes keeps ids
// unique even for identical messages enqueued in the same nanosecond.
func newID(msg []byte) string {
	now := time.Now()

	h := sha1.New()
	h.Write(msg)
	fmt.Fprintf(h, "%d", os.Getpid())
	var rnd [8]byte
	_, _ = rand.Read(rnd[:])
	h.Write(rnd[:])

	return fmt.Sprintf("%010d.%09d+%s",
		now.Unix(), now.Nanosecond(), hex.EncodeToString(h.Sum(nil))[:8])
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o660); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
