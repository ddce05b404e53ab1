// Package digest accumulates list posts into a per-list mailbox and, once
// the mailbox outgrows the list's threshold, assembles them into digest
// issues: a MIME multipart rendition and an RFC 1153 flat text rendition.
package digest

import (
	"os"
	"time"

	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/mbox"
	"github.com/dhanikabulath/mailman3/internal/pipeline"
)

// Handler is the pipeline stage that feeds the accumulator. It runs under
// the incoming runner's list lock, which serializes mailbox appends and
// issue numbering.
type Handler struct{}

func (Handler) Name() string { return "to-digest" }

func (Handler) Handle(ctx *pipeline.Context) (pipeline.Outcome, error) {
	l := ctx.List
	if !l.Digestable || ctx.Meta.IsDigest {
		return pipeline.Continue(), nil
	}

	raw, err := ctx.Msg.Bytes()
	if err != nil {
		return pipeline.Continue(), err
	}

	path := ctx.Store.DigestMboxPath(l)
	if err := mbox.Append(path, ctx.Msg.SenderAddr(ctx.Meta.EnvSender), ctx.Now, raw); err != nil {
		return pipeline.Continue(), err
	}

	size, err := mbox.Size(path)
	if err != nil {
		return pipeline.Continue(), err
	}
	if l.DigestSizeThreshold <= 0 || size < int64(l.DigestSizeThreshold)*1024 {
		return pipeline.Continue(), nil
	}

	if err := AssembleFromMbox(ctx, path); err != nil {
		// The mailbox stays on disk so the next post retries assembly.
		return pipeline.Continue(), err
	}
	return pipeline.Continue(), nil
}

// AssembleFromMbox reads the accumulation mailbox, assembles and enqueues
// the digest pair, and unlinks the mailbox. List counters are only
// advanced after the virgin enqueue succeeded.
func AssembleFromMbox(ctx *pipeline.Context, path string) error {
	msgs, err := mbox.ReadAll(path)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		// Nothing accumulated; silently skip, dropping the empty file.
		_ = os.Remove(path)
		return nil
	}

	if err := Assemble(ctx.List, msgs, ctx.Now, ctx.Virgin); err != nil {
		return err
	}
	return os.Remove(path)
}

// volumeBucket maps a point in time to the volume period it falls in
// under the given frequency. Two times in the same period map to equal
// buckets.
func volumeBucket(freq list.DigestFrequency, t time.Time) int {
	t = t.UTC()
	switch freq {
	case list.VolumeYearly:
		return t.Year()
	case list.VolumeMonthly:
		return t.Year()*12 + int(t.Month()) - 1
	case list.VolumeQuarterly:
		// Calendar quarters: Jan-Mar, Apr-Jun, Jul-Sep, Oct-Dec.
		return t.Year()*4 + (int(t.Month())-1)/3
	case list.VolumeWeekly:
		year, week := t.ISOWeek()
		return year*54 + week
	default:
		return t.Year()*366 + t.YearDay()
	}
}

// bumpVolume reports the (volume, issue) pair the next digest should
// carry, advancing the volume when the last issue was sent in an earlier
// period.
func bumpVolume(l *list.List, now time.Time) (volume, issue int) {
	volume, issue = l.Volume, l.NextDigestNumber
	if volume == 0 {
		volume = 1
	}
	if issue == 0 {
		issue = 1
	}

	if !l.DigestLastSentAt.IsZero() &&
		volumeBucket(l.DigestVolumeFrequency, l.DigestLastSentAt) !=
			volumeBucket(l.DigestVolumeFrequency, now) {
		volume++
		issue = 1
	}
	return volume, issue
}
