package bounce

import (
	"strings"
	"time"

	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/list"
)

// Scorer applies the bounce retirement policy to one list's members.
// All thresholds come from the site configuration.
type Scorer struct {
	// MinRemovalDays is the minimum age of a bounce record, in days,
	// before it can trigger removal.
	MinRemovalDays int
	// MinPostCount is how many list posts must pass after the first
	// bounce before removal.
	MinPostCount int
	// MaxPostsBetween: a gap larger than this between bounces marks the
	// record stale and resets it instead of scoring.
	MaxPostsBetween int

	Log log.Logger
}

// Register records one soft bounce for addr and reports whether the
// member crossed the retirement thresholds and was removed.
//
// The clock is the list's post counter; digest members bounce at most
// once per issue, so their clock is the volume number instead.
func (s *Scorer) Register(l *list.List, addr string, now time.Time) (removed bool) {
	m := l.Member(addr)
	if m == nil {
		return false
	}

	clock := l.PostID
	if m.Digest {
		clock = l.Volume
	}

	if l.BounceInfo == nil {
		l.BounceInfo = map[string]*list.BounceInfo{}
	}
	key := strings.ToLower(m.Address)

	inf := l.BounceInfo[key]
	if inf == nil {
		l.BounceInfo[key] = &list.BounceInfo{
			FirstSeen:   now,
			FirstPostID: clock,
			LastPostID:  clock,
		}
		s.Log.Msg("first bounce", "list", l.Name, "member", m.Address)
		return false
	}

	if clock-inf.LastPostID > s.MaxPostsBetween {
		// The member delivered fine for a long stretch; the old record
		// is history, start over.
		inf.FirstSeen = now
		inf.FirstPostID = clock
		inf.LastPostID = clock
		s.Log.Msg("stale bounce record reset", "list", l.Name, "member", m.Address)
		return false
	}
	inf.LastPostID = clock

	remaining := s.MinPostCount - (clock - inf.FirstPostID)
	if remaining < 0 {
		remaining = 0
	}
	age := now.Sub(inf.FirstSeen)
	if remaining == 0 && age >= time.Duration(s.MinRemovalDays)*24*time.Hour {
		s.remove(l, m.Address)
		return true
	}

	s.Log.DebugMsg("bounce scored", "list", l.Name, "member", m.Address,
		"remaining_posts", remaining)
	return false
}

// Remove retires addr immediately, as demanded by a hard failure.
func (s *Scorer) Remove(l *list.List, addr string) bool {
	if l.Member(addr) == nil {
		return false
	}
	s.remove(l, addr)
	return true
}

func (s *Scorer) remove(l *list.List, addr string) {
	if err := l.RemoveMember(addr); err != nil {
		s.Log.Error("bounce removal", err, "list", l.Name, "member", addr)
		return
	}
	s.Log.Msg("member removed by bounce processing", "list", l.Name, "member", addr)
}
