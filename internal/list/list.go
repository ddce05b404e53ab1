// Package list defines the mailing list record, its membership roster and
// the on-disk store that persists both.
//
// A list is identified by its fully qualified posting address
// ("ant@example.org"). All mutable state of a list lives in a single JSON
// document under the list data directory and is guarded by one advisory
// lock per list, so runners in separate processes serialize on it.
package list

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DigestFrequency controls when the digest volume counter advances.
type DigestFrequency int

const (
	VolumeYearly DigestFrequency = iota
	VolumeMonthly
	VolumeQuarterly
	VolumeWeekly
	VolumeDaily
)

func (f DigestFrequency) String() string {
	switch f {
	case VolumeYearly:
		return "yearly"
	case VolumeMonthly:
		return "monthly"
	case VolumeQuarterly:
		return "quarterly"
	case VolumeWeekly:
		return "weekly"
	case VolumeDaily:
		return "daily"
	}
	return fmt.Sprintf("DigestFrequency(%d)", int(f))
}

// Member is one roster entry.
type Member struct {
	Address  string `json:"address"`
	RealName string `json:"real_name,omitempty"`
	Language string `json:"language,omitempty"`

	// Digest selects digest delivery instead of one message per post.
	Digest bool `json:"digest,omitempty"`

	// DisableMime requests the RFC 1153 plain text digest rendition.
	DisableMime bool `json:"disable_mime,omitempty"`

	// DeliveryDisabled suspends delivery without dropping the
	// subscription. Set by the member or by bounce processing.
	DeliveryDisabled bool `json:"delivery_disabled,omitempty"`

	Moderated bool `json:"moderated,omitempty"`
}

// BounceInfo tracks the bounce history of one member, keyed by the post id
// counter of the list rather than wall time.
type BounceInfo struct {
	FirstSeen   time.Time `json:"first_seen"`
	FirstPostID int       `json:"first_post_id"`
	LastPostID  int       `json:"last_post_id"`
}

// ResponseRecord counts autoresponses sent to one address on one day.
type ResponseRecord struct {
	Date  string `json:"date"` // YYYYMMDD
	Count int    `json:"count"`
}

// List is the full persistent state of one mailing list.
type List struct {
	// Name is the fully qualified posting address, "local@domain".
	Name     string `json:"name"`
	RealName string `json:"real_name,omitempty"`
	Language string `json:"language,omitempty"`

	Description   string `json:"description,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`

	Owners []string `json:"owners,omitempty"`

	// Administrivia enables the guard that holds posts which look like
	// misdirected email commands.
	Administrivia bool `json:"administrivia,omitempty"`

	// Posting policy consulted by the incoming pipeline.
	MaxMessageSize      int    `json:"max_message_size,omitempty"` // KiB, 0 = unlimited
	ModeratorPassword   string `json:"moderator_password,omitempty"`
	ReplyGoesToList     bool   `json:"reply_goes_to_list,omitempty"`
	FilterHTML          bool   `json:"filter_html,omitempty"`
	AutorespondRequests bool   `json:"autorespond_requests,omitempty"`

	// Digest configuration.
	Digestable            bool            `json:"digestable"`
	NonDigestable         bool            `json:"non_digestable"`
	MimeIsDefaultDigest   bool            `json:"mime_is_default_digest,omitempty"`
	DigestSizeThreshold   int             `json:"digest_size_threshold"` // KiB
	DigestVolumeFrequency DigestFrequency `json:"digest_volume_frequency"`
	DigestHeader          string          `json:"digest_header,omitempty"`
	DigestFooter          string          `json:"digest_footer,omitempty"`

	// Digest issue state, advanced only after a digest is safely queued.
	Volume           int       `json:"volume"`
	NextDigestNumber int       `json:"next_digest_number"`
	DigestLastSentAt time.Time `json:"digest_last_sent_at,omitempty"`

	// Addresses that switched away from digest delivery mid-issue and are
	// owed one final digest.
	OneLastDigest map[string]bool `json:"one_last_digest,omitempty"`

	Members map[string]*Member `json:"members"`

	// Post counter, incremented per accepted post. Bounce scoring is
	// expressed in this clock.
	PostID int `json:"post_id"`

	BounceInfo map[string]*BounceInfo `json:"bounce_info,omitempty"`

	// Autoresponse rate limiting, keyed by lowercased address.
	AutoResponses          map[string]*ResponseRecord `json:"auto_responses,omitempty"`
	MaxAutoresponsesPerDay int                        `json:"max_autoresponses_per_day,omitempty"`

	// dir is the list's private directory, set by the store on load.
	dir string
}

// New returns a list with the default knobs for a freshly created list.
func New(name string) *List {
	return &List{
		Name:                   name,
		RealName:               localPart(name),
		Language:               "en",
		SubjectPrefix:          "[" + localPart(name) + "] ",
		Administrivia:          true,
		MaxMessageSize:         40, // KiB
		Digestable:             true,
		NonDigestable:          true,
		MimeIsDefaultDigest:    false,
		DigestSizeThreshold:    30, // KiB
		DigestVolumeFrequency:  VolumeMonthly,
		Volume:                 1,
		NextDigestNumber:       1,
		Members:                map[string]*Member{},
		MaxAutoresponsesPerDay: 10,
	}
}

// LocalPart returns the part of the posting address before the "@".
func (l *List) LocalPart() string { return localPart(l.Name) }

// Domain returns the mail domain of the posting address.
func (l *List) Domain() string {
	if i := strings.IndexByte(l.Name, '@'); i >= 0 {
		return l.Name[i+1:]
	}
	return ""
}

// SubAddress builds the delivery address for one of the list's service
// sub-destinations ("bounces", "request", ...). An empty sub yields the
// posting address itself.
func (l *List) SubAddress(sub string) string {
	if sub == "" {
		return l.Name
	}
	return l.LocalPart() + "-" + sub + "@" + l.Domain()
}

func (l *List) PostAddress() string    { return l.SubAddress("") }
func (l *List) BouncesAddress() string { return l.SubAddress("bounces") }
func (l *List) OwnerAddress() string   { return l.SubAddress("owner") }
func (l *List) RequestAddress() string { return l.SubAddress("request") }

// Dir is the list's private directory (digest mailbox, pending database).
func (l *List) Dir() string { return l.dir }

// Member looks up a roster entry by address, case-insensitively on the
// domain and exactly on the local part first, then case-insensitively
// overall as a fallback.
func (l *List) Member(addr string) *Member {
	if m, ok := l.Members[addr]; ok {
		return m
	}
	if m, ok := l.Members[strings.ToLower(addr)]; ok {
		return m
	}
	lower := strings.ToLower(addr)
	for k, m := range l.Members {
		if strings.ToLower(k) == lower {
			return m
		}
	}
	return nil
}

// IsMember reports whether addr is subscribed.
func (l *List) IsMember(addr string) bool { return l.Member(addr) != nil }

// AddMember subscribes addr. The caller holds the list lock.
func (l *List) AddMember(m *Member) error {
	if l.Members == nil {
		l.Members = map[string]*Member{}
	}
	key := strings.ToLower(m.Address)
	if _, ok := l.Members[key]; ok {
		return fmt.Errorf("list %s: %s is already a member", l.Name, m.Address)
	}
	l.Members[key] = m
	return nil
}

// RemoveMember drops addr from the roster along with its bounce history.
func (l *List) RemoveMember(addr string) error {
	key := strings.ToLower(addr)
	if _, ok := l.Members[key]; !ok {
		return fmt.Errorf("list %s: %s is not a member", l.Name, addr)
	}
	delete(l.Members, key)
	delete(l.BounceInfo, key)
	delete(l.OneLastDigest, key)
	return nil
}

// RegularRecipients returns addresses receiving one copy per post, sorted.
func (l *List) RegularRecipients() []string {
	var out []string
	for _, m := range l.Members {
		if m.Digest || m.DeliveryDisabled {
			continue
		}
		out = append(out, m.Address)
	}
	sort.Strings(out)
	return out
}

// DigestRecipients partitions digest members into MIME and plain text
// receivers, including anyone owed one last digest. Delivery-disabled
// members are skipped. Both slices are sorted.
func (l *List) DigestRecipients() (mime, plain []string) {
	seen := map[string]bool{}
	add := func(m *Member) {
		key := strings.ToLower(m.Address)
		if seen[key] || m.DeliveryDisabled {
			return
		}
		seen[key] = true
		if m.DisableMime {
			plain = append(plain, m.Address)
		} else {
			mime = append(mime, m.Address)
		}
	}

	for _, m := range l.Members {
		if m.Digest {
			add(m)
		}
	}
	for addr := range l.OneLastDigest {
		if m := l.Member(addr); m != nil {
			add(m)
		}
	}

	sort.Strings(mime)
	sort.Strings(plain)
	return mime, plain
}

// ClearOneLastDigest empties the one-last-digest set. Called after the
// recipient partition of an assembled digest has been fixed.
func (l *List) ClearOneLastDigest() { l.OneLastDigest = nil }

// OkToAutorespond checks and updates the daily autoresponse budget for
// addr. Returns false once the cap is reached; a cap of zero or less
// means unlimited.
func (l *List) OkToAutorespond(addr string, now time.Time) bool {
	if l.MaxAutoresponsesPerDay <= 0 {
		return true
	}
	if l.AutoResponses == nil {
		l.AutoResponses = map[string]*ResponseRecord{}
	}

	key := strings.ToLower(addr)
	today := now.UTC().Format("20060102")
	rec := l.AutoResponses[key]
	if rec == nil || rec.Date != today {
		l.AutoResponses[key] = &ResponseRecord{Date: today, Count: 1}
		return true
	}
	if rec.Count >= l.MaxAutoresponsesPerDay {
		return false
	}
	rec.Count++
	return true
}

func localPart(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}
