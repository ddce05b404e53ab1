// Package bounce recognises delivery failure mail, extracts the failing
// member addresses and either removes them outright or feeds the per-list
// bounce scorer.
package bounce

import (
	"regexp"
	"strings"

	"github.com/dhanikabulath/mailman3/internal/message"
)

// Action classifies one extracted address.
type Action int

const (
	// ActionBounce is a soft failure: record a scoring event.
	ActionBounce Action = iota
	// ActionRemove is a hard failure: retire the address immediately.
	ActionRemove
)

// Hit is one address found in a bounce message.
type Hit struct {
	Address string
	Action  Action
}

// Local parts that identify bounce-generating agents. Mail from anybody
// else is never scanned.
var bounceSenders = map[string]bool{
	"mailer-daemon": true,
	"postmaster":    true,
	"orphanage":     true,
	"postoffice":    true,
	"ucx_smtp":      true,
	"a2":            true,
}

// FromBounceAgent reports whether the message's From local part belongs
// to a known bounce-generating agent.
func FromBounceAgent(msg *message.Msg, envSender string) bool {
	addr := msg.SenderAddr(envSender)
	local := addr
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		local = addr[:i]
	}
	return bounceSenders[strings.ToLower(local)]
}

const addrPat = `[A-Za-z0-9._%+=-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`
const localPat = `[A-Za-z0-9._%+=-]+`

// Primary table: SMTP reply codes followed by an email-shaped token on
// the same line. 550 is a hard user-unknown; the others are treated as
// soft failures worth a scoring event.
var codePatterns = []struct {
	re     *regexp.Regexp
	action Action
}{
	{regexp.MustCompile(`(?i)\b550\b[^\r\n]*?<?(` + addrPat + `)>?`), ActionRemove},
	{regexp.MustCompile(`(?i)\b(?:451|554|552|501|553)\b[^\r\n]*?<?(` + addrPat + `)>?`), ActionBounce},
	{regexp.MustCompile(`(?i)\bUser\s+<?(` + addrPat + `)>?\s+not\s+known\b`), ActionRemove},
	{regexp.MustCompile(`(?i)<?(` + addrPat + `)>?:?\s+User\s+unknown\b`), ActionRemove},
}

// Secondary table: vendor-specific plain text forms carrying only a local
// part, which is joined with the bounce originator's domain.
var messyPatterns = []struct {
	re     *regexp.Regexp
	action Action
}{
	{regexp.MustCompile(`(?im)^\s*Recipient:\s*<?(` + localPat + `)>?\s*$`), ActionBounce},
	{regexp.MustCompile(`(?im)^\s*Addressee:\s*<?(` + localPat + `)>?\s*$`), ActionBounce},
	{regexp.MustCompile(`(?i)\bUser\s+(` + localPat + `)\s+not\s+listed\b`), ActionRemove},
	{regexp.MustCompile(`(?i)\bUser\s+(` + localPat + `)\s+is\s+not\s+defined\b`), ActionRemove},
	{regexp.MustCompile(`(?im)^\s*(` + localPat + `)\s+-\s+User\s+currently\s+disabled\b`), ActionBounce},
	{regexp.MustCompile(`(?im)^\s*(` + localPat + `):\s+User\s+unknown\b`), ActionRemove},
}

// Lines that mark the start of the quoted original message; scanning
// past them would attribute bounces to addresses in the quoted copy.
var postambleMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^-+\s*Original message`),
	regexp.MustCompile(`(?i)^-+\s*Below this line is a copy`),
	regexp.MustCompile(`(?i)^-+\s*This is a copy of the message`),
	regexp.MustCompile(`(?i)^-+\s*Undelivered message follows`),
	regexp.MustCompile(`(?i)^Content-Type:\s*message/rfc822`),
}

// Scan extracts failing addresses from a bounce message. The scan region
// is the first MIME sub-part for multipart DSNs, otherwise the body with
// the quoted original stripped off.
func Scan(msg *message.Msg) []Hit {
	region := scanRegion(msg)
	domain := originatorDomain(msg)

	seen := map[string]Action{}
	order := []string{}
	record := func(addr string, action Action) {
		addr = strings.ToLower(strings.Trim(addr, "<>"))
		if addr == "" {
			return
		}
		prev, ok := seen[addr]
		if !ok {
			seen[addr] = action
			order = append(order, addr)
			return
		}
		// A hard failure wins over a soft one for the same address.
		if action == ActionRemove && prev == ActionBounce {
			seen[addr] = ActionRemove
		}
	}

	for _, line := range strings.Split(region, "\n") {
		matched := false
		for _, p := range codePatterns {
			if m := p.re.FindStringSubmatch(line); m != nil {
				record(m[1], p.action)
				matched = true
				break
			}
		}
		if matched {
			continue
		}
		for _, p := range messyPatterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			addr := m[1]
			if !strings.ContainsRune(addr, '@') {
				if domain == "" {
					break
				}
				addr += "@" + domain
			}
			record(addr, p.action)
			break
		}
	}

	hits := make([]Hit, 0, len(order))
	for _, addr := range order {
		hits = append(hits, Hit{Address: addr, Action: seen[addr]})
	}
	return hits
}

// scanRegion returns the text the heuristics run over.
func scanRegion(msg *message.Msg) string {
	body := string(msg.Body)

	if strings.HasPrefix(msg.ContentType(), "multipart/") {
		if boundary := msg.Boundary(); boundary != "" {
			parts := strings.Split(body, "--"+boundary)
			// parts[0] is the preamble; the first real sub-part follows.
			for _, part := range parts[1:] {
				part = strings.TrimSpace(strings.TrimSuffix(part, "--"))
				if part != "" {
					return part
				}
			}
		}
		return body
	}

	var kept []string
	for _, line := range strings.Split(body, "\n") {
		stop := false
		for _, marker := range postambleMarkers {
			if marker.MatchString(strings.TrimRight(line, "\r")) {
				stop = true
				break
			}
		}
		if stop {
			break
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// originatorDomain is the domain half of the bounce's From address, used
// to complete bare local parts from the messy patterns.
func originatorDomain(msg *message.Msg) string {
	addr := msg.SenderAddr("")
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}
