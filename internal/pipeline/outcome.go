package pipeline

import "fmt"

type outcomeKind int

const (
	kindContinue outcomeKind = iota
	kindStop
	kindDiscard
	kindReject
	kindHold
)

// Outcome is the result of one handler stage. Continue passes the message
// to the next handler; Stop ends the chain successfully; Discard drops the
// message silently; Reject bounces it back to the sender with a reason;
// Hold parks it for moderator review.
type Outcome struct {
	kind   outcomeKind
	Reason string
}

func Continue() Outcome            { return Outcome{kind: kindContinue} }
func Stop() Outcome                { return Outcome{kind: kindStop} }
func Discard(reason string) Outcome { return Outcome{kind: kindDiscard, Reason: reason} }
func Reject(reason string) Outcome  { return Outcome{kind: kindReject, Reason: reason} }
func Hold(reason string) Outcome    { return Outcome{kind: kindHold, Reason: reason} }

func (o Outcome) IsContinue() bool { return o.kind == kindContinue }
func (o Outcome) IsStop() bool     { return o.kind == kindStop }
func (o Outcome) IsDiscard() bool  { return o.kind == kindDiscard }
func (o Outcome) IsReject() bool   { return o.kind == kindReject }
func (o Outcome) IsHold() bool     { return o.kind == kindHold }

func (o Outcome) String() string {
	switch o.kind {
	case kindContinue:
		return "continue"
	case kindStop:
		return "stop"
	case kindDiscard:
		return "discard"
	case kindReject:
		return fmt.Sprintf("reject (%s)", o.Reason)
	case kindHold:
		return fmt.Sprintf("hold (%s)", o.Reason)
	}
	return "unknown"
}
