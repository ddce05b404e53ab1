// Package mta covers both directions of the MTA boundary: handing
// finished messages to the local transport for delivery, and generating
// the alias map that routes list mail back into the engine.
package mta

import (
	"bytes"
	"fmt"
	"os/exec"

	"github.com/dhanikabulath/mailman3/framework/log"
)

// MTA delivers one finished message. Implementations must be safe for
// sequential reuse; the outgoing runner calls Send once per queue entry.
type MTA interface {
	Send(envelopeFrom string, envelopeTo []string, msg []byte) error
}

// Sendmail pipes the message to a sendmail-compatible binary.
type Sendmail string

func (s Sendmail) Send(envelopeFrom string, envelopeTo []string, msg []byte) error {
	args := []string{"-i", "-f", envelopeFrom, "--"}
	args = append(args, envelopeTo...)

	cmd := exec.Command(string(s), args...)
	cmd.Stdin = bytes.NewReader(msg)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mta: %s: %v: %s", s, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

// DummyMTA logs deliveries and drops them. Used when no transport is
// configured, e.g. during list setup on a fresh host.
type DummyMTA struct {
	Log log.Logger
}

func (d DummyMTA) Send(envelopeFrom string, envelopeTo []string, msg []byte) error {
	d.Log.Msg("discarding outbound message",
		"env_from", envelopeFrom, "rcpt_count", len(envelopeTo), "size", len(msg))
	return nil
}

// Outbound is one captured delivery.
type Outbound struct {
	EnvelopeFrom string
	EnvelopeTo   []string
	Msg          []byte
}

// ChanMTA passes deliveries to a channel so tests can assert on them.
type ChanMTA chan Outbound

func (c ChanMTA) Send(envelopeFrom string, envelopeTo []string, msg []byte) error {
	c <- Outbound{EnvelopeFrom: envelopeFrom, EnvelopeTo: append([]string(nil), envelopeTo...), Msg: msg}
	return nil
}
