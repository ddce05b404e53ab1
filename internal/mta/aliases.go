package mta

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/lock"
)

// Service sub-destinations every list answers on, in the order they are
// written to the alias map.
var subDestinations = []string{
	"bounces", "confirm", "join", "leave",
	"owner", "request", "subscribe", "unsubscribe",
}

const aliasFileName = "postfix_lmtp"

// mtaLockTimeout bounds how long regeneration waits for a concurrent
// writer in another process.
const mtaLockTimeout = 30 * time.Second

// AliasWriter regenerates the Postfix transport map routing list
// addresses to our LMTP listener. Create, Delete and Regenerate are all
// the same full-file rewrite, which makes every operation idempotent.
type AliasWriter struct {
	Store *list.Store
	Cfg   *config.Config
	Log   log.Logger

	// postmap can be overridden by tests; defaults to executing the
	// configured postfix map command.
	postmap func(path string) error
}

func NewAliasWriter(store *list.Store, cfg *config.Config, l log.Logger) *AliasWriter {
	w := &AliasWriter{Store: store, Cfg: cfg, Log: l}
	w.postmap = w.execPostmap
	return w
}

// Create makes the alias map cover a newly created list.
func (w *AliasWriter) Create(*list.List) error { return w.Regenerate() }

// Delete drops a removed list from the alias map.
func (w *AliasWriter) Delete(*list.List) error { return w.Regenerate() }

// Regenerate rewrites the alias map from the current set of lists. The
// global MTA lock serializes writers across processes; the final rename
// means readers always see a complete file.
func (w *AliasWriter) Regenerate() error {
	lk, err := lock.Acquire(filepath.Join(w.Cfg.LockDir, "mta"), mtaLockTimeout)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	names, err := w.Store.Names()
	if err != nil {
		return err
	}

	// Group by mail domain, lists sorted within each group.
	byDomain := map[string][]*list.List{}
	for _, name := range names {
		l, err := w.Store.Load(name)
		if err != nil {
			return err
		}
		byDomain[l.Domain()] = append(byDomain[l.Domain()], l)
	}
	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
		sort.Slice(byDomain[d], func(i, j int) bool {
			return byDomain[d][i].LocalPart() < byDomain[d][j].LocalPart()
		})
	}
	sort.Strings(domains)

	if err := os.MkdirAll(w.Cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("mta: %w", err)
	}
	livePath := filepath.Join(w.Cfg.DataDir, aliasFileName)
	newPath := livePath + ".new"

	f, err := os.OpenFile(newPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("mta: %w", err)
	}

	target := fmt.Sprintf("lmtp:inet:%s:%d", w.Cfg.MTA.LMTPHost, w.Cfg.MTA.LMTPPort)
	var b strings.Builder
	b.WriteString("# AUTOMATICALLY GENERATED - DO NOT EDIT\n")
	b.WriteString("#\n")
	b.WriteString("# This file maps mailing list addresses to the LMTP listener.\n")
	b.WriteString("# Manual changes are overwritten on the next regeneration.\n")

	for _, domain := range domains {
		group := byDomain[domain]
		b.WriteString("\n# Aliases visible in the " + domain + " domain.\n")

		// Column alignment from the longest alias in the group keeps
		// regeneration diffs minimal.
		width := 0
		for _, l := range group {
			longest := len(l.LocalPart()) + 1 + len("unsubscribe") + 1 + len(domain)
			if longest > width {
				width = longest
			}
		}

		for _, l := range group {
			fmt.Fprintf(&b, "%-*s %s\n", width, l.PostAddress(), target)
			for _, sub := range subDestinations {
				fmt.Fprintf(&b, "%-*s %s\n", width, l.SubAddress(sub), target)
			}
		}
	}

	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(newPath)
		return fmt.Errorf("mta: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(newPath)
		return fmt.Errorf("mta: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(newPath)
		return fmt.Errorf("mta: %w", err)
	}
	if err := os.Rename(newPath, livePath); err != nil {
		os.Remove(newPath)
		return fmt.Errorf("mta: %w", err)
	}

	if err := w.postmap(livePath); err != nil {
		w.Log.Error("postmap", err, "path", livePath)
		return err
	}
	return nil
}

// execPostmap rebuilds the MTA's binary index over the live file.
func (w *AliasWriter) execPostmap(path string) error {
	cmd := w.Cfg.MTA.PostfixMapCmd
	if cmd == "" {
		return nil
	}
	out, err := exec.Command(cmd, path).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mta: %s %s: %v: %s", cmd, path, err, strings.TrimSpace(string(out)))
	}
	return nil
}
