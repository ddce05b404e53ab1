// Package mailman assembles the mailing list engine: it opens the
// spools, wires the queue runners to their processors, starts the LMTP
// ingress and keeps everything running until a shutdown signal arrives.
package mailman

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/bounce"
	"github.com/dhanikabulath/mailman3/internal/command"
	"github.com/dhanikabulath/mailman3/internal/config"
	"github.com/dhanikabulath/mailman3/internal/digest"
	"github.com/dhanikabulath/mailman3/internal/list"
	"github.com/dhanikabulath/mailman3/internal/lmtp"
	"github.com/dhanikabulath/mailman3/internal/mta"
	"github.com/dhanikabulath/mailman3/internal/pipeline"
	"github.com/dhanikabulath/mailman3/internal/runner"
	"github.com/dhanikabulath/mailman3/internal/spool"
)

// Version is overridden at link time by the release build.
var Version = "unknown"

// queues holds one switchboard per named spool directory.
type queues struct {
	in      *spool.Switchboard
	out     *spool.Switchboard
	cmd     *spool.Switchboard
	bounces *spool.Switchboard
	virgin  *spool.Switchboard
	archive *spool.Switchboard
	held    *spool.Switchboard
	shunt   *spool.Switchboard
}

func openQueues(cfg *config.Config, l log.Logger) (*queues, error) {
	q := &queues{}
	for _, ent := range []struct {
		name string
		dst  **spool.Switchboard
	}{
		{"in", &q.in},
		{"out", &q.out},
		{"cmd", &q.cmd},
		{"bounces", &q.bounces},
		{"virgin", &q.virgin},
		{"archive", &q.archive},
		{"held", &q.held},
		{"shunt", &q.shunt},
	} {
		sb, recovered, err := spool.Open(cfg.SpoolDir(ent.name))
		if err != nil {
			return nil, fmt.Errorf("open %s queue: %w", ent.name, err)
		}
		if recovered > 0 {
			l.Msg("recovered in-flight entries", "queue", ent.name, "count", recovered)
		}
		*ent.dst = sb
	}
	return q, nil
}

func transport(cfg *config.Config, l log.Logger) mta.MTA {
	if cfg.MTA.SendmailCmd == "" {
		l.Msg("no sendmail command configured, outbound mail will be dropped")
		return mta.DummyMTA{Log: l}
	}
	return mta.Sendmail(cfg.MTA.SendmailCmd)
}

// Run starts all runners and the LMTP listener and blocks until SIGINT or
// SIGTERM. A non-nil return means startup failed or the listener died.
func Run(cfg *config.Config) error {
	logger := log.DefaultLogger
	logger.Name = "mailman"
	logger.Debug = cfg.Debug.Log

	named := func(name string) log.Logger {
		l := logger
		l.Name = name
		return l
	}

	q, err := openQueues(cfg, logger)
	if err != nil {
		return err
	}
	store := list.NewStore(cfg.ListDataDir, cfg.LockDir, cfg.ListLockTimeoutDur())

	incoming := &pipeline.Incoming{
		Store: store,
		Cfg:   cfg,
		Log:   named("in"),
		Chain: pipeline.Chain{
			pipeline.SizeFilter{},
			pipeline.Approve{},
			pipeline.Replybot{},
			pipeline.Moderate{},
			pipeline.CookHeaders{},
			pipeline.CleanseHeaders{},
			pipeline.MimeScrub{},
			pipeline.Decorate{},
			digest.Handler{},
			pipeline.ToOutgoing{},
			pipeline.ToArchive{},
		},
		Out:     q.out,
		Archive: q.archive,
		Virgin:  q.virgin,
		Held:    q.held,
	}

	cmdProc, err := command.NewProcessor(store, cfg, q.virgin, named("cmd"))
	if err != nil {
		return err
	}
	bounceProc := bounce.NewProcessor(store, cfg, q.virgin, named("bounces"))
	deliverer := &mta.Deliverer{
		Transport: transport(cfg, named("mta")),
		Store:     store,
		Log:       named("out"),
	}

	runners := []*runner.Runner{
		runner.New(q.in, q.shunt, incoming, named("in")),
		runner.New(q.cmd, q.shunt, cmdProc, named("cmd")),
		runner.New(q.bounces, q.shunt, bounceProc, named("bounces")),
		runner.New(q.out, q.shunt, deliverer, named("out")),
		runner.New(q.virgin, q.shunt, deliverer, named("virgin")),
	}

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *runner.Runner) {
			defer wg.Done()
			r.Run()
		}(r)
	}

	endpoint := lmtp.New(store, cfg, lmtp.Queues{
		In:     q.in,
		Cmd:    q.cmd,
		Bounce: q.bounces,
		Virgin: q.virgin,
	}, named("lmtp"))

	fatal := make(chan error, 1)
	go func() {
		if err := endpoint.ListenAndServe(); err != nil {
			fatal <- fmt.Errorf("lmtp listener: %w", err)
		}
	}()

	if addr := cfg.Debug.MetricsListen; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Msg("metrics listener", "addr", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics listener", err)
			}
		}()
	}

	logger.Msg("started", "version", Version, "queue_dir", cfg.QueueDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case s := <-sig:
		logger.Msg("shutting down", "signal", s.String())
	case runErr = <-fatal:
		logger.Error("fatal", runErr)
	}

	if err := endpoint.Close(); err != nil {
		logger.Error("close lmtp listener", err)
	}
	for _, r := range runners {
		r.Stop()
	}
	wg.Wait()

	logger.Msg("stopped")
	return runErr
}
