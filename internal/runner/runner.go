// Package runner implements the queue draining loop shared by all queue
// processors.
//
// A runner owns exactly one switchboard and repeatedly drains it in id
// order, handing each entry to its Handler. Failed entries are requeued
// (transient) or moved to the shunt queue (permanent); a panicking
// handler shunts the entry instead of taking the process down.
package runner

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dhanikabulath/mailman3/framework/exterrors"
	"github.com/dhanikabulath/mailman3/framework/log"
	"github.com/dhanikabulath/mailman3/internal/spool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailman",
		Subsystem: "runner",
		Name:      "processed_total",
		Help:      "Queue entries disposed of successfully.",
	}, []string{"queue"})
	requeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailman",
		Subsystem: "runner",
		Name:      "requeued_total",
		Help:      "Queue entries returned to their queue after a transient failure.",
	}, []string{"queue"})
	shuntedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailman",
		Subsystem: "runner",
		Name:      "shunted_total",
		Help:      "Queue entries moved to the shunt queue.",
	}, []string{"queue"})
)

// Handler disposes of queue entries.
//
// A nil error means the entry is done and is removed. A temporary error
// (exterrors.IsTemporary) means the entry is requeued and retried on a
// later pass. Any other error shunts the entry.
type Handler interface {
	Dispose(id string, msg []byte, meta *spool.Meta) error
}

// PeriodicHandler is implemented by handlers that want a hook between
// drain passes (token eviction, retry release).
type PeriodicHandler interface {
	Periodic()
}

// DefaultSleep is the idle delay between drain passes.
const DefaultSleep = time.Second

// Runner drains one switchboard.
type Runner struct {
	Log     log.Logger
	Queue   *spool.Switchboard
	Shunt   *spool.Switchboard
	Handler Handler

	// Sleep overrides DefaultSleep when positive.
	Sleep time.Duration

	stopping atomic.Bool
	done     chan struct{}
}

func New(queue, shunt *spool.Switchboard, h Handler, l log.Logger) *Runner {
	return &Runner{
		Log:     l,
		Queue:   queue,
		Shunt:   shunt,
		Handler: h,
		done:    make(chan struct{}),
	}
}

// Run drains the queue until Stop is called or the stop sentinel is
// dequeued. It blocks; start it on its own goroutine.
func (r *Runner) Run() {
	defer close(r.done)

	sleep := r.Sleep
	if sleep <= 0 {
		sleep = DefaultSleep
	}

	for {
		stopped := r.oneLoop()
		if stopped || r.stopping.Load() {
			return
		}

		if ph, ok := r.Handler.(PeriodicHandler); ok {
			ph.Periodic()
		}

		time.Sleep(sleep)
	}
}

// Stop requests a graceful exit and wakes the loop via the stop sentinel,
// then waits for the current pass to end.
func (r *Runner) Stop() {
	if r.stopping.Swap(true) {
		<-r.done
		return
	}
	if err := r.Queue.EnqueueStop(); err != nil {
		r.Log.Error("enqueue stop sentinel", err)
	}
	<-r.done
}

// oneLoop processes everything currently visible in the queue. Returns
// true when the stop sentinel was seen.
func (r *Runner) oneLoop() bool {
	ids, err := r.Queue.Files()
	if err != nil {
		r.Log.Error("queue listing", err)
		return false
	}

	for _, id := range ids {
		msg, meta, err := r.Queue.Dequeue(id)
		if err != nil {
			if errors.Is(err, spool.ErrBadVersion) {
				r.Log.Msg("preserving entry with unknown metadata version",
					"id", id, "version", meta.Version)
				if err := r.Queue.Preserve(id); err != nil {
					r.Log.Error("preserve", err, "id", id)
				}
				continue
			}
			r.Log.Error("dequeue", err, "id", id)
			continue
		}

		if meta.Version == spool.StopVersion {
			if err := r.Queue.Finish(id); err != nil {
				r.Log.Error("finish sentinel", err, "id", id)
			}
			return true
		}

		r.disposeOne(id, msg, meta)

		if r.stopping.Load() {
			return false
		}
	}
	return false
}

func (r *Runner) disposeOne(id string, msg []byte, meta *spool.Meta) {
	err := r.safeDispose(id, msg, meta)
	switch {
	case err == nil:
		processedTotal.WithLabelValues(r.Queue.Name()).Inc()
		if err := r.Queue.Finish(id); err != nil {
			r.Log.Error("finish", err, "id", id)
		}

	case exterrors.IsTemporary(err):
		requeuedTotal.WithLabelValues(r.Queue.Name()).Inc()
		r.Log.Error("requeue", err, "id", id)
		meta.RetryCount++
		meta.LastAttempt = time.Now()
		if err := r.Queue.Requeue(id, nil, meta); err != nil {
			r.Log.Error("requeue failed", err, "id", id)
		}

	default:
		shuntedTotal.WithLabelValues(r.Queue.Name()).Inc()
		r.Log.Error("shunt", err, "id", id)
		r.shunt(id, msg, meta, err.Error())
	}
}

// safeDispose converts handler panics into shuntable errors.
func (r *Runner) safeDispose(id string, msg []byte, meta *spool.Meta) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			r.Log.Msg("panic in handler", "id", id, "panic", fmt.Sprint(rec))
			r.Log.DebugMsg("panic stack", "stack", string(stack))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.Handler.Dispose(id, msg, meta)
}

// shunt moves the entry to the shunt queue with the failure recorded in
// its metadata, then removes it from this queue. If no shunt queue is
// configured the entry is preserved in the bad queue instead.
func (r *Runner) shunt(id string, msg []byte, meta *spool.Meta, reason string) {
	if r.Shunt == nil {
		if err := r.Queue.Preserve(id); err != nil {
			r.Log.Error("preserve", err, "id", id)
		}
		return
	}

	m := *meta
	m.ShuntReason = reason
	if _, err := r.Shunt.Enqueue(msg, &m); err != nil {
		r.Log.Error("shunt enqueue", err, "id", id)
		// Leave the original in flight; recovery at next startup will
		// retry it.
		return
	}
	if err := r.Queue.Finish(id); err != nil {
		r.Log.Error("finish after shunt", err, "id", id)
	}
}
