// Package lock provides cross-process advisory file locks with bounded
// acquisition timeouts.
//
// Two locks exist in the system: the global MTA lock guarding the alias
// map, and one lock per mailing list guarding all of its mutable state.
// Lock order is always MTA lock first, list lock second.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dhanikabulath/mailman3/framework/exterrors"
	"github.com/gofrs/flock"
)

// ErrTimeout is returned when the lock could not be acquired within the
// caller's deadline. It reports Temporary() == true so runners convert it
// into a requeue instead of a shunt.
var ErrTimeout = exterrors.WithTemporary(errors.New("lock: acquisition timed out"), true)

const retryDelay = 100 * time.Millisecond

// Lock is a held advisory lock. Release it with Unlock.
type Lock struct {
	fl *flock.Flock
}

// Acquire obtains an exclusive lock on path, waiting up to timeout.
//
// The lock file is created if missing; parent directories must exist.
// On timeout ErrTimeout is returned.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}

	fl := flock.New(path)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrTimeout
	}

	return &Lock{fl: fl}, nil
}

// Unlock releases the lock. Safe to call on all exit paths; releasing an
// already released lock is a no-op.
func (l *Lock) Unlock() {
	if l == nil || l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
	l.fl = nil
}
