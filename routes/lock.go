package routes

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// ErrLockAcquisition is returned when the route lock can't be acquired within
// the retry budget.
var ErrLockAcquisition = errors.New("failed to acquire route lock")

const (
	// StaleLockThreshold is the age after which a lock directory is presumed
	// to belong to a crashed process, and is removed by the next contender.
	StaleLockThreshold = 10 * time.Second

	// LockMaxRetries bounds the number of acquisition attempts.
	LockMaxRetries = 20

	// LockRetryDelay is the wait between attempts while the lock is held.
	LockRetryDelay = 50 * time.Millisecond
)

// Lock is a cross-process mutex backed by a directory. Creating a directory
// is atomic, and fails if it already exists, so whoever creates it holds the
// lock until they remove it.
//
// Lock is meant to guard short critical sections, and acquisition spins for
// a bounded time rather than blocking indefinitely.
type Lock struct {
	path       string
	staleAfter time.Duration
	maxRetries int
	retryDelay time.Duration
	now        func() time.Time
	sleep      func(time.Duration)
}

// NewLock returns a Lock using the directory at path.
func NewLock(path string) *Lock {
	return &Lock{
		path:       path,
		staleAfter: StaleLockThreshold,
		maxRetries: LockMaxRetries,
		retryDelay: LockRetryDelay,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Path returns the lock directory.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock. If the lock directory exists and is older than the
// stale threshold, it's removed and acquisition is retried immediately.
// Otherwise Acquire waits and retries, up to the retry budget, after which it
// returns an error wrapping ErrLockAcquisition.
func (l *Lock) Acquire() error {
	for i := 0; i < l.maxRetries; i++ {
		err := os.Mkdir(l.path, dirMode)
		if err == nil {
			return nil
		}

		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %v", ErrLockAcquisition, err)
		}

		fi, err := os.Stat(l.path)
		if err != nil {
			continue // released between mkdir and stat
		}

		if l.now().Sub(fi.ModTime()) > l.staleAfter {
			os.RemoveAll(l.path)
			continue
		}

		l.sleep(l.retryDelay)
	}

	return fmt.Errorf("%w: %s held by another process", ErrLockAcquisition, l.path)
}

// Release drops the lock. It's safe to call when the lock isn't held.
func (l *Lock) Release() {
	os.RemoveAll(l.path)
}
