package routes

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLockExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "routes.lock")

	a := NewLock(path)
	if err := a.Acquire(); err != nil {
		t.Fatal(err)
	}

	var sleeps int
	b := NewLock(path)
	b.sleep = func(time.Duration) { sleeps++ }

	err := b.Acquire()
	if !errors.Is(err, ErrLockAcquisition) {
		t.Fatalf("second Acquire: want ErrLockAcquisition, have %v", err)
	}
	if want, have := LockMaxRetries, sleeps; want != have {
		t.Errorf("sleeps: want %d, have %d", want, have)
	}

	a.Release()
	if err := b.Acquire(); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
	b.Release()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock directory still present after Release (err=%v)", err)
	}
}

func TestLockStale(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "routes.lock")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	l := NewLock(path)
	l.now = func() time.Time { return time.Now().Add(StaleLockThreshold + time.Second) }
	l.sleep = func(time.Duration) { t.Errorf("unexpected sleep while reclaiming a stale lock") }

	if err := l.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l.Release()
}

func TestLockFresh(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "routes.lock")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	l := NewLock(path)
	l.maxRetries = 3
	l.sleep = func(time.Duration) {}

	if err := l.Acquire(); !errors.Is(err, ErrLockAcquisition) {
		t.Fatalf("Acquire: want ErrLockAcquisition, have %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("fresh lock was removed: %v", err)
	}
}

func TestLockMissingParent(t *testing.T) {
	t.Parallel()

	l := NewLock(filepath.Join(t.TempDir(), "missing", "routes.lock"))
	l.sleep = func(time.Duration) { t.Errorf("unexpected sleep") }

	if err := l.Acquire(); !errors.Is(err, ErrLockAcquisition) {
		t.Fatalf("Acquire: want ErrLockAcquisition, have %v", err)
	}
}

func TestProcessAlive(t *testing.T) {
	t.Parallel()

	for _, testcase := range []struct {
		pid  int
		want bool
	}{
		{os.Getpid(), true},
		{0, false},
		{-1, false},
		{999999999, false},
	} {
		if want, have := testcase.want, ProcessAlive(testcase.pid); want != have {
			t.Errorf("ProcessAlive(%d): want %v, have %v", testcase.pid, want, have)
		}
	}
}
