package routes

import (
	"errors"
	"math"

	"golang.org/x/sys/unix"
)

// ProcessAlive reports whether pid identifies a running process, by sending
// it the null signal. A process owned by another user, which can't be
// signaled, still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 || pid > math.MaxInt32 {
		return false
	}

	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
