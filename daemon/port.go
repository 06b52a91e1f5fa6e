package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"
)

// ErrNoFreePort is returned by FindFreePort when every port in the range is
// taken.
var ErrNoFreePort = errors.New("no free port")

const (
	// DefaultMinPort and DefaultMaxPort bound the range FindFreePort is
	// typically asked to search.
	DefaultMinPort = 4000
	DefaultMaxPort = 4999

	randomPortAttempts = 50

	// DefaultProbeTimeout bounds a single PortListening probe.
	DefaultProbeTimeout = 500 * time.Millisecond
)

// PortListening reports whether something accepts TCP connections on port on
// the loopback interface. It gives up after timeout.
func PortListening(ctx context.Context, port int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FindFreePort returns a port in [min, max] that can currently be bound. It
// tries random candidates first, then scans the range in order.
func FindFreePort(min, max int) (int, error) {
	if min < 1 || max > 65535 || min > max {
		return 0, fmt.Errorf("invalid port range %d-%d", min, max)
	}

	for i := 0; i < randomPortAttempts; i++ {
		port := min + rand.Intn(max-min+1)
		if portFree(port) {
			return port, nil
		}
	}

	for port := min; port <= max; port++ {
		if portFree(port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w in range %d-%d", ErrNoFreePort, min, max)
}

func portFree(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
