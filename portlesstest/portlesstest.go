// Package portlesstest provides helpers for testing code that talks to the
// portless proxy.
package portlesstest

import (
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"

	"github.com/devmux/portless/hostproxy"
	"github.com/devmux/portless/routes"
)

// Install takes an unstarted *httptest.Server, starts it on a loopback TCP
// port, and registers it in store under hostname, owned by the test process.
// The route is removed, and the server closed, when the test completes.
//
// If the server is already started, Install will panic.
func Install(tb testing.TB, s *httptest.Server, store *routes.Store, hostname string) {
	tb.Helper()

	s.Start()
	tb.Cleanup(s.Close)

	if err := store.AddRoute(hostname, Port(tb, s), uint32(os.Getpid())); err != nil {
		tb.Fatalf("portlesstest: register %s: %v", hostname, err)
		return
	}

	tb.Cleanup(func() {
		if err := store.RemoveRoute(hostname); err != nil {
			tb.Errorf("portlesstest: deregister %s: %v", hostname, err)
		}
	})
}

// Backend is a convenience wrapper around Install for a plain handler.
func Backend(tb testing.TB, store *routes.Store, hostname string, handler http.Handler) *httptest.Server {
	tb.Helper()

	s := httptest.NewUnstartedServer(handler)
	Install(tb, s, store, hostname)
	return s
}

// Proxy starts a proxy server backed by store, and returns it. Errors
// reported by the proxy are logged to the test.
func Proxy(tb testing.TB, store *routes.Store) *httptest.Server {
	tb.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("portlesstest: listen: %v", err)
	}

	s := httptest.NewUnstartedServer(&hostproxy.Handler{
		Routes:         func() []routes.Route { return store.LoadRoutes(false) },
		Port:           ln.Addr().(*net.TCPAddr).Port,
		ErrorLogWriter: testWriter{tb},
	})
	s.Listener = ln
	s.Start()
	tb.Cleanup(s.Close)

	return s
}

// Port returns the TCP port a started server listens on.
func Port(tb testing.TB, s *httptest.Server) uint16 {
	tb.Helper()

	_, port, err := net.SplitHostPort(s.Listener.Addr().String())
	if err != nil {
		tb.Fatalf("portlesstest: %v", err)
	}

	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		tb.Fatalf("portlesstest: %v", err)
	}
	return uint16(n)
}

type testWriter struct{ tb testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Logf("%s", p)
	return len(p), nil
}
