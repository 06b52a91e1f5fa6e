package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/miekg/dns"
	"github.com/oklog/run"

	"github.com/devmux/portless"
	"github.com/devmux/portless/hostproxy"
	"github.com/devmux/portless/routes"
)

// ServeConfig parameterizes Serve.
type ServeConfig struct {
	// StateDir holds the route table and receives the daemon's markers.
	StateDir StateDir

	// Port the proxy listens on, on every interface. Zero picks a free port,
	// which is recorded in the port marker.
	Port int

	// Addr, if set, is a listen URI for the proxy that replaces the default
	// of every interface on Port, e.g. "tcp://127.0.0.1:1355" or
	// "unix:///run/portless.sock". Port is still used for the port marker
	// and rendered URLs unless the listener is TCP.
	Addr string

	// DNSAddr, if set, is where a resolver for names under localhost listens,
	// e.g. ":5354" or "udp://127.0.0.1:5354".
	DNSAddr string

	// Logger receives startup messages and per-request proxy errors.
	Logger *log.Logger

	// Ready, if set, is called with the bound proxy address once the daemon
	// is accepting connections.
	Ready func(addr net.Addr)
}

// Serve runs the proxy daemon until ctx is canceled or the process receives
// SIGINT or SIGTERM, either of which is a clean shutdown and yields nil. While
// it runs, the daemon's pid and port are recorded in the state directory.
func Serve(ctx context.Context, cfg ServeConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	store := cfg.StateDir.RoutesStore()
	if err := store.Init(); err != nil {
		return fmt.Errorf("initialize route table: %w", err)
	}

	addr := cfg.Addr
	if addr == "" {
		addr = "tcp://:" + strconv.Itoa(cfg.Port)
	}

	proxyListener, err := portless.ListenURI(ctx, addr)
	if err != nil {
		return fmt.Errorf("listen on proxy port: %w", err)
	}

	port := cfg.Port
	if tcpAddr, ok := proxyListener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	if err := cfg.StateDir.WriteState(State{PID: os.Getpid(), Port: port}); err != nil {
		proxyListener.Close()
		return err
	}
	defer cfg.StateDir.RemoveState()

	proxyHandler := &hostproxy.Handler{
		Routes:         func() []routes.Route { return store.LoadRoutes(false) },
		Port:           port,
		ErrorLogWriter: logger.Writer(),
	}

	logger.Printf("state directory %s", cfg.StateDir.Path())

	var g run.Group

	{
		logger.Printf("proxy listening on %s", proxyListener.Addr())
		server := &http.Server{
			Handler:           proxyHandler,
			ReadHeaderTimeout: 30 * time.Second,
		}
		g.Add(func() error {
			return server.Serve(proxyListener)
		}, func(error) {
			server.Close()
		})
	}

	if cfg.DNSAddr != "" {
		conn, err := portless.ListenPacketURI(ctx, cfg.DNSAddr)
		if err != nil {
			proxyListener.Close()
			return fmt.Errorf("listen on DNS addr: %w", err)
		}
		logger.Printf("DNS resolver listening on %s", conn.LocalAddr())
		server := &dns.Server{
			PacketConn: conn,
			Handler:    hostproxy.NewDNSHandler(logger),
		}
		g.Add(func() error {
			return server.ActivateAndServe()
		}, func(error) {
			if err := server.Shutdown(); err != nil {
				conn.Close()
			}
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	if cfg.Ready != nil {
		cfg.Ready(proxyListener.Addr())
	}

	err = g.Run()
	switch {
	case isSignalError(err):
		logger.Printf("%v, shutting down", err)
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

func isSignalError(err error) bool {
	var sig run.SignalError
	return errors.As(err, &sig)
}
