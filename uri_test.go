package portless_test

import (
	"context"
	"net"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/devmux/portless"
)

func TestParseURI(t *testing.T) {
	for _, testcase := range []struct {
		uri              string
		network, address string
		err              bool
	}{
		// Typical proxy and DNS listen addresses.
		{uri: ":1355", network: "tcp", address: ":1355"},
		{uri: "tcp://:80", network: "tcp", address: ":80"},
		{uri: "127.0.0.1:1355", network: "tcp", address: "127.0.0.1:1355"},
		{uri: "udp://127.0.0.1:5354", network: "udp", address: "127.0.0.1:5354"},
		{uri: "unix:///tmp/portless.sock", network: "unix", address: "/tmp/portless.sock"},

		// Anything after the host is ignored.
		{uri: "localhost:1355/path?q=1#frag", network: "tcp", address: "localhost:1355"},

		// Edge conditions.
		{uri: "unix://tmp/my.sock", network: "unix", address: "tmp"}, // no unix relative paths
		{uri: ":", network: "tcp", address: ":"},
		{uri: "   ", err: true},
		{uri: "", err: true},
	} {
		t.Run(testcase.uri, func(t *testing.T) {
			network, address, err := portless.ParseURI(testcase.uri)
			switch {
			case testcase.err:
				if err == nil {
					t.Fatalf("want error, have none (network %q, address %q)", network, address)
				}
			case !testcase.err:
				if network != testcase.network || address != testcase.address {
					t.Fatalf("want %q %q, have %q %q (err=%v)", testcase.network, testcase.address, network, address, err)
				}
			}
		})
	}
}

func TestListenURI(t *testing.T) {
	t.Parallel()

	ln, err := portless.ListenURI(context.Background(), "tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenURI: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, _, err := net.SplitHostPort(addr); err != nil {
		t.Errorf("returned Addr() %q is not host:port", addr)
	}

	if _, err := portless.ListenURI(context.Background(), ""); err == nil {
		t.Errorf("ListenURI(''): want error, have none")
	}
}

func TestListenURIConfig(t *testing.T) {
	t.Parallel()

	var (
		ctx    = context.Background()
		socket = filepath.Join(t.TempDir(), "sock")
		seen   []string
	)

	cfg := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			seen = append(seen, network)
			return nil
		},
	}

	ln, err := portless.ListenURIConfig(ctx, "unix://"+socket, cfg)
	if err != nil {
		t.Fatalf("ListenURIConfig: %v", err)
	}
	ln.Close()

	if want, have := 1, len(seen); want != have {
		t.Fatalf("control calls: want %d, have %d", want, have)
	}
	if want, have := "unix", seen[0]; want != have {
		t.Errorf("network: want %q, have %q", want, have)
	}
}

func TestListenPacketURI(t *testing.T) {
	t.Parallel()

	conn, err := portless.ListenPacketURI(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacketURI: %v", err)
	}
	defer conn.Close()

	if want, have := "udp", conn.LocalAddr().Network(); want != have {
		t.Errorf("network: want %q, have %q", want, have)
	}
}
