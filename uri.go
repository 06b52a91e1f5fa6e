package portless

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ParseURI parses a listen address into a network and address suitable for
// [net.Listen].
//
// The URI scheme is the network, and the host (and port) are the address, so
// "tcp://:1355" is parsed to "tcp" and ":1355", and "unix:///tmp/dns.sock" is
// parsed to "unix" and "/tmp/dns.sock". Without a scheme, "tcp://" is assumed,
// which keeps plain listen addresses like ":1355" or "127.0.0.1:53" working.
func ParseURI(uri string) (network, address string, _ error) {
	return parseURI(uri, "tcp")
}

func parseURI(uri, defaultNetwork string) (network, address string, _ error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", "", fmt.Errorf("empty URI")
	}

	if !strings.Contains(uri, "://") {
		uri = defaultNetwork + "://" + uri
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse URI: %w", err)
	}

	// unix:///path has an empty host and the socket path as its path.
	address = u.Host
	if address == "" {
		address = u.Path
	}
	if address == "" {
		return "", "", fmt.Errorf("empty address in URI %q", uri)
	}

	return u.Scheme, address, nil
}

// ListenURI calls [ListenURIConfig] with a zero [net.ListenConfig].
func ListenURI(ctx context.Context, uri string) (net.Listener, error) {
	return ListenURIConfig(ctx, uri, net.ListenConfig{})
}

// ListenURIConfig listens on the network and address parsed from uri by
// [ParseURI], using config. The context only bounds address resolution, not
// the listener.
func ListenURIConfig(ctx context.Context, uri string, config net.ListenConfig) (net.Listener, error) {
	network, address, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	ln, err := config.Listen(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", uri, err)
	}
	return ln, nil
}

// ListenPacketURI is the packet-oriented counterpart of [ListenURI], used for
// the DNS resolver. A scheme-less address defaults to "udp".
func ListenPacketURI(ctx context.Context, uri string) (net.PacketConn, error) {
	network, address, err := parseURI(uri, "udp")
	if err != nil {
		return nil, err
	}

	var config net.ListenConfig
	conn, err := config.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("listen packet on %s: %w", uri, err)
	}
	return conn, nil
}
