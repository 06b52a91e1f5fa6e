package daemon_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/devmux/portless/daemon"
	"github.com/devmux/portless/portlesstest"
)

func TestServe(t *testing.T) {
	t.Parallel()

	var (
		dir   = daemon.StateDir(t.TempDir())
		store = dir.RoutesStore()
		ready = make(chan net.Addr, 1)
		done  = make(chan error, 1)
		logs  = &syncBuffer{}
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		done <- daemon.Serve(ctx, daemon.ServeConfig{
			StateDir: dir,
			Logger:   log.New(logs, "", 0),
			Ready:    func(addr net.Addr) { ready <- addr },
		})
	}()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("Serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve")
	}
	port := addr.(*net.TCPAddr).Port

	state, err := dir.ReadState()
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if want, have := os.Getpid(), state.PID; want != have {
		t.Errorf("pid marker: want %d, have %d", want, have)
	}
	if want, have := port, state.Port; want != have {
		t.Errorf("port marker: want %d, have %d", want, have)
	}

	// Routes registered after startup are picked up without a restart.
	portlesstest.Backend(t, store, "api.myapp.localhost", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "hello from %s", r.Host)
	}))

	req, _ := http.NewRequest("GET", fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	req.Host = fmt.Sprintf("api.myapp.localhost:%d", port)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if want, have := http.StatusOK, resp.StatusCode; want != have {
		t.Errorf("status: want %d, have %d", want, have)
	}
	if want, have := fmt.Sprintf("hello from api.myapp.localhost:%d", port), string(body); want != have {
		t.Errorf("body: want %q, have %q", want, have)
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}

	if _, err := os.Stat(dir.PIDPath()); !os.IsNotExist(err) {
		t.Errorf("pid marker not removed on shutdown")
	}
	if _, err := os.Stat(dir.PortPath()); !os.IsNotExist(err) {
		t.Errorf("port marker not removed on shutdown")
	}

	if !bytes.Contains(logs.Bytes(), []byte("proxy listening on")) {
		t.Errorf("startup not logged: %q", logs.String())
	}
}

func TestServeAddr(t *testing.T) {
	t.Parallel()

	var (
		dir    = daemon.StateDir(t.TempDir())
		socket = filepath.Join(t.TempDir(), "proxy.sock")
		ready  = make(chan net.Addr, 1)
		done   = make(chan error, 1)
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		done <- daemon.Serve(ctx, daemon.ServeConfig{
			StateDir: dir,
			Port:     1355,
			Addr:     "unix://" + socket,
			Ready:    func(addr net.Addr) { ready <- addr },
		})
	}()

	select {
	case addr := <-ready:
		if want, have := "unix", addr.Network(); want != have {
			t.Errorf("network: want %q, have %q", want, have)
		}
	case err := <-done:
		t.Fatalf("Serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve")
	}

	state, err := dir.ReadState()
	if err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if want, have := 1355, state.Port; want != have {
		t.Errorf("port marker: want %d, have %d", want, have)
	}

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, "unix", socket)
		},
	}}
	req, _ := http.NewRequest("GET", "http://nothing.localhost/", nil)
	req.Header.Set("Accept", "text/plain")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request over unix socket: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if want, have := http.StatusNotFound, resp.StatusCode; want != have {
		t.Errorf("status: want %d, have %d", want, have)
	}
	if want, have := "1", resp.Header.Get("X-Portless"); want != have {
		t.Errorf("X-Portless: want %q, have %q", want, have)
	}
	if !bytes.Contains(body, []byte("nothing.localhost")) {
		t.Errorf("body: want mention of nothing.localhost, have %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServeAddrInvalid(t *testing.T) {
	t.Parallel()

	err := daemon.Serve(context.Background(), daemon.ServeConfig{
		StateDir: daemon.StateDir(t.TempDir()),
		Addr:     "://nope",
	})
	if err == nil {
		t.Fatal("Serve: want error, have none")
	}
}

func TestServeDNS(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dnsAddr := pc.LocalAddr().String()
	pc.Close()

	var (
		dir   = daemon.StateDir(t.TempDir())
		ready = make(chan net.Addr, 1)
		done  = make(chan error, 1)
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		done <- daemon.Serve(ctx, daemon.ServeConfig{
			StateDir: dir,
			DNSAddr:  "udp://" + dnsAddr,
			Ready:    func(addr net.Addr) { ready <- addr },
		})
	}()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("Serve: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve")
	}

	var msg dns.Msg
	msg.SetQuestion("api.myapp.localhost.", dns.TypeA)

	var (
		client   = &dns.Client{Net: "udp", Timeout: time.Second}
		response *dns.Msg
	)
	deadline := time.Now().Add(5 * time.Second)
	for {
		response, _, err = client.Exchange(&msg, dnsAddr)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("DNS exchange: %v", err)
	}

	if want, have := 1, len(response.Answer); want != have {
		t.Fatalf("answers: want %d, have %d", want, have)
	}
	a, ok := response.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer: want *dns.A, have %T", response.Answer[0])
	}
	if want, have := "127.0.0.1", a.A.String(); want != have {
		t.Errorf("A: want %q, have %q", want, have)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

type syncBuffer struct {
	mtx sync.Mutex
	buf bytes.Buffer
}

func (sb *syncBuffer) Write(p []byte) (int, error) {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return sb.buf.Write(p)
}

func (sb *syncBuffer) Bytes() []byte {
	sb.mtx.Lock()
	defer sb.mtx.Unlock()
	return append([]byte(nil), sb.buf.Bytes()...)
}

func (sb *syncBuffer) String() string {
	return string(sb.Bytes())
}
