package hostproxy

import (
	"io"
	"log"
	"net/http"
	"testing"

	"github.com/miekg/dns"
)

func TestHostname(t *testing.T) {
	for _, tc := range []struct {
		input string
		host  string
		port  string
	}{
		{"app.localhost", "app.localhost", ""},
		{"app.localhost:1355", "app.localhost", "1355"},
		{"App.Localhost:80", "App.Localhost", "80"},
		{"127.0.0.1:8000", "127.0.0.1", "8000"},
		{"[::1]:8080", "::1", "8080"},
		{"", "", ""},
		{":8080", "", "8080"},
	} {
		if want, have := tc.host, hostname(tc.input); want != have {
			t.Errorf("hostname(%q): want %q, have %q", tc.input, want, have)
		}
		if want, have := tc.port, hostport(tc.input); want != have {
			t.Errorf("hostport(%q): want %q, have %q", tc.input, want, have)
		}
	}
}

func TestSetForwardedHeaders(t *testing.T) {
	for _, tc := range []struct {
		name   string
		host   string
		remote string
		in     http.Header
		want   map[string]string
	}{
		{
			name:   "defaults",
			host:   "app.localhost:1355",
			remote: "127.0.0.1:54321",
			in:     http.Header{},
			want: map[string]string{
				"X-Forwarded-For":   "127.0.0.1",
				"X-Forwarded-Proto": "http",
				"X-Forwarded-Host":  "app.localhost:1355",
				"X-Forwarded-Port":  "1355",
			},
		},
		{
			name:   "no port in host",
			host:   "app.localhost",
			remote: "[::1]:54321",
			in:     http.Header{},
			want: map[string]string{
				"X-Forwarded-For":  "::1",
				"X-Forwarded-Host": "app.localhost",
				"X-Forwarded-Port": "80",
			},
		},
		{
			name:   "chained",
			host:   "app.localhost:1355",
			remote: "127.0.0.1:54321",
			in: http.Header{
				"X-Forwarded-For":   {"10.0.0.1, 10.0.0.2"},
				"X-Forwarded-Proto": {"https"},
				"X-Forwarded-Host":  {"app.example.com"},
				"X-Forwarded-Port":  {"443"},
			},
			want: map[string]string{
				"X-Forwarded-For":   "10.0.0.1, 10.0.0.2, 127.0.0.1",
				"X-Forwarded-Proto": "https",
				"X-Forwarded-Host":  "app.example.com",
				"X-Forwarded-Port":  "443",
			},
		},
		{
			name:   "unparseable remote",
			host:   "app.localhost",
			remote: "pipe",
			in:     http.Header{},
			want: map[string]string{
				"X-Forwarded-For": "127.0.0.1",
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := &http.Request{Host: tc.host, RemoteAddr: tc.remote, Header: tc.in}
			out := http.Header{}
			setForwardedHeaders(out, in)
			for key, want := range tc.want {
				if have := out.Get(key); want != have {
					t.Errorf("%s: want %q, have %q", key, want, have)
				}
			}
		})
	}
}

func TestIsUpgrade(t *testing.T) {
	for _, tc := range []struct {
		header http.Header
		want   bool
	}{
		{http.Header{"Connection": {"Upgrade"}, "Upgrade": {"websocket"}}, true},
		{http.Header{"Connection": {"keep-alive, upgrade"}, "Upgrade": {"websocket"}}, true},
		{http.Header{"Connection": {"Upgrade"}}, false},
		{http.Header{"Upgrade": {"websocket"}}, false},
		{http.Header{"Connection": {"keep-alive"}}, false},
	} {
		if want, have := tc.want, isUpgrade(&http.Request{Header: tc.header}); want != have {
			t.Errorf("isUpgrade(%v): want %v, have %v", tc.header, want, have)
		}
	}
}

func TestDNSResponse(t *testing.T) {
	logger := log.New(io.Discard, "", 0)

	for _, tc := range []struct {
		name  string
		qtype uint16
		rcode int
		want  string
	}{
		{"api.myapp.localhost.", dns.TypeA, dns.RcodeSuccess, "127.0.0.1"},
		{"Web.LOCALHOST.", dns.TypeA, dns.RcodeSuccess, "127.0.0.1"},
		{"api.myapp.localhost.", dns.TypeAAAA, dns.RcodeSuccess, "::1"},
		{"localhost.", dns.TypeA, dns.RcodeSuccess, "127.0.0.1"},
		{"example.com.", dns.TypeA, dns.RcodeRefused, ""},
		{"notlocalhost.", dns.TypeA, dns.RcodeRefused, ""},
		{"api.myapp.localhost.", dns.TypeMX, dns.RcodeSuccess, ""},
	} {
		t.Run(tc.name+"/"+dns.TypeToString[tc.qtype], func(t *testing.T) {
			var request dns.Msg
			request.SetQuestion(tc.name, tc.qtype)

			response := getResponse(&request, logger)
			if want, have := tc.rcode, response.Rcode; want != have {
				t.Fatalf("rcode: want %s, have %s", dns.RcodeToString[want], dns.RcodeToString[have])
			}

			if tc.want == "" {
				if want, have := 0, len(response.Answer); want != have {
					t.Fatalf("answers: want %d, have %d", want, have)
				}
				return
			}

			if want, have := 1, len(response.Answer); want != have {
				t.Fatalf("answers: want %d, have %d", want, have)
			}

			var have string
			switch rr := response.Answer[0].(type) {
			case *dns.A:
				have = rr.A.String()
			case *dns.AAAA:
				have = rr.AAAA.String()
			}
			if want := tc.want; want != have {
				t.Errorf("answer: want %q, have %q", want, have)
			}
		})
	}
}
