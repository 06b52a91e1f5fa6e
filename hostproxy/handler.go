package hostproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/devmux/portless"
	"github.com/devmux/portless/routes"
)

// MarkerHeader is set on every response served by the proxy, including
// responses relayed from backends.
const MarkerHeader = "X-Portless"

// Handler is a reverse proxy to local services.
//
// Requests are mapped to services by the hostname in their Host header, which
// must exactly match the hostname of a route. Matched requests are forwarded
// to localhost on the route's port, with X-Forwarded-* headers added.
// Connection upgrades (e.g. WebSockets) are forwarded as well, and spliced
// byte-for-byte once the backend accepts them.
//
// Every response written by the handler carries the X-Portless marker. One
// response never reaches it: net/http answers an HTTP/1.1 request without a
// Host header with its own 400, which has no marker. Only HTTP/1.0 requests
// get the handler's "Missing Host header" response.
type Handler struct {
	// Routes returns the current route table. It's called for every request,
	// and its result isn't cached.
	//
	// Required.
	Routes func() []routes.Route

	// Port is the port the proxy is reachable on. It's used to render service
	// URLs on the diagnostic page served for unknown hostnames.
	//
	// Optional. The default value is 80.
	Port int

	// ErrorLogWriter receives a line for each request that couldn't be
	// forwarded to its backend.
	//
	// Optional. By default, errors aren't reported.
	ErrorLogWriter io.Writer
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(MarkerHeader, "1")

	if h.Routes == nil {
		http.Error(w, "no route table configured", http.StatusInternalServerError)
		return
	}

	host := hostname(r.Host)
	if host == "" {
		http.Error(w, "Missing Host header", http.StatusBadRequest)
		return
	}

	table := h.Routes()
	route, ok := lookup(table, host)

	switch {
	case !ok && isUpgrade(r):
		dropConnection(w) // no response is meaningful for an unroutable upgrade
	case !ok:
		h.handleNotFound(w, r, host, table)
	default:
		h.handleProxy(w, r, route)
	}
}

func lookup(table []routes.Route, host string) (routes.Route, bool) {
	for _, route := range table {
		if route.Hostname == host {
			return route, true
		}
	}
	return routes.Route{}, false
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request, route routes.Route) {
	target := net.JoinHostPort("localhost", strconv.Itoa(int(route.Port)))

	rewrite := func(pr *httputil.ProxyRequest) {
		pr.Out.URL.Scheme = "http"
		pr.Out.URL.Host = target
		pr.Out.Host = pr.In.Host
		setForwardedHeaders(pr.Out.Header, pr.In)
	}

	rp := &httputil.ReverseProxy{
		Transport:     backendTransport,
		Rewrite:       rewrite,
		FlushInterval: -1,
		ErrorLog:      h.logger(route.Hostname),
		ErrorHandler:  h.handleError,
	}

	rp.ServeHTTP(w, r)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) || r.Context().Err() != nil {
		return // the client went away
	}

	h.logger(hostname(r.Host)).Printf("proxy error for %s: %v", r.Host, err)

	if isUpgrade(r) {
		dropConnection(w)
		return
	}

	message := "Bad Gateway: the target app may not be running."
	if errors.Is(err, syscall.ECONNREFUSED) {
		message = "Bad Gateway: the target app is not responding."
	}
	http.Error(w, message, http.StatusBadGateway)
}

func (h *Handler) logger(host string) *log.Logger {
	if h.ErrorLogWriter == nil {
		return log.New(io.Discard, "", 0)
	}
	return log.New(h.ErrorLogWriter, fmt.Sprintf("hostproxy: %s: ", host), 0)
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request, host string, table []routes.Route) {
	port := h.Port
	if port == 0 {
		port = 80
	}

	type entry struct {
		Hostname string `json:"hostname"`
		URL      string `json:"url"`
		Port     uint16 `json:"port"`
		PID      uint32 `json:"pid"`
	}

	entries := make([]entry, 0, len(table))
	for _, route := range table {
		entries = append(entries, entry{
			Hostname: route.Hostname,
			URL:      portless.FormatURL(route.Hostname, port),
			Port:     route.Port,
			PID:      route.PID,
		})
	}

	accept := strings.ToLower(r.Header.Get("accept"))
	switch {
	case strings.Contains(accept, "application/json"):
		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		enc.Encode(struct {
			Host   string  `json:"host"`
			Routes []entry `json:"routes"`
		}{host, entries})

	case strings.Contains(accept, "text/plain"):
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "No app registered for %s\n", host)
		for _, e := range entries {
			fmt.Fprintf(w, "%s -> localhost:%d\n", e.Hostname, e.Port)
		}

	default:
		var buf bytes.Buffer
		if err := notFoundTemplate.Execute(&buf, struct {
			Host   string
			Routes []entry
		}{host, entries}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("content-type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		buf.WriteTo(w)
	}
}

// setForwardedHeaders sets the X-Forwarded-* headers on an outbound request.
// Values already present on the inbound request are preserved, except
// X-Forwarded-For, which is extended with the client address.
func setForwardedHeaders(out http.Header, in *http.Request) {
	clientIP, _, err := net.SplitHostPort(in.RemoteAddr)
	if err != nil || clientIP == "" {
		clientIP = "127.0.0.1"
	}
	if prior := in.Header.Values("X-Forwarded-For"); len(prior) > 0 {
		clientIP = strings.Join(prior, ", ") + ", " + clientIP
	}
	out.Set("X-Forwarded-For", clientIP)

	out.Set("X-Forwarded-Proto", firstNonEmpty(in.Header.Get("X-Forwarded-Proto"), "http"))
	out.Set("X-Forwarded-Host", firstNonEmpty(in.Header.Get("X-Forwarded-Host"), in.Host))
	out.Set("X-Forwarded-Port", firstNonEmpty(in.Header.Get("X-Forwarded-Port"), hostport(in.Host), "80"))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// hostname returns the host portion of a Host header value. Case is
// preserved, since routes are matched case-sensitively.
func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// hostport returns the port portion of a Host header value, if any.
func hostport(host string) string {
	if _, p, err := net.SplitHostPort(host); err == nil {
		return p
	}
	return ""
}

func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// dropConnection closes the client connection without writing a response.
func dropConnection(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			conn.Close()
			return
		}
	}
	panic(http.ErrAbortHandler)
}

var backendTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConnsPerHost: 16,
	IdleConnTimeout:     90 * time.Second,
}

var notFoundTemplate = template.Must(template.New("").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<title>portless: not found</title>
</head>
<body>
<h1>Not Found</h1>
<p>No app registered for <strong>{{ .Host }}</strong></p>
<ul>
{{ range .Routes -}}
<li><a href="{{ .URL }}">{{ .Hostname }}</a> &rarr; localhost:{{ .Port }}</li>
{{ else -}}
<li><em>No apps running.</em></li>
{{ end -}}
</ul>
</body>
</html>
`))
