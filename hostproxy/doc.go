// Package hostproxy provides the reverse proxy at the heart of the portless
// daemon.
//
// The intent is to let local development servers, each listening on some
// arbitrary port, share a single well-known entry port, and be addressed by
// stable, meaningful hostnames rather than port numbers. For example, rather
// than addressing an API server as localhost:4123 and a web frontend as
// localhost:4456, you could use
//
//	http://api.myapp.localhost:1355
//	http://web.myapp.localhost:1355
//
// Browsers resolve every name under .localhost to the loopback address, so no
// DNS configuration is usually required. Where it is, [NewDNSServer] provides
// a minimal resolver for those names.
//
// Routing is dynamic. The [Handler] consults the route table on every request,
// so services registered or removed by other processes take effect
// immediately, without restarting or signaling the proxy.
package hostproxy
