package hostproxy

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/miekg/dns"
)

// NewDNSServer returns a DNS server which will listen on addr, and resolve
// names under localhost. to the loopback address: A and HTTPS queries to
// 127.0.0.1, and AAAA queries to ::1. Queries for any other name are refused.
//
// A nil logger parameter is valid and will result in no log output.
//
// Browsers resolve *.localhost on their own, but some system resolvers (and
// the tools that use them, like cURL on macOS) only resolve "localhost"
// itself. Running this resolver and pointing the system at it for the
// localhost domain, e.g. with /etc/resolver/localhost on macOS containing
//
//	nameserver 127.0.0.1
//	port 5354
//
// makes every routed hostname resolvable.
func NewDNSServer(addr string, logger *log.Logger) *dns.Server {
	return &dns.Server{
		Addr:    addr,
		Net:     "udp",
		Handler: NewDNSHandler(logger),
	}
}

// NewDNSHandler returns the handler used by [NewDNSServer], for callers that
// bring their own listener.
func NewDNSHandler(logger *log.Logger) dns.Handler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	mux := dns.NewServeMux()

	mux.HandleFunc(".", func(w dns.ResponseWriter, request *dns.Msg) {
		for i, q := range request.Question {
			logger.Printf("-> DNS %d/%d: %s", i+1, len(request.Question), q.String())
		}
		response := getResponse(request, logger)
		for i, a := range response.Answer {
			logger.Printf("<- DNS %d/%d: %s", i+1, len(response.Answer), a.String())
		}
		w.WriteMsg(response)
	})

	return mux
}

func isLocalhostName(name string) bool {
	name = strings.ToLower(dns.Fqdn(name))
	return name == "localhost." || strings.HasSuffix(name, ".localhost.")
}

func getResponse(request *dns.Msg, logger *log.Logger) *dns.Msg {
	var response dns.Msg
	response.SetReply(request)
	response.Compress = false

	if request.Opcode != dns.OpcodeQuery {
		response.Rcode = dns.RcodeNotImplemented
		return &response
	}

	var answer []dns.RR
	for _, q := range response.Question {
		if !isLocalhostName(q.Name) {
			logger.Printf("%s %s: refused, not under localhost", dns.TypeToString[q.Qtype], q.Name)
			response.Rcode = dns.RcodeRefused
			return &response
		}

		var (
			rr  dns.RR
			err error
		)
		switch q.Qtype {
		case dns.TypeA:
			rr, err = dns.NewRR(fmt.Sprintf("%s A 127.0.0.1", q.Name))
		case dns.TypeAAAA:
			rr, err = dns.NewRR(fmt.Sprintf("%s AAAA ::1", q.Name))
		case dns.TypeHTTPS:
			rr, err = dns.NewRR(fmt.Sprintf("%s HTTPS 1 . ipv4hint=127.0.0.1", q.Name))
		default:
			err = fmt.Errorf("unsupported question type %d", q.Qtype)
		}
		if err != nil {
			logger.Printf("%s %s: %v", dns.TypeToString[q.Qtype], q.Name, err)
			return &response
		}
		answer = append(answer, rr)
	}

	response.Answer = answer
	return &response
}
