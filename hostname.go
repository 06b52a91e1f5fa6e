package portless

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidHostname is returned by ParseHostname for input that can't be
// turned into a .localhost hostname.
var ErrInvalidHostname = errors.New("invalid hostname")

const localhostSuffix = ".localhost"

// ParseHostname normalizes a user-supplied service identifier into a canonical
// hostname under .localhost. A leading http:// or https:// is stripped, and
// the .localhost suffix is appended if it isn't already present, so "myapp",
// "http://myapp", and "myapp.localhost" all yield "myapp.localhost". Dotted
// inputs are supported, e.g. "api.myapp" yields "api.myapp.localhost".
//
// Only ASCII letters, digits, dots, and hyphens are allowed. Dots separate
// non-empty labels, and no label starts or ends with a hyphen. Case is
// preserved: hostnames are matched case-sensitively by the proxy.
func ParseHostname(input string) (string, error) {
	hostname := strings.TrimSpace(input)

	for _, scheme := range []string{"http://", "https://"} {
		if len(hostname) >= len(scheme) && strings.EqualFold(hostname[:len(scheme)], scheme) {
			hostname = hostname[len(scheme):]
			break
		}
	}

	if hostname == "" {
		return "", fmt.Errorf("%w: hostname cannot be empty", ErrInvalidHostname)
	}

	if strings.HasPrefix(hostname, ".") || strings.HasSuffix(hostname, ".") {
		return "", fmt.Errorf("%w: %q must not start or end with a dot", ErrInvalidHostname, hostname)
	}

	if strings.Contains(hostname, "..") {
		return "", fmt.Errorf("%w: %q contains consecutive dots", ErrInvalidHostname, hostname)
	}

	for _, r := range hostname {
		if !validHostnameRune(r) {
			return "", fmt.Errorf("%w: %q must contain only letters, digits, dots, and hyphens", ErrInvalidHostname, hostname)
		}
	}

	if !strings.HasSuffix(hostname, localhostSuffix) {
		hostname += localhostSuffix
	}

	for _, label := range strings.Split(hostname, ".") {
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return "", fmt.Errorf("%w: %q has a label starting or ending with a hyphen", ErrInvalidHostname, hostname)
		}
	}

	return hostname, nil
}

func validHostnameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '-':
		return true
	default:
		return false
	}
}

// FormatURL renders the URL at which hostname is reachable through a proxy
// listening on port. The port is omitted when it's 80. The hostname is not
// validated.
func FormatURL(hostname string, port int) string {
	if port == 80 {
		return "http://" + hostname
	}
	return "http://" + hostname + ":" + strconv.Itoa(port)
}
