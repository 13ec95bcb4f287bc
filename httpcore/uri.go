package httpcore

import (
	"fmt"
	"net/url"
	"strconv"
)

// Origin identifies a pooling/connection key: scheme, host, and port,
// per §4.3.4's origin-keyed connection pool.
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

func (o Origin) String() string {
	return fmt.Sprintf("%s://%s:%d", o.Scheme, o.Host, o.Port)
}

// HostHeader renders the value for an outgoing request's Host header:
// bare hostname when the port is the scheme's default, "host:port"
// otherwise, per RFC 7230 §5.4.
func (o Origin) HostHeader() string {
	if o.Port == defaultPort(o.Scheme) {
		return o.Host
	}
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// RequestURI is a parsed client request target: the origin to connect
// to, plus the request-line target (path?query) to send on the wire.
type RequestURI struct {
	Origin Origin
	Target string // e.g. "/widgets?x=1"
}

// ParseRequestURI parses a client-supplied absolute URI for request_start
// (§6), splitting it into a connection Origin and an on-wire request
// target. Only http and https schemes are accepted; https is accepted
// for origin bookkeeping even though this module does not itself speak
// TLS (§9).
func ParseRequestURI(raw string) (RequestURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RequestURI{}, fmt.Errorf("httpcore: invalid request URI: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return RequestURI{}, fmt.Errorf("httpcore: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return RequestURI{}, fmt.Errorf("httpcore: request URI missing host")
	}

	host := u.Hostname()
	port := defaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return RequestURI{}, fmt.Errorf("httpcore: invalid port %q", p)
		}
		port = n
	}

	target := u.EscapedPath()
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	return RequestURI{
		Origin: Origin{Scheme: u.Scheme, Host: host, Port: port},
		Target: target,
	}, nil
}

func defaultPort(scheme string) int {
	if scheme == "https" {
		return 443
	}
	return 80
}
