package proxylab

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedRequest is returned when the first request line cannot be
// turned into a target host and port.
var ErrMalformedRequest = errors.New("malformed request")

// Request is the parsed head of a client connection. Only the first line is
// interpreted; Raw is forwarded to the destination unchanged.
type Request struct {
	// Raw is the initial bytes read from the client.
	Raw []byte

	// Method is the method token as sent by the client.
	Method string

	// Target is the second token of the request line.
	Target string

	// URL is the target as recorded in the access log. For tunnels it is
	// "https://" + host.
	URL string

	Host string
	Port int

	// Tunnel is true for CONNECT.
	Tunnel bool
}

// Addr returns the host:port to dial.
func (r *Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ParseRequest extracts the method and destination from raw.
func ParseRequest(raw []byte) (*Request, error) {
	line := raw
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: request line has %d tokens", ErrMalformedRequest, len(fields))
	}

	req := &Request{
		Raw:    raw,
		Method: fields[0],
		Target: fields[1],
	}

	if strings.EqualFold(req.Method, "CONNECT") {
		req.Tunnel = true
		if err := req.parseAuthority(); err != nil {
			return nil, err
		}
		req.URL = "https://" + req.Host
		return req, nil
	}

	if err := req.parseURL(); err != nil {
		return nil, err
	}
	return req, nil
}

// parseAuthority handles the host[:port] form used by CONNECT.
func (r *Request) parseAuthority() error {
	host, portStr, err := net.SplitHostPort(r.Target)
	if err != nil {
		host = strings.Trim(r.Target, "[]")
		portStr = ""
	}
	if host == "" {
		return fmt.Errorf("%w: empty CONNECT host in %q", ErrMalformedRequest, r.Target)
	}

	port := DefaultHTTPSPort
	if portStr != "" {
		port, err = parsePort(portStr)
		if err != nil {
			return err
		}
	}

	r.Host = host
	r.Port = port
	return nil
}

// parseURL handles the absolute (or scheme-less) URL form used by the
// other methods.
func (r *Request) parseURL() error {
	raw := r.Target
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: no host in %q", ErrMalformedRequest, r.Target)
	}

	port := DefaultHTTPPort
	if p := u.Port(); p != "" {
		port, err = parsePort(p)
		if err != nil {
			return err
		}
	}

	r.URL = raw
	r.Host = host
	r.Port = port
	return nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: invalid port %q", ErrMalformedRequest, s)
	}
	return port, nil
}
