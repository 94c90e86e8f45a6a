// Package acl restricts which network peers may reach the ingestion endpoint.
package acl

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// List is a set of CIDR prefixes. An empty list allows every peer.
type List struct {
	prefixes []netip.Prefix
}

// New parses a comma-separated list of CIDR blocks.
func New(cidrs string) (*List, error) {
	if strings.TrimSpace(cidrs) == "" {
		return &List{}, nil
	}

	var prefixes []netip.Prefix
	for _, part := range strings.Split(cidrs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", part, err)
		}
		prefixes = append(prefixes, p.Masked())
	}

	return &List{prefixes: prefixes}, nil
}

// Allows reports whether addr falls inside one of the prefixes.
func (l *List) Allows(addr netip.Addr) bool {
	if l == nil || len(l.prefixes) == 0 {
		return true
	}

	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// AllowsRemoteAddr checks an http.Request.RemoteAddr style "host:port" value.
// Unparseable peers are denied unless the list is empty.
func (l *List) AllowsRemoteAddr(remoteAddr string) bool {
	if l == nil || len(l.prefixes) == 0 {
		return true
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return l.Allows(addr)
}

// Len returns the number of configured prefixes.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.prefixes)
}

// String returns the prefixes in canonical comma-separated form.
func (l *List) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, len(l.prefixes))
	for i, p := range l.prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
