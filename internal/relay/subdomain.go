package relay

import (
	"net"
	"strings"
)

// SessionIDFromHost extracts a session id from the left-most DNS label of
// an HTTP Host header. Returns the uppercased id, or "" when the label does
// not match the id grammar or the host has no subdomain.
func SessionIDFromHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	label, rest, found := strings.Cut(host, ".")
	if !found || rest == "" {
		return ""
	}
	id, ok := NormalizeSessionID(label)
	if !ok {
		return ""
	}
	return id
}
