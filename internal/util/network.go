package util

import (
	"net"
	"strings"
)

// IsLoopbackAddress reports whether addr (host or host:port) only listens on
// the loopback interface. Unspecified addresses like 0.0.0.0 are not loopback.
func IsLoopbackAddress(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
