package net

import (
	"fmt"
	"net"
	"strconv"
)

// Listen binds a TCP listener on addr and keeps it open, so the port cannot be taken
// between choosing it and serving on it. Use port 0 for an ephemeral port.
func Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return l, nil
}

// Port returns the TCP port l is bound to.
func Port(l net.Listener) int {
	return l.Addr().(*net.TCPAddr).Port
}

// URL returns scheme://host:port/path for a listener, replacing unspecified hosts with loopback.
func URL(scheme string, l net.Listener, path string) string {
	addr := l.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(addr.Port)) + path
}
