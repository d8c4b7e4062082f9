package util

import (
	"fmt"
	"net"
	"strconv"
)

// FormatAddr returns "host:port", bracketing IPv6 literals.
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// PortOf extracts the TCP port from a listener or connection address.
func PortOf(addr net.Addr) (uint16, error) {
	if ta, ok := addr.(*net.TCPAddr); ok {
		return uint16(ta.Port), nil
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, fmt.Errorf("address %q has no port: %w", addr, err)
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("address %q: invalid port: %w", addr, err)
	}
	return uint16(n), nil
}
