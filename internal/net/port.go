package net

import (
	"fmt"
	"net"
)

// ListenLoopback binds an ephemeral TCP port on the IPv4 loopback address.
// The caller owns the listener and reads the chosen port from Port.
func ListenLoopback() (*net.TCPListener, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on loopback: %w", err)
	}
	return listener, nil
}

// Port returns the TCP port a listener is bound to.
func Port(l net.Listener) int {
	return l.Addr().(*net.TCPAddr).Port
}
