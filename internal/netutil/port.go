// Package netutil has small networking helpers shared by tests and the
// command-line tools.
package netutil

import (
	"fmt"
	"net"
)

// FreeAddr reserves a loopback TCP port and returns it as a listen address.
// The port is released before returning, so nothing else should grab
// loopback ports between this call and the listen.
func FreeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer l.Close()
	return l.Addr().String(), nil
}
