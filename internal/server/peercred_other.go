//go:build !linux

package server

import (
	"errors"
	"net"
)

// Peer credentials are only wired up for Linux; elsewhere every
// connection is rejected unless a test injects its own lookup.
func socketPeerUID(conn net.Conn) (int, error) {
	return 0, errors.New("peer credentials not supported on this platform")
}
