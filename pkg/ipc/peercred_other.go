//go:build !linux

package ipc

import "net"

// Peer credentials are Linux only. Elsewhere peers stay unknown: they may
// query status and resolve, but reload is refused.
func peerCredentials(net.Conn) (peer, error) {
	return peer{}, nil
}
