//go:build !linux

package transport

import "net"

// PeerPID is not supported on this platform.
func PeerPID(net.Conn) (int32, bool) {
	return 0, false
}
