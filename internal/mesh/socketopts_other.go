//go:build !unix

package mesh

import "net"

// enableBroadcast and enableReuseAddr are unix socket option helpers;
// non-unix builds (e.g. Windows) rely on the platform default, which
// already permits sending to the broadcast address.
func enableBroadcast(conn *net.UDPConn) error { return nil }
func enableReuseAddr(conn *net.UDPConn) error { return nil }
