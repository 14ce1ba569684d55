//go:build unix

package mesh

import (
	"net"
	"syscall"
)

// enableBroadcast sets SO_BROADCAST on conn's underlying socket so sends to
// the IPv4 broadcast address succeed, per §4.4's SO_BROADCAST requirement.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// enableReuseAddr sets SO_REUSEADDR on conn's underlying socket, per
// §4.4's SO_REUSEADDR requirement.
func enableReuseAddr(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
