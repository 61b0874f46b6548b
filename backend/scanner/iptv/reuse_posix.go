//go:build !windows

package iptvscan

import (
	"net"
	"syscall"
)

func reusePortControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// Binding to the group address keeps other groups on the same port out of this socket.
func multicastBindAddr(group net.IP, port string) string {
	if group.IsMulticast() {
		return net.JoinHostPort(group.String(), port)
	}
	return net.JoinHostPort("0.0.0.0", port)
}
