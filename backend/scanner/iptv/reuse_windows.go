//go:build windows

package iptvscan

import (
	"net"
	"syscall"
)

func reusePortControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func multicastBindAddr(_ net.IP, port string) string {
	return net.JoinHostPort("0.0.0.0", port)
}
