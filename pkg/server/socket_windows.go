//go:build windows

package server

import "syscall"

// setSocketOptions enables SO_REUSEADDR so a restarted server can rebind at once
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
