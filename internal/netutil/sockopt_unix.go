//go:build unix

package netutil

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl runs after the runtime's default listener options and before
// bind, so it decides the final SO_REUSEADDR value.
func reuseControl(reuse bool) func(network, address string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		val := 0
		if reuse {
			val = 1
		}
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, val)
		}); err != nil {
			return err
		}
		return sockErr
	}
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
