//go:build !unix

package netutil

import (
	"errors"
	"strings"
	"syscall"
)

// reuseControl is a no-op where SO_REUSEADDR semantics differ from unix.
func reuseControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	// WSAEADDRINUSE does not unwrap to syscall.EADDRINUSE.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use") ||
		strings.Contains(err.Error(), "Only one usage of each socket address")
}
