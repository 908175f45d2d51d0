//go:build unix

package tcpserver

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isResourceExhausted reports whether err means the process or system ran
// out of descriptors or socket memory.
func isResourceExhausted(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENOMEM)
}
