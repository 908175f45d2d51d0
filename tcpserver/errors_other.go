//go:build !unix

package tcpserver

// isResourceExhausted always reports false off unix: accept failures there
// are retried as transient.
func isResourceExhausted(error) bool {
	return false
}
