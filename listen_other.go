//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package tlsecho

import (
	"net"
)

// listenBacklog cannot set the accept queue depth
// here; the platform default applies.
func listenBacklog(addr string, backlog int) (net.Listener, error) {
	if backlog > 0 {
		vv("Backlog %v ignored on this platform", backlog)
	}
	return net.Listen("tcp", addr)
}
