package netutil

import (
	"fmt"
	"net"
)

// ListenLoopback listens on an ephemeral TCP port of 127.0.0.1. The
// listener is bound to IPv4 loopback only so that nothing off the host can
// race the intended peer to it.
func ListenLoopback() (net.Listener, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen on loopback: %w", err)
	}
	return ln, nil
}
