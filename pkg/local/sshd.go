package local

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DialSSHD connects to the sshd at addr, DefaultSSHDAddr when empty.
func DialSSHD(ctx context.Context, addr string) (*net.TCPConn, error) {
	if addr == "" {
		addr = DefaultSSHDAddr
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sshd at %s: %w", addr, err)
	}
	return conn.(*net.TCPConn), nil
}
