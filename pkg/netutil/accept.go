package netutil

import (
	"context"
	"net"
)

// AcceptOne waits for a single connection on ln and closes the listener
// afterwards, whether or not a connection arrived. A canceled context
// aborts the wait and is reported as its cause.
func AcceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	if ctx.Err() != nil {
		conn.Close()
		return nil, context.Cause(ctx)
	}
	return conn, nil
}
