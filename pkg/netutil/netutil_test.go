package netutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenLoopback(t *testing.T) {
	ln, err := ListenLoopback()
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)
	assert.True(t, addr.IP.IsLoopback())
	assert.NotNil(t, addr.IP.To4())
	assert.Positive(t, addr.Port)
}

func TestAcceptOne(t *testing.T) {
	ln, err := ListenLoopback()
	require.NoError(t, err)

	go func() {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			conn.Write([]byte("hi"))
			conn.Close()
		}
	}()

	conn, err := AcceptOne(context.Background(), ln)
	require.NoError(t, err)
	defer conn.Close()

	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	// The listener is closed once a connection has been accepted.
	_, err = net.Dial("tcp", ln.Addr().String())
	assert.Error(t, err)
}

func TestAcceptOneCanceled(t *testing.T) {
	ln, err := ListenLoopback()
	require.NoError(t, err)

	errGone := errors.New("process exited")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(20*time.Millisecond, func() { cancel(errGone) })

	_, err = AcceptOne(ctx, ln)
	assert.ErrorIs(t, err, errGone)
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "eof", err: io.EOF, want: true},
		{name: "wrapped eof", err: fmt.Errorf("read: %w", io.EOF), want: true},
		{name: "closed", err: net.ErrClosed, want: true},
		{name: "broken pipe", err: &net.OpError{Op: "write", Err: syscall.EPIPE}, want: true},
		{name: "reset", err: syscall.ECONNRESET, want: true},
		{name: "ws normal", err: &websocket.CloseError{Code: websocket.CloseNormalClosure}, want: true},
		{name: "ws abnormal", err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, want: false},
		{name: "other", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExpectedCloseError(tt.err))
		})
	}
}
