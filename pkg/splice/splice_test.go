package splice

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vercel-eddie/tubeshell/pkg/stream"
)

const testTimeout = 5 * time.Second

// memStream reads from a preloaded buffer, which is immediately at EOF once
// drained, and records what is written to it.
type memStream struct {
	r        io.Reader
	w        bytes.Buffer
	closes   atomic.Int32
	closeErr error
}

func newMemStream(data []byte) *memStream {
	return &memStream{r: bytes.NewReader(data)}
}

func (m *memStream) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *memStream) Write(p []byte) (int, error) { return m.w.Write(p) }

func (m *memStream) Close() error {
	m.closes.Add(1)
	return m.closeErr
}

// countingStream is a pipe end that counts Close calls.
type countingStream struct {
	*stream.PipeEnd
	closes atomic.Int32
}

func (c *countingStream) Close() error {
	c.closes.Add(1)
	return c.PipeEnd.Close()
}

// brokenWriter is a pipe end whose Write always fails.
type brokenWriter struct {
	*stream.PipeEnd
	err error
}

func (b *brokenWriter) Write([]byte) (int, error) { return 0, b.err }

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func requireDone(t *testing.T, op *Operation) error {
	t.Helper()
	select {
	case <-op.Done():
		return op.Err()
	case <-time.After(testTimeout):
		t.Fatalf("splice did not complete, state %s", op.State())
	}
	return nil
}

func TestPreloadedStreamsDefaultFlags(t *testing.T) {
	dataA := randomBytes(t, 4096)
	dataB := randomBytes(t, 4096)

	for range 200 {
		a := newMemStream(dataA)
		b := newMemStream(dataB)

		op := Start(context.Background(), a, b)
		require.NoError(t, requireDone(t, op))

		require.Equal(t, dataA, b.w.Bytes())
		require.Equal(t, dataB, a.w.Bytes())
		assert.Zero(t, a.closes.Load())
		assert.Zero(t, b.closes.Load())
		assert.Equal(t, Completed, op.State())
	}
}

func TestPeerFinishedDeliversReadableData(t *testing.T) {
	for range 50 {
		s1, peer1 := stream.Pipe()
		s2, peer2 := stream.Pipe()

		// Stream 1 is already at EOF and stream 2 already has data queued,
		// so the forward direction usually finishes before the reverse one
		// has read anything.
		require.NoError(t, peer1.CloseWrite())
		_, err := peer2.Write([]byte("queued"))
		require.NoError(t, err)

		op := Start(context.Background(), s1, s2)
		require.NoError(t, requireDone(t, op))

		buf := make([]byte, 16)
		n, err := peer1.Read(buf)
		require.NoError(t, err)
		require.Equal(t, "queued", string(buf[:n]))
	}
}

func TestWaitForBothClosesFlaggedStreamsOnce(t *testing.T) {
	dataA := randomBytes(t, 100_000)
	dataB := randomBytes(t, 70_000)
	a := newMemStream(dataA)
	b := newMemStream(dataB)

	op := Start(context.Background(), a, b, WithFlags(WaitForBoth|CloseStream1|CloseStream2))
	require.NoError(t, requireDone(t, op))

	assert.Equal(t, dataA, b.w.Bytes())
	assert.Equal(t, dataB, a.w.Bytes())
	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, int32(1), b.closes.Load())

	result := op.Result()
	assert.Equal(t, int64(len(dataA)), result.Forward)
	assert.Equal(t, int64(len(dataB)), result.Reverse)
}

func TestCloseFlagIndependence(t *testing.T) {
	tests := []struct {
		name        string
		flags       Flags
		wantClosed1 int32
		wantClosed2 int32
	}{
		{name: "neither", flags: WaitForBoth, wantClosed1: 0, wantClosed2: 0},
		{name: "stream1 only", flags: WaitForBoth | CloseStream1, wantClosed1: 1, wantClosed2: 0},
		{name: "stream2 only", flags: WaitForBoth | CloseStream2, wantClosed1: 0, wantClosed2: 1},
		{name: "both", flags: WaitForBoth | CloseStream1 | CloseStream2, wantClosed1: 1, wantClosed2: 1},
		{name: "defaults neither", flags: None, wantClosed1: 0, wantClosed2: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newMemStream([]byte("from a"))
			b := newMemStream([]byte("from b"))

			op := Start(context.Background(), a, b, WithFlags(tt.flags))
			require.NoError(t, requireDone(t, op))

			assert.Equal(t, tt.wantClosed1, a.closes.Load())
			assert.Equal(t, tt.wantClosed2, b.closes.Load())
		})
	}
}

func TestWriteErrorSurfacesAndCancelsPeer(t *testing.T) {
	errBoom := errors.New("boom")

	a1, _ := stream.Pipe()
	s1 := &brokenWriter{PipeEnd: a1, err: errBoom}
	s2, peer2 := stream.Pipe()

	op := Start(context.Background(), s1, s2)

	// Give the reverse direction something to write into stream 1. The
	// forward direction is blocked reading stream 1, which never has data.
	_, err := peer2.Write([]byte("payload"))
	require.NoError(t, err)

	err = requireDone(t, op)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, errPeerFinished)

	var dirErr *DirectionError
	require.ErrorAs(t, err, &dirErr)
	assert.Equal(t, Reverse, dirErr.Direction)
	assert.Equal(t, "write", dirErr.Op)
}

func TestEOFCancelsPeerWithoutError(t *testing.T) {
	s1, peer1 := stream.Pipe()
	s2, peer2 := stream.Pipe()

	op := Start(context.Background(), s1, s2)

	_, err := peer1.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, peer1.CloseWrite())

	require.NoError(t, requireDone(t, op))

	buf := make([]byte, 32)
	n, err := peer2.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(buf[:n]))
}

func TestStreamsUsableAfterEngineCancellation(t *testing.T) {
	s1, peer1 := stream.Pipe()
	s2, peer2 := stream.Pipe()

	op := Start(context.Background(), s1, s2)
	require.NoError(t, peer1.CloseWrite())
	require.NoError(t, requireDone(t, op))

	// The engine interrupted the pending read on s2 with a deadline. The
	// stream is not flagged for closure, so it must work again.
	_, err := peer2.Write([]byte("after"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := s2.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "after", string(buf[:n]))
}

func TestCallerCancellation(t *testing.T) {
	for _, flags := range []Flags{None, WaitForBoth, WaitForBoth | CloseStream1 | CloseStream2} {
		t.Run(flags.String(), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			s1, peer1 := stream.Pipe()
			s2, peer2 := stream.Pipe()

			op := Start(ctx, s1, s2, WithFlags(flags))

			_, err := peer1.Write([]byte("mid"))
			require.NoError(t, err)
			buf := make([]byte, 8)
			n, err := peer2.Read(buf)
			require.NoError(t, err)
			require.Equal(t, "mid", string(buf[:n]))

			cancel()

			err = requireDone(t, op)
			assert.ErrorIs(t, err, context.Canceled)
			assert.NotErrorIs(t, err, errPeerFinished)

			// Nothing written after the cancellation is copied.
			_, _ = peer1.Write([]byte("dropped"))
			require.NoError(t, peer2.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
			_, err = peer2.Read(buf)
			assert.Error(t, err)
		})
	}
}

func TestCallerCancellationCause(t *testing.T) {
	errHangup := errors.New("user hung up")
	ctx, cancel := context.WithCancelCause(context.Background())

	s1, _ := stream.Pipe()
	s2, _ := stream.Pipe()
	op := Start(ctx, s1, s2, WithFlags(WaitForBoth))
	cancel(errHangup)

	assert.ErrorIs(t, requireDone(t, op), errHangup)
}

func TestAlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newMemStream([]byte("never"))
	b := newMemStream([]byte("sent"))
	op := Start(ctx, a, b, WithFlags(CloseStream1|CloseStream2))

	assert.ErrorIs(t, requireDone(t, op), context.Canceled)
	assert.Zero(t, a.w.Len())
	assert.Zero(t, b.w.Len())
	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, int32(1), b.closes.Load())
}

func TestOutcomeDeliveredExactlyOnce(t *testing.T) {
	errBoom := errors.New("boom")
	errClose := errors.New("close failed")

	a1, _ := stream.Pipe()
	s1 := &brokenWriter{PipeEnd: a1, err: errBoom}
	s2 := newMemStream([]byte("data"))
	s2.closeErr = errClose

	var callbacks, transferring, finished atomic.Int32
	var finalResult Result
	op := Start(context.Background(), s1, s2,
		WithFlags(CloseStream1|CloseStream2),
		WithCallback(func(error) { callbacks.Add(1) }),
		WithObserver(ObserverFuncs{
			OnTransferring: func() { transferring.Add(1) },
			OnFinished: func(r Result) {
				finalResult = r
				finished.Add(1)
			},
		}),
	)

	err := requireDone(t, op)
	assert.ErrorIs(t, err, errBoom, "the direction error came first and wins over the close error")
	assert.NotErrorIs(t, err, errClose)

	require.Eventually(t, func() bool { return finished.Load() == 1 }, testTimeout, time.Millisecond)
	assert.Equal(t, int32(1), callbacks.Load())
	assert.Equal(t, int32(1), transferring.Load())
	assert.ErrorIs(t, finalResult.Err, errBoom)
}

func TestCloseErrorSurfacedWhenNothingElseFailed(t *testing.T) {
	errClose := errors.New("close failed")
	a := newMemStream([]byte("a"))
	a.closeErr = errClose
	b := newMemStream([]byte("b"))

	op := Start(context.Background(), a, b, WithFlags(WaitForBoth|CloseStream1))
	err := requireDone(t, op)

	var closeErr *CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, 1, closeErr.Stream)
	assert.ErrorIs(t, err, errClose)
}

func TestClosesStartAfterBothDirections(t *testing.T) {
	a1, peer1 := stream.Pipe()
	a2, peer2 := stream.Pipe()
	s1 := &countingStream{PipeEnd: a1}
	s2 := &countingStream{PipeEnd: a2}

	op := Start(context.Background(), s1, s2, WithFlags(WaitForBoth|CloseStream1|CloseStream2))

	require.NoError(t, peer1.CloseWrite())
	select {
	case <-op.DirectionDone(Forward):
	case <-time.After(testTimeout):
		t.Fatal("forward direction did not finish")
	}

	assert.Equal(t, OneSideDone, op.State())
	assert.Zero(t, s1.closes.Load(), "stream1 closed while the reverse direction still uses it")
	assert.Zero(t, s2.closes.Load(), "stream2 closed while the reverse direction still uses it")

	_, err := peer2.Write([]byte("still flowing"))
	require.NoError(t, err)
	buf := make([]byte, 32)
	n, err := peer1.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "still flowing", string(buf[:n]))

	require.NoError(t, peer2.CloseWrite())
	require.NoError(t, requireDone(t, op))
	assert.Equal(t, int32(1), s1.closes.Load())
	assert.Equal(t, int32(1), s2.closes.Load())
}

func TestCloseWriteOnEOFPropagatesHalfClose(t *testing.T) {
	s1, peer1 := stream.Pipe()
	s2, peer2 := stream.Pipe()

	op := Start(context.Background(), s1, s2, WithFlags(WaitForBoth|CloseWriteOnEOF))

	_, err := peer1.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, peer1.CloseWrite())

	got, err := io.ReadAll(peer2)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	_, err = peer2.Write([]byte("pong"))
	require.NoError(t, err)
	require.NoError(t, peer2.CloseWrite())

	got, err = io.ReadAll(peer1)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))

	require.NoError(t, requireDone(t, op))
}

func TestLargeTransferIsUnmodified(t *testing.T) {
	s1, peer1 := stream.Pipe()
	s2, peer2 := stream.Pipe()
	payload := randomBytes(t, 1<<20)

	op := Start(context.Background(), s1, s2,
		WithFlags(WaitForBoth|CloseWriteOnEOF),
		WithBufferSize(4096),
	)

	go func() {
		for chunk := payload; len(chunk) > 0; {
			n := min(len(chunk), 1500)
			if _, err := peer1.Write(chunk[:n]); err != nil {
				return
			}
			chunk = chunk[n:]
		}
		peer1.CloseWrite()
	}()

	got, err := io.ReadAll(peer2)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got), "payload corrupted in transit")

	require.NoError(t, peer2.CloseWrite())
	require.NoError(t, requireDone(t, op))
	assert.Equal(t, int64(len(payload)), op.Result().Forward)
}

func TestNilStream(t *testing.T) {
	var called, transferring, finished atomic.Int32
	obs := ObserverFuncs{
		OnTransferring: func() { transferring.Add(1) },
		OnFinished: func(r Result) {
			assert.False(t, r.Started)
			finished.Add(1)
		},
	}
	op := Start(context.Background(), nil, newMemStream(nil), WithObserver(obs), WithCallback(func(err error) {
		assert.ErrorIs(t, err, ErrNilStream)
		called.Add(1)
	}))
	assert.ErrorIs(t, requireDone(t, op), ErrNilStream)
	assert.Equal(t, int32(1), called.Load())
	assert.Zero(t, transferring.Load())
	assert.Equal(t, int32(1), finished.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	s1, _ := stream.Pipe()
	s2, _ := stream.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	op := Start(ctx, s1, s2, WithPriority(10), WithName("idle"))
	assert.Equal(t, 10, op.Priority())

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, op.Wait(waitCtx), context.DeadlineExceeded)
	assert.Equal(t, Running, op.State())
	assert.Nil(t, op.Err())

	cancel()
	assert.ErrorIs(t, op.Wait(context.Background()), context.Canceled)
}

func TestRun(t *testing.T) {
	a := newMemStream([]byte("left"))
	b := newMemStream([]byte("right"))
	require.NoError(t, Run(context.Background(), a, b, WithFlags(WaitForBoth)))
	assert.Equal(t, "left", b.w.String())
	assert.Equal(t, "right", a.w.String())
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "close-stream1|wait-for-both", (CloseStream1 | WaitForBoth).String())
	assert.True(t, (CloseStream1 | CloseStream2).Has(CloseStream2))
	assert.False(t, CloseStream1.Has(CloseStream1|CloseStream2))
	assert.Equal(t, "stream2->stream1", Reverse.String())
	assert.Equal(t, "closing", Closing.String())
}
