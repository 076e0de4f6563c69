package stream

import (
	"io"
	"os"
	"sync"
	"time"
)

// pipeBuffer is the number of writes a half can queue before Write blocks.
const pipeBuffer = 64

// Pipe creates a connected pair of in-memory streams. Bytes written to one
// end are read from the other. Unlike net.Pipe, writes are buffered, each
// half can be closed on its own, and reads honour SetReadDeadline.
func Pipe() (*PipeEnd, *PipeEnd) {
	ab := newHalf()
	ba := newHalf()
	a := &PipeEnd{name: "pipe:a", in: ba, out: ab}
	b := &PipeEnd{name: "pipe:b", in: ab, out: ba}
	return a, b
}

// half carries bytes in one direction. It is fed by one end's Write and
// drained by the other end's Read.
type half struct {
	dataCh chan []byte

	// eof is closed when the writer calls CloseWrite. Queued data is still
	// delivered before Read reports io.EOF.
	eof     chan struct{}
	eofOnce sync.Once

	// gone is closed when the reader stops reading. Writes then fail.
	gone     chan struct{}
	goneOnce sync.Once

	readDeadline Deadline
	buf          []byte // leftover from a partial Read
}

func newHalf() *half {
	return &half{
		dataCh: make(chan []byte, pipeBuffer),
		eof:    make(chan struct{}),
		gone:   make(chan struct{}),
	}
}

func (h *half) closeWrite() { h.eofOnce.Do(func() { close(h.eof) }) }
func (h *half) closeRead()  { h.goneOnce.Do(func() { close(h.gone) }) }

// PipeEnd is one side of a Pipe.
type PipeEnd struct {
	name string
	in   *half
	out  *half
}

// SetName changes the name reported by String.
func (p *PipeEnd) SetName(name string) { p.name = name }

func (p *PipeEnd) String() string { return p.name }

func (p *PipeEnd) Read(b []byte) (int, error) {
	h := p.in
	if isClosed(h.gone) {
		return 0, io.ErrClosedPipe
	}
	if len(h.buf) > 0 {
		return p.fill(b, h.buf), nil
	}
	if isClosed(h.readDeadline.Done()) {
		return 0, os.ErrDeadlineExceeded
	}

	select {
	case data := <-h.dataCh:
		return p.fill(b, data), nil
	case <-h.gone:
		return 0, io.ErrClosedPipe
	case <-h.readDeadline.Done():
		return 0, os.ErrDeadlineExceeded
	case <-h.eof:
		// Drain anything written before CloseWrite.
		select {
		case data := <-h.dataCh:
			return p.fill(b, data), nil
		default:
			return 0, io.EOF
		}
	}
}

func (p *PipeEnd) fill(b, data []byte) int {
	n := copy(b, data)
	p.in.buf = data[n:]
	return n
}

func (p *PipeEnd) Write(b []byte) (int, error) {
	h := p.out
	if isClosed(h.eof) || isClosed(h.gone) {
		return 0, io.ErrClosedPipe
	}
	if len(b) == 0 {
		return 0, nil
	}

	data := make([]byte, len(b))
	copy(data, b)

	select {
	case h.dataCh <- data:
		return len(b), nil
	case <-h.eof:
		return 0, io.ErrClosedPipe
	case <-h.gone:
		return 0, io.ErrClosedPipe
	}
}

// CloseRead stops reading. The peer's subsequent writes fail.
func (p *PipeEnd) CloseRead() error {
	p.in.closeRead()
	return nil
}

// CloseWrite signals EOF to the peer once it has drained queued data.
func (p *PipeEnd) CloseWrite() error {
	p.out.closeWrite()
	return nil
}

// Close closes both halves.
func (p *PipeEnd) Close() error {
	p.out.closeWrite()
	p.in.closeRead()
	return nil
}

// SetReadDeadline sets the deadline for pending and future Read calls. A zero
// value clears it.
func (p *PipeEnd) SetReadDeadline(t time.Time) error {
	if isClosed(p.in.gone) {
		return io.ErrClosedPipe
	}
	p.in.readDeadline.Set(t)
	return nil
}

var (
	_ Stream        = (*PipeEnd)(nil)
	_ HalfCloser    = (*PipeEnd)(nil)
	_ ReadDeadliner = (*PipeEnd)(nil)
)
