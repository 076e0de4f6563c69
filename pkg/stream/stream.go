// Package stream defines the duplex byte stream that tubeshell splices, and
// adapters that turn sockets, processes and in-memory buffers into one.
package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Stream is a duplex byte stream with an independently readable and writable
// half. Close releases both halves.
//
// Implementations may additionally satisfy HalfCloser and ReadDeadliner;
// consumers discover those with a type assertion. *net.TCPConn and
// *net.UnixConn satisfy both.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// HalfCloser is implemented by streams whose halves can be shut down without
// closing the other one.
type HalfCloser interface {
	// CloseRead shuts down the reading half. Further reads fail.
	CloseRead() error
	// CloseWrite shuts down the writing half. The peer observes EOF once it
	// has drained everything written before the call.
	CloseWrite() error
}

// ReadDeadliner is implemented by streams whose pending Read can be
// interrupted by moving the read deadline.
type ReadDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// CloseWrite half-closes the write side of s if it supports it. The boolean
// reports whether s is a HalfCloser.
func CloseWrite(s Stream) (bool, error) {
	hc, ok := s.(HalfCloser)
	if !ok {
		return false, nil
	}
	return true, hc.CloseWrite()
}

// Name returns a short description of s for log lines.
func Name(s Stream) string {
	if st, ok := s.(fmt.Stringer); ok {
		return st.String()
	}
	return fmt.Sprintf("%T", s)
}

// Join combines a read half and a write half, typically the stdout and stdin
// pipes of a child process, into a single Stream.
func Join(r io.ReadCloser, w io.WriteCloser, name string) *Joined {
	return &Joined{r: r, w: w, name: name}
}

// Joined is a Stream made of separate read and write halves. Closing either
// half closes the underlying ReadCloser or WriteCloser once.
type Joined struct {
	r    io.ReadCloser
	w    io.WriteCloser
	name string

	readOnce  sync.Once
	readErr   error
	writeOnce sync.Once
	writeErr  error
}

func (j *Joined) Read(p []byte) (int, error)  { return j.r.Read(p) }
func (j *Joined) Write(p []byte) (int, error) { return j.w.Write(p) }

func (j *Joined) CloseRead() error {
	j.readOnce.Do(func() { j.readErr = j.r.Close() })
	return j.readErr
}

func (j *Joined) CloseWrite() error {
	j.writeOnce.Do(func() { j.writeErr = j.w.Close() })
	return j.writeErr
}

func (j *Joined) Close() error {
	return errors.Join(j.CloseWrite(), j.CloseRead())
}

// SetReadDeadline forwards to the read half when it supports deadlines, as
// the *os.File pipes returned by exec.Cmd.StdoutPipe do.
func (j *Joined) SetReadDeadline(t time.Time) error {
	if rd, ok := j.r.(ReadDeadliner); ok {
		return rd.SetReadDeadline(t)
	}
	return os.ErrNoDeadline
}

func (j *Joined) String() string { return j.name }

var (
	_ HalfCloser    = (*Joined)(nil)
	_ ReadDeadliner = (*Joined)(nil)
)
