package splice

import (
	"errors"
	"fmt"
)

// ErrNilStream is returned when Start is handed a nil stream.
var ErrNilStream = errors.New("splice: nil stream")

// errPeerFinished is the cancellation cause the engine uses when it stops the
// remaining direction after the other one finished. Errors carrying it are
// never surfaced.
var errPeerFinished = errors.New("splice: peer direction finished")

// errInvalidWrite means a Write returned an impossible count.
var errInvalidWrite = errors.New("invalid write result")

// DirectionError reports an I/O failure in one copy direction.
type DirectionError struct {
	Direction Direction
	// Op is "read", "write" or "close-write".
	Op string
	// Bytes is how much the direction had copied before failing.
	Bytes int64
	Err   error
}

func (e *DirectionError) Error() string {
	return fmt.Sprintf("splice %s: %s after %d bytes: %v", e.Direction, e.Op, e.Bytes, e.Err)
}

func (e *DirectionError) Unwrap() error { return e.Err }

// CloseError reports a failure closing a stream flagged for closure.
type CloseError struct {
	// Stream is 1 or 2.
	Stream int
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("splice: close stream%d: %v", e.Stream, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
