package splice

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/vercel-eddie/tubeshell/pkg/stream"
)

const defaultBufferSize = 32 * 1024

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, defaultBufferSize)
		return &b
	},
}

// aLongTimeAgo is a non-zero time, far in the past, used to interrupt a
// pending Read.
var aLongTimeAgo = time.Unix(1, 0)

// drainWindow bounds each Read once the peer direction has finished. A read
// that has data returns it at once; one that would block ends after the
// window.
const drainWindow = 50 * time.Millisecond

// copyStream copies from src to dst until src reports EOF or an I/O error
// occurs. Returns the bytes written, the failing operation and the error.
//
// ctx is the caller's context. Once it is done nothing more is copied and
// the error is context.Cause(ctx). stop is the engine's early-completion
// signal, derived from ctx. It never discards bytes already read and never
// pre-empts a Read that has data: it only ends a Read that would block, via
// the read deadline, and the error is then context.Cause(stop). A source
// without read deadlines is copied to its natural end.
func copyStream(ctx, stop context.Context, dst io.Writer, src io.Reader, bufSize int) (written int64, op string, err error) {
	rd, canInterrupt := src.(stream.ReadDeadliner)
	if canInterrupt {
		interrupted := make(chan struct{})
		stopInterrupt := context.AfterFunc(stop, func() {
			defer close(interrupted)
			if ctx.Err() != nil {
				_ = rd.SetReadDeadline(aLongTimeAgo)
				return
			}
			_ = rd.SetReadDeadline(time.Now().Add(drainWindow))
		})
		defer func() {
			if !stopInterrupt() {
				// The interrupt ran. Clear it so the stream stays usable
				// for whoever owns it after the splice.
				<-interrupted
				_ = rd.SetReadDeadline(time.Time{})
			}
		}()
	}

	var buf []byte
	if bufSize <= 0 || bufSize == defaultBufferSize {
		b := bufPool.Get().(*[]byte)
		defer bufPool.Put(b)
		buf = *b
	} else {
		buf = make([]byte, bufSize)
	}

	for {
		if ctx.Err() != nil {
			return written, "read", context.Cause(ctx)
		}
		if canInterrupt && stop.Err() != nil {
			if derr := rd.SetReadDeadline(time.Now().Add(drainWindow)); derr != nil {
				// Deadlines are not supported after all; run to EOF.
				canInterrupt = false
			}
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			if ctx.Err() != nil {
				return written, "write", context.Cause(ctx)
			}
			nw, werr := dst.Write(buf[:nr])
			if nw < 0 || nr < nw {
				nw = 0
				if werr == nil {
					werr = errInvalidWrite
				}
			}
			written += int64(nw)
			if werr != nil {
				if ctx.Err() != nil {
					return written, "write", context.Cause(ctx)
				}
				return written, "write", werr
			}
			if nr != nw {
				return written, "write", io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, "", nil
			}
			if ctx.Err() != nil {
				return written, "read", context.Cause(ctx)
			}
			if stop.Err() != nil {
				return written, "read", context.Cause(stop)
			}
			return written, "read", rerr
		}
	}
}
