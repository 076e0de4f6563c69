package tube

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vercel-eddie/tubeshell/pkg/stream"
)

const (
	pingInterval  = 30 * time.Second
	writeTimeout  = 10 * time.Second
	inboundQueue  = 16
	wsBufferSize  = 32 * 1024
	closeGraceful = time.Second
)

// Tube is a paired stream tube. Each binary websocket message carries a
// chunk of data; an empty binary message marks the end of the sender's
// data, like a TCP FIN.
//
// Messages are pulled off the socket by a background goroutine so that a
// read deadline can interrupt Read without breaking the websocket.
type Tube struct {
	conn *websocket.Conn
	id   string

	readMu       sync.Mutex
	buf          []byte
	readEOF      bool
	readDeadline stream.Deadline
	msgs         chan []byte
	readErr      error // set before msgs is closed

	writeMu     sync.Mutex
	writeClosed bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newTube(conn *websocket.Conn, id string, ping bool) *Tube {
	t := &Tube{
		conn:   conn,
		id:     id,
		msgs:   make(chan []byte, inboundQueue),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	if ping {
		go t.pingLoop()
	}
	return t
}

// ID returns the tube ID assigned by the relay.
func (t *Tube) ID() string { return t.id }

func (t *Tube) String() string { return "tube:" + t.id }

func (t *Tube) readLoop() {
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if isCleanClose(err) {
				err = io.EOF
			}
			t.readErr = err
			close(t.msgs)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case t.msgs <- data:
		case <-t.closed:
			return
		}
	}
}

func (t *Tube) Read(p []byte) (int, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	for len(t.buf) == 0 {
		if t.readEOF {
			return 0, io.EOF
		}
		select {
		case <-t.closed:
			return 0, net.ErrClosed
		case <-t.readDeadline.Done():
			return 0, os.ErrDeadlineExceeded
		case data, ok := <-t.msgs:
			if !ok {
				return 0, t.readErr
			}
			if len(data) == 0 {
				t.readEOF = true
				return 0, io.EOF
			}
			t.buf = data
		}
	}

	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	return n, nil
}

func (t *Tube) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeClosed {
		return 0, io.ErrClosedPipe
	}
	// An empty message would be read as EOF.
	if len(p) == 0 {
		return 0, nil
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite tells the peer there is no more data. Reading continues.
func (t *Tube) CloseWrite() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.writeClosed {
		return nil
	}
	t.writeClosed = true
	return t.conn.WriteMessage(websocket.BinaryMessage, nil)
}

// CloseRead discards everything the peer sends from now on.
func (t *Tube) CloseRead() error {
	t.readMu.Lock()
	defer t.readMu.Unlock()
	t.readEOF = true
	t.buf = nil
	return nil
}

// SetReadDeadline sets the deadline for pending and future Read calls. A
// zero value clears it. The tube stays usable after a deadline expires.
func (t *Tube) SetReadDeadline(deadline time.Time) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
	}
	t.readDeadline.Set(deadline)
	return nil
}

// Close sends a normal closure and closes the websocket.
func (t *Tube) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		t.writeMu.Lock()
		t.writeClosed = true
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGraceful))
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (t *Tube) Done() <-chan struct{} { return t.closed }

func (t *Tube) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}
		t.writeMu.Lock()
		err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
		t.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// isCleanClose reports whether err ends the peer's data the way a FIN would.
// Resets and abnormal closures are errors, not EOF.
func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

var (
	_ stream.Stream        = (*Tube)(nil)
	_ stream.HalfCloser    = (*Tube)(nil)
	_ stream.ReadDeadliner = (*Tube)(nil)
)
