// Package splice couples two duplex streams so that bytes read from either
// are written to the other, until both copy directions have finished.
//
// Start launches one goroutine per direction and returns immediately. The
// outcome of an Operation is the first error any direction or close step
// produced, or nil. When the first direction finishes the engine cancels
// the other one, unless WaitForBoth is set; that engine-initiated
// cancellation is never reported as a failure. Cancelling the caller's
// context stops both directions and is reported as context.Cause(ctx).
//
// Streams flagged with CloseStream1 or CloseStream2 are closed only after
// both directions have stopped using them.
package splice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vercel-eddie/tubeshell/pkg/stream"
)

// slots counts what an Operation waits for: two directions and two close
// steps. A stream not flagged for closure fills its slot immediately.
const slots = 4

// Observer is notified about the progress of an Operation. Finished is called
// exactly once. Transferring is called once before it, unless the operation
// could not start.
type Observer interface {
	// Transferring is called when both copy directions have been started.
	Transferring()
	// Finished is called once with the merged outcome.
	Finished(Result)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnTransferring func()
	OnFinished     func(Result)
}

func (o ObserverFuncs) Transferring() {
	if o.OnTransferring != nil {
		o.OnTransferring()
	}
}

func (o ObserverFuncs) Finished(r Result) {
	if o.OnFinished != nil {
		o.OnFinished(r)
	}
}

// Result is the merged outcome of an Operation.
type Result struct {
	Err error
	// Started is false when the operation failed before copying began.
	Started bool
	// Forward and Reverse are the bytes copied by each direction.
	Forward  int64
	Reverse  int64
	Duration time.Duration
}

// Option configures an Operation.
type Option func(*config)

type config struct {
	flags      Flags
	priority   int
	bufferSize int
	name       string
	callbacks  []func(error)
	observers  []Observer
	logger     *slog.Logger
}

// WithFlags sets the shutdown policy.
func WithFlags(flags Flags) Option {
	return func(c *config) { c.flags = flags }
}

// WithPriority records a scheduling hint. It is advisory: it is logged and
// reported by Priority but does not change how the Go scheduler runs the
// copy loops.
func WithPriority(priority int) Option {
	return func(c *config) { c.priority = priority }
}

// WithBufferSize sets the per-direction copy buffer size.
func WithBufferSize(n int) Option {
	return func(c *config) { c.bufferSize = n }
}

// WithName labels the operation in log lines.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithCallback registers fn to be called once with the outcome. Callbacks
// run on an engine goroutine after Done is closed.
func WithCallback(fn func(error)) Option {
	return func(c *config) { c.callbacks = append(c.callbacks, fn) }
}

// WithObserver registers an Observer. May be given several times.
func WithObserver(o Observer) Option {
	return func(c *config) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// Operation is one run of the splice engine.
type Operation struct {
	streams [2]stream.Stream
	cfg     config
	ctx     context.Context
	logger  *slog.Logger
	started time.Time

	mu             sync.Mutex
	state          State
	running        bool
	pending        int
	directionsLeft int
	err            error
	copied         [2]int64
	cancels        [2]context.CancelCauseFunc

	directionDone [2]chan struct{}
	done          chan struct{}
	result        Result
}

// Start splices s1 and s2 and returns without blocking. ctx cancels both
// directions; it must not be nil.
func Start(ctx context.Context, s1, s2 stream.Stream, opts ...Option) *Operation {
	op := &Operation{
		streams:        [2]stream.Stream{s1, s2},
		ctx:            ctx,
		started:        time.Now(),
		state:          Idle,
		pending:        slots,
		directionsLeft: 2,
		directionDone:  [2]chan struct{}{make(chan struct{}), make(chan struct{})},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&op.cfg)
	}
	op.logger = op.cfg.logger
	if op.logger == nil {
		op.logger = slog.Default()
	}
	if op.cfg.name != "" {
		op.logger = op.logger.With("splice", op.cfg.name)
	}

	if s1 == nil || s2 == nil {
		op.fail(ErrNilStream)
		return op
	}

	var ctxs [2]context.Context
	for _, d := range []Direction{Forward, Reverse} {
		ctxs[d], op.cancels[d] = context.WithCancelCause(ctx)
	}
	op.state = Running
	op.running = true

	op.logger.Debug("splice started",
		"stream1", stream.Name(s1),
		"stream2", stream.Name(s2),
		"flags", op.cfg.flags,
		"priority", op.cfg.priority,
	)
	for _, o := range op.cfg.observers {
		o.Transferring()
	}

	for _, d := range []Direction{Forward, Reverse} {
		go op.run(ctxs[d], d)
	}
	return op
}

// Run splices s1 and s2 and blocks until the operation completes.
func Run(ctx context.Context, s1, s2 stream.Stream, opts ...Option) error {
	op := Start(ctx, s1, s2, opts...)
	<-op.Done()
	return op.Err()
}

// fail completes an operation that could not start.
func (op *Operation) fail(err error) {
	close(op.directionDone[Forward])
	close(op.directionDone[Reverse])
	op.mu.Lock()
	op.err = err
	op.pending = 0
	op.mu.Unlock()
	op.finish()
}

func (op *Operation) ends(d Direction) (src, dst stream.Stream) {
	if d == Forward {
		return op.streams[0], op.streams[1]
	}
	return op.streams[1], op.streams[0]
}

func (op *Operation) run(ctx context.Context, d Direction) {
	src, dst := op.ends(d)
	n, failedOp, err := copyStream(op.ctx, ctx, dst, src, op.cfg.bufferSize)

	if err == nil && op.cfg.flags.Has(CloseWriteOnEOF) {
		if _, cerr := stream.CloseWrite(dst); cerr != nil {
			failedOp, err = "close-write", cerr
		}
	}

	if err != nil && !errors.Is(err, errPeerFinished) && !errors.Is(err, context.Cause(op.ctx)) {
		err = &DirectionError{Direction: d, Op: failedOp, Bytes: n, Err: err}
	}

	op.logger.Debug("splice direction finished",
		"direction", d,
		"bytes", n,
		"error", err,
	)
	op.directionFinished(ctx, d, n, err)
}

// directionFinished records the outcome of one direction and, once both are
// in, starts the close steps.
func (op *Operation) directionFinished(ctx context.Context, d Direction, n int64, err error) {
	op.mu.Lock()
	op.copied[d] = n
	if err != nil && !op.discard(ctx, err) && op.err == nil {
		op.err = err
	}
	op.directionsLeft--

	bothDone := op.directionsLeft == 0
	if bothDone {
		op.state = BothDone
		// Release the per-direction handles so nothing that follows is
		// cancelled by them.
		for i, cancel := range op.cancels {
			cancel(nil)
			op.cancels[i] = nil
		}
	} else {
		op.state = OneSideDone
		if !op.cfg.flags.Has(WaitForBoth) {
			op.cancels[d.other()](errPeerFinished)
		}
	}
	op.mu.Unlock()

	close(op.directionDone[d])
	op.complete(nil)

	if bothDone {
		op.closeStreams()
	}
}

// discard reports whether err is the engine's own early-completion
// cancellation rather than a failure. The decision is tag based: the
// direction context carries errPeerFinished as its cause only when the
// engine, not the caller, cancelled it.
func (op *Operation) discard(ctx context.Context, err error) bool {
	return errors.Is(err, errPeerFinished) && errors.Is(context.Cause(ctx), errPeerFinished)
}

func (op *Operation) closeStreams() {
	op.mu.Lock()
	op.state = Closing
	op.mu.Unlock()

	flags := [2]Flags{CloseStream1, CloseStream2}
	for i, s := range op.streams {
		if !op.cfg.flags.Has(flags[i]) {
			op.complete(nil)
			continue
		}
		go func(i int, s stream.Stream) {
			var err error
			if cerr := s.Close(); cerr != nil {
				err = &CloseError{Stream: i + 1, Err: cerr}
			}
			op.complete(err)
		}(i, s)
	}
}

// complete fills one slot. The operation finishes when all slots are in.
func (op *Operation) complete(err error) {
	op.mu.Lock()
	if err != nil && op.err == nil {
		op.err = err
	}
	op.pending--
	last := op.pending == 0
	op.mu.Unlock()

	if last {
		op.finish()
	}
}

func (op *Operation) finish() {
	op.mu.Lock()
	op.state = Completed
	op.result = Result{
		Err:      op.err,
		Started:  op.running,
		Forward:  op.copied[Forward],
		Reverse:  op.copied[Reverse],
		Duration: time.Since(op.started),
	}
	result := op.result
	op.mu.Unlock()

	close(op.done)

	if result.Err != nil {
		op.logger.Debug("splice failed", "error", result.Err, "duration", result.Duration)
	} else {
		op.logger.Debug("splice completed",
			"forward_bytes", result.Forward,
			"reverse_bytes", result.Reverse,
			"duration", result.Duration,
		)
	}

	for _, fn := range op.cfg.callbacks {
		fn(result.Err)
	}
	for _, o := range op.cfg.observers {
		o.Finished(result)
	}
}

// Done is closed when the operation has completed.
func (op *Operation) Done() <-chan struct{} { return op.done }

// DirectionDone is closed when direction d has stopped copying.
func (op *Operation) DirectionDone(d Direction) <-chan struct{} { return op.directionDone[d] }

// Err returns the outcome. It is nil until Done is closed.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state != Completed {
		return nil
	}
	return op.err
}

// Result returns the merged outcome. It is the zero value until Done is
// closed.
func (op *Operation) Result() Result {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

// Wait blocks until the operation completes or ctx is done. Giving up on the
// wait does not cancel the operation; cancel the context passed to Start for
// that.
func (op *Operation) Wait(ctx context.Context) error {
	select {
	case <-op.done:
		return op.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Flags returns the shutdown policy.
func (op *Operation) Flags() Flags { return op.cfg.flags }

// Priority returns the advisory priority hint.
func (op *Operation) Priority() int { return op.cfg.priority }
