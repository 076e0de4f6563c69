package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vercel-eddie/tubeshell/pkg/netutil"
	"github.com/vercel-eddie/tubeshell/pkg/splice"
	"github.com/vercel-eddie/tubeshell/pkg/stream"
)

// errIdle stops the service once the last tube has finished.
var errIdle = errors.New("no tubes left")

// ServiceConfig configures the serving side.
type ServiceConfig struct {
	Listen ListenFunc
	// DialLocal connects to the local sshd for an accepted tube.
	DialLocal OpenFunc
	// ExitWhenIdle makes Run return once at least one tube has been served
	// and none is left.
	ExitWhenIdle bool

	SpliceOptions []splice.Option
	Logger        *slog.Logger
}

// Service accepts tubes and splices each one to a local connection.
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger

	mu      sync.Mutex
	active  int
	served  int
	stopped bool
	tubes   sync.WaitGroup
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logger}
}

// Run serves tubes until ctx is cancelled, the listener fails or, with
// ExitWhenIdle, the last tube finishes. It waits for the tubes in flight
// before returning. Leaving because the service went idle is not an error.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	err := s.cfg.Listen(ctx, func(req Request) {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.active++
		s.served++
		s.tubes.Add(1)
		s.mu.Unlock()

		defer s.tubes.Done()
		defer s.release(cancel)
		s.serve(ctx, req)
	})

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	cancel(err)
	s.tubes.Wait()

	if errors.Is(context.Cause(ctx), errIdle) {
		return nil
	}
	return err
}

func (s *Service) release(cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.active--
	idle := s.active == 0
	s.mu.Unlock()

	if idle && s.cfg.ExitWhenIdle {
		s.logger.Info("last tube finished, exiting")
		cancel(errIdle)
	}
}

func (s *Service) serve(ctx context.Context, req Request) {
	logger := s.logger.With("from", req.From())

	tubeStream, err := req.Accept(ctx)
	if err != nil {
		logger.Error("failed to accept tube", "error", err)
		return
	}
	logger = logger.With("tube", stream.Name(tubeStream))

	localStream, err := s.cfg.DialLocal(ctx)
	if err != nil {
		logger.Error("failed to connect tube to local service", "error", err)
		tubeStream.Close()
		return
	}

	logger.Info("tube connected")
	opts := []splice.Option{
		splice.WithFlags(splice.CloseStream1 | splice.CloseStream2),
		splice.WithName(stream.Name(tubeStream)),
		splice.WithLogger(logger),
	}
	opts = append(opts, s.cfg.SpliceOptions...)

	op := splice.Start(ctx, tubeStream, localStream, opts...)
	<-op.Done()

	result := op.Result()
	switch {
	case result.Err == nil, errors.Is(result.Err, context.Canceled):
	case netutil.IsExpectedCloseError(result.Err):
		logger.Debug("tube connection dropped", "error", result.Err)
	default:
		logger.Warn("tube finished with error", "error", result.Err)
	}
	logger.Info("tube finished",
		"forward_bytes", result.Forward,
		"reverse_bytes", result.Reverse,
		"duration", result.Duration,
	)
}

// Active returns the number of tubes being served.
func (s *Service) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Served returns the number of tubes accepted so far.
func (s *Service) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}
