package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vercel-eddie/tubeshell/pkg/splice"
	"github.com/vercel-eddie/tubeshell/pkg/stream"
)

// ClientConfig configures a client session.
type ClientConfig struct {
	// OpenTube obtains the tube to the contact.
	OpenTube OpenFunc
	// StartLocal starts the local ssh client and returns its connection.
	// It is only called once the tube is open.
	StartLocal OpenFunc

	Observer      Observer
	SpliceOptions []splice.Option
	Logger        *slog.Logger
}

// Client is one connection from a local ssh client to a contact's sshd.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = ObserverFuncs{}
	}
	return &Client{cfg: cfg, logger: logger}
}

// Run opens the tube, starts the local client and splices the two until
// either side finishes or ctx is cancelled. Both streams are closed before
// Run returns.
func (c *Client) Run(ctx context.Context) error {
	obs := c.cfg.Observer
	obs.Initialized()

	err := c.run(ctx)
	obs.Finished(err)
	return err
}

func (c *Client) run(ctx context.Context) error {
	tubeStream, err := c.cfg.OpenTube(ctx)
	if err != nil {
		return fmt.Errorf("failed to open tube: %w", err)
	}
	c.logger.Debug("tube open", "tube", stream.Name(tubeStream))

	localStream, err := c.cfg.StartLocal(ctx)
	if err != nil {
		tubeStream.Close()
		return fmt.Errorf("failed to start local client: %w", err)
	}

	opts := []splice.Option{
		splice.WithFlags(splice.CloseStream1 | splice.CloseStream2),
		splice.WithName(stream.Name(tubeStream)),
		splice.WithLogger(c.logger),
		splice.WithObserver(splice.ObserverFuncs{OnTransferring: c.cfg.Observer.Connected}),
	}
	opts = append(opts, c.cfg.SpliceOptions...)

	if err := splice.Run(ctx, tubeStream, localStream, opts...); err != nil {
		return fmt.Errorf("session ended: %w", err)
	}
	return nil
}
