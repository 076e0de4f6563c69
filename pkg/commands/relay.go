package commands

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/vercel-eddie/tubeshell/pkg/metrics"
	"github.com/vercel-eddie/tubeshell/pkg/tube"
)

func Relay() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Run a relay that pairs tube offers with the contacts accepting them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Address to bind the relay to",
				Value:   ":7070",
				Sources: cli.EnvVars("TUBESHELL_RELAY_ADDR"),
			},
			&cli.StringFlag{
				Name:    "name",
				Usage:   "Name reported by the relay",
				Value:   "tubeshell",
				Sources: cli.EnvVars("TUBESHELL_RELAY_NAME"),
			},
			&cli.DurationFlag{
				Name:    "pairing-timeout",
				Usage:   "How long an offer waits for the contact to accept",
				Value:   60 * time.Second,
				Sources: cli.EnvVars("TUBESHELL_PAIRING_TIMEOUT"),
			},
			metricsAddrFlag(),
		},
		Action: runRelay,
	}
}

func runRelay(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if err := serveMetrics(ctx, c.String("metrics-addr"), m); err != nil {
		return err
	}

	relay := tube.NewRelay(tube.RelayConfig{
		Addr:           c.String("addr"),
		Name:           c.String("name"),
		PairingTimeout: c.Duration("pairing-timeout"),
		Observer:       m.Observer(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- relay.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return relay.Shutdown(shutdownCtx)
	}
}
