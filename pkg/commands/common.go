package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/vercel-eddie/tubeshell/pkg/discovery"
	"github.com/vercel-eddie/tubeshell/pkg/identity"
	"github.com/vercel-eddie/tubeshell/pkg/metrics"
)

// Version is set by the main package.
var Version = "dev"

func relayFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "relay",
		Usage:   "Relay URL (looked up through DNS SRV records of the contact's domain if not set)",
		Sources: cli.EnvVars("TUBESHELL_RELAY"),
	}
}

func accountFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "account",
		Aliases: []string{"a"},
		Usage:   "Account to act as (defaults to this device's ID)",
		Sources: cli.EnvVars("TUBESHELL_ACCOUNT"),
	}
}

func metricsAddrFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "Address to serve Prometheus metrics on (disabled if empty)",
		Sources: cli.EnvVars("TUBESHELL_METRICS_ADDR"),
	}
}

// configDir returns the directory holding the device ID and contacts.
func configDir(c *cli.Command) (string, error) {
	if dir := c.String("config-dir"); dir != "" {
		return dir, nil
	}
	return identity.Dir()
}

// account returns the --account flag, falling back to the device ID.
func account(c *cli.Command) (string, error) {
	if a := c.String("account"); a != "" {
		return a, nil
	}
	dir, err := configDir(c)
	if err != nil {
		return "", err
	}
	id, err := identity.EnsureDeviceID(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get device identity: %w", err)
	}
	return id, nil
}

// resolveRelay returns the --relay flag or, when unset, the relay published
// for the domain of account.
func resolveRelay(ctx context.Context, c *cli.Command, account string) (string, error) {
	if relay := c.String("relay"); relay != "" {
		return relay, nil
	}
	resolver, err := discovery.NewResolver()
	if err != nil {
		return "", err
	}
	relay, err := resolver.RelayForContact(ctx, account)
	if err != nil {
		return "", fmt.Errorf("no --relay given and discovery failed: %w", err)
	}
	slog.Debug("discovered relay", "account", account, "relay", relay)
	return relay, nil
}

// serveMetrics serves m on addr until ctx is done. It does nothing when addr
// is empty.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics) error {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	slog.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}
