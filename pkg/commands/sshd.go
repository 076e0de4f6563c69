package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/ssh"
	"github.com/urfave/cli/v3"
	"github.com/vercel-eddie/tubeshell/pkg/sshserver"
)

func SSHD() *cli.Command {
	defaults := sshserver.DefaultConfig()
	return &cli.Command{
		Name:  "sshd",
		Usage: "Run the built-in SSH server on its own",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Address to bind to",
				Value: defaults.Host,
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
				Value: defaults.Port,
			},
			&cli.StringFlag{
				Name:  "host-key",
				Usage: "Host key path (generated if missing)",
			},
			&cli.StringFlag{
				Name:  "authorized-keys",
				Usage: "Authorized keys file; any key is accepted if not set",
			},
			&cli.StringFlag{
				Name:    "shell",
				Usage:   "Shell to run (defaults to $SHELL)",
				Sources: cli.EnvVars("SHELL"),
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Usage: "Disconnect idle sessions after this long",
				Value: defaults.IdleTimeout,
			},
			&cli.DurationFlag{
				Name:  "max-timeout",
				Usage: "Disconnect sessions after this long",
				Value: defaults.MaxTimeout,
			},
			&cli.BoolFlag{
				Name:  "agent-forwarding",
				Usage: "Allow SSH agent forwarding",
				Value: defaults.AgentForwarding,
			},
		},
		Action: runSSHD,
	}
}

func runSSHD(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := sshserver.Config{
		Host:               c.String("host"),
		Port:               int(c.Int("port")),
		HostKeyPath:        c.String("host-key"),
		AuthorizedKeysPath: c.String("authorized-keys"),
		Shell:              c.String("shell"),
		IdleTimeout:        c.Duration("idle-timeout"),
		MaxTimeout:         c.Duration("max-timeout"),
		AgentForwarding:    c.Bool("agent-forwarding"),
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	srv, err := sshserver.New(cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, ssh.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
