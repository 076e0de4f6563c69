package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/ssh"
	"github.com/urfave/cli/v3"
	"github.com/vercel-eddie/tubeshell/pkg/local"
	"github.com/vercel-eddie/tubeshell/pkg/metrics"
	"github.com/vercel-eddie/tubeshell/pkg/netutil"
	"github.com/vercel-eddie/tubeshell/pkg/session"
	"github.com/vercel-eddie/tubeshell/pkg/splice"
	"github.com/vercel-eddie/tubeshell/pkg/sshserver"
	"github.com/vercel-eddie/tubeshell/pkg/stream"
	"github.com/vercel-eddie/tubeshell/pkg/tube"
)

func Service() *cli.Command {
	return &cli.Command{
		Name:  "service",
		Usage: "Accept remote shell tubes from contacts and connect them to the local sshd",
		Flags: []cli.Flag{
			relayFlag(),
			accountFlag(),
			&cli.StringSliceFlag{
				Name:    "service",
				Usage:   "Tube services to accept",
				Value:   []string{tube.DefaultService},
				Sources: cli.EnvVars("TUBESHELL_SERVICES"),
			},
			&cli.StringFlag{
				Name:    "sshd-addr",
				Usage:   "Address of the local sshd",
				Value:   local.DefaultSSHDAddr,
				Sources: cli.EnvVars("TUBESHELL_SSHD_ADDR"),
			},
			&cli.StringFlag{
				Name:    "sshd-command",
				Usage:   `Run this command per tube and talk to it over stdio instead of dialing sshd (e.g. "/usr/sbin/sshd -i")`,
				Sources: cli.EnvVars("TUBESHELL_SSHD_COMMAND"),
			},
			&cli.BoolFlag{
				Name:  "embedded-sshd",
				Usage: "Serve tubes with a built-in SSH server instead of the system sshd",
			},
			&cli.StringFlag{
				Name:  "host-key",
				Usage: "Host key for the built-in SSH server (generated if missing)",
			},
			&cli.StringFlag{
				Name:  "authorized-keys",
				Usage: "Authorized keys for the built-in SSH server",
			},
			&cli.BoolFlag{
				Name:  "exit-when-idle",
				Usage: "Exit once the last tube has finished",
			},
			metricsAddrFlag(),
		},
		Action: runService,
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	acct, err := account(c)
	if err != nil {
		return err
	}
	relayURL, err := resolveRelay(ctx, c, acct)
	if err != nil {
		return err
	}

	m := metrics.New()
	if err := serveMetrics(ctx, c.String("metrics-addr"), m); err != nil {
		return err
	}

	dial, cleanup, err := localDialer(c)
	if err != nil {
		return err
	}
	defer cleanup()

	client := tube.NewClient(relayURL, acct, slog.Default())
	svc := session.NewService(session.ServiceConfig{
		Listen:        session.ListenTubes(client, c.StringSlice("service")),
		DialLocal:     dial,
		ExitWhenIdle:  c.Bool("exit-when-idle"),
		SpliceOptions: []splice.Option{splice.WithObserver(m.Observer())},
	})

	fmt.Fprintf(c.Root().Writer, "Accepting tubes for %s via %s\n", acct, client.URL())

	err = svc.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// localDialer picks how accepted tubes reach a shell: a per-tube process,
// the built-in SSH server, or the sshd at --sshd-addr.
func localDialer(c *cli.Command) (session.OpenFunc, func(), error) {
	if argv := strings.Fields(c.String("sshd-command")); len(argv) > 0 {
		return func(context.Context) (stream.Stream, error) {
			ps, err := local.StartProcess(argv[0], argv[1:]...)
			if err != nil {
				return nil, err
			}
			return ps, nil
		}, func() {}, nil
	}

	if !c.Bool("embedded-sshd") {
		return dialSSHD(c.String("sshd-addr")), func() {}, nil
	}

	ln, err := netutil.ListenLoopback()
	if err != nil {
		return nil, nil, err
	}
	cfg := sshserver.DefaultConfig()
	cfg.HostKeyPath = c.String("host-key")
	cfg.AuthorizedKeysPath = c.String("authorized-keys")
	if cfg.HostKeyPath == "" {
		dir, err := configDir(c)
		if err != nil {
			ln.Close()
			return nil, nil, err
		}
		cfg.HostKeyPath = filepath.Join(dir, "ssh_host_ed25519_key")
	}
	srv, err := sshserver.New(cfg)
	if err != nil {
		ln.Close()
		return nil, nil, err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			slog.Error("embedded ssh server failed", "error", err)
		}
	}()

	addr := ln.Addr().String()
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return dialSSHD(addr), cleanup, nil
}

func dialSSHD(addr string) session.OpenFunc {
	return func(ctx context.Context) (stream.Stream, error) {
		conn, err := local.DialSSHD(ctx, addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
