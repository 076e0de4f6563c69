package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/vercel-eddie/tubeshell/pkg/contacts"
	"github.com/vercel-eddie/tubeshell/pkg/local"
	"github.com/vercel-eddie/tubeshell/pkg/session"
	"github.com/vercel-eddie/tubeshell/pkg/stream"
	"github.com/vercel-eddie/tubeshell/pkg/tube"
)

// sshExitGrace is how long connect waits for ssh to exit once the tube is gone.
const sshExitGrace = 5 * time.Second

func Connect() *cli.Command {
	return &cli.Command{
		Name:      "connect",
		Usage:     "Open a remote shell on a contact through a stream tube",
		ArgsUsage: "<name | tubeshell://account/contact | contact>",
		Flags: []cli.Flag{
			relayFlag(),
			accountFlag(),
			&cli.StringFlag{
				Name:  "service",
				Usage: "Tube service to offer",
				Value: tube.DefaultService,
			},
			&cli.StringFlag{
				Name:    "username",
				Aliases: []string{"l"},
				Usage:   "User to log in as on the contact",
			},
			&cli.StringFlag{
				Name:  "ssh",
				Usage: "ssh client to run",
				Value: "ssh",
			},
			&cli.BoolFlag{
				Name:  "pty",
				Usage: "Run ssh on its own pseudo-terminal",
			},
			&cli.StringFlag{
				Name:  "save",
				Usage: "Save the connection as a named contact",
			},
		},
		Action: runConnect,
	}
}

// resolveTarget turns the connect argument into a contact and, when it came
// from the store, its name.
func resolveTarget(store *contacts.Store, target string) (contacts.Contact, string, error) {
	if c, ok := store.Get(target); ok {
		return c, target, nil
	}
	if strings.HasPrefix(target, contacts.Scheme+"://") {
		c, err := contacts.ParseURI(target)
		return c, "", err
	}
	return contacts.Contact{Contact: target}, "", nil
}

func runConnect(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one contact, got %d arguments", c.NArg())
	}

	dir, err := configDir(c)
	if err != nil {
		return err
	}
	store, err := contacts.NewStore(dir)
	if err != nil {
		return err
	}

	target, name, err := resolveTarget(store, c.Args().First())
	if err != nil {
		return err
	}
	if acct := c.String("account"); acct != "" {
		target.Account = acct
	}
	if target.Account == "" {
		if target.Account, err = account(c); err != nil {
			return err
		}
	}
	if u := c.String("username"); u != "" {
		target.Username = u
	}
	if r := c.String("relay"); r != "" {
		target.Relay = r
	}
	if target.Relay == "" {
		if target.Relay, err = resolveRelay(ctx, c, target.Contact); err != nil {
			return err
		}
	}

	if save := c.String("save"); save != "" {
		if err := store.Add(save, target); err != nil {
			return fmt.Errorf("failed to save contact: %w", err)
		}
		name = save
	}

	client := tube.NewClient(target.Relay, target.Account, slog.Default())
	ssh := &local.SSHClient{
		Program:   c.String("ssh"),
		ContactID: target.Contact,
		Username:  target.Username,
		PTY:       c.Bool("pty"),
		Stdin:     c.Root().Reader,
		Stdout:    c.Root().Writer,
		Stderr:    c.Root().ErrWriter,
	}

	var proc *local.Process
	sess := session.NewClient(session.ClientConfig{
		OpenTube: session.OfferTube(client, target.Contact, c.String("service")),
		StartLocal: func(ctx context.Context) (stream.Stream, error) {
			conn, p, err := ssh.Start(ctx)
			if err != nil {
				return nil, err
			}
			proc = p
			return conn, nil
		},
		Observer: session.ObserverFuncs{
			OnConnected: func() {
				slog.Debug("connected", "contact", target.Contact, "uri", target.URI())
			},
		},
	})

	runErr := sess.Run(ctx)

	if name != "" {
		if err := store.Touch(name, time.Now()); err != nil {
			slog.Warn("failed to update contact", "name", name, "error", err)
		}
	}

	if proc == nil {
		return runErr
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), sshExitGrace)
	defer cancel()
	if err := proc.Wait(waitCtx); errors.Is(err, context.DeadlineExceeded) {
		proc.Kill()
	}
	if code := proc.ExitCode(); code > 0 {
		return cli.Exit("", code)
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}
