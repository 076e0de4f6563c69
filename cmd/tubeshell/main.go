package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"
	"github.com/vercel-eddie/tubeshell/pkg/commands"
	"github.com/vercel-eddie/tubeshell/pkg/identity"
)

var version = "dev"

func main() {
	commands.Version = version

	app := &cli.Command{
		Name:    "tubeshell",
		Usage:   "Remote shells over stream tubes",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "config-dir",
				Usage:   "Directory holding the device identity and contacts (default ~/.tubeshell)",
				Sources: cli.EnvVars(identity.HomeEnv),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			level := parseLogLevel(command.String("log-level"))
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level:     level,
				AddSource: level == slog.LevelDebug,
				ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
					if a.Key == slog.SourceKey {
						if src, ok := a.Value.Any().(*slog.Source); ok {
							a.Value = slog.StringValue(fmt.Sprintf("%s/%s:%d",
								filepath.Base(filepath.Dir(src.File)), filepath.Base(src.File), src.Line))
						}
					}
					return a
				},
			})))
			return ctx, nil
		},
		Commands: []*cli.Command{
			commands.Connect(),
			commands.Service(),
			commands.Relay(),
			commands.Contacts(),
			commands.SSHD(),
			commands.VersionCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
