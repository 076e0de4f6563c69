package sshserver

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/charmbracelet/ssh"
	"github.com/creack/pty"
	"github.com/vercel-eddie/tubeshell/pkg/splice"
)

const stdinGrace = 500 * time.Millisecond

// ShellHandler runs shell for every session: interactively on a pty when
// the client asked for one, or with "-c <command>" when it sent a command.
// An empty shell means $SHELL, falling back to /bin/sh.
func ShellHandler(shell string, logger *slog.Logger) ssh.Handler {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(s ssh.Session) {
		var cmd *exec.Cmd
		if len(s.Command()) > 0 {
			cmd = exec.CommandContext(s.Context(), shell, "-c", s.RawCommand())
		} else {
			cmd = exec.CommandContext(s.Context(), shell)
		}
		cmd.Env = append(os.Environ(), s.Environ()...)

		ptyReq, winCh, isPty := s.Pty()
		if !isPty {
			cmd.Stdin = s
			cmd.Stdout = s
			cmd.Stderr = s.Stderr()
			// Stop copying stdin once the command is gone even if the client
			// never closes it.
			cmd.WaitDelay = stdinGrace
			err := cmd.Run()
			_ = s.Exit(exitCode(cmd.ProcessState, err))
			return
		}

		cmd.Env = append(cmd.Env, "TERM="+ptyReq.Term)
		ptmx, err := pty.StartWithSize(cmd, winsize(ptyReq.Window))
		if err != nil {
			logger.Error("failed to start shell", "error", err, "user", s.User())
			_ = s.Exit(1)
			return
		}
		go func() {
			for win := range winCh {
				_ = pty.Setsize(ptmx, winsize(win))
			}
		}()

		// Output keeps flowing after the client's stdin ends, until the pty
		// reports EIO.
		op := splice.Start(s.Context(), s, ptmx,
			splice.WithFlags(splice.WaitForBoth|splice.CloseStream2),
			splice.WithName("shell:"+s.User()),
			splice.WithLogger(logger),
		)

		waitErr := cmd.Wait()
		// The pty reports EIO once the shell and its children are gone and
		// all output has been read.
		<-op.DirectionDone(splice.Reverse)
		_ = s.Exit(exitCode(cmd.ProcessState, waitErr))
		<-op.Done()

		if err := op.Err(); err != nil && !errors.Is(err, syscall.EIO) {
			logger.Debug("shell session ended with error", "error", err, "user", s.User())
		}
	}
}

func winsize(w ssh.Window) *pty.Winsize {
	return &pty.Winsize{Rows: uint16(w.Height), Cols: uint16(w.Width)}
}

func exitCode(state *os.ProcessState, err error) int {
	if state != nil && state.ExitCode() >= 0 {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	return 1
}
