// Package local connects tubes to programs on this host: the ssh client on
// the connecting side and sshd, or any stdio program, on the serving side.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"

	"github.com/creack/pty"
	"github.com/vercel-eddie/tubeshell/pkg/netutil"
)

// DefaultSSHDAddr is where the serving side finds sshd.
const DefaultSSHDAddr = "127.0.0.1:22"

// ErrExited is returned when the ssh client exits before connecting.
var ErrExited = errors.New("ssh client exited before connecting")

// ExecArgs returns the argv that makes ssh connect to addr. A non-empty
// contactID pins the host key to the contact instead of the loopback
// address; username is passed with -l when set.
func ExecArgs(addr *net.TCPAddr, contactID, username string) []string {
	args := []string{"ssh", addr.IP.String(), "-p", strconv.Itoa(addr.Port)}
	if contactID != "" {
		args = append(args, "-oHostKeyAlias="+contactID)
	}
	if username != "" {
		args = append(args, "-l", username)
	}
	return args
}

// SSHClient starts an ssh client against a loopback listener and hands back
// the connection it makes.
type SSHClient struct {
	// Program is the ssh binary. Defaults to "ssh".
	Program   string
	ContactID string
	Username  string
	// ExtraArgs are appended after the generated arguments.
	ExtraArgs []string

	// PTY runs the client on a new pseudo-terminal whose input and output
	// are copied from Stdin and to Stdout, for callers that are not
	// themselves attached to a terminal.
	PTY  bool
	Rows uint16
	Cols uint16

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Logger *slog.Logger
}

// Start listens on loopback, launches ssh against it and waits for it to
// connect. The returned Process outlives the connection; Wait on it to
// collect the exit status. If ssh exits first, the error wraps ErrExited.
func (c *SSHClient) Start(ctx context.Context) (net.Conn, *Process, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := netutil.ListenLoopback()
	if err != nil {
		return nil, nil, err
	}

	argv := ExecArgs(ln.Addr().(*net.TCPAddr), c.ContactID, c.Username)
	argv = append(argv, c.ExtraArgs...)
	program := c.Program
	if program == "" {
		program = argv[0]
	}

	cmd := exec.Command(program, argv[1:]...)
	proc, err := c.start(cmd)
	if err != nil {
		ln.Close()
		return nil, nil, fmt.Errorf("failed to start %s: %w", program, err)
	}
	logger.Debug("started ssh client", "pid", cmd.Process.Pid, "args", argv[1:])

	acceptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-proc.Done():
			cancel(fmt.Errorf("%w: %v", ErrExited, proc.Err()))
		case <-acceptCtx.Done():
		}
	}()

	conn, err := netutil.AcceptOne(acceptCtx, ln)
	if err != nil {
		proc.Kill()
		return nil, nil, err
	}
	logger.Debug("ssh client connected", "remote", conn.RemoteAddr().String())
	return conn, proc, nil
}

func (c *SSHClient) start(cmd *exec.Cmd) (*Process, error) {
	stdin, stdout, stderr := c.Stdin, c.Stdout, c.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if !c.PTY {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return newProcess(cmd, nil), nil
	}

	var size *pty.Winsize
	if c.Rows > 0 && c.Cols > 0 {
		size = &pty.Winsize{Rows: c.Rows, Cols: c.Cols}
	}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, err
	}
	go func() { _, _ = io.Copy(ptmx, stdin) }()
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		// Ends with EIO once the client exits and the slave side closes.
		_, _ = io.Copy(stdout, ptmx)
	}()
	return newProcess(cmd, func() {
		<-copied
		ptmx.Close()
	}), nil
}
