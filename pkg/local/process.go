package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/vercel-eddie/tubeshell/pkg/stream"
)

// killGrace is how long Close waits for a process to exit on its own after
// its stdin was closed.
const killGrace = 5 * time.Second

// Process is a started child process.
type Process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	killOnce sync.Once
}

// newProcess waits for cmd in the background. cleanup, if set, runs after
// the process has exited and before Done is closed.
func newProcess(cmd *exec.Cmd, cleanup func()) *Process {
	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		if cleanup != nil {
			cleanup()
		}
		close(p.done)
	}()
	return p
}

// Pid returns the process ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Err returns the exit error. It is only meaningful after Done is closed.
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// ExitCode returns the exit code, or -1 if the process has not exited or was
// killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Kill kills the process if it is still running.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
		default:
			_ = p.cmd.Process.Kill()
		}
	})
}

// ProcessStream is the stdio of a child process as a stream: reads come
// from its stdout, writes go to its stdin.
type ProcessStream struct {
	*stream.Joined
	proc *Process
}

// StartProcess runs name with args and returns its stdio as a stream. A
// typical use is serving a tube with "sshd -i".
func StartProcess(name string, args ...string) (*ProcessStream, error) {
	// Pipes are created here rather than with StdinPipe and StdoutPipe so
	// that Wait does not close them while output is still unread.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, err
	}

	cmd := exec.Command(name, args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr
	err = cmd.Start()
	stdinR.Close()
	stdoutW.Close()
	if err != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	return &ProcessStream{
		Joined: stream.Join(stdoutR, stdinW, fmt.Sprintf("%s[%d]", name, cmd.Process.Pid)),
		proc:   newProcess(cmd, nil),
	}, nil
}

// Process returns the underlying process.
func (s *ProcessStream) Process() *Process { return s.proc }

// Close closes stdin and stdout and waits for the process to exit, killing
// it if it does not do so promptly. The exit status is not reported; use
// Process().Err() for that.
func (s *ProcessStream) Close() error {
	err := s.Joined.Close()
	select {
	case <-s.proc.Done():
	case <-time.After(killGrace):
		s.proc.Kill()
		<-s.proc.Done()
	}
	return err
}
