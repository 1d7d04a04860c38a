package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// Local runs workers as child processes of the current process.
type Local struct {
	Log *zap.SugaredLogger

	// Env entries appended to the parent environment for every worker.
	Env []string
}

func (s *Local) WithLogger(l *zap.SugaredLogger) *Local {
	s.Log = l.Named("local_spawner")
	return s
}

func (s *Local) Spawn(ctx context.Context, req Request) (Process, error) {
	cmd := exec.Command(req.Command, req.Args...)
	if len(s.Env) > 0 || len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), append(s.Env, req.Env...)...)
	}
	cmd.Dir = req.WD
	if req.Stderr != nil {
		cmd.Stderr = req.Stderr
	}

	// The pipes are created explicitly rather than with StdinPipe/StdoutPipe
	// so that cmd.Wait does not own them: the parent ends stay readable
	// until the channel has drained everything the worker wrote.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("starting worker command: %w", err)
	}

	// The child holds its own copies now.
	stdinR.Close()
	stdoutW.Close()

	p := &localProc{
		log:    s.logger(),
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		exited: make(chan struct{}),
	}

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				p.waitErr = err
				code = -1
			}
		}
		p.code = code
		p.log.Debugw("worker process exited", "PID", cmd.Process.Pid, "ExitCode", code)
		close(p.exited)
	}()

	p.log.Debugw("spawned worker process", "PID", cmd.Process.Pid, "Command", req.Command, "Args", req.Args)

	return p, nil
}

func (s *Local) logger() *zap.SugaredLogger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop().Sugar()
}

type localProc struct {
	log    *zap.SugaredLogger
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File

	exited  chan struct{}
	code    int
	waitErr error

	closeOnce sync.Once
}

func (p *localProc) Stdin() io.WriteCloser { return p.stdin }
func (p *localProc) Stdout() io.ReadCloser { return p.stdout }

func (p *localProc) Signal(ctx context.Context, sig syscall.Signal) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	err := p.cmd.Process.Signal(sig)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signaling process %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *localProc) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.exited:
		return p.code, p.waitErr
	}
}

func (p *localProc) Exited() <-chan struct{} { return p.exited }

func (p *localProc) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()
		p.stdout.Close()
	})
	return nil
}
