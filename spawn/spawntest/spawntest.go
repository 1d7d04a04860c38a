// Package spawntest provides an in-memory Spawner whose worker end is played
// by a script supplied by the test, so protocol behavior can be exercised
// without real processes. The script runs on its own goroutine and talks to
// the supervisor through pipes, exactly as a worker binary would through its
// stdio.
package spawntest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/expsys/exprun/spawn"
	"github.com/expsys/exprun/wire"
)

// Spawner produces scripted in-memory processes.
type Spawner struct {
	// Script plays the worker side of the process. When it returns, the
	// process exits with code 0 unless the script exited it first.
	Script func(e *Endpoint)

	// OnSignal, if set, is called for every signal except SIGKILL, which
	// always terminates the process. If nil, any signal terminates the
	// process with code 128+signal, mirroring the usual shell convention.
	OnSignal func(p *Proc, sig syscall.Signal)

	// SpawnErr makes Spawn fail, for exercising spawn failures.
	SpawnErr error

	mut   sync.Mutex
	procs []*Proc
}

func (s *Spawner) Spawn(ctx context.Context, req spawn.Request) (spawn.Process, error) {
	if s.SpawnErr != nil {
		return nil, s.SpawnErr
	}

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	p := &Proc{
		spawner: s,
		req:     req,
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		exited:  make(chan struct{}),
	}
	s.mut.Lock()
	s.procs = append(s.procs, p)
	s.mut.Unlock()

	go func() {
		if s.Script != nil {
			s.Script(&Endpoint{proc: p})
		}
		p.Exit(0)
	}()

	return p, nil
}

// Procs returns every process spawned so far.
func (s *Spawner) Procs() []*Proc {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]*Proc{}, s.procs...)
}

// Proc is one scripted process.
type Proc struct {
	spawner *Spawner
	req     spawn.Request

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	exited   chan struct{}
	code     int
	exitOnce sync.Once

	sigMut  sync.Mutex
	signals []syscall.Signal

	closeOnce sync.Once
}

// Request returns the request the process was spawned with.
func (p *Proc) Request() spawn.Request { return p.req }

// Signals returns the signals delivered so far.
func (p *Proc) Signals() []syscall.Signal {
	p.sigMut.Lock()
	defer p.sigMut.Unlock()
	return append([]syscall.Signal{}, p.signals...)
}

// Exit terminates the process: the supervisor sees EOF on stdout and the
// exited channel closes. Calling it more than once is a no-op.
func (p *Proc) Exit(code int) {
	p.exitOnce.Do(func() {
		p.code = code
		p.stdoutW.Close()
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		close(p.exited)
	})
}

func (p *Proc) Stdin() io.WriteCloser { return p.stdinW }
func (p *Proc) Stdout() io.ReadCloser { return p.stdoutR }

func (p *Proc) Signal(ctx context.Context, sig syscall.Signal) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	p.sigMut.Lock()
	p.signals = append(p.signals, sig)
	p.sigMut.Unlock()

	if sig == syscall.SIGKILL {
		p.Exit(128 + int(sig))
		return nil
	}
	if p.spawner.OnSignal != nil {
		p.spawner.OnSignal(p, sig)
		return nil
	}
	p.Exit(128 + int(sig))
	return nil
}

func (p *Proc) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.exited:
		return p.code, nil
	}
}

func (p *Proc) Exited() <-chan struct{} { return p.exited }

func (p *Proc) Close() error {
	p.closeOnce.Do(func() {
		p.stdinW.Close()
		p.stdoutR.Close()
	})
	return nil
}

// Endpoint is the worker side of a scripted process.
type Endpoint struct {
	proc    *Proc
	scanner *bufio.Scanner
}

// Stdin returns the raw stream the supervisor writes to, as the process
// would see it on its stdin. Use either the raw streams or Recv, not both.
func (e *Endpoint) Stdin() io.Reader { return e.proc.stdinR }

// Stdout returns the raw stream the supervisor reads from, as the process
// would see it on its stdout.
func (e *Endpoint) Stdout() io.Writer { return e.proc.stdoutW }

// Recv reads one record written by the supervisor.
func (e *Endpoint) Recv() (any, error) {
	if e.scanner == nil {
		e.scanner = bufio.NewScanner(e.proc.stdinR)
	}
	if !e.scanner.Scan() {
		if err := e.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return wire.Unmarshal(e.scanner.Bytes())
}

// RecvMap reads one record and requires it to be a mapping.
func (e *Endpoint) RecvMap() (map[string]any, error) {
	v, err := e.Recv()
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a mapping, got %T", v)
	}
	return m, nil
}

// Send writes one record to the supervisor.
func (e *Endpoint) Send(v any) error {
	b, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	return e.SendRaw(string(b))
}

// SendRaw writes one raw line to the supervisor, for malformed-record cases.
func (e *Endpoint) SendRaw(line string) error {
	_, err := io.WriteString(e.proc.stdoutW, line+"\n")
	return err
}

// Exit ends the process from the script with the given code.
func (e *Endpoint) Exit(code int) {
	e.proc.Exit(code)
}
