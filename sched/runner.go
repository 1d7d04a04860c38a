package sched

import (
	"context"
	"time"

	"github.com/expsys/exprun/spawn"
	"github.com/expsys/exprun/worker"
	"go.uber.org/zap"
)

// Runner executes one run to completion.
type Runner interface {
	Run(ctx context.Context, params map[string]any) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, params map[string]any) error

func (f RunnerFunc) Run(ctx context.Context, params map[string]any) error {
	return f(ctx, params)
}

// WorkerRunner executes each run in a fresh worker process, so a crashed or
// wedged worker never contaminates the next run.
type WorkerRunner struct {
	Log *zap.SugaredLogger

	// Request describes the worker program to spawn for each run.
	Request spawn.Request

	// Spawner creates the worker processes. Nil means local processes.
	Spawner spawn.Spawner

	// Handlers serve the worker's action requests during a run.
	Handlers map[string]worker.Handler

	// ResultTimeout bounds the wait for the next record once the run
	// request is acknowledged. Zero waits forever.
	ResultTimeout time.Duration

	// Options is passed to each worker after the options derived from the
	// fields above, so it can override them.
	Options []worker.Option
}

func (r *WorkerRunner) Run(ctx context.Context, params map[string]any) error {
	var opts []worker.Option
	if r.Log != nil {
		opts = append(opts, worker.WithLogger(r.Log.Desugar()))
	}
	if r.Spawner != nil {
		opts = append(opts, worker.WithSpawner(r.Spawner))
	}
	opts = append(opts, r.Options...)

	w, err := worker.New(r.Handlers, opts...)
	if err != nil {
		return err
	}
	if err := w.CreateProcess(ctx, r.Request); err != nil {
		return err
	}
	// torn down with a fresh context so the process dies even when the run
	// context is already gone
	defer w.EndProcess(context.Background())

	return w.Run(ctx, params, r.ResultTimeout)
}
