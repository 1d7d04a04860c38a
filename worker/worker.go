// Package worker supervises a single worker subprocess executing untrusted
// or crash-prone job logic, and drives the request/reply protocol over the
// worker's stdin and stdout. The parent sends a run request, the worker
// acknowledges it and may call back into the parent with actions, and the
// exchange ends with a completion report. Every interaction is bounded by a
// timeout so a hung, crashed or misbehaving worker is always detected.
//
// A Worker manages exactly one process and one in-flight run at a time. On
// any protocol fault the worker is unusable: end it and spawn a fresh one.
package worker

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/expsys/exprun/spawn"
	"go.uber.org/zap"
)

// Protocol literals. Workers in any language must use these.
const (
	// Ack is the first record a worker sends after accepting a run request,
	// before doing any work.
	Ack = "ack"
	// CompletedAction is the action name of the completion report that ends
	// a run.
	CompletedAction = "report_completed"

	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Handler executes one action on behalf of the worker. args holds the action
// message's fields with the action tag removed. The returned value travels
// back to the worker as the reply's data.
type Handler func(args map[string]any) (any, error)

// Worker supervises one worker process.
type Worker struct {
	log      *zap.SugaredLogger
	handlers map[string]Handler
	spawner  spawn.Spawner

	sendTimeout       time.Duration
	startReplyTimeout time.Duration
	termTimeout       time.Duration
	maxRecordSize     int

	proc spawn.Process
	ch   *Channel
}

type Option func(w *Worker)

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		w.log = l.Named("worker").Sugar()
	}
}

func WithSpawner(s spawn.Spawner) Option {
	return func(w *Worker) {
		w.spawner = s
	}
}

// WithSendTimeout bounds every outgoing record, including action replies.
func WithSendTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.sendTimeout = d
	}
}

// WithStartReplyTimeout bounds the wait for the worker's acknowledgement.
func WithStartReplyTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.startReplyTimeout = d
	}
}

// WithTermTimeout sets the grace period between the graceful-termination
// signal and the forced kill in EndProcess.
func WithTermTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.termTimeout = d
	}
}

func WithMaxRecordSize(n int) Option {
	return func(w *Worker) {
		w.maxRecordSize = n
	}
}

// New constructs a Worker dispatching the given actions. The handler table is
// copied and fixed for the worker's lifetime; every action name the worker
// may legally send must be present. By default workers are spawned as local
// child processes.
func New(handlers map[string]Handler, opts ...Option) (*Worker, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	w := &Worker{
		log:               logger.Named("worker").Sugar(),
		handlers:          make(map[string]Handler, len(handlers)),
		spawner:           &spawn.Local{},
		sendTimeout:       500 * time.Millisecond,
		startReplyTimeout: 1 * time.Second,
		termTimeout:       1 * time.Second,
		maxRecordSize:     4 << 20,
	}
	for name, h := range handlers {
		w.handlers[name] = h
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// CreateProcess spawns the worker process and takes ownership of its streams.
func (w *Worker) CreateProcess(ctx context.Context, req spawn.Request) error {
	if w.proc != nil {
		return fmt.Errorf("worker process already created")
	}
	proc, err := w.spawner.Spawn(ctx, req)
	if err != nil {
		return fmt.Errorf("spawning worker: %w", err)
	}
	w.proc = proc
	w.ch = NewChannel(w.log, proc.Stdin(), proc.Stdout(), w.maxRecordSize)
	w.log.Debugw("created worker process", "Command", req.Command, "Args", req.Args)
	return nil
}

// Run submits params to the worker and drives the exchange until the worker
// reports completion. Each receive during the exchange waits up to
// resultTimeout; a non-positive resultTimeout waits indefinitely.
//
// A protocol fault returns an error matching ErrWorkerFailed and leaves the
// worker unusable. A job that reports failure returns a *RunError carrying
// the worker's message. If ctx ends mid-run, Run returns the context's
// error; the caller should then end the process.
func (w *Worker) Run(ctx context.Context, params map[string]any, resultTimeout time.Duration) error {
	if w.ch == nil {
		return fmt.Errorf("worker process not created")
	}

	if err := w.ch.Send(ctx, params, w.sendTimeout); err != nil {
		return fmt.Errorf("sending run request: %w", err)
	}

	first, err := w.ch.Recv(ctx, w.startReplyTimeout)
	if err != nil {
		return fmt.Errorf("receiving acknowledgement: %w", err)
	}
	if first != Ack {
		w.log.Debugw("first worker record is not the acknowledgement", "Received", first)
		return ErrBadAck
	}

	for {
		msg, err := w.ch.Recv(ctx, resultTimeout)
		if err != nil {
			return fmt.Errorf("receiving from worker: %w", err)
		}
		obj, ok := msg.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: expected an action record, got %T", ErrInvalidRecord, msg)
		}
		action, ok := obj["action"].(string)
		if !ok {
			return fmt.Errorf("%w: action record has no action name", ErrInvalidRecord)
		}

		if action == CompletedAction {
			status, _ := obj["status"].(string)
			if status == StatusOK {
				w.log.Debug("run completed")
				return nil
			}
			message, _ := obj["message"].(string)
			return &RunError{Status: status, Message: message}
		}

		delete(obj, "action")
		reply := w.dispatch(action, obj)
		if err := w.ch.Send(ctx, reply, w.sendTimeout); err != nil {
			return fmt.Errorf("replying to action %q: %w", action, err)
		}
	}
}

// dispatch runs the handler for one action message. Failures of every kind,
// including unknown action names and handler panics, become failed replies;
// they never end the exchange. The diagnostic text is the worker's only
// visibility into what went wrong, so it carries the full error.
func (w *Worker) dispatch(action string, args map[string]any) map[string]any {
	handler, ok := w.handlers[action]
	if !ok {
		w.log.Debugf("worker requested unknown action %q", action)
		return failedReply(fmt.Sprintf("unknown action %q", action))
	}
	data, err := invokeHandler(handler, args)
	if err != nil {
		w.log.Debugw("action handler failed", "Action", action, "Error", err)
		return failedReply(fmt.Sprintf("action %q: %s", action, err))
	}
	return map[string]any{"status": StatusOK, "data": data}
}

func invokeHandler(h Handler, args map[string]any) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(args)
}

func failedReply(message string) map[string]any {
	return map[string]any{"status": StatusFailed, "message": message}
}

// EndProcess stops the worker process: if it has already exited this is a
// no-op, otherwise it is asked to terminate and, if it has not exited after
// the term timeout, killed. The kill is fire and forget; a worker that had to
// be killed is a normal outcome, not an error. If ctx ends while waiting for
// a graceful exit, the kill is issued immediately.
func (w *Worker) EndProcess(ctx context.Context) error {
	if w.proc == nil {
		return nil
	}
	proc := w.proc
	defer func() {
		w.ch.Close()
		if err := proc.Close(); err != nil {
			w.log.Debugf("closing worker process: %s", err)
		}
	}()

	select {
	case <-proc.Exited():
		w.log.Debug("worker process already exited")
		return nil
	default:
	}

	w.log.Debug("asking worker process to terminate")
	if err := proc.Signal(ctx, syscall.SIGTERM); err != nil {
		w.log.Debugf("sending SIGTERM to worker: %s", err)
	}

	timerC := timerChan(w.termTimeout)
	select {
	case <-proc.Exited():
		return nil
	case <-timerC:
	case <-ctx.Done():
	}

	w.log.Debug("worker process did not terminate in time, killing it")
	if err := proc.Signal(context.Background(), syscall.SIGKILL); err != nil {
		w.log.Debugf("sending SIGKILL to worker: %s", err)
	}
	return nil
}
