// Package harness implements the program side of the run protocol spoken
// with a supervising worker.Worker.
//
// A worker program hands its stdin and stdout to New and then calls Serve
// with a Runner. The harness answers each run request the supervisor sends,
// invokes the Runner, and reports the outcome. During a run the Runner can
// reach back to the supervisor through the Client it is given. The harness
// owns both streams, so everything else the program prints must go to
// stderr.
package harness

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/expsys/exprun/wire"
	"github.com/expsys/exprun/worker"
	"go.uber.org/zap"
)

// Runner executes one run on behalf of the harness.
type Runner interface {
	// Run performs the run described by params. Requests back to the
	// supervisor go through c. A returned error fails the run but leaves
	// the harness serving.
	Run(ctx context.Context, params map[string]any, c *Client) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, params map[string]any, c *Client) error

func (f RunnerFunc) Run(ctx context.Context, params map[string]any, c *Client) error {
	return f(ctx, params, c)
}

// Harness reads run requests from the supervisor and writes replies back.
type Harness struct {
	log           *zap.SugaredLogger
	in            *bufio.Scanner
	out           io.Writer
	maxRecordSize int
}

type Option func(h *Harness)

func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) {
		h.log = l.Sugar()
	}
}

// WithMaxRecordSize sets the largest record the harness accepts from the
// supervisor.
func WithMaxRecordSize(n int) Option {
	return func(h *Harness) {
		h.maxRecordSize = n
	}
}

// New builds a harness speaking the protocol over r and w, which are the
// program's stdin and stdout when it runs under a supervisor.
func New(r io.Reader, w io.Writer, opts ...Option) *Harness {
	h := &Harness{
		log:           zap.NewNop().Sugar(),
		out:           w,
		maxRecordSize: 4 << 20,
	}
	for _, o := range opts {
		o(h)
	}

	sc := bufio.NewScanner(r)
	// The scanner grows its buffer up to the larger of the max and the
	// initial buffer's capacity, so the initial buffer must not exceed the
	// configured limit.
	initial := 64 * 1024
	if h.maxRecordSize < initial {
		initial = h.maxRecordSize
	}
	sc.Buffer(make([]byte, initial), h.maxRecordSize)
	h.in = sc
	return h
}

// Serve answers run requests with runner until the supervisor closes the
// input stream, which makes Serve return nil. Runner errors fail the run
// they belong to and keep the harness serving; a protocol violation ends
// Serve with an error.
//
// Canceling ctx stops the harness between runs and is passed through to
// the runner. A read already in progress is not interrupted.
func (h *Harness) Serve(ctx context.Context, runner Runner) error {
	for {
		v, ok, err := h.read()
		if err != nil {
			return err
		}
		if !ok {
			h.log.Debugw("input stream closed, stopping")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		params, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("expected a run request, got %T", v)
		}
		if err := h.send(worker.Ack); err != nil {
			return err
		}

		h.log.Debugw("starting run", "params", params)
		runErr := h.run(ctx, runner, params)

		completion := map[string]any{
			"action": worker.CompletedAction,
			"status": worker.StatusOK,
		}
		if runErr != nil {
			completion["status"] = worker.StatusFailed
			completion["message"] = runErr.Error()
			h.log.Infow("run failed", "error", runErr)
		} else {
			h.log.Debugw("run completed")
		}
		if err := h.send(completion); err != nil {
			return err
		}
	}
}

// run invokes the runner, turning a panic into a failed run rather than
// tearing down the process with the protocol stream mid-record.
func (h *Harness) run(ctx context.Context, runner Runner, params map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()
	return runner.Run(ctx, params, &Client{h: h})
}

// read returns the next record, or ok=false on a clean end of stream.
func (h *Harness) read() (any, bool, error) {
	if !h.in.Scan() {
		if err := h.in.Err(); err != nil {
			return nil, false, fmt.Errorf("reading record: %w", err)
		}
		return nil, false, nil
	}
	v, err := wire.Unmarshal(h.in.Bytes())
	if err != nil {
		return nil, false, fmt.Errorf("decoding record: %w", err)
	}
	return v, true, nil
}

func (h *Harness) send(v any) error {
	b, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if _, err := h.out.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// Client sends action requests to the supervisor during a run.
//
// The protocol pairs every request with the reply that follows it, so a
// Client must not be used from more than one goroutine at a time.
type Client struct {
	h *Harness
}

// Call sends the named action to the supervisor and returns the data from
// its reply. Extra request fields are taken from fields, which may be nil;
// an "action" key in fields is overridden. A failed reply is returned as an
// *ActionError.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		req[k] = v
	}
	req["action"] = action

	if err := c.h.send(req); err != nil {
		return nil, err
	}
	v, ok, err := c.h.read()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("action %q: %w", action, io.ErrUnexpectedEOF)
	}
	reply, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("action %q: expected a reply record, got %T", action, v)
	}
	status, _ := reply["status"].(string)
	switch status {
	case worker.StatusOK:
		return reply["data"], nil
	case worker.StatusFailed:
		msg, _ := reply["message"].(string)
		return nil, &ActionError{Action: action, Message: msg}
	}
	return nil, fmt.Errorf("action %q: reply with status %q", action, status)
}

// ActionError is a failed reply to an action request.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("action %q failed", e.Action)
	}
	return e.Message
}
