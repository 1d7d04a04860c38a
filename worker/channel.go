package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/expsys/exprun/wire"
	"go.uber.org/zap"
)

// Channel frames a worker's byte streams into discrete records, with an
// explicit deadline on every operation. It owns both streams exclusively for
// the lifetime of the worker process.
//
// Reads and writes run on dedicated goroutines so that each Send and Recv
// can wait on a timer without leaving the underlying stream in a torn state:
// an abandoned operation keeps running in the background and resolves when
// the stream does.
type Channel struct {
	log   *zap.SugaredLogger
	stdin io.WriteCloser

	sendCh chan sendReq
	recvCh chan recvResult

	closed    chan struct{}
	closeOnce sync.Once
}

type sendReq struct {
	line []byte
	done chan error
}

type recvResult struct {
	value any
	err   error
}

// NewChannel wraps the worker's stdin and stdout. maxRecordSize bounds the
// length of a single incoming record; longer lines are invalid records.
func NewChannel(log *zap.SugaredLogger, stdin io.WriteCloser, stdout io.Reader, maxRecordSize int) *Channel {
	c := &Channel{
		log:    log.Named("channel"),
		stdin:  stdin,
		sendCh: make(chan sendReq),
		recvCh: make(chan recvResult),
		closed: make(chan struct{}),
	}
	go c.readLoop(stdout, maxRecordSize)
	go c.writeLoop()
	return c
}

func (c *Channel) readLoop(stdout io.Reader, maxRecordSize int) {
	defer close(c.recvCh)

	scanner := bufio.NewScanner(stdout)
	// the scanner's limit is the larger of max and cap(buf), so the initial
	// buffer must not exceed maxRecordSize
	initial := 64 * 1024
	if maxRecordSize < initial {
		initial = maxRecordSize
	}
	scanner.Buffer(make([]byte, 0, initial), maxRecordSize)
	for scanner.Scan() {
		v, err := wire.Unmarshal(scanner.Bytes())
		if err != nil {
			c.log.Debugw("worker sent an undecodable record", "Error", err)
			c.deliver(recvResult{err: fmt.Errorf("%w: %v", ErrInvalidRecord, err)})
			return
		}
		if !c.deliver(recvResult{value: v}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Debugw("read loop ended", "Error", err)
		if errors.Is(err, bufio.ErrTooLong) {
			c.deliver(recvResult{err: fmt.Errorf("%w: record exceeds maximum size", ErrInvalidRecord)})
		}
	}
	// Closing recvCh makes every later Recv report ErrWorkerEnded.
}

func (c *Channel) deliver(res recvResult) bool {
	select {
	case c.recvCh <- res:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Channel) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case req := <-c.sendCh:
			_, err := c.stdin.Write(req.line)
			req.done <- err
		}
	}
}

// Send serializes v as one record and writes it fully to the worker's input
// within timeout. A non-positive timeout waits indefinitely. The returned
// errors match ErrSendTimeout or ErrSendFailure; a canceled ctx returns the
// context's error.
func (c *Channel) Send(ctx context.Context, v any, timeout time.Duration) error {
	line, err := wire.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailure, err)
	}
	line = append(line, '\n')

	timerC := timerChan(timeout)

	req := sendReq{line: line, done: make(chan error, 1)}
	select {
	case c.sendCh <- req:
	case <-timerC:
		return ErrSendTimeout
	case <-ctx.Done():
		return fmt.Errorf("sending record: %w", ctx.Err())
	case <-c.closed:
		return ErrSendFailure
	}

	select {
	case err := <-req.done:
		if err != nil {
			c.log.Debugw("write failed", "Error", err)
			return fmt.Errorf("%w: %v", ErrSendFailure, err)
		}
		return nil
	case <-timerC:
		return ErrSendTimeout
	case <-ctx.Done():
		return fmt.Errorf("sending record: %w", ctx.Err())
	}
}

// Recv reads one record from the worker's output within timeout. A
// non-positive timeout waits indefinitely. The returned errors match
// ErrRecvTimeout, ErrWorkerEnded or ErrInvalidRecord; a canceled ctx returns
// the context's error.
func (c *Channel) Recv(ctx context.Context, timeout time.Duration) (any, error) {
	timerC := timerChan(timeout)

	select {
	case res, ok := <-c.recvCh:
		if !ok {
			return nil, ErrWorkerEnded
		}
		if res.err != nil {
			return nil, res.err
		}
		return res.value, nil
	case <-timerC:
		return nil, ErrRecvTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("receiving record: %w", ctx.Err())
	}
}

// Close releases the channel: pending operations fail, the pump goroutines
// stop, and the worker sees EOF on its input. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.stdin.Close(); err != nil {
			c.log.Debugf("closing worker stdin: %s", err)
		}
	})
	return nil
}

// timerChan returns a channel that fires after d, or nil (never fires) for a
// non-positive d.
func timerChan(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	return time.After(d)
}
