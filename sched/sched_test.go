package sched

import (
	"context"
	"testing"
	"time"

	"github.com/expsys/exprun/spawn"
	"github.com/expsys/exprun/spawn/spawntest"
	"github.com/expsys/exprun/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
}

func startScheduler(t *testing.T, runner Runner, opts ...Option) *Scheduler {
	t.Helper()
	s := New(runner, append([]Option{WithLogger(log)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func waitEvent(t *testing.T, events <-chan Event, kind string) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func nopRunner() Runner {
	return RunnerFunc(func(ctx context.Context, params map[string]any) error {
		return nil
	})
}

func TestSubmitRunsJob(t *testing.T) {
	got := make(chan map[string]any, 1)
	hist := NewMemoryHistory(10)
	s := startScheduler(t, RunnerFunc(func(ctx context.Context, params map[string]any) error {
		got <- params
		return nil
	}), WithHistory(hist))

	events, cancel := s.Subscribe(16)
	defer cancel()

	rid := s.Submit(map[string]any{"file": "a.x"}, 0)
	ev := waitEvent(t, events, EventRunFinished)
	assert.Equal(t, rid, ev.Queue.RID)
	assert.Equal(t, StatusSucceeded, ev.Status)
	assert.Equal(t, map[string]any{"file": "a.x"}, <-got)
	assert.Empty(t, s.Queue())

	recs, err := hist.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rid, recs[0].RID)
	assert.Equal(t, StatusSucceeded, recs[0].Status)
	assert.False(t, recs[0].Finished.Before(recs[0].Started))
}

func TestRunsInSubmissionOrder(t *testing.T) {
	order := make(chan any, 3)
	s := startScheduler(t, RunnerFunc(func(ctx context.Context, params map[string]any) error {
		order <- params["file"]
		return nil
	}))

	events, cancel := s.Subscribe(32)
	defer cancel()

	s.Submit(map[string]any{"file": "a.x"}, 0)
	s.Submit(map[string]any{"file": "b.x"}, 0)
	s.Submit(map[string]any{"file": "c.x"}, 0)

	for i := 0; i < 3; i++ {
		waitEvent(t, events, EventRunFinished)
	}
	assert.Equal(t, "a.x", <-order)
	assert.Equal(t, "b.x", <-order)
	assert.Equal(t, "c.x", <-order)
}

func TestRunFailedStatus(t *testing.T) {
	s := startScheduler(t, RunnerFunc(func(ctx context.Context, params map[string]any) error {
		return &worker.RunError{Status: worker.StatusFailed, Message: "boom"}
	}))

	events, cancel := s.Subscribe(16)
	defer cancel()

	s.Submit(map[string]any{"file": "a.x"}, 0)
	ev := waitEvent(t, events, EventRunFinished)
	assert.Equal(t, StatusRunFailed, ev.Status)
	assert.Equal(t, "boom", ev.Message)
}

func TestWorkerFailedStatus(t *testing.T) {
	s := startScheduler(t, RunnerFunc(func(ctx context.Context, params map[string]any) error {
		return worker.ErrRecvTimeout
	}))

	events, cancel := s.Subscribe(16)
	defer cancel()

	s.Submit(map[string]any{"file": "a.x"}, 0)
	ev := waitEvent(t, events, EventRunFinished)
	assert.Equal(t, StatusWorkerFailed, ev.Status)
	assert.NotEmpty(t, ev.Message)
}

func TestRunTimeout(t *testing.T) {
	s := startScheduler(t, RunnerFunc(func(ctx context.Context, params map[string]any) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	events, cancel := s.Subscribe(16)
	defer cancel()

	s.Submit(map[string]any{"file": "slow.x"}, 50*time.Millisecond)
	ev := waitEvent(t, events, EventRunFinished)
	assert.Equal(t, StatusTimedOut, ev.Status)
}

func TestCancelPending(t *testing.T) {
	release := make(chan struct{})
	s := startScheduler(t, RunnerFunc(func(ctx context.Context, params map[string]any) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))

	events, cancel := s.Subscribe(32)
	defer cancel()

	s.Submit(map[string]any{"file": "a.x"}, 0)
	waitEvent(t, events, EventRunStarted)
	rid2 := s.Submit(map[string]any{"file": "b.x"}, 0)

	require.True(t, s.Cancel(rid2))
	ev := waitEvent(t, events, EventQueueRemoved)
	assert.Equal(t, rid2, ev.Queue.RID)
	assert.Equal(t, StatusCanceled, ev.Status)
	assert.Len(t, s.Queue(), 1)

	close(release)
	waitEvent(t, events, EventRunFinished)
	assert.Empty(t, s.Queue())
}

func TestCancelRunning(t *testing.T) {
	s := startScheduler(t, RunnerFunc(func(ctx context.Context, params map[string]any) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	events, cancel := s.Subscribe(16)
	defer cancel()

	rid := s.Submit(map[string]any{"file": "a.x"}, 0)
	waitEvent(t, events, EventRunStarted)

	require.True(t, s.Cancel(rid))
	ev := waitEvent(t, events, EventRunFinished)
	assert.Equal(t, rid, ev.Queue.RID)
	assert.Equal(t, StatusCanceled, ev.Status)
}

func TestCancelUnknownRID(t *testing.T) {
	s := New(nopRunner(), WithLogger(log))
	assert.False(t, s.Cancel("no-such-rid"))
}

func TestPeriodicRuns(t *testing.T) {
	s := startScheduler(t, nopRunner())

	events, cancel := s.Subscribe(64)
	defer cancel()

	prid, err := s.AddPeriodic(map[string]any{"file": "tick.x"}, 0, 30*time.Millisecond)
	require.NoError(t, err)

	first := waitEvent(t, events, EventRunFinished)
	require.NotNil(t, first.Periodic)
	assert.Equal(t, prid, first.Periodic.PRID)

	second := waitEvent(t, events, EventRunFinished)
	require.NotNil(t, second.Periodic)
	assert.NotEqual(t, first.Queue.RID, second.Queue.RID)

	require.True(t, s.RemovePeriodic(prid))
	waitEvent(t, events, EventPeriodicRemoved)
	assert.Empty(t, s.Periodic())
	assert.False(t, s.RemovePeriodic(prid))
}

func TestAddPeriodicRejectsBadPeriod(t *testing.T) {
	s := New(nopRunner(), WithLogger(log))
	_, err := s.AddPeriodic(map[string]any{"file": "tick.x"}, 0, 0)
	require.Error(t, err)
}

func TestSubscribeCancel(t *testing.T) {
	s := New(nopRunner(), WithLogger(log))

	events, cancel := s.Subscribe(1)
	cancel()
	_, ok := <-events
	assert.False(t, ok)

	// canceling again is a no-op
	cancel()
}

func TestWorkerRunnerFreshProcessPerRun(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(worker.Ack)
		e.Send(map[string]any{"action": worker.CompletedAction, "status": worker.StatusOK})
	}}
	r := &WorkerRunner{
		Log:     log.Sugar(),
		Request: spawn.Request{Command: "worker"},
		Spawner: sp,
	}

	require.NoError(t, r.Run(context.Background(), map[string]any{"file": "a.x"}))
	require.Len(t, sp.Procs(), 1)

	require.NoError(t, r.Run(context.Background(), map[string]any{"file": "b.x"}))
	require.Len(t, sp.Procs(), 2)
}

func TestWorkerRunnerRunFailure(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(worker.Ack)
		e.Send(map[string]any{"action": worker.CompletedAction, "status": worker.StatusFailed, "message": "boom"})
	}}
	r := &WorkerRunner{
		Log:     log.Sugar(),
		Request: spawn.Request{Command: "worker"},
		Spawner: sp,
	}

	err := r.Run(context.Background(), map[string]any{"file": "a.x"})
	var runErr *worker.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "boom", runErr.Message)
}

func TestWorkerRunnerSpawnFailure(t *testing.T) {
	sp := &spawntest.Spawner{SpawnErr: assert.AnError}
	r := &WorkerRunner{
		Log:     log.Sugar(),
		Request: spawn.Request{Command: "worker"},
		Spawner: sp,
	}

	err := r.Run(context.Background(), map[string]any{"file": "a.x"})
	require.ErrorIs(t, err, assert.AnError)
}
