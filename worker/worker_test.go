package worker

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/expsys/exprun/spawn"
	"github.com/expsys/exprun/spawn/spawntest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, handlers map[string]Handler, sp *spawntest.Spawner, opts ...Option) *Worker {
	t.Helper()
	w, err := New(handlers, append([]Option{WithLogger(log), WithSpawner(sp)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, w.CreateProcess(context.Background(), spawn.Request{Command: "worker"}))
	t.Cleanup(func() { w.EndProcess(context.Background()) })
	return w
}

func TestRunSuccess(t *testing.T) {
	ctx := context.Background()

	gotParams := make(chan map[string]any, 1)
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		req, err := e.RecvMap()
		if err != nil {
			return
		}
		gotParams <- req
		e.Send(Ack)
		e.Send(map[string]any{"action": CompletedAction, "status": StatusOK})
	}}
	w := newTestWorker(t, nil, sp)

	err := w.Run(ctx, map[string]any{"file": "job.x"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"file": "job.x"}, <-gotParams)

	proc := sp.Procs()[0]
	select {
	case <-proc.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after completing the run")
	}

	// ending an exited process is a no-op
	require.NoError(t, w.EndProcess(ctx))
	require.Empty(t, proc.Signals())
}

func TestRunIncorrectAck(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send("nack")
	}}
	w := newTestWorker(t, nil, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.ErrorIs(t, err, ErrBadAck)
	require.ErrorIs(t, err, ErrWorkerFailed)
}

func TestRunActionDispatch(t *testing.T) {
	handlers := map[string]Handler{
		"add": func(args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	}

	replies := make(chan map[string]any, 1)
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.Send(map[string]any{"action": "add", "a": 2, "b": 3})
		reply, err := e.RecvMap()
		if err != nil {
			return
		}
		replies <- reply
		e.Send(map[string]any{"action": CompletedAction, "status": StatusOK})
	}}
	w := newTestWorker(t, handlers, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"status": "ok", "data": float64(5)}, <-replies)
}

func TestRunActionOrdering(t *testing.T) {
	// each action must get its reply before the worker sends the next one
	handlers := map[string]Handler{
		"seq": func(args map[string]any) (any, error) {
			return args["n"], nil
		},
	}

	replies := make(chan any, 3)
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		for n := 1; n <= 3; n++ {
			e.Send(map[string]any{"action": "seq", "n": n})
			reply, err := e.RecvMap()
			if err != nil {
				return
			}
			replies <- reply["data"]
		}
		e.Send(map[string]any{"action": CompletedAction, "status": StatusOK})
	}}
	w := newTestWorker(t, handlers, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, float64(1), <-replies)
	assert.Equal(t, float64(2), <-replies)
	assert.Equal(t, float64(3), <-replies)
}

func TestRunUnknownAction(t *testing.T) {
	replies := make(chan map[string]any, 1)
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.Send(map[string]any{"action": "no_such_action"})
		reply, err := e.RecvMap()
		if err != nil {
			return
		}
		replies <- reply
		e.Send(map[string]any{"action": CompletedAction, "status": StatusOK})
	}}
	w := newTestWorker(t, nil, sp)

	// an unknown action fails the action, not the run
	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.NoError(t, err)

	reply := <-replies
	assert.Equal(t, "failed", reply["status"])
	assert.Contains(t, reply["message"], "no_such_action")
}

func TestRunHandlerError(t *testing.T) {
	handlers := map[string]Handler{
		"explode": func(args map[string]any) (any, error) {
			return nil, errors.New("out of gas")
		},
	}

	replies := make(chan map[string]any, 1)
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.Send(map[string]any{"action": "explode"})
		reply, err := e.RecvMap()
		if err != nil {
			return
		}
		replies <- reply
		e.Send(map[string]any{"action": CompletedAction, "status": StatusOK})
	}}
	w := newTestWorker(t, handlers, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.NoError(t, err)

	reply := <-replies
	assert.Equal(t, "failed", reply["status"])
	assert.Contains(t, reply["message"], "out of gas")
}

func TestRunHandlerPanic(t *testing.T) {
	handlers := map[string]Handler{
		"explode": func(args map[string]any) (any, error) {
			panic("bad state")
		},
	}

	replies := make(chan map[string]any, 1)
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.Send(map[string]any{"action": "explode"})
		reply, err := e.RecvMap()
		if err != nil {
			return
		}
		replies <- reply
		e.Send(map[string]any{"action": CompletedAction, "status": StatusOK})
	}}
	w := newTestWorker(t, handlers, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.NoError(t, err)

	reply := <-replies
	assert.Equal(t, "failed", reply["status"])
	assert.Contains(t, reply["message"], "bad state")
}

func TestRunJobFailure(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.Send(map[string]any{"action": CompletedAction, "status": "error", "message": "boom"})
	}}
	w := newTestWorker(t, nil, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "error", runErr.Status)
	assert.Equal(t, "boom", runErr.Message)

	// a failed job is not a protocol failure
	assert.NotErrorIs(t, err, ErrWorkerFailed)
}

func TestRunResultTimeout(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		// produce nothing until the supervisor gives up and tears us down
		e.Recv()
	}}
	w := newTestWorker(t, nil, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrRecvTimeout)
	require.ErrorIs(t, err, ErrWorkerFailed)
}

func TestRunWorkerExitsMidRun(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.Exit(1)
	}}
	w := newTestWorker(t, nil, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.ErrorIs(t, err, ErrWorkerEnded)
}

func TestRunInvalidRecord(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.SendRaw(`{"action":`)
	}}
	w := newTestWorker(t, nil, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRunNonMappingRecord(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.Send([]any{1, 2, 3})
	}}
	w := newTestWorker(t, nil, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRunRecordWithoutAction(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.Send(map[string]any{"status": "ok"})
	}}
	w := newTestWorker(t, nil, sp)

	err := w.Run(context.Background(), map[string]any{"file": "job.x"}, 5*time.Second)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRunContextCanceled(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		if _, err := e.RecvMap(); err != nil {
			return
		}
		e.Send(Ack)
		e.Recv()
	}}
	w := newTestWorker(t, nil, sp)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := w.Run(ctx, map[string]any{"file": "job.x"}, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCreateProcessSpawnFailure(t *testing.T) {
	sp := &spawntest.Spawner{SpawnErr: errors.New("no such binary")}
	w, err := New(nil, WithLogger(log), WithSpawner(sp))
	require.NoError(t, err)

	err = w.CreateProcess(context.Background(), spawn.Request{Command: "worker"})
	require.ErrorContains(t, err, "no such binary")
}

func TestRunBeforeCreateProcess(t *testing.T) {
	w, err := New(nil, WithLogger(log))
	require.NoError(t, err)

	err = w.Run(context.Background(), map[string]any{}, time.Second)
	require.Error(t, err)
}

func TestEndProcessTermination(t *testing.T) {
	sp := &spawntest.Spawner{Script: func(e *spawntest.Endpoint) {
		e.Recv()
	}}
	w := newTestWorker(t, nil, sp)

	require.NoError(t, w.EndProcess(context.Background()))

	proc := sp.Procs()[0]
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, proc.Signals())

	// ending an already-ended process changes nothing
	require.NoError(t, w.EndProcess(context.Background()))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, proc.Signals())
}

func TestEndProcessForcedKill(t *testing.T) {
	sp := &spawntest.Spawner{
		Script: func(e *spawntest.Endpoint) {
			e.Recv()
		},
		// ignore the graceful termination request
		OnSignal: func(p *spawntest.Proc, sig syscall.Signal) {},
	}
	w := newTestWorker(t, nil, sp, WithTermTimeout(100*time.Millisecond))

	start := time.Now()
	require.NoError(t, w.EndProcess(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)

	proc := sp.Procs()[0]
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, proc.Signals())

	select {
	case <-proc.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not die after SIGKILL")
	}
}

func TestEndProcessWithoutCreate(t *testing.T) {
	w, err := New(nil, WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, w.EndProcess(context.Background()))
}

// The cases below run real worker processes through the local spawner.

func TestRunRealProcess(t *testing.T) {
	ctx := context.Background()

	script := `read line
echo '"ack"'
echo '{"action":"log","text":"starting up"}'
read reply
echo '{"action":"report_completed","status":"ok"}'`

	logged := make(chan any, 1)
	handlers := map[string]Handler{
		"log": func(args map[string]any) (any, error) {
			logged <- args["text"]
			return nil, nil
		},
	}

	w, err := New(handlers, WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, w.CreateProcess(ctx, spawn.Request{Command: "sh", Args: []string{"-c", script}}))
	t.Cleanup(func() { w.EndProcess(ctx) })

	err = w.Run(ctx, map[string]any{"file": "job.x"}, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "starting up", <-logged)

	require.NoError(t, w.EndProcess(ctx))
}

func TestRunRealProcessJobFailure(t *testing.T) {
	ctx := context.Background()

	script := `read line
echo '"ack"'
echo '{"action":"report_completed","status":"error","message":"boom"}'`

	w, err := New(nil, WithLogger(log))
	require.NoError(t, err)
	require.NoError(t, w.CreateProcess(ctx, spawn.Request{Command: "sh", Args: []string{"-c", script}}))
	t.Cleanup(func() { w.EndProcess(ctx) })

	err = w.Run(ctx, map[string]any{"file": "job.x"}, 10*time.Second)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "boom", runErr.Message)
}

func TestEndProcessRealProcessIgnoringTerm(t *testing.T) {
	ctx := context.Background()

	w, err := New(nil, WithLogger(log), WithTermTimeout(200*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.CreateProcess(ctx, spawn.Request{
		Command: "sh",
		Args:    []string{"-c", `trap "" TERM; while true; do sleep 1; done`},
	}))

	start := time.Now()
	require.NoError(t, w.EndProcess(ctx))
	assert.Less(t, time.Since(start), 10*time.Second)
}
