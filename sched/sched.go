// Package sched runs jobs from a queue, one at a time, with optional
// periodic scheduling and a history of completed runs.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/expsys/exprun/worker"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run statuses. Pending and running runs live in the queue; the rest are
// terminal and only appear in events and history.
const (
	StatusPending      = "pending"
	StatusRunning      = "running"
	StatusSucceeded    = "succeeded"
	StatusRunFailed    = "run_failed"
	StatusWorkerFailed = "worker_failed"
	StatusCanceled     = "canceled"
	StatusTimedOut     = "timed_out"
)

// Event kinds.
const (
	EventQueueAdded      = "queue_added"
	EventQueueRemoved    = "queue_removed"
	EventRunStarted      = "run_started"
	EventRunFinished     = "run_finished"
	EventPeriodicAdded   = "periodic_added"
	EventPeriodicRemoved = "periodic_removed"
)

// QueueEntry is one submitted run.
type QueueEntry struct {
	RID       string
	Params    map[string]any
	Timeout   time.Duration
	Submitted time.Time
	Status    string
}

// PeriodicEntry is a job that runs on a fixed period. Its runs get a fresh
// RID each time and do not pass through the queue.
type PeriodicEntry struct {
	PRID    string
	Params  map[string]any
	Timeout time.Duration
	Period  time.Duration
	NextRun time.Time
}

// Event describes a change to the schedule. Queue is set for queue and run
// events; Periodic is additionally set when the run came from a periodic
// entry, and alone for periodic events.
type Event struct {
	Kind     string
	Queue    *QueueEntry
	Periodic *PeriodicEntry
	Status   string
	Message  string
	Elapsed  time.Duration
}

// Scheduler owns the queue and the periodic schedule and executes runs
// through a Runner, one at a time.
type Scheduler struct {
	log     *zap.SugaredLogger
	runner  Runner
	history History

	mut      sync.Mutex
	queue    []*QueueEntry
	periodic map[string]*PeriodicEntry
	running  *runInfo
	wake     chan struct{}

	subMut  sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

type runInfo struct {
	rid    string
	cancel context.CancelFunc
}

type Option func(s *Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		s.log = l.Sugar()
	}
}

// WithHistory records completed runs to h.
func WithHistory(h History) Option {
	return func(s *Scheduler) {
		s.history = h
	}
}

func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:      zap.NewNop().Sugar(),
		runner:   runner,
		periodic: make(map[string]*PeriodicEntry),
		wake:     make(chan struct{}, 1),
		subs:     make(map[int]chan Event),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit appends a run to the queue and returns its RID. A timeout of zero
// leaves the run unbounded.
func (s *Scheduler) Submit(params map[string]any, timeout time.Duration) string {
	e := &QueueEntry{
		RID:       uuid.NewString(),
		Params:    params,
		Timeout:   timeout,
		Submitted: time.Now(),
		Status:    StatusPending,
	}
	s.mut.Lock()
	s.queue = append(s.queue, e)
	cp := *e
	s.mut.Unlock()

	s.log.Infow("run submitted", "rid", e.RID)
	s.publish(Event{Kind: EventQueueAdded, Queue: &cp, Status: StatusPending})
	s.poke()
	return e.RID
}

// Cancel removes a pending run from the queue, or interrupts the run if it
// is already executing. It reports whether the RID was found.
func (s *Scheduler) Cancel(rid string) bool {
	s.mut.Lock()
	for i, e := range s.queue {
		if e.RID != rid {
			continue
		}
		if e.Status != StatusPending {
			break
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		cp := *e
		cp.Status = StatusCanceled
		s.mut.Unlock()

		s.log.Infow("pending run removed", "rid", rid)
		s.publish(Event{Kind: EventQueueRemoved, Queue: &cp, Status: StatusCanceled})
		return true
	}
	if s.running != nil && s.running.rid == rid {
		cancel := s.running.cancel
		s.mut.Unlock()

		s.log.Infow("canceling running run", "rid", rid)
		cancel()
		return true
	}
	s.mut.Unlock()
	return false
}

// Queue returns a snapshot of the queue in run order.
func (s *Scheduler) Queue() []QueueEntry {
	s.mut.Lock()
	defer s.mut.Unlock()
	out := make([]QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, *e)
	}
	return out
}

// AddPeriodic schedules params to run every period, starting immediately,
// and returns the PRID.
func (s *Scheduler) AddPeriodic(params map[string]any, timeout, period time.Duration) (string, error) {
	if period <= 0 {
		return "", fmt.Errorf("period must be positive, got %s", period)
	}
	p := &PeriodicEntry{
		PRID:    uuid.NewString(),
		Params:  params,
		Timeout: timeout,
		Period:  period,
		NextRun: time.Now(),
	}
	s.mut.Lock()
	s.periodic[p.PRID] = p
	cp := *p
	s.mut.Unlock()

	s.log.Infow("periodic run added", "prid", p.PRID, "period", period)
	s.publish(Event{Kind: EventPeriodicAdded, Periodic: &cp})
	s.poke()
	return p.PRID, nil
}

// RemovePeriodic removes a periodic entry. A run already in progress is not
// interrupted.
func (s *Scheduler) RemovePeriodic(prid string) bool {
	s.mut.Lock()
	p, ok := s.periodic[prid]
	if !ok {
		s.mut.Unlock()
		return false
	}
	delete(s.periodic, prid)
	cp := *p
	s.mut.Unlock()

	s.log.Infow("periodic run removed", "prid", prid)
	s.publish(Event{Kind: EventPeriodicRemoved, Periodic: &cp})
	return true
}

// Periodic returns a snapshot of the periodic schedule ordered by next run
// time, then PRID.
func (s *Scheduler) Periodic() []PeriodicEntry {
	s.mut.Lock()
	defer s.mut.Unlock()
	out := make([]PeriodicEntry, 0, len(s.periodic))
	for _, p := range s.periodic {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRun.Equal(out[j].NextRun) {
			return out[i].NextRun.Before(out[j].NextRun)
		}
		return out[i].PRID < out[j].PRID
	})
	return out
}

// Subscribe registers an event channel with the given buffer size. Events
// that would block are dropped. The returned func cancels the subscription
// and closes the channel; calling it more than once is a no-op.
func (s *Scheduler) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	s.subMut.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMut.Unlock()

	cancel := func() {
		s.subMut.Lock()
		defer s.subMut.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Run executes runs until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infow("scheduler started")
	defer s.log.Infow("scheduler stopped")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.runNext(ctx) {
			continue
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if next, ok := s.nextPeriodicTime(); ok {
			timer = time.NewTimer(time.Until(next))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// runNext executes the next due run and reports whether there was one. Due
// periodic entries take precedence over the queue.
func (s *Scheduler) runNext(ctx context.Context) bool {
	s.mut.Lock()
	now := time.Now()

	var entry *QueueEntry
	var from *PeriodicEntry
	if p := s.duePeriodicLocked(now); p != nil {
		entry = &QueueEntry{
			RID:       uuid.NewString(),
			Params:    p.Params,
			Timeout:   p.Timeout,
			Submitted: now,
			Status:    StatusPending,
		}
		p.NextRun = now.Add(p.Period)
		cp := *p
		from = &cp
	} else if len(s.queue) > 0 {
		entry = s.queue[0]
	}
	if entry == nil {
		s.mut.Unlock()
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry.Status = StatusRunning
	s.running = &runInfo{rid: entry.RID, cancel: cancel}
	started := time.Now()
	cp := *entry
	s.mut.Unlock()
	defer cancel()

	s.log.Infow("run started", "rid", entry.RID)
	s.publish(Event{Kind: EventRunStarted, Queue: &cp, Periodic: from, Status: StatusRunning})

	if entry.Timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, entry.Timeout)
		defer tcancel()
	}

	err := s.runner.Run(runCtx, entry.Params)
	finished := time.Now()
	status, msg := classify(runCtx, err)

	s.mut.Lock()
	if from == nil && len(s.queue) > 0 && s.queue[0] == entry {
		s.queue = s.queue[1:]
	}
	s.running = nil
	entry.Status = status
	done := *entry
	s.mut.Unlock()

	elapsed := finished.Sub(started)
	s.log.Infow("run finished", "rid", entry.RID, "status", status, "elapsed", elapsed)
	s.publish(Event{Kind: EventRunFinished, Queue: &done, Periodic: from, Status: status, Message: msg, Elapsed: elapsed})

	if s.history != nil {
		rec := RunRecord{
			RID:      entry.RID,
			Params:   entry.Params,
			Status:   status,
			Message:  msg,
			Started:  started,
			Finished: finished,
		}
		// recorded with a fresh context so the record lands even when the
		// scheduler is shutting down
		if err := s.history.Record(context.Background(), rec); err != nil {
			s.log.Errorw("recording run history", "rid", entry.RID, "error", err)
		}
	}
	return true
}

// classify maps a run outcome to a terminal status and message.
func classify(ctx context.Context, err error) (string, string) {
	var runErr *worker.RunError
	switch {
	case err == nil:
		return StatusSucceeded, ""
	case errors.As(err, &runErr):
		return StatusRunFailed, runErr.Message
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return StatusCanceled, "canceled"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StatusTimedOut, "run timed out"
	default:
		return StatusWorkerFailed, err.Error()
	}
}

func (s *Scheduler) duePeriodicLocked(now time.Time) *PeriodicEntry {
	var due *PeriodicEntry
	for _, p := range s.periodic {
		if p.NextRun.After(now) {
			continue
		}
		if due == nil || p.NextRun.Before(due.NextRun) ||
			(p.NextRun.Equal(due.NextRun) && p.PRID < due.PRID) {
			due = p
		}
	}
	return due
}

func (s *Scheduler) nextPeriodicTime() (time.Time, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	var next time.Time
	found := false
	for _, p := range s.periodic {
		if !found || p.NextRun.Before(next) {
			next = p.NextRun
			found = true
		}
	}
	return next, found
}

func (s *Scheduler) publish(ev Event) {
	s.subMut.Lock()
	defer s.subMut.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.log.Debugw("dropping event for slow subscriber", "kind", ev.Kind)
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
