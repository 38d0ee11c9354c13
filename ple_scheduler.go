package main

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Lower value runs first when two entries are due at the same instant.
const (
	PriorityCollect       = 1
	PriorityTenantRefresh = 2
)

// TaskFunc is a scheduled unit of work. A task that wants to recur enters
// itself again through s before returning. A returned error stops Run.
type TaskFunc func(ctx context.Context, s *Scheduler) error

type scheduledTask struct {
	at       time.Time
	priority int
	seq      uint64
	name     string
	fn       TaskFunc
}

type taskQueue []*scheduledTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*scheduledTask)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Scheduler is a single-goroutine, time-ordered run loop. Tasks execute
// strictly one after another; a slow task delays everything behind it.
type Scheduler struct {
	clock clock.Clock

	mu    sync.Mutex
	queue taskQueue
	seq   uint64
}

func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{clock: clk}
}

// Enter queues fn to run delay from now.
func (s *Scheduler) Enter(delay time.Duration, priority int, name string, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	heap.Push(&s.queue, &scheduledTask{
		at:       s.clock.Now().Add(delay),
		priority: priority,
		seq:      s.seq,
		name:     name,
		fn:       fn,
	})
	logScheduler.Debug("task_entered", "task", name, "delay_seconds", delay.Seconds(), "priority", priority)
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run blocks until the queue drains, ctx is cancelled, or a task fails.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next, wait := s.peek()
		if next == nil {
			return nil
		}
		if wait > 0 {
			t := s.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				logScheduler.Info("scheduler_shutdown")
				return ctx.Err()
			case <-t.C():
			}
			// An earlier entry may have been queued while waiting.
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runNext(ctx); err != nil {
			return err
		}
	}
}

// RunPending runs every entry that is due now, including entries that become
// due while running, and returns without waiting.
func (s *Scheduler) RunPending(ctx context.Context) error {
	for {
		next, wait := s.peek()
		if next == nil || wait > 0 {
			return nil
		}
		if err := s.runNext(ctx); err != nil {
			return err
		}
	}
}

func (s *Scheduler) peek() (*scheduledTask, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, 0
	}
	next := s.queue[0]
	return next, next.at.Sub(s.clock.Now())
}

func (s *Scheduler) runNext(ctx context.Context) error {
	s.mu.Lock()
	t := heap.Pop(&s.queue).(*scheduledTask)
	s.mu.Unlock()

	start := s.clock.Now()
	err := s.invoke(ctx, t)
	if err != nil {
		logScheduler.Error("task_failed", "task", t.name, "err", err)
		return fmt.Errorf("task %s: %w", t.name, err)
	}
	logScheduler.Debug("task_finished", "task", t.name, "duration_seconds", s.clock.Since(start).Seconds())
	return nil
}

func (s *Scheduler) invoke(ctx context.Context, t *scheduledTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.fn(ctx, s)
}
