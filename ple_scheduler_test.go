package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type runLog struct {
	mu    sync.Mutex
	order []string
}

func (l *runLog) task(name string) TaskFunc {
	return func(ctx context.Context, s *Scheduler) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.order = append(l.order, name)
		return nil
	}
}

func (l *runLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func TestSchedulerOrdering(t *testing.T) {
	tests := []struct {
		name  string
		enter func(s *Scheduler, l *runLog)
		want  []string
	}{
		{
			name: "earliest trigger time first",
			enter: func(s *Scheduler, l *runLog) {
				s.Enter(2*time.Second, PriorityCollect, "late", l.task("late"))
				s.Enter(time.Second, PriorityTenantRefresh, "early", l.task("early"))
			},
			want: []string{"early", "late"},
		},
		{
			name: "priority breaks ties",
			enter: func(s *Scheduler, l *runLog) {
				s.Enter(time.Second, PriorityTenantRefresh, "refresh", l.task("refresh"))
				s.Enter(time.Second, PriorityCollect, "collect", l.task("collect"))
			},
			want: []string{"collect", "refresh"},
		},
		{
			name: "entry order breaks remaining ties",
			enter: func(s *Scheduler, l *runLog) {
				s.Enter(time.Second, PriorityCollect, "first", l.task("first"))
				s.Enter(time.Second, PriorityCollect, "second", l.task("second"))
			},
			want: []string{"first", "second"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
			s := NewScheduler(fc)
			l := &runLog{}
			tt.enter(s, l)

			require.NoError(t, s.RunPending(context.Background()))
			assert.Empty(t, l.get(), "nothing is due yet")

			fc.Step(2 * time.Second)
			require.NoError(t, s.RunPending(context.Background()))
			assert.Equal(t, tt.want, l.get())
			assert.Zero(t, s.Len())
		})
	}
}

func TestSchedulerSelfRenewingTask(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
	s := NewScheduler(fc)

	runs := 0
	var tick TaskFunc
	tick = func(ctx context.Context, s *Scheduler) error {
		runs++
		s.Enter(5*time.Second, PriorityCollect, "tick", tick)
		return nil
	}
	s.Enter(0, PriorityCollect, "tick", tick)

	require.NoError(t, s.RunPending(context.Background()))
	assert.Equal(t, 1, runs)
	assert.Equal(t, 1, s.Len())

	fc.Step(4 * time.Second)
	require.NoError(t, s.RunPending(context.Background()))
	assert.Equal(t, 1, runs)

	fc.Step(time.Second)
	require.NoError(t, s.RunPending(context.Background()))
	assert.Equal(t, 2, runs)
}

func TestSchedulerTaskFailureStops(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		fn   TaskFunc
		is   error
	}{
		{
			name: "returned error",
			fn:   func(ctx context.Context, s *Scheduler) error { return boom },
			is:   boom,
		},
		{
			name: "panic",
			fn:   func(ctx context.Context, s *Scheduler) error { panic("bad task") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
			s := NewScheduler(fc)
			l := &runLog{}
			s.Enter(0, PriorityCollect, "bad", tt.fn)
			s.Enter(0, PriorityTenantRefresh, "after", l.task("after"))

			err := s.RunPending(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "task bad")
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			assert.Empty(t, l.get())
			assert.Equal(t, 1, s.Len())
		})
	}
}

func TestSchedulerRunWaitsOnClock(t *testing.T) {
	fc := clocktesting.NewFakeClock(time.Unix(1700000000, 0))
	s := NewScheduler(fc)
	l := &runLog{}
	s.Enter(10*time.Second, PriorityCollect, "collect", l.task("collect"))
	s.Enter(time.Hour, PriorityTenantRefresh, "refresh", l.task("refresh"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	assert.Empty(t, l.get())

	fc.Step(10 * time.Second)
	require.Eventually(t, func() bool { return len(l.get()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"collect"}, l.get())

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []string{"collect"}, l.get())
}

func TestSchedulerRunReturnsWhenDrained(t *testing.T) {
	s := NewScheduler(clocktesting.NewFakeClock(time.Now()))
	l := &runLog{}
	s.Enter(0, PriorityCollect, "once", l.task("once"))
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"once"}, l.get())
}
