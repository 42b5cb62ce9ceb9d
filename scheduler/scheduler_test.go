package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tach-project/tach/protocol"
	"github.com/tach-project/tach/worker"
)

type fakeWorker struct {
	pid    int
	mu     sync.Mutex
	state  worker.State
	resets int
	toxic  bool // dies after one run, like a real worker.StateToxic
	crash  bool // RunTest mimics a worker that died mid-test
}

func (f *fakeWorker) State() worker.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeWorker) PID() int         { return f.pid }
func (f *fakeWorker) ResetCount() int  { return f.resets }

func (f *fakeWorker) RunTest(ctx context.Context, d worker.Dispatch) (worker.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.crash {
		f.state = worker.StateDead
		return worker.Outcome{}, fmt.Errorf("%w: awaiting RESULT: closed", worker.ErrWorkerCrashed)
	}
	if d.Toxic {
		f.state = worker.StateToxic
		return worker.Outcome{TestID: d.TestID, Status: protocol.StatusPass, NextState: worker.StateToxic}, nil
	}
	f.resets++
	f.state = worker.StateIdle
	return worker.Outcome{TestID: d.TestID, Status: protocol.StatusPass, NextState: worker.StateIdle}, nil
}

func (f *fakeWorker) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = worker.StateDead
	return nil
}

func drain(t *testing.T, out <-chan Event) []Event {
	t.Helper()
	var events []Event
	for e := range out {
		events = append(events, e)
	}
	return events
}

func TestSchedulerRunsSafeAndToxicTests(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var spawned atomic.Int32

	factory := func(ctx context.Context) (Worker, error) {
		n := spawned.Add(1)
		return &fakeWorker{pid: int(n), state: worker.StateIdle}, nil
	}

	s := New(logger, 2, factory)
	tests := []Test{
		{ID: "test_b", Toxic: false, Timeout: time.Second},
		{ID: "test_a", Toxic: false, Timeout: time.Second},
		{ID: "test_toxic", Toxic: true, Timeout: time.Second},
	}

	out := make(chan Event, 16)
	err := s.Run(context.Background(), tests, out)
	require.NoError(t, err)

	events := drain(t, out)
	require.NotEmpty(t, events)
	assert.Equal(t, EventRunStart, events[0].Kind)
	assert.Equal(t, EventRunFinished, events[len(events)-1].Kind)

	finished := map[string]protocol.Status{}
	for _, e := range events {
		if e.Kind == EventTestFinished {
			finished[e.TestID] = e.Status
		}
	}
	assert.Equal(t, protocol.StatusPass, finished["test_a"])
	assert.Equal(t, protocol.StatusPass, finished["test_b"])
	assert.Equal(t, protocol.StatusPass, finished["test_toxic"])
}

func TestSchedulerRetiresToxicWorker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var workers []*fakeWorker
	var mu sync.Mutex

	factory := func(ctx context.Context) (Worker, error) {
		w := &fakeWorker{pid: len(workers) + 1, state: worker.StateIdle}
		mu.Lock()
		workers = append(workers, w)
		mu.Unlock()
		return w, nil
	}

	s := New(logger, 1, factory)
	tests := []Test{{ID: "toxic_one", Toxic: true, Timeout: time.Second}}

	out := make(chan Event, 8)
	require.NoError(t, s.Run(context.Background(), tests, out))
	drain(t, out)

	require.Len(t, workers, 1)
	assert.Equal(t, worker.StateDead, workers[0].State())
}

func TestSchedulerSurvivesWorkerCrashMidTest(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var workers []*fakeWorker
	var mu sync.Mutex

	factory := func(ctx context.Context) (Worker, error) {
		w := &fakeWorker{pid: len(workers) + 1, state: worker.StateIdle, crash: true}
		mu.Lock()
		workers = append(workers, w)
		mu.Unlock()
		return w, nil
	}

	s := New(logger, 1, factory)
	tests := []Test{{ID: "crashes", Toxic: false, Timeout: time.Second}}

	out := make(chan Event, 8)
	err := s.Run(context.Background(), tests, out)
	require.NoError(t, err, "a worker-local crash must not fail the run")

	events := drain(t, out)
	var finished *Event
	for i := range events {
		if events[i].Kind == EventTestFinished {
			finished = &events[i]
		}
	}
	require.NotNil(t, finished)
	assert.Equal(t, protocol.StatusCrash, finished.Status)

	require.Len(t, workers, 1)
	assert.Equal(t, worker.StateDead, workers[0].State())
}

func TestPartitionOrdersSafeBeforeToxicAndSortsByID(t *testing.T) {
	tests := []Test{
		{ID: "z_toxic", Toxic: true},
		{ID: "b_safe", Toxic: false},
		{ID: "a_safe", Toxic: false},
		{ID: "a_toxic", Toxic: true},
	}
	safe, toxic := partition(tests)
	require.Len(t, safe, 2)
	require.Len(t, toxic, 2)
	assert.Equal(t, "a_safe", safe[0].ID)
	assert.Equal(t, "b_safe", safe[1].ID)
	assert.Equal(t, "a_toxic", toxic[0].ID)
	assert.Equal(t, "z_toxic", toxic[1].ID)
}
