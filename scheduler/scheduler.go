// Package scheduler implements the Scheduler (spec.md §4.7, component
// C7): it distributes tests to a bounded pool of workers, dispatching
// Safe tests ahead of Toxic ones, retiring workers that hit the
// fragmentation cap or time out, and yielding per-test outcomes over an
// event stream. Grounded on original_source/src/scheduler.rs's crash-
// timeout-aware parallel dispatch loop, translated from its
// thread-plus-channel design to goroutines bounded by the teacher's
// syncs.Semaphore (reusee-tai/syncs).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tach-project/tach/logs"
	"github.com/tach-project/tach/protocol"
	"github.com/tach-project/tach/syncs"
	"github.com/tach-project/tach/worker"
)

// Test is one dispatchable unit (spec.md §3 "Test Case"): a test
// identifier tagged with the toxicity classification the Toxicity
// Analyzer assigned its containing module.
type Test struct {
	ID      string
	Toxic   bool
	Timeout time.Duration
}

// EventKind names a point in a run's lifecycle the Scheduler reports on
// its event stream (spec.md's supplemented event-stream channel,
// mirroring the run_start/test_start/test_finished/run_finished shape of
// common Python test runners the harness must interoperate with).
type EventKind int

const (
	EventRunStart EventKind = iota
	EventTestStart
	EventTestFinished
	EventRunFinished
)

// Event is one entry on the Scheduler's event stream.
type Event struct {
	Kind     EventKind
	TestID   string
	Status   protocol.Status
	Duration time.Duration
	Output   string
}

// Worker is the subset of *worker.Worker the Scheduler drives; narrowed to
// an interface so dispatch and retirement policy can be tested without a
// real harness process. *worker.Worker satisfies this directly.
type Worker interface {
	State() worker.State
	PID() int
	ResetCount() int
	RunTest(ctx context.Context, d worker.Dispatch) (worker.Outcome, error)
	Kill() error
}

var _ Worker = (*worker.Worker)(nil)

// WorkerFactory spawns a fresh worker on demand, used both for initial
// pool fill and to replace a retired or crashed worker.
type WorkerFactory func(ctx context.Context) (Worker, error)

// Scheduler dispatches a fixed test list across a bounded worker pool.
type Scheduler struct {
	logger    logs.Logger
	newWorker WorkerFactory
	poolSize  int
	sem       syncs.Semaphore

	mu      sync.Mutex
	workers []Worker
}

// New creates a Scheduler bounded to poolSize concurrent live workers
// (spec.md §4.7 policy (e)).
func New(logger logs.Logger, poolSize int, newWorker WorkerFactory) *Scheduler {
	return &Scheduler{
		logger:    logger,
		newWorker: newWorker,
		poolSize:  poolSize,
		sem:       syncs.NewSemaphore(poolSize),
	}
}

// Run dispatches every test in tests exactly once and emits events to out
// until the run finishes or ctx is cancelled. Run closes out before
// returning. Safe tests are drained first (spec.md §4.7 policy (a)); this
// is simulated with two dispatch passes over a single bounded worker
// pool rather than two separate pools, since a worker freed from a Safe
// test can immediately pick up a Toxic one once the Safe queue is empty.
func (s *Scheduler) Run(ctx context.Context, tests []Test, out chan<- Event) error {
	defer close(out)

	safe, toxic := partition(tests)
	out <- Event{Kind: EventRunStart}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	dispatchOne := func(t Test) {
		defer wg.Done()
		s.sem.Acquire()
		defer s.sem.Release()

		out <- Event{Kind: EventTestStart, TestID: t.ID}

		w, err := s.acquireWorker(ctx, t.Toxic)
		if err != nil {
			recordErr(fmt.Errorf("scheduler: acquire worker for %s: %w", t.ID, err))
			out <- Event{Kind: EventTestFinished, TestID: t.ID, Status: protocol.StatusError}
			return
		}

		outcome, err := w.RunTest(ctx, worker.Dispatch{TestID: t.ID, Timeout: t.Timeout, Toxic: t.Toxic})
		if err != nil {
			// A worker that dies mid-test (S5: the test itself aborts the
			// process) fails only its own in-flight test, not the run
			// (spec.md §7): the in-flight test is reported Crash and this
			// worker is retired, but firstErr is left untouched.
			if errors.Is(err, worker.ErrWorkerCrashed) {
				s.logger.Warn("scheduler: worker crashed mid-test", "test_id", t.ID, "pid", w.PID(), "error", err)
				out <- Event{Kind: EventTestFinished, TestID: t.ID, Status: protocol.StatusCrash}
				s.retireAndReplace(ctx, w)
				return
			}
			recordErr(fmt.Errorf("scheduler: run %s: %w", t.ID, err))
			out <- Event{Kind: EventTestFinished, TestID: t.ID, Status: protocol.StatusError}
			s.retireAndReplace(ctx, w)
			return
		}

		out <- Event{Kind: EventTestFinished, TestID: t.ID, Status: outcome.Status, Duration: outcome.Duration, Output: outcome.Output}

		if outcome.NextState == worker.StateToxic || outcome.NextState == worker.StateFragmented || outcome.NextState == worker.StateDead {
			s.retireAndReplace(ctx, w)
		} else {
			s.returnWorker(w)
		}
	}

	// Safe tests drain the pool first: dispatched as a batch, with Toxic
	// tests only starting once every Safe dispatch has finished.
	for _, t := range safe {
		wg.Add(1)
		go dispatchOne(t)
	}
	wg.Wait()

	var toxicWg sync.WaitGroup
	for _, t := range toxic {
		toxicWg.Add(1)
		wg.Add(1)
		go func(t Test) {
			defer toxicWg.Done()
			dispatchOne(t)
		}(t)
	}
	toxicWg.Wait()

	out <- Event{Kind: EventRunFinished}
	return firstErr
}

// acquireWorker returns an idle worker from the pool, spawning one if the
// pool has room and none is idle. toxic is accepted for future routing
// refinements (e.g. preferring a worker nearing its fragmentation cap for
// a toxic test, since it is about to die anyway) but the current policy
// treats every worker interchangeably.
func (s *Scheduler) acquireWorker(ctx context.Context, toxic bool) (Worker, error) {
	s.mu.Lock()
	for i, w := range s.workers {
		if w.State() == worker.StateIdle {
			s.workers = append(s.workers[:i], s.workers[i+1:]...)
			s.mu.Unlock()
			return w, nil
		}
	}
	room := len(s.workers) < s.poolSize
	s.mu.Unlock()

	if !room {
		return nil, fmt.Errorf("scheduler: no idle worker and pool at capacity")
	}
	return s.spawnWorker(ctx)
}

func (s *Scheduler) spawnWorker(ctx context.Context) (Worker, error) {
	w, err := s.newWorker(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("scheduler: spawned worker", "pid", w.PID())
	return w, nil
}

func (s *Scheduler) returnWorker(w Worker) {
	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
}

// retireAndReplace kills w (already terminal per its own state machine)
// and drops it from the pool; the next acquireWorker call spawns a fresh
// replacement on demand rather than eagerly here, so a run near
// completion doesn't pay for a worker it will never use.
func (s *Scheduler) retireAndReplace(ctx context.Context, w Worker) {
	_ = w.Kill()
	s.logger.Info("scheduler: retired worker", "pid", w.PID(), "state", w.State(), "resets", w.ResetCount())
}

// partition splits tests into Safe-first and Toxic groups, each sorted by
// ID so dispatch order is deterministic run over run (spec.md
// "Determinism" applies equally to scheduling order for reproducible CI
// output).
func partition(tests []Test) (safe, toxic []Test) {
	for _, t := range tests {
		if t.Toxic {
			toxic = append(toxic, t)
		} else {
			safe = append(safe, t)
		}
	}
	sort.Slice(safe, func(i, j int) bool { return safe[i].ID < safe[j].ID })
	sort.Slice(toxic, func(i, j int) bool { return toxic[i].ID < toxic[j].ID })
	return safe, toxic
}
