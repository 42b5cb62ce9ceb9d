package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/tach-project/tach/logs"
)

// liveWorker is the subset of *worker.Worker the CleanupGuard needs to
// tear one down; narrowed to an interface so cleanup_test.go can drive the
// guard with fake workers.
type liveWorker interface {
	PID() int
	Shutdown(ctx context.Context) error
	Kill() error
}

// CleanupGuard tracks every worker the Supervisor has spawned and tears
// each one down when the run stops on a signal or an error; after a clean
// drain the Supervisor disarms it (see Disarm).
// Grounded on original_source/src/lifecycle.rs's CleanupGuard, which
// relies on Rust's Drop to force-kill tracked pids when the guard goes
// out of scope; Go has no destructor equivalent, so the same guarantee is
// expressed instead as an explicit Shutdown call that the caller defers,
// exactly the way reusee-tai's own call sites
// defer a cleanup function returned by a constructor.
type CleanupGuard struct {
	logger logs.Logger

	mu      sync.Mutex
	armed   bool
	workers map[int]liveWorker
}

// NewCleanupGuard constructs a disarmed guard.
func NewCleanupGuard(logger logs.Logger) *CleanupGuard {
	return &CleanupGuard{
		logger:  logger,
		workers: make(map[int]liveWorker),
	}
}

// Arm marks the guard live for the run's duration. Track calls before Arm
// are accepted but Shutdown is a no-op until Arm has been called, mirroring
// the Rust guard's "armed on Supervisor.run" comment.
func (g *CleanupGuard) Arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
}

// Disarm marks a clean drain: it forgets every tracked worker and Shutdown
// becomes a no-op afterward. Workers still idle in the Scheduler's pool at
// that point are neither sent SHUTDOWN nor killed by the guard.
func (g *CleanupGuard) Disarm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = false
	g.workers = make(map[int]liveWorker)
}

// Track registers a live worker so Shutdown can reach it later.
func (g *CleanupGuard) Track(w liveWorker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers[w.PID()] = w
}

// Untrack drops a worker the caller has already torn down itself (e.g. the
// scheduler retiring a toxic worker mid-run), so Shutdown doesn't redo
// work on an already-dead pid.
func (g *CleanupGuard) Untrack(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.workers, pid)
}

// Shutdown sends SHUTDOWN to every tracked worker, gives them grace to
// exit on their own, then force-kills any straggler still tracked once
// the grace period elapses. Safe to call more than once; a disarmed or
// already-empty guard does nothing.
func (g *CleanupGuard) Shutdown(ctx context.Context, grace time.Duration) {
	g.mu.Lock()
	if !g.armed || len(g.workers) == 0 {
		g.mu.Unlock()
		return
	}
	remaining := make([]liveWorker, 0, len(g.workers))
	for _, w := range g.workers {
		remaining = append(remaining, w)
	}
	g.mu.Unlock()

	for _, w := range remaining {
		if err := w.Shutdown(ctx); err != nil {
			g.logger.Warn("supervisor: shutdown request failed", "pid", w.PID(), "error", err)
		}
	}

	select {
	case <-time.After(grace):
	case <-ctx.Done():
	}

	g.mu.Lock()
	stragglers := g.workers
	g.workers = make(map[int]liveWorker)
	g.armed = false
	g.mu.Unlock()

	for pid, w := range stragglers {
		if err := w.Kill(); err != nil {
			g.logger.Warn("supervisor: force-kill failed", "pid", pid, "error", err)
		}
	}
}

// TrackedPIDs returns the pids currently tracked, for logging/tests.
func (g *CleanupGuard) TrackedPIDs() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	pids := make([]int, 0, len(g.workers))
	for pid := range g.workers {
		pids = append(pids, pid)
	}
	return pids
}
