// Package worker drives one Worker's lifecycle (spec.md §4.6, component
// C6): spawning the process, running the snapshot handshake, dispatching
// tests, resetting between tests, and killing/respawning on toxicity or
// fragmentation. The state machine itself is built on the teacher's
// generic procs.Proc[C]/procs.Procs[C] combinator (reusee-tai/procs),
// which already expresses exactly this "a step either hands back the next
// step, or nil to stop, or an error" shape.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/tach-project/tach/logs"
	"github.com/tach-project/tach/physics"
	"github.com/tach-project/tach/procs"
	"github.com/tach-project/tach/protocol"
	"github.com/tach-project/tach/registry"
)

// ErrWorkerCrashed marks an error as a worker-local crash rather than a
// Supervisor-level failure (spec.md §4.6 "Crash recovery", §7 propagation
// policy, property S5): the worker process died, or its control channel
// closed, while a test was in flight and never sent a RESULT. Callers of
// RunTest that see an error satisfying errors.Is(err, ErrWorkerCrashed)
// must fail only the in-flight test (Status: Crash) and retire this
// worker; they must not fail the run as a whole.
var ErrWorkerCrashed = errors.New("worker: crashed while running a test")

// State names the Worker's current lifecycle state (spec.md §4.6
// "States"), exposed for logging and scheduler bookkeeping; the
// transitions themselves live in the procs.Proc[*Worker] chain in
// states.go.
type State int

const (
	StateBooting State = iota
	StateIdle
	StateRunning
	StateResetting
	StateToxic
	StateFragmented
	StateDead
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateResetting:
		return "resetting"
	case StateToxic:
		return "toxic"
	case StateFragmented:
		return "fragmented"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Config parameterizes a Worker's spawn and recycling policy.
type Config struct {
	HarnessPath    string // path to the Python test-runner harness
	ProjectRoot    string
	GuestLibPath   string // path to the cgo c-shared FFI library
	FragmentationCap int  // resets before forced retirement (spec.md §4.6)
}

// Dispatch is one test assignment handed to RunTest.
type Dispatch struct {
	TestID    string
	Timeout   time.Duration
	Toxic     bool
}

// Outcome is RunTest's result, mirroring protocol.Result plus the state
// the worker transitioned to as a consequence.
type Outcome struct {
	TestID     string
	Status     protocol.Status
	Duration   time.Duration
	Output     string
	NextState  State
}

// Worker is one live (or recently live) Tach worker process.
type Worker struct {
	cfg    Config
	logger logs.Logger
	reg    *registry.Registry
	snaps  *physics.Manager

	cmd        *exec.Cmd
	conn       *net.UnixConn
	reader     *bufio.Reader
	pid        int
	state      State
	resetCount int
	logCapture *LogCapture

	dispatch chan Dispatch
	outcome  chan Outcome
	errCh    chan error
}

// New constructs a Worker. Spawn must be called before any other method.
func New(cfg Config, logger logs.Logger, reg *registry.Registry, snaps *physics.Manager) *Worker {
	return &Worker{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		snaps:    snaps,
		state:    StateBooting,
		dispatch: make(chan Dispatch, 1),
		outcome:  make(chan Outcome, 1),
		errCh:    make(chan error, 1),
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return w.state
}

// PID returns the worker's OS process id, valid once Spawn has returned.
func (w *Worker) PID() int {
	return w.pid
}

// ResetCount returns how many times this worker has been reset.
func (w *Worker) ResetCount() int {
	return w.resetCount
}

// Spawn execs the harness, connects its control channel over a
// socketpair, and runs the state machine in a background goroutine until
// the worker dies. It blocks until the worker reaches Idle (boot and
// snapshot capture complete) or fails to boot.
func (w *Worker) Spawn(ctx context.Context) error {
	pair, err := newSocketpair()
	if err != nil {
		return fmt.Errorf("worker: socketpair: %w", err)
	}
	workerEnd, supervisorEnd := pair[0], pair[1]

	logCapture, err := NewLogCapture(fmt.Sprintf("%d", os.Getpid()))
	if err != nil {
		workerEnd.Close()
		supervisorEnd.Close()
		return fmt.Errorf("worker: log capture: %w", err)
	}
	w.logCapture = logCapture

	cmd := exec.Command(w.cfg.HarnessPath)
	cmd.Env = append(os.Environ(),
		"TACH_CONTROL_FD=3",
		"TACH_GUEST_LIB="+w.cfg.GuestLibPath,
	)
	cmd.ExtraFiles = []*os.File{workerEnd}
	cmd.Stdout = logCapture.File()
	cmd.Stderr = logCapture.File()
	cmd.Dir = w.cfg.ProjectRoot

	if err := cmd.Start(); err != nil {
		workerEnd.Close()
		supervisorEnd.Close()
		return fmt.Errorf("worker: start harness: %w", err)
	}
	workerEnd.Close()

	rawConn, err := net.FileConn(supervisorEnd)
	if err != nil {
		supervisorEnd.Close()
		return fmt.Errorf("worker: control channel fileconn: %w", err)
	}
	supervisorEnd.Close() // FileConn dup'd the fd; the original is no longer needed
	conn, ok := rawConn.(*net.UnixConn)
	if !ok {
		rawConn.Close()
		return fmt.Errorf("worker: control channel is not a unix socket")
	}

	w.cmd = cmd
	w.pid = cmd.Process.Pid
	w.conn = conn
	w.reader = bufio.NewReader(conn)

	go w.run(ctx)

	return w.awaitBoot(ctx)
}

// run drives the procs.Procs[*Worker] chain until it terminates (worker
// reached a Dead-equivalent outcome) or returns an error.
func (w *Worker) run(ctx context.Context) {
	chain := procs.Procs[*Worker]{
		&bootingState{},
	}
	var proc procs.Proc[*Worker] = chain
	for proc != nil {
		next, err := proc.Run(w)
		if err != nil {
			w.logger.Warn("worker: lifecycle step failed", "pid", w.pid, "state", w.state, "error", err)
			w.errCh <- err
			w.state = StateDead
			return
		}
		proc = next
	}
}

// awaitBoot blocks until the boot handshake either completes (worker
// reaches Idle) or fails.
func (w *Worker) awaitBoot(ctx context.Context) error {
	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for {
		if w.state == StateIdle {
			return nil
		}
		select {
		case err := <-w.errCh:
			return err
		case <-bootCtx.Done():
			return fmt.Errorf("worker: boot timed out for pid=%d", w.pid)
		case <-time.After(time.Millisecond):
		}
	}
}

// RunTest dispatches one test and blocks for its outcome.
func (w *Worker) RunTest(ctx context.Context, d Dispatch) (Outcome, error) {
	if w.state != StateIdle {
		return Outcome{}, fmt.Errorf("worker: pid=%d not idle (state=%s)", w.pid, w.state)
	}
	w.dispatch <- d
	select {
	case o := <-w.outcome:
		return o, nil
	case err := <-w.errCh:
		return Outcome{}, err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// registrySync snapshots the frozen Module Registry into the wire form
// sent once at boot (protocol.RegistrySync); safe to call with a nil
// registry (tests that don't exercise the import hook).
func (w *Worker) registrySync() protocol.RegistrySync {
	if w.reg == nil {
		return protocol.RegistrySync{}
	}
	names := w.reg.Names()
	entries := make([]protocol.RegistryEntry, 0, len(names))
	for _, name := range names {
		entry, ok := w.reg.Get(name)
		if !ok {
			continue
		}
		entries = append(entries, protocol.RegistryEntry{
			Name:       entry.Name,
			SourcePath: entry.SourcePath,
			Bytecode:   entry.Bytecode,
			IsPackage:  entry.IsPackage,
		})
	}
	return protocol.RegistrySync{Entries: entries}
}

// Shutdown sends SHUTDOWN over the control channel, requesting the
// worker exit on its own; it does not wait for the exit or kill the
// process, leaving that to the caller's grace-period/Kill policy.
func (w *Worker) Shutdown(ctx context.Context) error {
	if w.conn == nil {
		return nil
	}
	return protocol.WriteFrame(w.conn, protocol.TagShutdown, protocol.Shutdown{})
}

// Kill terminates the worker unconditionally, for toxicity kills,
// fragmentation retirement, and supervisor shutdown alike.
func (w *Worker) Kill() error {
	var uffd *physics.UFFD
	if w.snaps != nil {
		if snap, ok := w.snaps.Snapshot(w.pid); ok {
			uffd = snap.UFFD
		}
		w.snaps.Unregister(w.pid)
	}
	if w.logCapture != nil {
		w.logCapture.Close()
	}
	if w.conn != nil {
		w.conn.Close()
	}
	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	_ = w.cmd.Process.Kill()
	_, err := w.cmd.Process.Wait()
	if uffd != nil {
		uffd.Close()
	}
	w.state = StateDead
	return err
}

func newSocketpair() ([2]*os.File, error) {
	return socketpair()
}
