package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/tach-project/tach/physics"
	"github.com/tach-project/tach/procs"
	"github.com/tach-project/tach/protocol"
)

// bootingState drives the handshake: HELLO, REGISTRY_SYNC, REGIONS,
// REGISTER_UFFD, SNAPSHOT_READY (spec.md §4.6 "Booting -> Idle"). It
// receives the worker's userfaultfd over the already-connected control
// socket via SCM_RIGHTS once the worker reports its memory layout.
type bootingState struct{}

func (bootingState) Run(w *Worker) (procs.Proc[*Worker], error) {
	var hello protocol.Hello
	tag, err := protocol.ReadFrame(w.reader, &hello)
	if err != nil {
		return nil, fmt.Errorf("worker: await HELLO: %w", err)
	}
	if tag != protocol.TagHello {
		return nil, fmt.Errorf("worker: expected HELLO, got %s", tag)
	}

	if err := protocol.WriteFrame(w.conn, protocol.TagRegistrySync, w.registrySync()); err != nil {
		return nil, fmt.Errorf("worker: send REGISTRY_SYNC: %w", err)
	}

	var regions protocol.Regions
	tag, err = protocol.ReadFrame(w.reader, &regions)
	if err != nil {
		return nil, fmt.Errorf("worker: await REGIONS: %w", err)
	}
	if tag != protocol.TagRegions {
		return nil, fmt.Errorf("worker: expected REGIONS, got %s", tag)
	}

	_, fd, err := protocol.RecvFD(w.conn)
	if err != nil {
		return nil, fmt.Errorf("worker: recv UFFD: %w", err)
	}
	uffd := physics.NewFromFd(fd)

	if w.snaps != nil {
		if _, err := w.snaps.RegisterWorker(context.Background(), w.pid, uffd); err != nil {
			return nil, fmt.Errorf("worker: register snapshot: %w", err)
		}
	}

	if err := protocol.WriteFrame(w.conn, protocol.TagSnapshotReady, protocol.SnapshotReady{}); err != nil {
		return nil, fmt.Errorf("worker: send SNAPSHOT_READY: %w", err)
	}

	var ready protocol.SnapshotReady
	tag, err = protocol.ReadFrame(w.reader, &ready)
	if err != nil {
		return nil, fmt.Errorf("worker: await SNAPSHOT_READY ack: %w", err)
	}
	if tag != protocol.TagSnapshotReady {
		return nil, fmt.Errorf("worker: expected SNAPSHOT_READY, got %s", tag)
	}

	w.state = StateIdle
	return idleState{}, nil
}

// idleState waits for a dispatch from RunTest, or a shutdown request, and
// transitions to Running.
type idleState struct{}

func (idleState) Run(w *Worker) (procs.Proc[*Worker], error) {
	w.state = StateIdle
	d := <-w.dispatch
	w.state = StateRunning
	return runningState{dispatch: d}, nil
}

// runningState dispatches one test over the control channel and awaits
// its RESULT, honoring the per-test timeout (spec.md §4.7 policy (d)).
type runningState struct {
	dispatch Dispatch
}

func (s runningState) Run(w *Worker) (procs.Proc[*Worker], error) {
	req := protocol.RunRequest{
		TestID:    s.dispatch.TestID,
		TimeoutMS: s.dispatch.Timeout.Milliseconds(),
		Toxic:     s.dispatch.Toxic,
	}
	if err := protocol.WriteFrame(w.conn, protocol.TagRun, req); err != nil {
		return nil, fmt.Errorf("worker: send RUN: %w", err)
	}

	resultCh := make(chan protocol.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		var result protocol.Result
		tag, err := protocol.ReadFrame(w.reader, &result)
		if err != nil {
			errCh <- err
			return
		}
		if tag != protocol.TagResult {
			errCh <- fmt.Errorf("worker: expected RESULT, got %s", tag)
			return
		}
		resultCh <- result
	}()

	timeout := s.dispatch.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case result := <-resultCh:
		return s.afterResult(w, result)
	case err := <-errCh:
		return nil, fmt.Errorf("%w: awaiting RESULT: %v", ErrWorkerCrashed, err)
	case <-time.After(timeout):
		w.outcome <- Outcome{TestID: s.dispatch.TestID, Status: protocol.StatusTimeout, NextState: StateFragmented}
		w.state = StateFragmented
		return fragmentedState{}, nil
	}
}

func (s runningState) afterResult(w *Worker, result protocol.Result) (procs.Proc[*Worker], error) {
	output, _ := w.logCapture.ReadAndClear()
	if output == "" {
		output = result.Output
	}

	if s.dispatch.Toxic {
		w.outcome <- Outcome{
			TestID: result.TestID, Status: result.Status,
			Duration: time.Duration(result.DurationNS), Output: output,
			NextState: StateToxic,
		}
		w.state = StateToxic
		return toxicState{}, nil
	}
	if result.Status == protocol.StatusCrash {
		w.outcome <- Outcome{
			TestID: result.TestID, Status: result.Status,
			Duration: time.Duration(result.DurationNS), Output: output,
			NextState: StateDead,
		}
		w.state = StateDead
		return nil, nil
	}

	w.state = StateResetting
	outcome := Outcome{
		TestID: result.TestID, Status: result.Status,
		Duration: time.Duration(result.DurationNS), Output: output,
		NextState: StateIdle,
	}
	return resettingState{pending: outcome}, nil
}

// resettingState invalidates the worker's pages, via the Supervisor-driven
// remote path when available, otherwise via a RESET control message the
// worker answers by self-resetting (spec.md §9, "seppuku" fallback).
type resettingState struct {
	pending Outcome
}

func (s resettingState) Run(w *Worker) (procs.Proc[*Worker], error) {
	w.state = StateResetting

	if w.snaps != nil {
		w.logger.Info("worker: pages faulted since snapshot", "pid", w.pid, "count", w.snaps.FaultCount(w.pid))
	}

	if w.snaps != nil && w.snaps.RemoteResetAvailable() {
		if err := w.snaps.ResetWorker(w.pid); err != nil {
			return nil, fmt.Errorf("worker: remote reset: %w", err)
		}
	} else {
		if err := protocol.WriteFrame(w.conn, protocol.TagReset, protocol.ResetRequest{}); err != nil {
			return nil, fmt.Errorf("worker: send RESET: %w", err)
		}
		var done protocol.ResetDone
		tag, err := protocol.ReadFrame(w.reader, &done)
		if err != nil {
			return nil, fmt.Errorf("worker: await RESET_DONE: %w", err)
		}
		if tag != protocol.TagResetDone {
			return nil, fmt.Errorf("worker: expected RESET_DONE, got %s", tag)
		}
	}

	w.resetCount++
	if w.resetCount >= w.cfg.FragmentationCap {
		s.pending.NextState = StateFragmented
		w.outcome <- s.pending
		w.state = StateFragmented
		return fragmentedState{}, nil
	}

	w.outcome <- s.pending
	w.state = StateIdle
	return idleState{}, nil
}

// toxicState terminates a worker that just ran a Toxic test: no reset
// follows a Toxic dispatch (spec.md §4.7 policy (b)).
type toxicState struct{}

func (toxicState) Run(w *Worker) (procs.Proc[*Worker], error) {
	w.state = StateToxic
	if err := w.Kill(); err != nil {
		return nil, fmt.Errorf("worker: kill after toxic test: %w", err)
	}
	return nil, nil
}

// fragmentedState terminates a worker that hit its reset cap or timed out;
// the Scheduler is responsible for spawning a replacement.
type fragmentedState struct{}

func (fragmentedState) Run(w *Worker) (procs.Proc[*Worker], error) {
	w.state = StateFragmented
	if err := w.Kill(); err != nil {
		return nil, fmt.Errorf("worker: kill after fragmentation: %w", err)
	}
	return nil, nil
}
