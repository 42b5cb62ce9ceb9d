package physics

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tach-project/tach/logs"
)

// FaultService drains one worker's userfaultfd, restoring golden pages on
// miss (spec.md §4.5, "<50μs per page" latency floor, §5 "Per-worker fault
// service may occupy its own thread"). Grounded on
// original_source/src/snapshot.rs's handle_pending_faults, generalized
// from a poll loop to a dedicated goroutine per worker since Go makes a
// blocking read per goroutine cheaper than the Rust original's epoll-driven
// single-threaded poll.
type FaultService struct {
	pid        int
	uffd       *UFFD
	golden     map[uintptr][]byte
	logger     logs.Logger
	faulted    chan struct{}
	faultCount atomic.Uint64
}

// NewFaultService starts no goroutine by itself; call Run in its own
// goroutine once the worker has been registered.
func NewFaultService(pid int, uffd *UFFD, golden map[uintptr][]byte, logger logs.Logger) *FaultService {
	return &FaultService{
		pid:     pid,
		uffd:    uffd,
		golden:  golden,
		logger:  logger,
		faulted: make(chan struct{}, 1),
	}
}

// Run blocks, servicing page faults until ctx is cancelled or the
// userfaultfd returns an unrecoverable error (typically because the
// worker exited and the fd was implicitly closed).
func (s *FaultService) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Poll with a short timeout so cancellation is noticed even when
		// no fault arrives to unblock the read.
		ready, err := unix.Poll([]unix.PollFd{{Fd: int32(s.uffd.Fd()), Events: unix.POLLIN}}, 100)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("physics: poll uffd pid=%d: %w", s.pid, err)
		}
		if ready <= 0 {
			continue
		}

		fault, err := s.uffd.ReadFault()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("physics: fault service pid=%d: %w", s.pid, err)
		}

		pageAddr := alignToPage(fault.Address)
		if data, ok := s.golden[pageAddr]; ok {
			if err := s.uffd.Copy(pageAddr, data); err != nil {
				return fmt.Errorf("physics: copy page %x pid=%d: %w", pageAddr, s.pid, err)
			}
		} else {
			if err := s.uffd.Zeropage(pageAddr, PageSize); err != nil {
				return fmt.Errorf("physics: zeropage %x pid=%d: %w", pageAddr, s.pid, err)
			}
		}

		s.faultCount.Add(1)

		select {
		case s.faulted <- struct{}{}:
		default:
		}
	}
}

// Faulted is signaled (non-blocking, best-effort) once per handled fault;
// tests and metrics can select on it without slowing the hot path.
func (s *FaultService) Faulted() <-chan struct{} {
	return s.faulted
}

// FaultCount returns the number of pages faulted in since this service
// started (or since snapshot capture, since a fresh FaultService is built
// per registration): the accounting record spec.md §3's Worker data model
// names, surfaced for logging and per-cycle reset diagnostics.
func (s *FaultService) FaultCount() uint64 {
	return s.faultCount.Load()
}
