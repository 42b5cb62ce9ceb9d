package physics

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tach-project/tach/logs"
)

// WorkerSnapshot is one worker's golden-page set and the regions it was
// captured from, kept for the worker's entire lifetime (spec.md §3,
// "Lifetimes").
type WorkerSnapshot struct {
	PID     int
	UFFD    *UFFD
	Golden  map[uintptr][]byte
	Regions []Region

	cancel  context.CancelFunc
	done    chan error
	service *FaultService
}

// Manager is the Physics Engine (spec.md §4.5): it registers newly booted
// workers, captures their golden pages, runs each worker's fault service,
// and resets workers between tests. Grounded on
// original_source/src/snapshot.rs's SnapshotManager.
type Manager struct {
	logger logs.Logger

	mu            sync.RWMutex
	workers       map[int]*WorkerSnapshot
	remoteCapable bool
}

// New creates a Manager, probing once whether process_madvise is usable
// on this kernel (spec.md §9's fast path vs. worker self-reset fallback).
func New(logger logs.Logger) *Manager {
	capable := RemoteResetSupported()
	if !capable {
		logger.Warn("physics: process_madvise unsupported on this kernel, workers must self-reset")
	}
	return &Manager{
		logger:        logger,
		workers:       make(map[int]*WorkerSnapshot),
		remoteCapable: capable,
	}
}

// RemoteResetAvailable reports whether ResetWorker can use the fast,
// Supervisor-driven path, or whether callers must fall back to signalling
// the worker to self-reset.
func (m *Manager) RemoteResetAvailable() bool {
	return m.remoteCapable
}

// RegisterWorker captures a freshly booted worker's golden pages and
// starts its fault service. uffd was received from the worker over
// SCM_RIGHTS (protocol.RecvFD) after the worker paused itself post-init.
// Grounded on original_source/src/snapshot.rs's register_worker_with_uffd.
func (m *Manager) RegisterWorker(ctx context.Context, pid int, uffd *UFFD) (*WorkerSnapshot, error) {
	regions, err := SnapshotableRegions(pid)
	if err != nil {
		return nil, fmt.Errorf("physics: snapshot regions for pid=%d: %w", pid, err)
	}

	golden := make(map[uintptr][]byte)
	for _, region := range regions {
		pages, err := CapturePages(pid, region)
		if err != nil {
			return nil, fmt.Errorf("physics: capture pid=%d region=%s: %w", pid, region.Name, err)
		}
		for addr, data := range pages {
			golden[addr] = data
		}
	}

	for _, region := range regions {
		if err := uffd.Register(region.Start, region.Len()); err != nil {
			return nil, fmt.Errorf("physics: register pid=%d region=%s: %w", pid, region.Name, err)
		}
	}

	snapshotCtx, cancel := context.WithCancel(ctx)
	service := NewFaultService(pid, uffd, golden, m.logger)
	snap := &WorkerSnapshot{
		PID:     pid,
		UFFD:    uffd,
		Golden:  golden,
		Regions: regions,
		cancel:  cancel,
		done:    make(chan error, 1),
		service: service,
	}

	go func() {
		snap.done <- service.Run(snapshotCtx)
	}()

	m.mu.Lock()
	m.workers[pid] = snap
	m.mu.Unlock()

	m.logger.Info("physics: worker registered", "pid", pid, "regions", len(regions), "pages", len(golden))
	return snap, nil
}

// ResetWorker invalidates every captured region for pid via the fast
// remote path. Callers must check RemoteResetAvailable and use the
// worker-driven self-reset control message instead when it reports false.
func (m *Manager) ResetWorker(pid int) error {
	if !m.remoteCapable {
		return fmt.Errorf("physics: remote reset unavailable, use worker self-reset")
	}
	m.mu.RLock()
	snap, ok := m.workers[pid]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("physics: pid=%d not registered", pid)
	}
	return ResetRemote(pid, snap.Regions)
}

// Unregister stops pid's fault service and drops its snapshot; called on
// worker death, whichever path (toxicity kill, fragmentation retirement,
// crash) triggered it. The userfaultfd itself is closed by the caller once
// the worker process has actually exited.
func (m *Manager) Unregister(pid int) {
	m.mu.Lock()
	snap, ok := m.workers[pid]
	delete(m.workers, pid)
	m.mu.Unlock()
	if !ok {
		return
	}
	snap.cancel()
	<-snap.done
	m.logger.Info("physics: worker unregistered", "pid", pid, "pages_faulted", snap.service.FaultCount())
}

// FaultCount returns the number of pages pid has faulted in since it was
// registered (spec.md §3's Worker "accounting record of pages faulted
// since snapshot"), or 0 if pid is not currently registered.
func (m *Manager) FaultCount(pid int) uint64 {
	m.mu.RLock()
	snap, ok := m.workers[pid]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return snap.service.FaultCount()
}

// WorkerPIDs returns every pid currently registered, sorted for
// deterministic iteration in tests and diagnostics.
func (m *Manager) WorkerPIDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pids := make([]int, 0, len(m.workers))
	for pid := range m.workers {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Snapshot returns the registered snapshot for pid, if any.
func (m *Manager) Snapshot(pid int) (*WorkerSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.workers[pid]
	return snap, ok
}
