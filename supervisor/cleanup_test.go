package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLiveWorker struct {
	pid         int
	shutdownN   atomic.Int32
	killN       atomic.Int32
	shutdownErr error
}

func (f *fakeLiveWorker) PID() int { return f.pid }

func (f *fakeLiveWorker) Shutdown(ctx context.Context) error {
	f.shutdownN.Add(1)
	return f.shutdownErr
}

func (f *fakeLiveWorker) Kill() error {
	f.killN.Add(1)
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCleanupGuardShutdownNoopWhenDisarmed(t *testing.T) {
	g := NewCleanupGuard(newTestLogger())
	w := &fakeLiveWorker{pid: 1}
	g.Track(w)

	g.Shutdown(context.Background(), time.Millisecond)

	assert.Equal(t, int32(0), w.shutdownN.Load())
	assert.Equal(t, int32(0), w.killN.Load())
}

func TestCleanupGuardShutdownReachesTrackedWorkers(t *testing.T) {
	g := NewCleanupGuard(newTestLogger())
	g.Arm()

	var workers []*fakeLiveWorker
	for i := 1; i <= 3; i++ {
		w := &fakeLiveWorker{pid: i}
		workers = append(workers, w)
		g.Track(w)
	}

	require.ElementsMatch(t, []int{1, 2, 3}, g.TrackedPIDs())

	g.Shutdown(context.Background(), 5*time.Millisecond)

	for _, w := range workers {
		assert.Equal(t, int32(1), w.shutdownN.Load())
		// every tracked worker is still alive after shutdown request, so
		// the grace-period sweep force-kills it too.
		assert.Equal(t, int32(1), w.killN.Load())
	}
	assert.Empty(t, g.TrackedPIDs())
}

func TestCleanupGuardUntrackSkipsForceKill(t *testing.T) {
	g := NewCleanupGuard(newTestLogger())
	g.Arm()

	w := &fakeLiveWorker{pid: 7}
	g.Track(w)
	g.Untrack(7)

	g.Shutdown(context.Background(), time.Millisecond)

	assert.Equal(t, int32(0), w.shutdownN.Load())
	assert.Equal(t, int32(0), w.killN.Load())
}

func TestCleanupGuardDisarmClearsWorkers(t *testing.T) {
	g := NewCleanupGuard(newTestLogger())
	g.Arm()
	g.Track(&fakeLiveWorker{pid: 9})
	g.Disarm()

	assert.Empty(t, g.TrackedPIDs())
}

func TestCleanupGuardConcurrentTrackIsSafe(t *testing.T) {
	g := NewCleanupGuard(newTestLogger())
	g.Arm()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			g.Track(&fakeLiveWorker{pid: pid})
		}(i)
	}
	wg.Wait()

	assert.Len(t, g.TrackedPIDs(), 50)
}
