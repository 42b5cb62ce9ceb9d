package worker

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tach-project/tach/protocol"
)

// newTestWorker wires a Worker to one end of a real unix socketpair,
// leaving snaps nil so bootingState skips snapshot registration; the
// other end plays the "worker" side of the handshake in each test.
func newTestWorker(t *testing.T) (*Worker, *net.UnixConn) {
	t.Helper()
	pair, err := socketpair()
	require.NoError(t, err)

	supervisorConn, err := net.FileConn(pair[1])
	require.NoError(t, err)
	pair[1].Close()
	unixConn := supervisorConn.(*net.UnixConn)

	workerConn, err := net.FileConn(pair[0])
	require.NoError(t, err)
	pair[0].Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := &Worker{
		cfg:      Config{FragmentationCap: 3},
		logger:   logger,
		state:    StateBooting,
		conn:     unixConn,
		reader:   bufio.NewReader(unixConn),
		dispatch: make(chan Dispatch, 1),
		outcome:  make(chan Outcome, 1),
		errCh:    make(chan error, 1),
		pid:      12345,
	}
	return w, workerConn.(*net.UnixConn)
}

func TestBootingStateCompletesHandshake(t *testing.T) {
	w, workerConn := newTestWorker(t)
	defer workerConn.Close()

	devnull, err := os.Open("/dev/null")
	require.NoError(t, err)
	defer devnull.Close()

	go func() {
		reader := bufio.NewReader(workerConn)

		require.NoError(t, protocol.WriteFrame(workerConn, protocol.TagHello, protocol.Hello{PID: w.pid, HarnessVersion: "test"}))

		var sync protocol.RegistrySync
		tag, err := protocol.ReadFrame(reader, &sync)
		require.NoError(t, err)
		require.Equal(t, protocol.TagRegistrySync, tag)

		require.NoError(t, protocol.WriteFrame(workerConn, protocol.TagRegions, protocol.Regions{}))
		require.NoError(t, protocol.SendFD(workerConn, int32(w.pid), int(devnull.Fd())))

		var ready protocol.SnapshotReady
		tag, err = protocol.ReadFrame(reader, &ready)
		require.NoError(t, err)
		require.Equal(t, protocol.TagSnapshotReady, tag)
		require.NoError(t, protocol.WriteFrame(workerConn, protocol.TagSnapshotReady, protocol.SnapshotReady{}))
	}()

	next, err := (bootingState{}).Run(w)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, w.state)
	assert.IsType(t, idleState{}, next)
}

// TestRunningStateReportsWorkerCrashNotFatalError exercises S5: the
// "worker" side closes its end of the control channel without ever
// sending a RESULT, the literal scenario of a test aborting the process.
// runningState.Run must return an error wrapping ErrWorkerCrashed, not a
// bare protocol error, so the Scheduler can tell a local crash apart from
// a Supervisor-fatal failure.
func TestRunningStateReportsWorkerCrashNotFatalError(t *testing.T) {
	w, workerConn := newTestWorker(t)
	w.state = StateRunning

	go func() {
		reader := bufio.NewReader(workerConn)
		var req protocol.RunRequest
		tag, err := protocol.ReadFrame(reader, &req)
		require.NoError(t, err)
		require.Equal(t, protocol.TagRun, tag)
		workerConn.Close()
	}()

	next, err := (runningState{dispatch: Dispatch{TestID: "t1"}}).Run(w)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkerCrashed))
	assert.Nil(t, next)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "booting", StateBooting.String())
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "resetting", StateResetting.String())
	assert.Equal(t, "toxic", StateToxic.String())
	assert.Equal(t, "fragmented", StateFragmented.String())
	assert.Equal(t, "dead", StateDead.String())
}
