package main

import (
	"bufio"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tach-project/tach/protocol"
)

// testSocketpair mirrors worker/socketpair.go's approach (a Unix-domain
// socketpair rather than net.Listen, since these tests stand in for one
// end of the same control channel worker.Worker drives on the Supervisor
// side) since cmd/tachguestlib has no reason to import the worker package.
func testSocketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	guestSide, err := net.FileConn(os.NewFile(uintptr(fds[0]), "guest"))
	require.NoError(t, err)
	supervisorSide, err := net.FileConn(os.NewFile(uintptr(fds[1]), "supervisor"))
	require.NoError(t, err)

	return guestSide.(*net.UnixConn), supervisorSide.(*net.UnixConn)
}

func resetControlState(t *testing.T, conn *net.UnixConn) {
	t.Helper()
	ctrlMu.Lock()
	ctrlConn = conn
	if conn != nil {
		ctrlReader = bufio.NewReader(conn)
	} else {
		ctrlReader = nil
	}
	ctrlUFFD = nil
	ctrlRegions = nil
	ctrlMu.Unlock()
}

func TestLoadRegistrySyncPopulatesStore(t *testing.T) {
	resetStore()
	loadRegistrySync(protocol.RegistrySync{Entries: []protocol.RegistryEntry{
		{Name: "pkg", SourcePath: "/proj/pkg/__init__.py", Bytecode: []byte{9}, IsPackage: true},
		{Name: "pkg.mod", SourcePath: "/proj/pkg/mod.py", Bytecode: []byte{1, 2}, IsPackage: false},
	}})

	storeMu.RLock()
	pkg, ok := store["pkg"]
	mod, ok2 := store["pkg.mod"]
	storeMu.RUnlock()

	require.True(t, ok)
	require.True(t, ok2)
	assert.True(t, pkg.isPackage)
	assert.Equal(t, []byte{1, 2}, mod.bytecode)
	assert.False(t, mod.isPackage)
}

func TestControlNextCommandHandlesRun(t *testing.T) {
	guest, supervisor := testSocketpair(t)
	defer guest.Close()
	defer supervisor.Close()
	resetControlState(t, guest)

	require.NoError(t, protocol.WriteFrame(supervisor, protocol.TagRun, protocol.RunRequest{
		TestID: "tests/test_foo.py::test_bar", TimeoutMS: 1500, Toxic: true,
	}))

	kind, testID, timeoutMS, toxic := testControlNextCommand()

	assert.Equal(t, testCmdRun, kind)
	assert.Equal(t, "tests/test_foo.py::test_bar", testID)
	assert.EqualValues(t, 1500, timeoutMS)
	assert.True(t, toxic)
}

func TestControlNextCommandHandlesShutdown(t *testing.T) {
	guest, supervisor := testSocketpair(t)
	defer guest.Close()
	defer supervisor.Close()
	resetControlState(t, guest)

	require.NoError(t, protocol.WriteFrame(supervisor, protocol.TagShutdown, protocol.Shutdown{}))

	kind := testControlNextCommandIgnoreOutputs()
	assert.Equal(t, testCmdShutdown, kind)
}

func TestControlNextCommandSelfResetsThenReturnsNextCommand(t *testing.T) {
	guest, supervisor := testSocketpair(t)
	defer guest.Close()
	defer supervisor.Close()
	resetControlState(t, guest) // ctrlRegions nil: selfReset is a no-op

	require.NoError(t, protocol.WriteFrame(supervisor, protocol.TagReset, protocol.ResetRequest{}))
	require.NoError(t, protocol.WriteFrame(supervisor, protocol.TagShutdown, protocol.Shutdown{}))

	supervisorReader := bufio.NewReader(supervisor)
	type frameResult struct {
		tag protocol.Tag
		err error
	}
	done := make(chan frameResult, 1)
	go func() {
		var resetDone protocol.ResetDone
		tag, err := protocol.ReadFrame(supervisorReader, &resetDone)
		done <- frameResult{tag, err}
	}()

	kind := testControlNextCommandIgnoreOutputs()
	assert.Equal(t, testCmdShutdown, kind)

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, protocol.TagResetDone, got.tag)
}

func TestControlSendResult(t *testing.T) {
	guest, supervisor := testSocketpair(t)
	defer guest.Close()
	defer supervisor.Close()
	resetControlState(t, guest)

	rc := testControlSendResult("tests/test_foo.py::test_bar", 1, 12345, "boom")
	assert.EqualValues(t, 1, rc)

	var result protocol.Result
	tag, err := protocol.ReadFrame(bufio.NewReader(supervisor), &result)
	require.NoError(t, err)
	assert.Equal(t, protocol.TagResult, tag)
	assert.Equal(t, "tests/test_foo.py::test_bar", result.TestID)
	assert.Equal(t, protocol.StatusFail, result.Status)
	assert.EqualValues(t, 12345, result.DurationNS)
	assert.Equal(t, "boom", result.Output)
}

func TestControlShutdownClearsState(t *testing.T) {
	guest, _ := testSocketpair(t)
	defer guest.Close()
	resetControlState(t, guest)

	control_shutdown()

	ctrlMu.Lock()
	conn := ctrlConn
	ctrlMu.Unlock()
	assert.Nil(t, conn)
}
