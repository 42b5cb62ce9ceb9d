// This file is the other half of tachguestlib: the control-channel FFI
// (spec.md §6, §9 "Dynamic dispatch at the import hook"). encoding/gob has
// no practical Python decoder and re-sends its type descriptors on every
// frame (each protocol.WriteFrame call builds a fresh gob.Encoder), so
// rather than ask the Python harness to speak gob over the wire, this
// library speaks it on the harness's behalf: it owns the control socket,
// the boot handshake, and the run loop's framing, and hands Python only
// plain C types. Python never imports anything protocol-shaped.
package main

import "C"

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/tach-project/tach/physics"
	"github.com/tach-project/tach/protocol"
)

// Command kinds returned by control_next_command, mirrored in the Python
// ctypes wrapper as an IntEnum.
const (
	cmdNone     C.int = 0
	cmdRun      C.int = 1
	cmdReset    C.int = 2
	cmdShutdown C.int = 3
)

var (
	ctrlMu      sync.Mutex
	ctrlConn    *net.UnixConn
	ctrlReader  *bufio.Reader
	ctrlUFFD    *physics.UFFD
	ctrlRegions []physics.Region

	errMu  sync.Mutex
	errStr string
)

func setErr(err error) C.int {
	errMu.Lock()
	if err != nil {
		errStr = err.Error()
	} else {
		errStr = ""
	}
	errMu.Unlock()
	if err != nil {
		return 0
	}
	return 1
}

// last_error returns a newly C-allocated copy of the most recent error
// message recorded by any control_* call, or an empty string if the last
// call succeeded. Freed by the caller via free_bytes.
//
//export last_error
func last_error() *C.char {
	errMu.Lock()
	s := errStr
	errMu.Unlock()
	return C.CString(s)
}

// control_boot runs the full worker boot handshake over fd (already
// connected to the Supervisor, inherited as TACH_CONTROL_FD): HELLO,
// REGISTRY_SYNC (populating the import-hook store in main.go), REGIONS,
// opening and handing off this process's own userfaultfd, and the
// SNAPSHOT_READY exchange (worker/states.go's bootingState, mirrored).
// Returns 1 on success; on failure, the reason is available from
// last_error.
//
//export control_boot
func control_boot(fd C.int) C.int {
	ctrlMu.Lock()
	defer ctrlMu.Unlock()

	f := os.NewFile(uintptr(fd), "tach-control")
	if f == nil {
		return setErr(fmt.Errorf("tachguestlib: invalid control fd %d", int(fd)))
	}
	rawConn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return setErr(fmt.Errorf("tachguestlib: control fileconn: %w", err))
	}
	conn, ok := rawConn.(*net.UnixConn)
	if !ok {
		rawConn.Close()
		return setErr(fmt.Errorf("tachguestlib: control fd is not a unix socket"))
	}

	if err := protocol.WriteFrame(conn, protocol.TagHello, protocol.Hello{
		PID:            os.Getpid(),
		HarnessVersion: "tachguestlib",
	}); err != nil {
		conn.Close()
		return setErr(fmt.Errorf("tachguestlib: send HELLO: %w", err))
	}

	reader := bufio.NewReader(conn)

	var sync protocol.RegistrySync
	tag, err := protocol.ReadFrame(reader, &sync)
	if err != nil {
		conn.Close()
		return setErr(fmt.Errorf("tachguestlib: await REGISTRY_SYNC: %w", err))
	}
	if tag != protocol.TagRegistrySync {
		conn.Close()
		return setErr(fmt.Errorf("tachguestlib: expected REGISTRY_SYNC, got %s", tag))
	}
	loadRegistrySync(sync)

	if err := protocol.WriteFrame(conn, protocol.TagRegions, protocol.Regions{}); err != nil {
		conn.Close()
		return setErr(fmt.Errorf("tachguestlib: send REGIONS: %w", err))
	}

	uffd, err := physics.Open()
	if err != nil {
		conn.Close()
		return setErr(fmt.Errorf("tachguestlib: open userfaultfd: %w", err))
	}
	regions, err := physics.SnapshotableRegions(os.Getpid())
	if err != nil {
		conn.Close()
		uffd.Close()
		return setErr(fmt.Errorf("tachguestlib: snapshotable regions: %w", err))
	}

	if err := protocol.SendFD(conn, int32(os.Getpid()), uffd.Fd()); err != nil {
		conn.Close()
		uffd.Close()
		return setErr(fmt.Errorf("tachguestlib: send uffd: %w", err))
	}

	var ready protocol.SnapshotReady
	tag, err = protocol.ReadFrame(reader, &ready)
	if err != nil {
		conn.Close()
		uffd.Close()
		return setErr(fmt.Errorf("tachguestlib: await SNAPSHOT_READY: %w", err))
	}
	if tag != protocol.TagSnapshotReady {
		conn.Close()
		uffd.Close()
		return setErr(fmt.Errorf("tachguestlib: expected SNAPSHOT_READY, got %s", tag))
	}
	if err := protocol.WriteFrame(conn, protocol.TagSnapshotReady, protocol.SnapshotReady{}); err != nil {
		conn.Close()
		uffd.Close()
		return setErr(fmt.Errorf("tachguestlib: ack SNAPSHOT_READY: %w", err))
	}

	ctrlConn = conn
	ctrlReader = reader
	ctrlUFFD = uffd
	ctrlRegions = regions
	return setErr(nil)
}

// control_next_command blocks for the next frame from the Supervisor and
// reports its kind. For cmdRun it also fills outTestID (caller must free
// with free_bytes), outTimeoutMS, and outToxic. Returns cmdNone (and sets
// last_error) on a read failure, which the harness should treat as the
// control channel having died out from under it.
//
//export control_next_command
func control_next_command(outTestID **C.char, outTimeoutMS *C.longlong, outToxic *C.int) C.int {
	ctrlMu.Lock()
	conn, reader := ctrlConn, ctrlReader
	ctrlMu.Unlock()
	if conn == nil {
		setErr(fmt.Errorf("tachguestlib: control_next_command before control_boot"))
		return cmdNone
	}

	for {
		var req protocol.RunRequest
		tag, err := protocol.ReadFrame(reader, &req)
		if err != nil {
			setErr(fmt.Errorf("tachguestlib: read command frame: %w", err))
			return cmdNone
		}
		switch tag {
		case protocol.TagRun:
			if outTestID != nil {
				*outTestID = C.CString(req.TestID)
			}
			if outTimeoutMS != nil {
				*outTimeoutMS = C.longlong(req.TimeoutMS)
			}
			if outToxic != nil {
				if req.Toxic {
					*outToxic = 1
				} else {
					*outToxic = 0
				}
			}
			setErr(nil)
			return cmdRun
		case protocol.TagReset:
			if err := selfReset(); err != nil {
				setErr(fmt.Errorf("tachguestlib: self reset: %w", err))
				return cmdNone
			}
			if err := protocol.WriteFrame(conn, protocol.TagResetDone, protocol.ResetDone{}); err != nil {
				setErr(fmt.Errorf("tachguestlib: send RESET_DONE: %w", err))
				return cmdNone
			}
			// Reset is handled entirely inside this call; loop back for
			// the next command rather than surfacing it to Python, which
			// has nothing to do for a reset (worker/states.go's
			// resettingState never touches guest-visible state).
			continue
		case protocol.TagShutdown:
			setErr(nil)
			return cmdShutdown
		default:
			setErr(fmt.Errorf("tachguestlib: unexpected command tag %s", tag))
			return cmdNone
		}
	}
}

// selfReset issues madvise(MADV_DONTNEED) against this process's own
// snapshotted regions, the worker-driven half of the "seppuku" fallback
// used when the Supervisor can't reset remotely via process_madvise.
func selfReset() error {
	ctrlMu.Lock()
	regions := ctrlRegions
	ctrlMu.Unlock()
	return physics.SelfReset(regions)
}

// control_send_result reports one test's outcome back to the Supervisor
// (worker/states.go's runningState awaits exactly this frame).
//
//export control_send_result
func control_send_result(testID *C.char, status C.int, durationNS C.longlong, output *C.char) C.int {
	ctrlMu.Lock()
	conn := ctrlConn
	ctrlMu.Unlock()
	if conn == nil {
		return setErr(fmt.Errorf("tachguestlib: control_send_result before control_boot"))
	}

	result := protocol.Result{
		Status:     protocol.Status(byte(status)),
		DurationNS: int64(durationNS),
	}
	if testID != nil {
		result.TestID = C.GoString(testID)
	}
	if output != nil {
		result.Output = C.GoString(output)
	}
	return setErr(protocol.WriteFrame(conn, protocol.TagResult, result))
}

// control_shutdown closes the control connection and this process's
// userfaultfd, called once the harness has acted on a cmdShutdown command
// and is about to exit.
//
//export control_shutdown
func control_shutdown() {
	ctrlMu.Lock()
	defer ctrlMu.Unlock()
	if ctrlConn != nil {
		ctrlConn.Close()
		ctrlConn = nil
	}
	if ctrlUFFD != nil {
		ctrlUFFD.Close()
		ctrlUFFD = nil
	}
}

func loadRegistrySync(sync protocol.RegistrySync) {
	storeMu.Lock()
	defer storeMu.Unlock()
	for _, e := range sync.Entries {
		store[e.Name] = entry{
			sourcePath: e.SourcePath,
			bytecode:   e.Bytecode,
			isPackage:  e.IsPackage,
		}
	}
}
