// Package protocol implements the binary control-channel framing between
// the Supervisor and each worker (spec.md §6). Frames are
// [4-byte little-endian length][1-byte tag][gob-encoded payload], grounded
// on the length-prefix idiom in original_source/src/protocol.rs and the
// encoding/gob registration style already used by the teacher for its own
// value types (taivm/gob.go).
package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// Tag identifies the payload carried by a frame.
type Tag byte

const (
	TagHello Tag = iota + 1
	TagRegisterUFFD
	TagRegions
	TagSnapshotReady
	TagRun
	TagResult
	TagReset
	TagResetDone
	TagShutdown
	TagRegistrySync
)

func (t Tag) String() string {
	switch t {
	case TagHello:
		return "HELLO"
	case TagRegisterUFFD:
		return "REGISTER_UFFD"
	case TagRegions:
		return "REGIONS"
	case TagSnapshotReady:
		return "SNAPSHOT_READY"
	case TagRun:
		return "RUN"
	case TagResult:
		return "RESULT"
	case TagReset:
		return "RESET"
	case TagResetDone:
		return "RESET_DONE"
	case TagShutdown:
		return "SHUTDOWN"
	case TagRegistrySync:
		return "REGISTRY_SYNC"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// Hello is sent worker -> supervisor immediately after the worker boots.
type Hello struct {
	PID            int
	HarnessVersion string
}

// Regions is sent worker -> supervisor once the worker has laid out its
// writable anonymous memory and is ready for the supervisor to capture it.
type Regions struct {
	Regions []RegionInfo
}

// RegionInfo describes one memory region on the wire: start address,
// length, and a class label (one of the Class constants below).
type RegionInfo struct {
	Start uint64
	Len   uint64
	Class string
}

// SnapshotReady closes the boot handshake: the supervisor sends it once it
// has received the worker's userfaultfd and registered its regions, and the
// worker echoes it back before its run loop starts.
type SnapshotReady struct{}

// Class values for RegionInfo.Class.
const (
	ClassHeap      = "heap"
	ClassStack     = "stack"
	ClassBSS       = "bss"
	ClassAnonymous = "anonymous-mapping"
)

// RunRequest is sent supervisor -> worker to dispatch one test.
type RunRequest struct {
	TestID      string
	TimeoutMS   int64
	Toxic       bool
	LogFD       int // not set by the supervisor nor read by the worker; output is captured through the memfd installed as the worker's stdout/stderr at spawn
}

// Status is the outcome of a dispatched test.
type Status byte

const (
	StatusPass Status = iota
	StatusFail
	StatusError
	StatusTimeout
	StatusCrash
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusFail:
		return "fail"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	case StatusCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// Result is sent worker -> supervisor once a dispatched test has finished.
type Result struct {
	TestID     string
	Status     Status
	DurationNS int64
	Output     string
}

// ResetRequest is sent supervisor -> worker to trigger a reset. Empty: the
// set of regions to invalidate was fixed at snapshot time (spec.md §4.5
// invariant (a)) so nothing further needs to be said.
type ResetRequest struct{}

// ResetDone is sent worker -> supervisor in answer to RESET, once the
// worker has issued the don't-need advice on itself (the "seppuku"
// pattern) and it has returned. A remote reset by the supervisor exchanges
// no frames.
type ResetDone struct{}

// Shutdown is sent supervisor -> worker to request an orderly exit.
type Shutdown struct{}

// RegistryEntry mirrors registry.Entry's wire-relevant fields, sent to a
// worker once at boot so its guest-side import hook (tachguestlib) never
// needs to round-trip to the Supervisor on a per-import basis.
type RegistryEntry struct {
	Name       string
	SourcePath string
	Bytecode   []byte
	IsPackage  bool
}

// RegistrySync is sent supervisor -> worker immediately after HELLO,
// before REGIONS, carrying every Bytecode Entry the frozen Module
// Registry holds (spec.md §4.2, §4.3). The worker acknowledges nothing;
// it loads every entry into its local FFI store and proceeds straight to
// REGIONS.
type RegistrySync struct {
	Entries []RegistryEntry
}

func init() {
	gob.Register(Hello{})
	gob.Register(Regions{})
	gob.Register(SnapshotReady{})
	gob.Register(RunRequest{})
	gob.Register(Result{})
	gob.Register(ResetRequest{})
	gob.Register(ResetDone{})
	gob.Register(Shutdown{})
	gob.Register(RegistrySync{})
}

// WriteFrame encodes tag and payload as one length-prefixed frame.
func WriteFrame(w io.Writer, tag Tag, payload any) error {
	var buf []byte
	if payload != nil {
		encoded, err := encodeGob(payload)
		if err != nil {
			return fmt.Errorf("protocol: encode %s payload: %w", tag, err)
		}
		buf = encoded
	}
	header := make([]byte, 5)
	binary.LittleEndian.PutUint32(header[:4], uint32(len(buf)))
	header[4] = byte(tag)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("protocol: write header: %w", err)
	}
	if len(buf) > 0 {
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("protocol: write payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one frame and decodes its payload into dst (a pointer),
// which may be nil for tags carrying no payload (SnapshotReady, ResetDone,
// Shutdown, ResetRequest).
func ReadFrame(r *bufio.Reader, dst any) (Tag, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, err
	}
	length := binary.LittleEndian.Uint32(header[:4])
	tag := Tag(header[4])
	if length == 0 {
		return tag, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return tag, fmt.Errorf("protocol: read payload for %s: %w", tag, err)
	}
	if dst == nil {
		return tag, nil
	}
	if err := decodeGob(buf, dst); err != nil {
		return tag, fmt.Errorf("protocol: decode %s payload: %w", tag, err)
	}
	return tag, nil
}
