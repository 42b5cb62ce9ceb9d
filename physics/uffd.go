package physics

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// No Go binding for userfaultfd(2) appears anywhere in the example pack
// (the Rust original leans on the userfaultfd crate's safe wrapper); this
// file defines the handful of ioctl numbers and wire structs needed
// directly against the kernel UAPI, in the raw-syscall idiom the teacher
// already uses for Landlock in taido/sandbox_linux.go.

const (
	uffdioIoctlAPI        = 0xc018aa3f // UFFDIO_API
	uffdioIoctlRegister    = 0xc020aa00 // UFFDIO_REGISTER
	uffdioIoctlUnregister  = 0x8010aa01 // UFFDIO_UNREGISTER
	uffdioIoctlCopy        = 0xc028aa03 // UFFDIO_COPY
	uffdioIoctlZeropage    = 0xc020aa04 // UFFDIO_ZEROPAGE

	uffdAPI = 0xAA

	uffdioRegisterModeMissing = 1 << 0

	uffdioCopyModeNone = 0

	// UFFD_EVENT_PAGEFAULT is the event kind read() returns for a fault.
	uffdEventPagefault = 0x12
)

type uffdioAPI struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type uffdioRange struct {
	Start uint64
	Len   uint64
}

type uffdioRegister struct {
	Range  uffdioRange
	Mode   uint64
	Ioctls uint64
}

type uffdioCopy struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type uffdioZeropage struct {
	Range    uffdioRange
	Mode     uint64
	Zeropage int64
}

// uffdMsg mirrors struct uffd_msg: event(1) + reserved(7) + 24 bytes of
// per-event union payload. For UFFD_EVENT_PAGEFAULT the union's first
// field is a flags __u64 followed by the faulting address __u64.
type uffdMsg struct {
	Event    uint8
	Reserved [7]byte
	Flags    uint64
	Address  uint64
	_        [8]byte // remaining union padding, unused for pagefault
}

const uffdMsgSize = 32

// UFFD is an open userfaultfd file descriptor, API-negotiated and ready
// to register memory regions.
type UFFD struct {
	fd int
}

// Open creates a new userfaultfd and performs the UFFDIO_API handshake
// (original_source/src/snapshot.rs's UffdBuilder::create). The close-on-exec
// flag keeps the fd from leaking into any child the worker later execs.
func Open() (*UFFD, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC), 0, 0)
	if errno != 0 {
		return nil, fmt.Errorf("physics: userfaultfd: %w", errno)
	}

	api := uffdioAPI{API: uffdAPI}
	if err := ioctlAPI(int(fd), &api); err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("physics: UFFDIO_API: %w", err)
	}

	return &UFFD{fd: int(fd)}, nil
}

// NewFromFd wraps an already-open, already-API-negotiated userfaultfd,
// typically one just received from a worker via protocol.RecvFD's
// SCM_RIGHTS transfer. The worker performs its own UFFDIO_API handshake
// before sending the fd across, so no renegotiation happens here.
func NewFromFd(fd int) *UFFD {
	return &UFFD{fd: fd}
}

// Fd returns the raw file descriptor, for SCM_RIGHTS transfer to the
// Supervisor (protocol.SendFD) or for poll(2).
func (u *UFFD) Fd() int {
	return u.fd
}

// Close releases the userfaultfd.
func (u *UFFD) Close() error {
	return unix.Close(u.fd)
}

// Register enrolls [start, start+length) for missing-page notification.
// The caller must already have mmap'd this range MAP_ANONYMOUS|MAP_PRIVATE
// (or MAP_SHARED for the cooperating kernel versions); registering a range
// the kernel hasn't mapped returns EINVAL.
func (u *UFFD) Register(start uintptr, length uintptr) error {
	reg := uffdioRegister{
		Range:  uffdioRange{Start: uint64(start), Len: uint64(length)},
		Mode:   uffdioRegisterModeMissing,
	}
	return ioctlRegister(u.fd, &reg)
}

// Copy installs data at dst via UFFDIO_COPY and wakes the faulting thread.
func (u *UFFD) Copy(dst uintptr, data []byte) error {
	if len(data) == 0 {
		return u.Zeropage(dst, PageSize)
	}
	c := uffdioCopy{
		Dst:  uint64(dst),
		Src:  uint64(uintptr(unsafe.Pointer(&data[0]))),
		Len:  uint64(len(data)),
		Mode: uffdioCopyModeNone,
	}
	return ioctlCopy(u.fd, &c)
}

// Zeropage installs a zero page at dst and wakes the faulting thread.
func (u *UFFD) Zeropage(dst uintptr, length uintptr) error {
	z := uffdioZeropage{
		Range: uffdioRange{Start: uint64(dst), Len: uint64(length)},
	}
	return ioctlZeropage(u.fd, &z)
}

// Fault is one decoded UFFD_EVENT_PAGEFAULT.
type Fault struct {
	Address uintptr
}

// ReadFault blocks on the userfaultfd until one page-fault event arrives,
// matching original_source/src/snapshot.rs's read_event/Event::Pagefault
// loop. Non-pagefault events (UFFD_EVENT_FORK, UNMAP, REMOVE) are
// discarded; this engine never enables them at Register time.
func (u *UFFD) ReadFault() (Fault, error) {
	buf := make([]byte, uffdMsgSize)
	for {
		n, err := unix.Read(u.fd, buf)
		if err != nil {
			return Fault{}, fmt.Errorf("physics: read uffd: %w", err)
		}
		if n < uffdMsgSize {
			return Fault{}, fmt.Errorf("physics: short uffd_msg read: %d bytes", n)
		}
		event := buf[0]
		if event != uffdEventPagefault {
			continue
		}
		addr := binary.LittleEndian.Uint64(buf[16:24])
		return Fault{Address: uintptr(addr)}, nil
	}
}

func ioctlAPI(fd int, api *uffdioAPI) error {
	return ioctlPtr(fd, uffdioIoctlAPI, unsafe.Pointer(api))
}

func ioctlRegister(fd int, reg *uffdioRegister) error {
	return ioctlPtr(fd, uffdioIoctlRegister, unsafe.Pointer(reg))
}

func ioctlCopy(fd int, c *uffdioCopy) error {
	return ioctlPtr(fd, uffdioIoctlCopy, unsafe.Pointer(c))
}

func ioctlZeropage(fd int, z *uffdioZeropage) error {
	return ioctlPtr(fd, uffdioIoctlZeropage, unsafe.Pointer(z))
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
