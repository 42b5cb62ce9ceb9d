package physics

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sysProcessMadvise is not yet named in golang.org/x/sys/unix on every
// supported architecture; the syscall number is stable across Linux
// architectures that matter here (amd64, arm64), per
// original_source/src/snapshot.rs's SYS_PROCESS_MADVISE constant.
const sysProcessMadvise = 440

// ResetRemote invalidates every region via a single process_madvise(2)
// call against the target's pidfd (spec.md §4.5, "Reset"): this is the
// fast path, entirely driven by the Supervisor, requiring no cooperation
// from the worker. Grounded on original_source/src/snapshot.rs's
// reset_worker.
func ResetRemote(pid int, regions []Region) error {
	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return fmt.Errorf("physics: pidfd_open(%d): %w", pid, err)
	}
	defer unix.Close(pidfd)

	iovecs := make([]unix.Iovec, len(regions))
	for i, r := range regions {
		length := int(r.Len())
		iovecs[i] = unix.Iovec{Base: (*byte)(unsafe.Pointer(r.Start)), Len: uint64(length)}
	}
	if len(iovecs) == 0 {
		return nil
	}

	_, _, errno := unix.Syscall6(
		sysProcessMadvise,
		uintptr(pidfd),
		uintptr(unsafe.Pointer(&iovecs[0])),
		uintptr(len(iovecs)),
		uintptr(unix.MADV_DONTNEED),
		0,
		0,
	)
	if errno != 0 {
		return fmt.Errorf("physics: process_madvise(%d): %w", pid, errno)
	}
	return nil
}

// SelfReset invalidates regions by calling madvise(2) directly against the
// caller's own address space, rather than process_madvise against a pidfd.
// This is the "seppuku" fallback (spec.md §9) a worker takes on kernels
// that lack process_madvise: it can always advise its own memory, so it
// does the Supervisor's job itself and reports back RESET_DONE. Grounded
// on the same original_source/src/snapshot.rs reset_worker logic as
// ResetRemote, specialized to the self-madvise case.
func SelfReset(regions []Region) error {
	for _, r := range regions {
		length := int(r.Len())
		if length == 0 {
			continue
		}
		mem := unsafe.Slice((*byte)(unsafe.Pointer(r.Start)), length)
		if err := unix.Madvise(mem, unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("physics: madvise(%#x, %d): %w", r.Start, length, err)
		}
	}
	return nil
}

// RemoteResetSupported probes whether process_madvise is usable on this
// kernel by calling it against the current process with an empty region
// list; ENOSYS means the kernel predates 5.10/5.12 and the Supervisor
// should fall back to worker self-reset (spec.md §9, "seppuku" path).
// Probed once at Supervisor startup, matching the teacher's
// discover-once-memoize shape used elsewhere in this project (compiler
// package) and in reusee-tai/configs.
func RemoteResetSupported() bool {
	pidfd, err := unix.PidfdOpen(unix.Getpid(), 0)
	if err != nil {
		return false
	}
	defer unix.Close(pidfd)

	_, _, errno := unix.Syscall6(sysProcessMadvise, uintptr(pidfd), 0, 0, uintptr(unix.MADV_DONTNEED), 0, 0)
	// EINVAL (zero-length iovec array, rejected after the syscall is
	// recognized) indicates support; ENOSYS indicates the syscall itself
	// is unknown to this kernel.
	return errno != unix.ENOSYS
}
