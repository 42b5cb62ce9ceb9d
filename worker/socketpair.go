package worker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// socketpair creates a connected pair of Unix domain sockets, one end for
// the worker's inherited control fd, one end for the Supervisor. A
// socketpair keeps the control channel off the filesystem, unlike
// net.Listen("unix", path), which matters once many workers churn through
// fragmentation-cap retirement and each would otherwise need its own
// cleaned-up socket file.
func socketpair() ([2]*os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return [2]*os.File{}, fmt.Errorf("worker: socketpair: %w", err)
	}
	return [2]*os.File{
		os.NewFile(uintptr(fds[0]), "tach-worker-ctl"),
		os.NewFile(uintptr(fds[1]), "tach-supervisor-ctl"),
	}, nil
}
