package worker

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// logBufferSize is the initial size of each worker's memfd and the most
// ReadAndClear returns; a test that writes past it grows the memfd rather
// than blocking the worker on a full pipe, which would stall the fault
// service.
const logBufferSize = 1 << 20 // 1 MiB

// LogCapture backs one worker's stdout/stderr with a memfd, so a crashed
// or toxic-killed worker's last output survives its death without going
// through a pipe that needs a live reader (spec.md's supplemented
// per-worker log capture). Grounded on
// original_source/src/logcapture.rs's LogCapture, generalized from a
// supervisor-wide slot table to one memfd per worker, created fresh on
// each spawn/respawn rather than pre-allocated by slot index, since Go
// workers are spawned directly by exec.Cmd rather than forked from a
// pre-warmed zygote.
type LogCapture struct {
	file *os.File
}

// NewLogCapture creates a fresh memfd-backed log buffer.
func NewLogCapture(label string) (*LogCapture, error) {
	fd, err := unix.MemfdCreate(fmt.Sprintf("tach_log_%s", label), 0)
	if err != nil {
		return nil, fmt.Errorf("worker: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, logBufferSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("worker: ftruncate memfd: %w", err)
	}
	return &LogCapture{file: os.NewFile(uintptr(fd), fmt.Sprintf("tach_log_%s", label))}, nil
}

// File returns the backing *os.File, suitable for use as an exec.Cmd's
// Stdout/Stderr.
func (l *LogCapture) File() *os.File {
	return l.file
}

// ReadAndClear returns everything written so far and truncates the
// buffer, without disturbing the worker's own write offset: it reads
// through a dup'd fd seeked to 0 while the worker keeps appending at its
// current position.
func (l *LogCapture) ReadAndClear() (string, error) {
	dupFd, err := unix.Dup(int(l.file.Fd()))
	if err != nil {
		return "", fmt.Errorf("worker: dup log fd: %w", err)
	}
	reader := os.NewFile(uintptr(dupFd), "tach_log_dup")
	defer reader.Close()

	if _, err := reader.Seek(0, 0); err != nil {
		return "", fmt.Errorf("worker: seek log fd: %w", err)
	}
	data := make([]byte, logBufferSize)
	n, _ := reader.Read(data)

	if err := unix.Ftruncate(int(l.file.Fd()), logBufferSize); err != nil {
		return "", fmt.Errorf("worker: truncate log fd: %w", err)
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return "", fmt.Errorf("worker: rewind log fd: %w", err)
	}

	return string(data[:n]), nil
}

// Close releases the memfd.
func (l *LogCapture) Close() error {
	return l.file.Close()
}
