package protocol

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SendFD transmits fd as an SCM_RIGHTS ancillary message alongside a
// 4-byte little-endian pid, mirroring the REGISTER_UFFD handshake in
// spec.md §6: the worker creates its own fault-notification channel
// (userfaultfd binds to the creating process's mm at open time) and hands
// the fd to the Supervisor, which then issues UFFDIO_REGISTER/COPY/
// ZEROPAGE ioctls on that fd remotely — the ioctls act on the mm the fd
// was bound to, not on the calling process's own mm. Grounded on
// original_source/src/snapshot.rs send_fd/recv_fd and on the raw
// golang.org/x/sys/unix syscall idiom already used by the teacher in
// taido/sandbox_linux.go.
func SendFD(conn *net.UnixConn, pid int32, fd int) error {
	rights := unix.UnixRights(fd)
	var pidBytes [4]byte
	pidBytes[0] = byte(pid)
	pidBytes[1] = byte(pid >> 8)
	pidBytes[2] = byte(pid >> 16)
	pidBytes[3] = byte(pid >> 24)

	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("protocol: syscall conn: %w", err)
	}
	var sendErr error
	ctrlErr := raw.Control(func(fdToUse uintptr) {
		sendErr = unix.Sendmsg(int(fdToUse), pidBytes[:], rights, nil, 0)
	})
	if ctrlErr != nil {
		return fmt.Errorf("protocol: control: %w", ctrlErr)
	}
	if sendErr != nil {
		return fmt.Errorf("protocol: sendmsg SCM_RIGHTS: %w", sendErr)
	}
	return nil
}

// RecvFD receives a pid and an SCM_RIGHTS file descriptor previously sent
// with SendFD.
func RecvFD(conn *net.UnixConn) (pid int32, fd int, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, -1, fmt.Errorf("protocol: syscall conn: %w", err)
	}

	var pidBytes [4]byte
	oob := make([]byte, unix.CmsgSpace(4))
	var n, oobn int
	var recvErr error
	ctrlErr := raw.Read(func(fdToUse uintptr) bool {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fdToUse), pidBytes[:], oob, 0)
		return true
	})
	if ctrlErr != nil {
		return 0, -1, fmt.Errorf("protocol: control: %w", ctrlErr)
	}
	if recvErr != nil {
		return 0, -1, fmt.Errorf("protocol: recvmsg: %w", recvErr)
	}
	if n != 4 {
		return 0, -1, fmt.Errorf("protocol: short pid read: %d bytes", n)
	}

	pid = int32(pidBytes[0]) | int32(pidBytes[1])<<8 | int32(pidBytes[2])<<16 | int32(pidBytes[3])<<24

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return pid, -1, fmt.Errorf("protocol: parse control message: %w", err)
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return pid, fds[0], nil
		}
	}
	return pid, -1, fmt.Errorf("protocol: no file descriptor in SCM_RIGHTS message")
}
