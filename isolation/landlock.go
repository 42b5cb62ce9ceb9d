//go:build linux

// Package isolation applies filesystem sandboxing (spec.md's supplemented
// filesystem-isolation feature, not present in spec.md's distilled scope
// but present in original_source/src/isolation.rs) to the Supervisor
// process, which its workers inherit: Landlock allows reads everywhere and
// writes only under one directory (the Supervisor passes the project
// root), and a user namespace re-exec gives the Supervisor itself an
// isolated UID/GID mapping before it ever spawns a worker.
//
// Grounded on reusee-tai/taido/sandbox_linux.go (Landlock ruleset
// construction) and reusee-tai/cmd/gotai/main_linux.go (the CLONE_NEWUSER
// re-exec), generalized from "restrict to cwd" to "restrict writes to one
// explicit directory", since a worker's cwd is not necessarily the
// directory it's allowed to write in.
package isolation

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tach-project/tach/logs"
)

// ApplyLandlock restricts the calling process, and every process it later
// spawns, to read-everywhere plus read-write under writableDir only; the
// Supervisor calls it from Prepare, before any worker spawns. Unsupported
// kernels degrade to a logged no-op rather than a hard failure, since
// Landlock availability varies across the CI and developer-machine
// kernels Tach runs on (spec.md's isolation feature is defense-in-depth,
// not a correctness requirement).
func ApplyLandlock(logger logs.Logger, writableDir string) error {
	abi, _, errNo := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		0, 0, unix.LANDLOCK_CREATE_RULESET_VERSION,
	)
	if errNo != 0 {
		if errNo == unix.ENOSYS || errNo == unix.EOPNOTSUPP || errNo == unix.ENOPKG || errNo == unix.EINVAL {
			logger.Warn("isolation: landlock not supported or disabled, running workers without filesystem sandbox", "error", errNo)
			return nil
		}
		return fmt.Errorf("isolation: landlock_create_ruleset(version): %w", errNo)
	}
	if abi < 1 {
		logger.Warn("isolation: landlock ABI version is 0, running without filesystem sandbox")
		return nil
	}

	readRights := uint64(unix.LANDLOCK_ACCESS_FS_READ_FILE | unix.LANDLOCK_ACCESS_FS_READ_DIR)
	writeRights := uint64(unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
		unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
		unix.LANDLOCK_ACCESS_FS_MAKE_CHAR |
		unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
		unix.LANDLOCK_ACCESS_FS_MAKE_REG |
		unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
		unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_SYM)
	if abi >= 2 {
		writeRights |= unix.LANDLOCK_ACCESS_FS_REFER
	}
	if abi >= 3 {
		writeRights |= unix.LANDLOCK_ACCESS_FS_TRUNCATE
	}

	rulesetAttr := unix.LandlockRulesetAttr{Access_fs: readRights | writeRights}
	ruleset, _, errNo := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		uintptr(unsafe.Pointer(&rulesetAttr)),
		unsafe.Sizeof(rulesetAttr),
		0,
	)
	if errNo != 0 {
		return fmt.Errorf("isolation: landlock_create_ruleset: %w", errNo)
	}
	defer unix.Close(int(ruleset))

	rootFd, err := unix.Open("/", unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("isolation: open root: %w", err)
	}
	defer unix.Close(rootFd)
	pathBeneathRoot := unix.LandlockPathBeneathAttr{
		Parent_fd:      int32(rootFd),
		Allowed_access: readRights,
	}
	if _, _, errNo := unix.Syscall(
		unix.SYS_LANDLOCK_ADD_RULE,
		ruleset, unix.LANDLOCK_RULE_PATH_BENEATH,
		uintptr(unsafe.Pointer(&pathBeneathRoot)),
	); errNo != 0 {
		return fmt.Errorf("isolation: add root rule: %w", errNo)
	}

	writableFd, err := unix.Open(writableDir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("isolation: open writable dir %s: %w", writableDir, err)
	}
	defer unix.Close(writableFd)
	pathBeneathWritable := unix.LandlockPathBeneathAttr{
		Parent_fd:      int32(writableFd),
		Allowed_access: readRights | writeRights,
	}
	if _, _, errNo := unix.Syscall(
		unix.SYS_LANDLOCK_ADD_RULE,
		ruleset, unix.LANDLOCK_RULE_PATH_BENEATH,
		uintptr(unsafe.Pointer(&pathBeneathWritable)),
	); errNo != 0 {
		return fmt.Errorf("isolation: add writable-dir rule: %w", errNo)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("isolation: prctl no_new_privs: %w", err)
	}
	if _, _, errNo := unix.Syscall(unix.SYS_LANDLOCK_RESTRICT_SELF, ruleset, 0, 0); errNo != 0 {
		return fmt.Errorf("isolation: landlock_restrict_self: %w", errNo)
	}

	logger.Info("isolation: landlock sandbox applied to worker", "abi", abi, "write_scope", writableDir)
	return nil
}
