//go:build linux

package isolation

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

const reexecEnv = "TACH_NAMESPACED"

// ReexecInNamespace re-executes the current process inside a fresh user
// and mount namespace mapped so the current user appears as root inside
// it, then exits with the child's exit code. Call this once, first thing
// in main, before anything else touches the filesystem or spawns workers.
// A no-op if the namespace has already been entered (detected via
// reexecEnv), so main can call it unconditionally. Grounded on
// reusee-tai/cmd/gotai/main_linux.go's maybeRunInContainer, generalized
// from a hardcoded os.Args re-exec into a reusable entrypoint the
// Supervisor's applyIsolation (supervisor/module.go) calls at the start of
// Prepare.
func ReexecInNamespace() error {
	if os.Getenv(reexecEnv) != "" {
		return nil
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), reexecEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:  syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return fmt.Errorf("isolation: re-exec in namespace: %w", err)
	}
	os.Exit(0)
	return nil
}
