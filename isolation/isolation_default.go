//go:build !linux

package isolation

import "github.com/tach-project/tach/logs"

// ApplyLandlock is a no-op on non-Linux platforms: Tach's snapshot/reset
// cycle itself is Linux-only (spec.md Non-goals), so this fallback exists
// only so the package stays importable while developing on other
// platforms.
func ApplyLandlock(logger logs.Logger, writableDir string) error {
	logger.Warn("isolation: filesystem sandboxing unavailable on this platform")
	return nil
}

// ReexecInNamespace is a no-op on non-Linux platforms.
func ReexecInNamespace() error {
	return nil
}
