// Package physics implements the Physics Engine (spec.md §4.5, component
// C5): capturing a golden memory snapshot of a freshly booted worker and
// resetting workers to that snapshot between tests via userfaultfd,
// process_vm_readv and process_madvise. Grounded throughout on
// original_source/src/snapshot.rs, translated from the Rust original's
// nix/userfaultfd crates to direct golang.org/x/sys/unix syscalls in the
// idiom the teacher already uses for raw Linux syscalls in
// taido/sandbox_linux.go.
package physics

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PageSize is the page size this engine operates at; Tach targets x86_64
// and arm64, both 4KiB.
const PageSize = 4096

// Region is one mapping parsed from /proc/<pid>/maps.
type Region struct {
	Start uintptr
	End   uintptr
	Perms string
	Name  string
}

// Len returns the region's byte length.
func (r Region) Len() uintptr {
	return r.End - r.Start
}

// ShouldSnapshot reports whether r belongs in the golden snapshot
// (spec.md §4.5): writable heap, stack, libpython data/bss, and anonymous
// private mappings are captured; read-only, shared, and vDSO/vsyscall
// mappings are not, since the kernel or loader already owns their
// lifecycle and a worker can't corrupt them by running a test.
func (r Region) ShouldSnapshot() bool {
	if !strings.Contains(r.Perms, "w") {
		return false
	}
	if strings.Contains(r.Name, "[vdso]") || strings.Contains(r.Name, "[vsyscall]") {
		return false
	}
	if strings.Contains(r.Name, "[heap]") {
		return true
	}
	if strings.Contains(r.Name, "[stack]") {
		return true
	}
	if strings.Contains(r.Name, "libpython") {
		return true
	}
	if r.Name == "" && strings.Contains(r.Perms, "p") {
		return true
	}
	return false
}

// IsStack reports whether r is the process's main stack mapping.
func (r Region) IsStack() bool {
	return strings.Contains(r.Name, "[stack]")
}

// ParseMaps reads /proc/<pid>/maps and returns every mapping in file
// order. Format per line: "start-end perms offset dev inode pathname".
func ParseMaps(pid int) ([]Region, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("physics: open %s: %w", path, err)
	}
	defer f.Close()

	var regions []Region
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		name := ""
		if len(fields) > 5 {
			name = strings.Join(fields[5:], " ")
		}
		regions = append(regions, Region{
			Start: uintptr(start),
			End:   uintptr(end),
			Perms: fields[1],
			Name:  name,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("physics: scan %s: %w", path, err)
	}
	return regions, nil
}

// SnapshotableRegions filters ParseMaps's output down to the regions the
// Physics Engine should capture.
func SnapshotableRegions(pid int) ([]Region, error) {
	all, err := ParseMaps(pid)
	if err != nil {
		return nil, err
	}
	var kept []Region
	for _, r := range all {
		if r.ShouldSnapshot() {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func alignToPage(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}
