package physics

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ReadRegion copies region's bytes out of the target process via
// process_vm_readv: a single kernel-mediated copy, no ptrace attach and no
// PTRACE_PEEKDATA word-at-a-time overhead (original_source/src/snapshot.rs
// capture_region_pages).
func ReadRegion(pid int, region Region) ([]byte, error) {
	length := int(region.Len())
	buf := make([]byte, length)

	local := []unix.Iovec{{Base: &buf[0], Len: uint64(length)}}
	remote := []unix.RemoteIovec{{Base: region.Start, Len: length}}

	n, err := unix.ProcessVMReadv(pid, local, remote, 0)
	if err != nil {
		return nil, fmt.Errorf("physics: process_vm_readv pid=%d region=%s: %w", pid, region.Name, err)
	}
	if n != length {
		return nil, fmt.Errorf("physics: partial read for pid=%d region=%s: got %d of %d bytes", pid, region.Name, n, length)
	}
	return buf, nil
}

// CapturePages reads region and splits it into page-sized chunks keyed by
// absolute page address, the unit the fault service restores.
func CapturePages(pid int, region Region) (map[uintptr][]byte, error) {
	data, err := ReadRegion(pid, region)
	if err != nil {
		return nil, err
	}
	pages := make(map[uintptr][]byte, len(data)/PageSize+1)
	for offset := 0; offset < len(data); offset += PageSize {
		end := offset + PageSize
		if end > len(data) {
			end = len(data)
		}
		pageAddr := region.Start + uintptr(offset)
		page := make([]byte, end-offset)
		copy(page, data[offset:end])
		pages[pageAddr] = page
	}
	return pages, nil
}
