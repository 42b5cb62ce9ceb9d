// Command tachguestlib builds as a cgo c-shared library (`go build
// -buildmode=c-shared`) loaded by the Python harness via ctypes.CDLL
// (spec.md §4.3, §9 "Dynamic dispatch at the import hook"). It is the Go
// side of the FFI boundary the guest-side meta-path finder calls through:
// three pure lookups (get_bytecode, get_source_path, is_package) serving
// a local store, and one effectful call (load) that adds a single entry to
// it. At worker boot the store is filled in one pass from the
// REGISTRY_SYNC frame that control_boot reads off the control channel
// (loadRegistrySync in control.go; worker/states.go sends it). Keeping the store
// local avoids a round-trip to the Supervisor on every import, matching
// the "zero-copy" framing of spec.md §1 — by the time an import happens
// the bytecode already lives in this process's memory. control.go is the
// other half: it owns the control-channel socket and the boot/run-loop
// framing so Python never has to decode a gob frame itself.
package main

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"sync"
	"unsafe"
)

type entry struct {
	sourcePath string
	bytecode   []byte
	isPackage  bool
}

var (
	storeMu sync.RWMutex
	store   = map[string]entry{}
)

// load registers one Bytecode Entry in the local store, replacing any
// entry of the same name. The boot handshake does not go through load: it
// fills the store directly via loadRegistrySync (control.go).
//
//export load
func load(name *C.char, sourcePath *C.char, data unsafe.Pointer, length C.int, isPackage C.int) C.int {
	if name == nil {
		return 0
	}
	goName := C.GoString(name)
	goPath := ""
	if sourcePath != nil {
		goPath = C.GoString(sourcePath)
	}
	var bytecode []byte
	if length > 0 && data != nil {
		bytecode = C.GoBytes(data, length)
	}

	storeMu.Lock()
	store[goName] = entry{
		sourcePath: goPath,
		bytecode:   bytecode,
		isPackage:  isPackage != 0,
	}
	storeMu.Unlock()
	return 1
}

// get_bytecode writes a newly C-allocated copy of the named module's
// bytecode into *outLen and returns a pointer to it, or NULL on miss. The
// caller (Python, via ctypes) is responsible for freeing the pointer with
// free_bytes once it has copied the bytes into a Python bytes object.
//
//export get_bytecode
func get_bytecode(name *C.char, outLen *C.int) unsafe.Pointer {
	if name == nil {
		return nil
	}
	storeMu.RLock()
	e, ok := store[C.GoString(name)]
	storeMu.RUnlock()
	if !ok || len(e.bytecode) == 0 {
		if outLen != nil {
			*outLen = 0
		}
		return nil
	}

	buf := C.malloc(C.size_t(len(e.bytecode)))
	if buf == nil {
		if outLen != nil {
			*outLen = 0
		}
		return nil
	}
	C.memcpy(buf, unsafe.Pointer(&e.bytecode[0]), C.size_t(len(e.bytecode)))
	if outLen != nil {
		*outLen = C.int(len(e.bytecode))
	}
	return buf
}

// get_source_path returns a newly C-allocated copy of the named module's
// recorded source path, or NULL on miss. Freed by the caller via
// free_bytes.
//
//export get_source_path
func get_source_path(name *C.char) *C.char {
	if name == nil {
		return nil
	}
	storeMu.RLock()
	e, ok := store[C.GoString(name)]
	storeMu.RUnlock()
	if !ok {
		return nil
	}
	return C.CString(e.sourcePath)
}

// is_package reports whether the named module is a package initializer.
// Returns -1 if the module is not in the store at all, distinguishing "no
// such module" from "not a package" for the caller.
//
//export is_package
func is_package(name *C.char) C.int {
	if name == nil {
		return -1
	}
	storeMu.RLock()
	e, ok := store[C.GoString(name)]
	storeMu.RUnlock()
	if !ok {
		return -1
	}
	if e.isPackage {
		return 1
	}
	return 0
}

// free_bytes releases a pointer returned by get_bytecode or
// get_source_path. ctypes cannot call C.free directly without this
// export since the allocation happened inside this shared library, not
// in the calling process's libc (which may differ under some Python
// builds).
//
//export free_bytes
func free_bytes(p unsafe.Pointer) {
	if p != nil {
		C.free(p)
	}
}

func main() {}
