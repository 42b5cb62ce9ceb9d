// Thin Go-typed wrappers around this package's cgo-exported functions, used
// only by control_test.go and main_test.go. Go's _test.go files cannot
// themselves contain `import "C"` (go/build rejects cgo in test files), so
// the cgo calls live here instead and the tests call these plain-Go-typed
// helpers.
package main

/*
#include <stdlib.h>
*/
import "C"

import "unsafe"

const (
	testCmdNone     = int32(cmdNone)
	testCmdRun      = int32(cmdRun)
	testCmdReset    = int32(cmdReset)
	testCmdShutdown = int32(cmdShutdown)
)

func testLoad(name, sourcePath string, data []byte, isPackage bool) int32 {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	var cPath *C.char
	if sourcePath != "" {
		cPath = C.CString(sourcePath)
		defer C.free(unsafe.Pointer(cPath))
	}
	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}
	var ip C.int
	if isPackage {
		ip = 1
	}
	return int32(load(cName, cPath, dataPtr, C.int(len(data)), ip))
}

func testGetBytecode(name string) (data []byte, ok bool) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	var length C.int
	ptr := get_bytecode(cName, &length)
	if ptr == nil {
		return nil, false
	}
	defer free_bytes(ptr)
	return append([]byte(nil), C.GoBytes(ptr, length)...), true
}

func testGetSourcePath(name string) (string, bool) {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	ptr := get_source_path(cName)
	if ptr == nil {
		return "", false
	}
	defer free_bytes(unsafe.Pointer(ptr))
	return C.GoString(ptr), true
}

func testIsPackage(name string) int32 {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	return int32(is_package(cName))
}

func testControlNextCommand() (kind int32, testID string, timeoutMS int64, toxic bool) {
	var cTestID *C.char
	var cTimeout C.longlong
	var cToxic C.int
	k := control_next_command(&cTestID, &cTimeout, &cToxic)
	if cTestID != nil {
		testID = C.GoString(cTestID)
		free_bytes(unsafe.Pointer(cTestID))
	}
	return int32(k), testID, int64(cTimeout), cToxic == 1
}

func testControlNextCommandIgnoreOutputs() int32 {
	return int32(control_next_command(nil, nil, nil))
}

func testControlSendResult(testID string, status int32, durationNS int64, output string) int32 {
	cTestID := C.CString(testID)
	defer C.free(unsafe.Pointer(cTestID))
	cOutput := C.CString(output)
	defer C.free(unsafe.Pointer(cOutput))
	return int32(control_send_result(cTestID, C.int(status), C.longlong(durationNS), cOutput))
}
