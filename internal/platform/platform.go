// Package platform isolates the small amount of OS-specific behavior the
// JIT mapper needs: mapping a code segment into executable memory and
// releasing it again. Everything else in this repository is pure
// computation over byte slices and needs no platform glue.
package platform

import "runtime"

// JITSupported reports whether CompileAndMap can produce runnable code on
// this platform: the mmap/mprotect path must exist and the process
// architecture must match one of the two targets the compiler emits.
func JITSupported() bool {
	switch runtime.GOOS {
	case "linux", "darwin", "freebsd":
	default:
		return false
	}
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return true
	default:
		return false
	}
}
