//go:build linux || darwin || freebsd

package platform

import (
	"fmt"
	"syscall"
)

// MmapCodeSegment maps size bytes of anonymous read-write memory for the
// JIT mapper to copy code and apply relocations into. The mapping becomes
// executable only via MakeExecutable, keeping the writable and executable
// phases disjoint.
func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	buf, err := syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap code segment: %w", err)
	}
	return buf, nil
}

// MakeExecutable flips a MmapCodeSegment mapping to read-execute once every
// byte and relocation has been written.
func MakeExecutable(code []byte) error {
	if err := syscall.Mprotect(code, syscall.PROT_READ|syscall.PROT_EXEC); err != nil {
		return fmt.Errorf("platform: mprotect rx: %w", err)
	}
	return nil
}

// MunmapCodeSegment unmaps a segment returned by MmapCodeSegment.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	if err := syscall.Munmap(code); err != nil {
		return fmt.Errorf("platform: munmap code segment: %w", err)
	}
	return nil
}
