//go:build !(linux || darwin || freebsd)

package platform

import (
	"fmt"
	"runtime"
)

var errUnsupported = fmt.Errorf("platform: JIT mapping not supported on %s/%s", runtime.GOOS, runtime.GOARCH)

func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	return nil, errUnsupported
}

func MakeExecutable(code []byte) error { return errUnsupported }

func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	return errUnsupported
}
