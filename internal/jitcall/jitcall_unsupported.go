//go:build !(amd64 || arm64)

package jitcall

// Invoke2 has no trampoline on this architecture; callers gate on the
// compiler's own JIT-support check first.
func Invoke2(code uintptr, a, b uint64) uint64 {
	panic("jitcall: no trampoline for this architecture")
}
