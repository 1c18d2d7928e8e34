// Package tpdeapi holds small cross-cutting types shared by every package
// under internal/engine/tpde: a generic bump-arena pool and the compile-time
// debug/validation switches consulted throughout the compiler.
package tpdeapi

// These consts gate debug logging and expensive validation passes. They must
// be false by default; flip one locally when chasing a bug in that subsystem,
// instead of threading a verbose flag through every call site.
const (
	AnalyzerLoggingEnabled = false
	RegAllocLoggingEnabled = false
	PhiLoggingEnabled       = false
	CallConvLoggingEnabled  = false
)

// These consts gate invariant checks expensive enough that we don't want them
// in a release build, but cheap enough to run in every test and in CI.
const (
	RegAllocValidationEnabled  = true
	AssignmentValidationEnabled = true
	SSAValidationEnabled       = true
)

// Output-printing switches, useful when bisecting a miscompile by hand.
const (
	PrintBlockLayout      = false
	PrintLiveness         = false
	PrintFinalizedMachineCode = false
)
