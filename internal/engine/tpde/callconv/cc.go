// Package callconv provides the calling-convention assigner, a stateful
// walk over a call's (or a function entry's) arguments and return values
// that hands each either a register or a stack offset, and the call
// builder that drives one through a full call site.
//
// The assigner covers the SysV rules both targets share: register pools
// falling back to an accumulating stack offset, byval aggregates
// (stack-only, no register path), the "aggregate consecutiveness" rule
// that forces an aggregate's remaining parts to the stack once its first
// part misses the register pool, and a vararg XMM-count tally for the
// x86-64 `al` convention.
package callconv

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// CCInfo is the target-specific shape of one calling convention: which
// registers carry arguments and return values per bank, which of the
// target's registers are callee-saved, and the full allocatable set. The
// per-ISA layer (isa/amd64, isa/arm64) constructs one CCInfo per calling
// convention it supports (SysV, vararg SysV, ...).
type CCInfo struct {
	ArgRegs     map[ir.Bank][]regalloc.Register
	RetRegs     map[ir.Bank][]regalloc.Register
	CalleeSaved []regalloc.Register
	Allocatable []regalloc.Register
	// FPBank is the floating-point/vector bank, consulted only to track the
	// vararg XMM-count convention; zero-value on targets with one bank.
	FPBank ir.Bank
	// PtrBank is the bank an indirect call target or byval source pointer
	// lives in (always the target's general-purpose bank).
	PtrBank ir.Bank
}

// CCAssignment describes one argument or return value's shape to assign.
type CCAssignment struct {
	Bank  ir.Bank
	Size  uint8
	Align uint8

	Byval      bool
	ByvalSize  uint32
	ByvalAlign uint32

	Sret bool

	// Consecutive is the number of assignments (including this one) in the
	// same source-level aggregate argument that must land on the stack
	// together once this one misses the register pool: the following
	// Consecutive-1 assignments are then forced to the stack. Only the
	// aggregate's first part carries it; 0 or 1 means "not part of a
	// multi-part aggregate".
	Consecutive uint8
}

// CCLocationKind distinguishes a register assignment from a stack one.
type CCLocationKind int

const (
	CCInReg CCLocationKind = iota
	CCOnStack
)

// CCLocation is the outcome of one assign_arg/assign_ret call.
type CCLocation struct {
	Kind     CCLocationKind
	Reg      regalloc.Register
	StackOff uint32
}

// VarargState tracks the x86-64 vararg `al`-register convention: the
// callee expects al to hold the count of vector-register arguments. Named
// out rather than folded silently into CallBuilder, since a function-entry
// CCAssigner (which never needs it) and a call-site one (which does)
// otherwise share the same type.
type VarargState struct {
	XMMCount uint8
}

// CCAssigner walks one call's or one function entry's arguments, then its
// return values, assigning each a register or a stack slot. One instance is
// scoped to a single call site or function entry; it is not reused across
// calls.
type CCAssigner struct {
	info   CCInfo
	vararg bool

	argNext map[ir.Bank]int
	retNext map[ir.Bank]int

	argStackOff uint32
	retStackOff uint32

	argForceStackRemaining int
	retForceStackRemaining int

	VS VarargState
}

// NewCCAssigner returns a fresh assigner for one call or function entry
// using the given target info. vararg selects whether AssignArg tallies the
// XMM-count convention as it walks register-assigned float arguments.
func NewCCAssigner(info CCInfo, vararg bool) *CCAssigner {
	return &CCAssigner{
		info:    info,
		vararg:  vararg,
		argNext: make(map[ir.Bank]int),
		retNext: make(map[ir.Bank]int),
	}
}

// AssignArg assigns one argument.
func (c *CCAssigner) AssignArg(a CCAssignment) CCLocation {
	return c.assign(a, c.info.ArgRegs, c.argNext, &c.argStackOff, &c.argForceStackRemaining, true)
}

// AssignRet assigns one return value, against a register pool disjoint
// from AssignArg's.
func (c *CCAssigner) AssignRet(a CCAssignment) CCLocation {
	return c.assign(a, c.info.RetRegs, c.retNext, &c.retStackOff, &c.retForceStackRemaining, false)
}

func (c *CCAssigner) assign(a CCAssignment, regsByBank map[ir.Bank][]regalloc.Register, next map[ir.Bank]int, stackOff *uint32, forceRemaining *int, isArg bool) CCLocation {
	if a.Byval {
		size := alignUp32(a.ByvalSize, 8)
		off := *stackOff
		*stackOff += size
		return CCLocation{Kind: CCOnStack, StackOff: off}
	}

	regs := regsByBank[a.Bank]
	idx := next[a.Bank]
	if *forceRemaining == 0 && idx < len(regs) {
		next[a.Bank] = idx + 1
		if isArg && c.vararg && a.Bank == c.info.FPBank {
			c.VS.XMMCount++
		}
		return CCLocation{Kind: CCInReg, Reg: regs[idx]}
	}

	if *forceRemaining > 0 {
		*forceRemaining--
	}
	if a.Consecutive > 1 {
		*forceRemaining = int(a.Consecutive) - 1
	}

	align := uint32(a.Align)
	if align < 8 {
		align = 8
	}
	off := alignUp32(*stackOff, align)
	size := uint32(a.Size)
	if size < align {
		size = align
	}
	*stackOff = off + size
	return CCLocation{Kind: CCOnStack, StackOff: off}
}

// ArgStackSize returns the outgoing argument area's size accumulated so far.
func (c *CCAssigner) ArgStackSize() uint32 { return c.argStackOff }

// RetStackSize returns the stack space accumulated for stack-returned
// values so far (rare under SysV; large aggregates use sret instead).
func (c *CCAssigner) RetStackSize() uint32 { return c.retStackOff }

// IsVararg reports whether this assigner is tracking the XMM-count
// convention.
func (c *CCAssigner) IsVararg() bool { return c.vararg }

// Info returns the target info this assigner was constructed with.
func (c *CCAssigner) Info() CCInfo { return c.info }

func alignUp32(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}
