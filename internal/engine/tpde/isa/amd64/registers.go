// Package amd64 is the System V x86-64 implementation of compiler.TargetHooks
// and compiler.InstLowerer: register banks, the SysV calling convention,
// prologue/epilogue/CFI synthesis, and lowering of
// internal/engine/tpde/ir/text's opcode set straight to machine code bytes
// appended to an assembler.Assembler.
//
package amd64

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// GPBank is the only register bank the text IR frontend uses; FPBank is
// named but no float/SIMD registers are configured for it, since nothing in
// this repository's IR frontend
// produces floating-point values (SysV XMM argument passing is still
// honored by CCInfo's FPBank field for forward compatibility with a richer
// adapter).
const GPBank ir.Bank = 0
const FPBank ir.Bank = 1

// Logical register indices, in the numbering this package's RegisterFile
// bank is configured with (0..13); physRegOf maps these to the real 4-bit
// x86-64 register encoding. RSP and RBP are deliberately excluded from the
// allocatable set: RSP is the stack pointer and RBP this package's chosen
// frame base, neither available to the allocator.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	numGPRegs
)

// physRegOf maps a logical register index to the physical 4-bit encoding
// x86-64 instructions use (including the REX.B/R/X extension bit in bit 3).
var physRegOf = [numGPRegs]byte{
	RAX: 0, RCX: 1, RDX: 2, RBX: 3,
	RSI: 6, RDI: 7,
	R8: 8, R9: 9, R10: 10, R11: 11, R12: 12, R13: 13, R14: 14, R15: 15,
}

// dwarfRegOf maps a logical register index to its DWARF register number
// (the x86-64 DWARF register numbering, which does not match the ModRM
// encoding order).
var dwarfRegOf = [numGPRegs]byte{
	RAX: 0, RCX: 2, RDX: 1, RBX: 3,
	RSI: 4, RDI: 5,
	R8: 8, R9: 9, R10: 10, R11: 11, R12: 12, R13: 13, R14: 14, R15: 15,
}

// regName is used only for diagnostics (panic messages, disassembly-free
// debugging); it is not load-bearing for codegen.
var regName = [numGPRegs]string{
	RAX: "rax", RCX: "rcx", RDX: "rdx", RBX: "rbx", RSI: "rsi", RDI: "rdi",
	R8: "r8", R9: "r9", R10: "r10", R11: "r11", R12: "r12", R13: "r13", R14: "r14", R15: "r15",
}

// RegisterFileConfig returns the bank configuration NewRegisterFile expects
// for SysV x86-64: one GP bank of numGPRegs allocatable registers.
func RegisterFileConfig() []regalloc.BankConfig {
	return []regalloc.BankConfig{{Bank: GPBank, Base: 0, Count: numGPRegs}}
}

func reg(r regalloc.Register) byte { return physRegOf[r.Index()] }

func dwarfReg(r regalloc.Register) byte { return dwarfRegOf[r.Index()] }

func gp(idx uint8) regalloc.Register { return regalloc.MakeRegister(GPBank, idx) }
