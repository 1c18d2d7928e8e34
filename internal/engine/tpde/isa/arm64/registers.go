// Package arm64 is the AAPCS64 AArch64 implementation of
// compiler.TargetHooks and compiler.InstLowerer: register banks, the
// procedure-call standard, prologue/epilogue/CFI synthesis, and lowering of
// internal/engine/tpde/ir/text's opcode set to A64 instruction words
// appended to an assembler.Assembler.
//
package arm64

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// GPBank is the only register bank the text IR frontend uses; FPBank is
// declared for CCInfo's benefit the same way isa/amd64 declares it.
const GPBank ir.Bank = 0
const FPBank ir.Bank = 1

// Logical register indices in the numbering this package's RegisterFile
// bank is configured with; physRegOf maps these to the real 5-bit A64
// register number. x16/x17 (the linker/veneer scratch pair, used here for
// frame addressing and byval copies), x18 (platform register), x29 (frame
// pointer), x30 (link register) and sp are deliberately excluded from the
// allocatable set.
const (
	X0 = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	numGPRegs
)

// physRegOf maps a logical register index to the 5-bit A64 register number
// instruction encodings use.
var physRegOf = [numGPRegs]byte{
	X0: 0, X1: 1, X2: 2, X3: 3, X4: 4, X5: 5, X6: 6, X7: 7,
	X8: 8, X9: 9, X10: 10, X11: 11, X12: 12, X13: 13, X14: 14, X15: 15,
	X19: 19, X20: 20, X21: 21, X22: 22, X23: 23, X24: 24, X25: 25,
	X26: 26, X27: 27, X28: 28,
}

// AArch64's DWARF register numbering matches the machine numbering for
// x0-x30, so physRegOf doubles as the DWARF mapping.
func dwarfReg(r regalloc.Register) byte { return physRegOf[r.Index()] }

// Fixed machine register numbers this package addresses by name.
const (
	physIP0 byte = 16 // x16, frame-addressing scratch.
	physFP  byte = 29 // x29.
	physLR  byte = 30 // x30.
	physSP  byte = 31 // sp in base-register positions, xzr elsewhere.
)

// RegisterFileConfig returns the bank configuration NewRegisterFile expects
// for AAPCS64: one GP bank of numGPRegs allocatable registers.
func RegisterFileConfig() []regalloc.BankConfig {
	return []regalloc.BankConfig{{Bank: GPBank, Base: 0, Count: numGPRegs}}
}

func reg(r regalloc.Register) byte { return physRegOf[r.Index()] }

func gp(idx uint8) regalloc.Register { return regalloc.MakeRegister(GPBank, idx) }
