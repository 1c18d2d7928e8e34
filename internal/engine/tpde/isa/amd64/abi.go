package amd64

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/callconv"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// sysvArgRegs is the SysV x86-64 integer argument register order (AMD64
// ABI draft, §3.2.3): rdi, rsi, rdx, rcx, r8, r9.
var sysvArgRegs = []regalloc.Register{gp(RDI), gp(RSI), gp(RDX), gp(RCX), gp(R8), gp(R9)}

// sysvRetRegs is the integer return register order: rax, rdx.
var sysvRetRegs = []regalloc.Register{gp(RAX), gp(RDX)}

// sysvCalleeSaved is rbx, r12-r15; rbp is this package's dedicated frame
// base and is never in the allocatable set at all, so it is not listed
// here (there is nothing for the allocator to clobber).
var sysvCalleeSaved = []regalloc.Register{gp(RBX), gp(R12), gp(R13), gp(R14), gp(R15)}

// sysvAllocatable is every logical register; rsp and rbp never received a
// logical index at all. rax is allocatable like any other caller-saved
// register — the vararg `al` write happens after the call builder's clobber
// eviction has already emptied it.
var sysvAllocatable = []regalloc.Register{
	gp(RAX), gp(RCX), gp(RDX), gp(RBX), gp(RSI), gp(RDI),
	gp(R8), gp(R9), gp(R10), gp(R11), gp(R12), gp(R13), gp(R14), gp(R15),
}

// SysVCC returns the System V AMD64 calling convention table, identical for
// vararg and non-vararg entry per the ABI (the caller's `al` register
// communicates XMM count; integer argument classification is unaffected).
func SysVCC() callconv.CCInfo {
	return callconv.CCInfo{
		ArgRegs:     map[ir.Bank][]regalloc.Register{GPBank: sysvArgRegs},
		RetRegs:     map[ir.Bank][]regalloc.Register{GPBank: sysvRetRegs},
		CalleeSaved: sysvCalleeSaved,
		Allocatable: sysvAllocatable,
		FPBank:      FPBank,
		PtrBank:     GPBank,
	}
}
