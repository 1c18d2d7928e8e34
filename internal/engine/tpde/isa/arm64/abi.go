package arm64

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/callconv"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// aapcsArgRegs is the AAPCS64 integer argument register order: x0-x7.
var aapcsArgRegs = []regalloc.Register{
	gp(X0), gp(X1), gp(X2), gp(X3), gp(X4), gp(X5), gp(X6), gp(X7),
}

// aapcsRetRegs is the integer return register order: x0, x1.
var aapcsRetRegs = []regalloc.Register{gp(X0), gp(X1)}

// aapcsCalleeSaved is x19-x28; x29/x30 are the frame pointer and link
// register, saved unconditionally by the prologue's stp rather than through
// the clobber-tracking protocol.
var aapcsCalleeSaved = []regalloc.Register{
	gp(X19), gp(X20), gp(X21), gp(X22), gp(X23), gp(X24), gp(X25),
	gp(X26), gp(X27), gp(X28),
}

// aapcsAllocatable is every logical register: the reserved machine
// registers (x16-x18, x29, x30, sp) never received a logical index at all.
var aapcsAllocatable = []regalloc.Register{
	gp(X0), gp(X1), gp(X2), gp(X3), gp(X4), gp(X5), gp(X6), gp(X7),
	gp(X8), gp(X9), gp(X10), gp(X11), gp(X12), gp(X13), gp(X14), gp(X15),
	gp(X19), gp(X20), gp(X21), gp(X22), gp(X23), gp(X24), gp(X25),
	gp(X26), gp(X27), gp(X28),
}

// AAPCS64CC returns the AArch64 procedure-call-standard table. Unlike
// x86-64 there is no vararg register-count convention; vararg calls only
// affect how the callee saves its register arguments, which is the
// callee-frontend's concern, not this table's.
func AAPCS64CC() callconv.CCInfo {
	return callconv.CCInfo{
		ArgRegs:     map[ir.Bank][]regalloc.Register{GPBank: aapcsArgRegs},
		RetRegs:     map[ir.Bank][]regalloc.Register{GPBank: aapcsRetRegs},
		CalleeSaved: aapcsCalleeSaved,
		Allocatable: aapcsAllocatable,
		FPBank:      FPBank,
		PtrBank:     GPBank,
	}
}
