package callconv

import (
	"fmt"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
	"github.com/tpde-go/tpde/internal/engine/tpde/valref"
)

// CallEmitter is the narrow code-emission surface CallBuilder needs from
// the per-ISA lowering layer: everything about a call sequence that isn't
// itself governed by the register file / stack frame bookkeeping valref
// already owns. Implementations live in isa/amd64 and isa/arm64.
type CallEmitter interface {
	// MoveToReg moves src into dst, both already-materialized registers of
	// the given bank.
	MoveToReg(dst, src regalloc.Register, bank ir.Bank, size uint8)
	// StoreArgStack writes src into the outgoing argument area at sp+off.
	StoreArgStack(off uint32, src regalloc.Register, bank ir.Bank, size uint8)
	// CopyByval copies size bytes from the memory srcPtr addresses into the
	// outgoing argument area at sp+off.
	CopyByval(off uint32, srcPtr regalloc.Register, size uint32)
	// AdjustStack emits `sub sp, delta` for delta > 0 (reserving space) or
	// `add sp, -delta` for delta < 0 (releasing it).
	AdjustStack(delta int32)
	// SetVarargXMMCount emits the x86-64 `mov al, count` convention; a
	// no-op on targets that don't use it.
	SetVarargXMMCount(count uint8)
	// CallDirect/CallIndirect emit the call instruction itself.
	CallDirect(symbol string)
	CallIndirect(target regalloc.Register)
}

// Arg is one outgoing call argument: its calling-convention shape plus the
// value supplying it. For a Byval argument, Value must already be loadable
// to a register holding the source address (i.e. refer to a variable-ref).
// Build consumes Value — each operand of a call is one use — though a
// caller's own deferred Release remains safe (Release is idempotent).
type Arg struct {
	CCAssignment
	Value *valref.ValuePartRef
}

// Result is one incoming return value's shape and destination.
type Result struct {
	CCAssignment
	Dest *valref.ValuePartRef
}

// Callee names a call target: a direct symbol, or an indirect value held in
// a register.
type Callee struct {
	Symbol   string
	Indirect *valref.ValuePartRef
}

// CallBuilder orchestrates one call site's argument marshalling, stack
// adjustment, caller-saved clobber eviction and return-value placement.
// One CallBuilder is scoped to a single CCAssigner and thus a single call
// site.
type CallBuilder struct {
	cc *CCAssigner
}

// NewCallBuilder returns a CallBuilder that will drive cc through exactly
// one call site's argument and return-value assignment.
func NewCallBuilder(cc *CCAssigner) *CallBuilder {
	return &CallBuilder{cc: cc}
}

// Build emits the full call sequence: arguments, stack reservation, vararg
// count, clobber eviction, the call itself, stack restoration, and result
// placement.
func (b *CallBuilder) Build(ctx *valref.Context, emit CallEmitter, callee Callee, args []Arg, results []Result) error {
	// Step 1: run every argument through the assigner first, so the
	// outgoing area's full size is known before anything is stored into it.
	locs := make([]CCLocation, len(args))
	for i := range args {
		locs[i] = b.cc.AssignArg(args[i].CCAssignment)
	}

	// Step 2: reserve the outgoing argument area, 16-byte aligned, if any
	// argument landed on the stack.
	stackSize := alignUp32(b.cc.ArgStackSize(), 16)
	if stackSize > 0 {
		emit.AdjustStack(int32(stackSize))
	}

	// Marshal each argument into its assigned location. Argument registers
	// are pinned as they fill so a later argument's load can neither pick
	// nor evict one; the pins drop right after the call instruction.
	var pinned []*valref.ScratchReg
	var lockedArgRegs []regalloc.Register
	releasePinned := func() {
		for i := len(pinned) - 1; i >= 0; i-- {
			pinned[i].Release()
		}
		pinned = nil
		for _, r := range lockedArgRegs {
			ctx.ReleaseClobberedArgReg(r)
		}
		lockedArgRegs = nil
	}
	defer releasePinned()
	for i := range args {
		if err := b.marshalArg(ctx, emit, &args[i], locs[i], &pinned, &lockedArgRegs); err != nil {
			return err
		}
	}

	// Every argument now sits in its outgoing location; the handles that
	// kept the source registers locked are consumed here (each operand of
	// the call is one use), so the clobber eviction below can spill and
	// release any source register whose value lives past the call. Release
	// is idempotent, so a caller's own deferred Release stays harmless.
	for i := range args {
		args[i].Value.Release()
	}

	// Step 3: x86-64 vararg XMM-count convention.
	if b.cc.IsVararg() {
		emit.SetVarargXMMCount(b.cc.VS.XMMCount)
	}

	// Step 4: evict caller-saved registers still holding live values. Fixed
	// registers are never touched here — the burden of spilling or
	// relocating a fixed caller-saved assignment is on the code that set it
	// up before reaching the call builder.
	info := b.cc.Info()
	for _, r := range info.Allocatable {
		if isCalleeSaved(info.CalleeSaved, r) {
			continue
		}
		if ctx.Regs.IsUsed(r) && !ctx.Regs.IsFixed(r) {
			ctx.EvictRegister(r)
		}
	}

	// Step 5: emit the call.
	if callee.Indirect != nil {
		target, err := callee.Indirect.LoadToReg(info.PtrBank)
		if err != nil {
			return fmt.Errorf("callconv: loading indirect call target: %w", err)
		}
		emit.CallIndirect(target)
	} else {
		emit.CallDirect(callee.Symbol)
	}

	releasePinned()

	// Step 6: restore sp.
	if stackSize > 0 {
		emit.AdjustStack(-int32(stackSize))
	}

	// Step 7: bind return values.
	for i := range results {
		if err := b.placeResult(emit, &results[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *CallBuilder) marshalArg(ctx *valref.Context, emit CallEmitter, a *Arg, loc CCLocation, pinned *[]*valref.ScratchReg, lockedArgRegs *[]regalloc.Register) error {
	if a.Byval {
		srcPtr, err := a.Value.LoadToReg(b.cc.Info().PtrBank)
		if err != nil {
			return fmt.Errorf("callconv: loading byval source address: %w", err)
		}
		emit.CopyByval(loc.StackOff, srcPtr, a.ByvalSize)
		return nil
	}
	src, err := a.Value.LoadToReg(a.Bank)
	if err != nil {
		return fmt.Errorf("callconv: loading argument: %w", err)
	}
	switch loc.Kind {
	case CCInReg:
		if src == loc.Reg {
			// Already in place. The callee owns this register after the call,
			// so bring the value's stack copy up to date now, and pin the
			// register so nothing reuses it before the call is emitted.
			a.Value.EnsureSpilled()
			ctx.Regs.IncLockCount(loc.Reg)
			*lockedArgRegs = append(*lockedArgRegs, loc.Reg)
			return nil
		}
		s, err := ctx.AllocScratchSpecific(loc.Reg)
		if err != nil {
			return fmt.Errorf("callconv: claiming argument register %s: %w", loc.Reg, err)
		}
		*pinned = append(*pinned, s)
		emit.MoveToReg(loc.Reg, src, a.Bank, a.Size)
	case CCOnStack:
		emit.StoreArgStack(loc.StackOff, src, a.Bank, a.Size)
	}
	return nil
}

func (b *CallBuilder) placeResult(emit CallEmitter, r *Result) error {
	loc := b.cc.AssignRet(r.CCAssignment)
	if r.Sret {
		// The callee wrote through the hidden pointer argument passed at
		// step 1; there is no register or stack slot to bind here.
		return nil
	}
	switch loc.Kind {
	case CCInReg:
		if r.Dest.FixedAssignment() {
			r.Dest.WriteFixedRegister(func(dst regalloc.Register) {
				if dst != loc.Reg {
					emit.MoveToReg(dst, loc.Reg, r.Bank, r.Size)
				}
			})
			return nil
		}
		dst, err := r.Dest.AllocReg(r.Bank)
		if err != nil {
			return fmt.Errorf("callconv: binding return register: %w", err)
		}
		if dst != loc.Reg {
			emit.MoveToReg(dst, loc.Reg, r.Bank, r.Size)
		}
		r.Dest.SetModified()
	case CCOnStack:
		// A stack-returned value (a multi-register aggregate return SysV
		// leaves unpacked) is read directly from the outgoing frame by
		// whatever lowers the call's result; CallBuilder itself has nothing
		// to bind.
	}
	return nil
}

func isCalleeSaved(calleeSaved []regalloc.Register, r regalloc.Register) bool {
	for _, cs := range calleeSaved {
		if cs == r {
			return true
		}
	}
	return false
}
