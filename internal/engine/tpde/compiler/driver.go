package compiler

import (
	"fmt"

	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/callconv"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/phi"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
	"github.com/tpde-go/tpde/internal/engine/tpde/valref"
)

// PatchPoint names a position in the instruction stream a Target has emitted
// a placeholder at, to be rewritten once the driver knows the value that
// belongs there (a finalized frame size, or the set of clobbered
// callee-saved registers). Its meaning is entirely up to the Target
// implementation; the driver only ever threads it back to the same Target.
type PatchPoint int

// TargetHooks is everything the driver needs from the per-ISA lowering
// layer beyond per-instruction code generation: prologue/epilogue synthesis
// with back-patchable placeholders, block labels, and the function's DWARF
// unwind info. valref.Emitter, callconv.CallEmitter and phi.Mover are
// embedded because the same concrete isa/amd64 and isa/arm64 types that
// implement this interface also drive spilling, calls and PHI moves during
// per-instruction lowering. Implemented by isa/amd64.Emitter and
// isa/arm64.Emitter.
//
// Not to be confused with the root tpde package's Target type, which is the
// module-level "which ISA" selector the facade's Options use; the facade
// constructs the TargetHooks (and InstLowerer) a Driver runs against from
// that selection.
type TargetHooks interface {
	valref.Emitter
	callconv.CallEmitter
	phi.Mover

	// PointerBank is the register bank a bare pointer/address lives in.
	PointerBank() ir.Bank
	// StackAlign is the required alignment of the finalized frame size
	// (16 on both amd64 SysV and AAPCS64).
	StackAlign() uint32
	// EntryCC returns the calling-convention table argument values arrive
	// under, for the given vararg-ness.
	EntryCC(vararg bool) callconv.CCInfo
	// FrameArgBase is the frame-base-relative offset of the first
	// caller-pushed stack argument (past the saved frame pointer and return
	// address on both SysV targets); stack-assigned argument offsets from
	// the CC assigner are biased by it before becoming variable-refs.
	FrameArgBase() int32
	// MaxCalleeSaved upper-bounds how many callee-saved registers the
	// function might end up clobbering, sizing the callee-saved push
	// placeholder reserved at EmitCalleeSavedPushPlaceholder time.
	MaxCalleeSaved() int

	EmitFunctionLabel(name string)
	EmitProloguePlaceholder() PatchPoint
	PatchFrameSize(p PatchPoint, frameSize uint32)
	EmitCalleeSavedPushPlaceholder(maxCount int) PatchPoint
	PatchCalleeSavedPushes(p PatchPoint, regs []regalloc.Register)
	EmitEpiloguePlaceholder() PatchPoint
	PatchEpilogue(p PatchPoint, frameSize uint32, calleeSaved []regalloc.Register)
	EmitBlockLabel(bi analyzer.BlockIndex)
	EmitFDE(frameSize uint32, calleeSaved []regalloc.Register)
}

// InstLowerer is the pluggable per-instruction code generator the driver
// invokes for every non-fused, non-PHI instruction. Concrete ISAs implement
// this against the concrete IR they accept (isa/amd64 and isa/arm64 both
// lower internal/engine/tpde/ir/text's opcode set, the only frontend this
// repository ships).
type InstLowerer interface {
	CompileInst(ctx *valref.Context, fn ir.Function, block ir.Block, inst ir.Instruction) error
}

// Driver is the per-function compile loop: it
// owns analysis, frame/assignment/register-file reset, argument binding,
// per-block instruction dispatch, delayed-free draining, and the
// prologue/epilogue/CFI back-patching protocol. A Driver is reusable across
// many functions: CompileFunction resets all per-function state at its
// start.
type Driver struct {
	An      *analyzer.Analyzer
	Regs    *regalloc.RegisterFile
	Assigns *regalloc.Assignments
	Frame   *regalloc.StackFrame
	Target  TargetHooks
	Lowerer InstLowerer
	Phis    *phi.Resolver

	// Verify runs verifyRegisterState after every function's last block,
	// turning register-file/assignment-store inconsistencies into
	// per-function errors.
	Verify bool

	valueByIdx map[ir.LocalIdx]ir.Value
}

// NewDriver builds a Driver over already-constructed per-function state
// stores; these are Reset by CompileFunction at the start of every function,
// so the same Driver instance compiles every function of a module.
func NewDriver(an *analyzer.Analyzer, regs *regalloc.RegisterFile, assigns *regalloc.Assignments, frame *regalloc.StackFrame, target TargetHooks, lowerer InstLowerer) *Driver {
	return &Driver{
		An:      an,
		Regs:    regs,
		Assigns: assigns,
		Frame:   frame,
		Target:  target,
		Lowerer: lowerer,
		Phis:    phi.New(),
	}
}

// CompileFunction compiles one function end to end. Any invariant
// violation elsewhere in the backend surfaces as a panic(string); this is
// the one place where it is recovered and turned into an error.
func (d *Driver) CompileFunction(fn ir.Function) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compiler: compiling function %q: %v", fn.Name(), r)
		}
	}()

	if err := d.An.Analyze(fn); err != nil {
		return fmt.Errorf("compiler: analyzing function %q: %w", fn.Name(), err)
	}

	// Reset the frame (the target-specific prologue reservation was
	// already fixed at NewStackFrame time), assignment store, register
	// file and value table.
	d.Frame.Reset()
	d.Assigns.Reset()
	d.Regs.Reset()
	d.valueByIdx = make(map[ir.LocalIdx]ir.Value)

	ctx := valref.NewContext(d.Regs, d.Assigns, d.Frame, d.Target, d.livenessOf(fn))

	// Function symbol, then the prologue placeholder.
	d.Target.EmitFunctionLabel(fn.Name())
	prologuePatch := d.Target.EmitProloguePlaceholder()

	// Reserve callee-saved push space; actual pushes are patched in once
	// the clobbered set is known, at function end.
	pushPatch := d.Target.EmitCalleeSavedPushPlaceholder(d.Target.MaxCalleeSaved())

	// Bind arguments.
	if err := d.bindArgs(ctx, fn); err != nil {
		return err
	}

	// Walk blocks in layout order, compiling instructions and collecting
	// return-site epilogue patches.
	var returnPatches []PatchPoint
	for _, b := range d.An.BlockLayout() {
		bi := d.An.BlockIdx(b)
		ctx.SetBlock(bi)
		if li, ok := d.An.LoopHeaderAt(bi); ok {
			d.Regs.SetLoopDepth(d.An.Loops()[li].Level + 1)
		}
		d.Target.EmitBlockLabel(bi)
		d.recordPhiTargets(ctx, b)

		for inst := b.InstsIteratorBegin(); inst != nil; inst = b.InstsIteratorNext() {
			if inst.Fused() {
				continue
			}
			d.recordResults(inst)

			if inst.IsTerminator() {
				succs := b.Succs()
				for _, s := range succs {
					if d.An.BlockHasPhis(s) {
						if err := d.Phis.Resolve(ctx, d.Target, s, b); err != nil {
							return fmt.Errorf("compiler: resolving PHIs into block from %q: %w", fn.Name(), err)
						}
					}
				}
				spilled := SpillBeforeBranch(ctx, d.An, b, succs)
				if err := d.Lowerer.CompileInst(ctx, fn, b, inst); err != nil {
					return fmt.Errorf("compiler: lowering terminator in function %q: %w", fn.Name(), err)
				}
				if len(succs) == 0 {
					// The return-value moves are in the stream; the epilogue
					// slot follows them and is patched at function end.
					returnPatches = append(returnPatches, d.Target.EmitEpiloguePlaceholder())
				}
				ReleaseSpilledRegs(ctx, spilled)
				continue
			}

			if err := d.Lowerer.CompileInst(ctx, fn, b, inst); err != nil {
				return fmt.Errorf("compiler: lowering instruction in function %q: %w", fn.Name(), err)
			}
		}

		ctx.DrainDelayedFree(bi)
	}

	if d.Verify {
		if err := d.verifyRegisterState(ctx); err != nil {
			return fmt.Errorf("compiler: verifying function %q: %w", fn.Name(), err)
		}
	}

	// Finalize the frame size, callee-saved push set, epilogues, and the
	// function's DWARF FDE.
	frameSize := d.Frame.FinalSize(d.Target.StackAlign())
	clobbered := calleeSavedClobbered(d.Regs, d.Target.EntryCC(fn.IsVararg()).CalleeSaved)

	d.Target.PatchFrameSize(prologuePatch, frameSize)
	d.Target.PatchCalleeSavedPushes(pushPatch, clobbered)
	for _, p := range returnPatches {
		d.Target.PatchEpilogue(p, frameSize, clobbered)
	}
	d.Target.EmitFDE(frameSize, clobbered)

	return nil
}

// livenessOf adapts analyzer.Analyzer's ir.Value-keyed Liveness query to the
// ir.LocalIdx-keyed valref.LivenessOf shape, via the value table the driver
// accumulates as it discovers arguments, instruction results and PHIs.
func (d *Driver) livenessOf(fn ir.Function) valref.LivenessOf {
	return func(local ir.LocalIdx) (analyzer.Liveness, bool) {
		v, ok := d.valueByIdx[local]
		if !ok {
			return analyzer.Liveness{}, false
		}
		lv := d.An.Liveness(v)
		if lv == nil {
			return analyzer.Liveness{}, false
		}
		return *lv, true
	}
}

func (d *Driver) recordResults(inst ir.Instruction) {
	for _, v := range inst.Results() {
		d.valueByIdx[v.LocalIdx()] = v
	}
}

// recordPhiTargets registers a block's PHI values in the value table and
// consumes each one's definition reference: the PHI is defined at its own
// block's entry, so from here only real uses keep it alive.
func (d *Driver) recordPhiTargets(ctx *valref.Context, b ir.Block) {
	for v := b.PhisIteratorBegin(); v != nil; v = b.PhisIteratorNext() {
		d.valueByIdx[v.LocalIdx()] = v
		ctx.ValueRefOf(v).Release()
	}
}

// bindArgs binds function arguments: each is assigned a
// calling-convention location, register-allocated arguments are born bound
// to their incoming register (locked so an earlier argument's register
// cannot be evicted while binding a later one), and only once every
// argument is bound are those registers unlocked back into the allocatable
// pool. Byval and stack-overflow arguments become variable-refs pointing
// into the caller's frame.
func (d *Driver) bindArgs(ctx *valref.Context, fn ir.Function) error {
	cc := callconv.NewCCAssigner(d.Target.EntryCC(fn.IsVararg()), fn.IsVararg())

	type locked struct {
		r regalloc.Register
	}
	var toUnlock []locked

	for v := fn.ArgsIteratorBegin(); v != nil; v = fn.ArgsIteratorNext() {
		d.valueByIdx[v.LocalIdx()] = v
		parts := v.Parts()
		for i, p := range parts {
			loc := cc.AssignArg(callconv.CCAssignment{Bank: p.Bank, Size: p.SizeBytes, Align: p.SizeBytes})
			switch loc.Kind {
			case callconv.CCInReg:
				ref := ctx.BindIncomingReg(v, i, loc.Reg)
				_ = ref
				toUnlock = append(toUnlock, locked{loc.Reg})
			case callconv.CCOnStack:
				if i == 0 {
					ctx.BindStackArg(v, d.Target.FrameArgBase()+int32(loc.StackOff))
				}
			}
		}
	}

	for _, l := range toUnlock {
		d.Regs.DecLockCount(l.r)
	}

	// Consume each argument's definition reference, now that nothing is
	// locked: the liveness count covers the definition plus every use, and
	// binding is the definition. A never-read argument's count hits zero
	// here and its assignment is released immediately.
	for v := fn.ArgsIteratorBegin(); v != nil; v = fn.ArgsIteratorNext() {
		ctx.ValueRefOf(v).Release()
	}
	return nil
}

// verifyRegisterState cross-checks the register file against the
// assignment store once a function's last block has compiled: every
// still-used register naming a value must be named back by that value's
// part, no lock may survive the final handle release, no scratch register
// may leak past its lowering, and the fixed-assignment count per bank must
// respect the configured budget.
func (d *Driver) verifyRegisterState(ctx *valref.Context) error {
	used := d.Regs.UsedMask()
	fixedPerBank := map[ir.Bank]uint32{}
	for bit := 0; bit < 64; bit++ {
		if used&(1<<uint(bit)) == 0 {
			continue
		}
		r := regalloc.Register(bit)
		occ := d.Regs.Assignment(r)
		if occ.LockCount != 0 {
			return fmt.Errorf("register %s still locked (count %d)", r, occ.LockCount)
		}
		if occ.LocalIdx == ir.InvalidLocalIdx {
			return fmt.Errorf("scratch register %s leaked", r)
		}
		a, ok := ctx.Assignments.Get(occ.LocalIdx)
		if !ok {
			return fmt.Errorf("register %s names freed value %d", r, occ.LocalIdx)
		}
		if int(occ.Part) >= len(a.Parts) {
			return fmt.Errorf("register %s names part %d of value %d, which has %d parts", r, occ.Part, occ.LocalIdx, len(a.Parts))
		}
		p := a.Parts[occ.Part]
		if !p.RegisterValid() || p.Register() != r {
			return fmt.Errorf("register %s and part %d of value %d disagree on their binding", r, occ.Part, occ.LocalIdx)
		}
		if p.FixedAssignment() {
			fixedPerBank[r.Bank()]++
		}
	}
	for bank, n := range fixedPerBank {
		if max := d.Regs.MaxFixedFor(bank); max > 0 && n > max {
			return fmt.Errorf("%d fixed assignments in bank %d exceed the budget of %d", n, bank, max)
		}
	}
	return nil
}

// calleeSavedClobbered intersects the calling convention's callee-saved
// register list with the register file's ever-used mask, computed at
// function end once every instruction has been lowered and the clobbered
// set is known.
func calleeSavedClobbered(rf *regalloc.RegisterFile, calleeSaved []regalloc.Register) []regalloc.Register {
	ever := rf.EverUsedMask()
	var out []regalloc.Register
	for _, r := range calleeSaved {
		if ever&(1<<uint(r)) != 0 {
			out = append(out, r)
		}
	}
	return out
}
