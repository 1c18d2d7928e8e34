package amd64

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tpde-go/tpde/internal/engine/tpde/assembler"
	"github.com/tpde-go/tpde/internal/engine/tpde/callconv"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir/text"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
	"github.com/tpde-go/tpde/internal/engine/tpde/valref"
)

// CompileInst implements compiler.InstLowerer for internal/engine/tpde/ir/text's
// opcode set (the only frontend this repository ships): add/sub/mul and the
// bitwise ops, shifts, comparisons, const.N, load, store, call.N, br, brif,
// ret.
//
// Every text-IR value is a single 8-byte general-purpose part, so this
// lowering never needs GenericValuePart's multi-kind machinery beyond
// LoadToReg/AllocReg; it is written directly against ValuePartRef.
func (e *Emitter) CompileInst(ctx *valref.Context, fn ir.Function, block ir.Block, inst ir.Instruction) error {
	ti, ok := inst.(*text.Instruction)
	if !ok {
		return fmt.Errorf("isa/amd64: unsupported instruction representation %T", inst)
	}

	switch {
	case ti.Opcode == "add", ti.Opcode == "sub", ti.Opcode == "mul",
		ti.Opcode == "and", ti.Opcode == "or", ti.Opcode == "xor":
		return e.lowerBinOp(ctx, ti)
	case ti.Opcode == "shl", ti.Opcode == "shr":
		return e.lowerShift(ctx, ti)
	case ti.Opcode == "eq", ti.Opcode == "ne", ti.Opcode == "lt":
		return e.lowerCmp(ctx, ti)
	case strings.HasPrefix(ti.Opcode, "const."):
		return e.lowerConst(ctx, ti)
	case strings.HasPrefix(ti.Opcode, "call."):
		return e.lowerCall(ctx, ti)
	case ti.Opcode == "load":
		return e.lowerLoad(ctx, ti)
	case ti.Opcode == "store":
		return e.lowerStore(ctx, ti)
	case ti.Opcode == "br":
		return e.lowerBr(ctx, block)
	case ti.Opcode == "brif":
		return e.lowerBrif(ctx, ti, block)
	case ti.Opcode == "ret":
		return e.lowerRet(ctx, ti)
	default:
		return fmt.Errorf("isa/amd64: unhandled opcode %q", ti.Opcode)
	}
}

// operandReg materializes one operand into a register: ordinary SSA values
// load through their ValuePartRef; variable-refs (allocas) are addresses,
// computed with a lea off the frame base into a scratch. The returned
// release func drops whatever handles were taken.
func (e *Emitter) operandReg(ctx *valref.Context, v ir.Value) (regalloc.Register, func(), error) {
	ref := ctx.PartRefOf(v, 0)
	if v.IsVariableRef() {
		s, err := ctx.AllocScratch(GPBank)
		if err != nil {
			ref.Release()
			return regalloc.InvalidRegister, nil, err
		}
		e.leaRBP(s.Reg(), ref.FrameOff())
		return s.Reg(), func() { s.Release(); ref.Release() }, nil
	}
	r, err := ref.LoadToReg(GPBank)
	if err != nil {
		ref.Release()
		return regalloc.InvalidRegister, nil, err
	}
	return r, ref.Release, nil
}

func (e *Emitter) lowerBinOp(ctx *valref.Context, ti *text.Instruction) error {
	ops := ti.Operands()
	aReg, aDone, err := e.operandReg(ctx, ops[0])
	if err != nil {
		return err
	}
	defer aDone()
	bReg, bDone, err := e.operandReg(ctx, ops[1])
	if err != nil {
		return err
	}
	defer bDone()

	// Compute into the result's own register; the inputs stay untouched
	// since either may still be live.
	res := ctx.PartRefOf(ti.Results()[0], 0)
	defer res.Release()
	resReg, err := res.AllocReg(GPBank)
	if err != nil {
		return err
	}
	if resReg != aReg {
		e.movRegReg(resReg, aReg)
	}

	switch ti.Opcode {
	case "add":
		e.arithRegReg(opAdd, resReg, bReg)
	case "sub":
		e.arithRegReg(opSub, resReg, bReg)
	case "mul":
		e.imulRegReg(resReg, bReg)
	case "and":
		e.arithRegReg(opAnd, resReg, bReg)
	case "or":
		e.arithRegReg(opOr, resReg, bReg)
	case "xor":
		e.arithRegReg(opXor, resReg, bReg)
	}
	res.SetModified()
	return nil
}

// lowerShift routes the count through CL, the only register x86-64's
// variable shifts accept.
func (e *Emitter) lowerShift(ctx *valref.Context, ti *text.Instruction) error {
	cl, err := ctx.AllocScratchSpecific(gp(RCX))
	if err != nil {
		return err
	}
	defer cl.Release()

	ops := ti.Operands()
	aReg, aDone, err := e.operandReg(ctx, ops[0])
	if err != nil {
		return err
	}
	defer aDone()
	bReg, bDone, err := e.operandReg(ctx, ops[1])
	if err != nil {
		return err
	}
	defer bDone()
	e.movRegReg(gp(RCX), bReg)

	res := ctx.PartRefOf(ti.Results()[0], 0)
	defer res.Release()
	resReg, err := res.AllocReg(GPBank)
	if err != nil {
		return err
	}
	if resReg != aReg {
		e.movRegReg(resReg, aReg)
	}
	if ti.Opcode == "shl" {
		e.shiftCl(shiftLeft, resReg)
	} else {
		e.shiftCl(shiftRight, resReg)
	}
	res.SetModified()
	return nil
}

func (e *Emitter) lowerCmp(ctx *valref.Context, ti *text.Instruction) error {
	ops := ti.Operands()
	aReg, aDone, err := e.operandReg(ctx, ops[0])
	if err != nil {
		return err
	}
	defer aDone()
	bReg, bDone, err := e.operandReg(ctx, ops[1])
	if err != nil {
		return err
	}
	defer bDone()

	res := ctx.PartRefOf(ti.Results()[0], 0)
	defer res.Release()
	resReg, err := res.AllocReg(GPBank)
	if err != nil {
		return err
	}

	// Zero the destination before the compare so the setcc byte write
	// yields a clean 0/1; xor would clobber the flags if placed after.
	e.arithRegReg(opXor, resReg, resReg)
	e.cmpRegReg(aReg, bReg)
	switch ti.Opcode {
	case "eq":
		e.setccReg(ccE, resReg)
	case "ne":
		e.setccReg(ccNE, resReg)
	case "lt":
		e.setccReg(ccL, resReg)
	}
	res.SetModified()
	return nil
}

func (e *Emitter) lowerConst(ctx *valref.Context, ti *text.Instruction) error {
	raw := strings.TrimPrefix(ti.Opcode, "const.")
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("isa/amd64: bad constant %q: %w", raw, err)
	}
	res := ctx.PartRefOf(ti.Results()[0], 0)
	defer res.Release()
	r, err := res.AllocReg(GPBank)
	if err != nil {
		return err
	}
	e.movRegImm64(r, uint64(v))
	res.SetModified()
	return nil
}

// lowerCall drives a CallBuilder through a direct call: every text-IR value
// is one 8-byte GP part, so each operand is one integer argument and the
// single result binds to rax per SysV.
func (e *Emitter) lowerCall(ctx *valref.Context, ti *text.Instruction) error {
	symbol := strings.TrimPrefix(ti.Opcode, "call.")

	var args []callconv.Arg
	var refs []*valref.ValuePartRef
	defer func() {
		for i := len(refs) - 1; i >= 0; i-- {
			refs[i].Release()
		}
	}()
	for _, op := range ti.Operands() {
		if op.IsVariableRef() {
			// The call builder loads operands by value; passing an alloca's
			// address would need a materialization step this frontend does
			// not have. Surfaces as a per-function unsupported error.
			return fmt.Errorf("isa/amd64: variable-ref call argument unsupported")
		}
		ref := ctx.PartRefOf(op, 0)
		refs = append(refs, ref)
		args = append(args, callconv.Arg{
			CCAssignment: callconv.CCAssignment{Bank: GPBank, Size: 8, Align: 8},
			Value:        ref,
		})
	}

	res := ctx.PartRefOf(ti.Results()[0], 0)
	defer res.Release()
	results := []callconv.Result{{
		CCAssignment: callconv.CCAssignment{Bank: GPBank, Size: 8, Align: 8},
		Dest:         res,
	}}

	cb := callconv.NewCallBuilder(callconv.NewCCAssigner(SysVCC(), false))
	return cb.Build(ctx, e, callconv.Callee{Symbol: symbol}, args, results)
}

// canFuseFrameSlot reports whether a load/store through ptr can fold the
// frame-base addressing mode into the memory operand instead of
// materializing the address: any alloca qualifies on x86-64, whose disp32
// covers every frame offset this compiler produces.
func (e *Emitter) canFuseFrameSlot(ptr ir.Value) bool {
	return ptr.IsVariableRef() && ptr.AllocaSize() > 0
}

func (e *Emitter) lowerLoad(ctx *valref.Context, ti *text.Instruction) error {
	ptr := ti.Operands()[0]
	res := ctx.PartRefOf(ti.Results()[0], 0)
	defer res.Release()

	if e.canFuseFrameSlot(ptr) {
		ref := ctx.PartRefOf(ptr, 0)
		defer ref.Release()
		dst, err := res.AllocReg(GPBank)
		if err != nil {
			return err
		}
		e.loadMemRBP(dst, ref.FrameOff())
		res.SetModified()
		return nil
	}

	ptrReg, done, err := e.operandReg(ctx, ptr)
	if err != nil {
		return err
	}
	defer done()
	dst, err := res.AllocReg(GPBank)
	if err != nil {
		return err
	}
	e.loadMem(dst, ptrReg, 0)
	res.SetModified()
	return nil
}

func (e *Emitter) lowerStore(ctx *valref.Context, ti *text.Instruction) error {
	ops := ti.Operands()
	valReg, valDone, err := e.operandReg(ctx, ops[1])
	if err != nil {
		return err
	}
	defer valDone()

	if e.canFuseFrameSlot(ops[0]) {
		ref := ctx.PartRefOf(ops[0], 0)
		defer ref.Release()
		e.storeMemRBP(valReg, ref.FrameOff())
		return nil
	}

	ptrReg, ptrDone, err := e.operandReg(ctx, ops[0])
	if err != nil {
		return err
	}
	defer ptrDone()
	e.storeMem(ptrReg, valReg, 0)
	return nil
}

func (e *Emitter) lowerBr(ctx *valref.Context, block ir.Block) error {
	succs := block.Succs()
	e.emitJump(succs[0])
	return nil
}

func (e *Emitter) lowerBrif(ctx *valref.Context, ti *text.Instruction, block ir.Block) error {
	cond := ctx.PartRefOf(ti.Operands()[0], 0)
	defer cond.Release()
	condReg, err := cond.LoadToReg(GPBank)
	if err != nil {
		return err
	}
	e.testRegReg(condReg)

	succs := block.Succs()
	// Taken (true) successor first per ir.Block.Succs' documented order.
	start := e.text().Append(jccRel32(ccNE))
	e.addBranchFixup(succs[0], start+6) // jcc rel32 is 6 bytes; fixups record the end.
	e.emitJump(succs[1])
	return nil
}

// emitJump appends an unconditional jump to target, patched immediately if
// target's block label is already bound, or queued as a fixup otherwise.
func (e *Emitter) emitJump(target ir.Block) {
	start := e.text().Append(jmpRel32())
	e.addBranchFixup(target, start+5) // jmp rel32 is 5 bytes; fixups record the end.
}

func (e *Emitter) addBranchFixup(target ir.Block, instrEnd int64) {
	bi := e.an.BlockIdx(target)
	lbl := e.labelFor(bi)
	e.asm.AddFixup(lbl, assembler.SecText, instrEnd, 0, e.patchBranchFixup)
}

func (e *Emitter) lowerRet(ctx *valref.Context, ti *text.Instruction) error {
	ops := ti.Operands()
	if len(ops) == 1 {
		r, done, err := e.operandReg(ctx, ops[0])
		if err != nil {
			return err
		}
		defer done()
		if r != gp(RAX) {
			e.movRegReg(gp(RAX), r)
		}
	}
	// The epilogue placeholder reserved by the driver follows this move
	// and is patched at function-end once the frame size and clobbered
	// callee-saved set are known; nothing else is emitted here.
	return nil
}
