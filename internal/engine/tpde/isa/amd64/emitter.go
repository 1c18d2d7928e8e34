package amd64

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/assembler"
	"github.com/tpde-go/tpde/internal/engine/tpde/callconv"
	"github.com/tpde-go/tpde/internal/engine/tpde/compiler"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// Stack slots (spills, alloca storage, variable-ref locations) are addressed
// relative to RBP, established as the frame base by the prologue's
// `push rbp; mov rbp, rsp`. Slot offsets from regalloc.StackFrame are
// negative and usable as RBP displacements directly; caller-frame offsets
// (stack-passed and byval arguments) are positive, starting at RBP+16 past
// the saved RBP and return address. Only the outgoing argument area of a
// call is RSP-relative, since the call builder adjusts RSP around the call.

// Emitter is the concrete isa/amd64 implementation of compiler.TargetHooks
// and compiler.InstLowerer. One Emitter compiles every function of a
// module; per-function mutable state (the block-label table, pending CFI
// rows) is reset at the start of each function by the driver calling
// EmitFunctionLabel.
type Emitter struct {
	asm  *assembler.Assembler
	an   *analyzer.Analyzer
	dw   *assembler.DWARFWriter
	lsda *assembler.LSDAWriter

	maxCalleeSaved int
	blockLabels    map[analyzer.BlockIndex]assembler.Label

	funcSym   assembler.SymbolRef
	funcStart int64
	frameSize uint32
	pushRows  []cfiPush

	varargXMM uint8
}

// cfiPush is one callee-saved push the epilogue/FDE patch steps need to
// describe: where in the function it landed and which DWARF column it saves.
type cfiPush struct {
	codeOff  uint32
	dwarfReg uint8
}

// DWARF x86-64 register numbering constants this emitter needs by name.
const (
	dwarfRBP uint8 = 6
	dwarfRSP uint8 = 7
	dwarfRA  uint8 = 16 // return-address column.
)

// NewEmitter builds an Emitter sharing an to resolve ir.Block successors to
// the same BlockIndex numbering the driver's analyzer assigned, and asm to
// append code/data/relocations to.
func NewEmitter(asm *assembler.Assembler, an *analyzer.Analyzer) *Emitter {
	return &Emitter{
		asm: asm,
		an:  an,
		dw: assembler.NewDWARFWriter(assembler.CIEInfo{
			ReturnAddressReg: dwarfRA,
			CodeAlignFactor:  1,
			DataAlignFactor:  -8,
			EntryCFAReg:      dwarfRSP,
			EntryCFAOffset:   8, // the call pushed the return address.
		}, assembler.MachineX86_64),
		lsda:           assembler.NewLSDAWriter(assembler.MachineX86_64),
		maxCalleeSaved: len(sysvCalleeSaved),
	}
}

func (e *Emitter) PointerBank() ir.Bank           { return GPBank }
func (e *Emitter) StackAlign() uint32             { return 16 }
func (e *Emitter) MaxCalleeSaved() int            { return e.maxCalleeSaved }
func (e *Emitter) EntryCC(bool) callconv.CCInfo   { return SysVCC() }

// FrameArgBase is the RBP-relative offset of the first caller-pushed stack
// argument: past the saved RBP at [rbp] and the return address at [rbp+8].
func (e *Emitter) FrameArgBase() int32 { return 16 }

func (e *Emitter) EmitFunctionLabel(name string) {
	e.blockLabels = make(map[analyzer.BlockIndex]assembler.Label)
	e.pushRows = nil
	e.frameSize = 0
	e.funcStart = e.text().Offset()
	e.funcSym = e.asm.DefineSymbol(name, assembler.SecText, e.funcStart, 0, assembler.BindGlobal)
}

// EmitProloguePlaceholder appends `push rbp; mov rbp, rsp; sub rsp, 0` and
// returns the patch point of the sub's immediate, rewritten by
// PatchFrameSize once the final frame size is known.
func (e *Emitter) EmitProloguePlaceholder() compiler.PatchPoint {
	e.text().Append([]byte{pushRbpByte})
	e.text().Append(movRbpRsp())
	off := e.text().Append(subRspImm32(0))
	return compiler.PatchPoint(off)
}

func (e *Emitter) PatchFrameSize(p compiler.PatchPoint, frameSize uint32) {
	e.frameSize = frameSize
	e.text().PatchAt(int64(p), subRspImm32(frameSize))
}

func (e *Emitter) EmitCalleeSavedPushPlaceholder(maxCount int) compiler.PatchPoint {
	buf := make([]byte, maxCount*2)
	for i := range buf {
		buf[i] = nopByte
	}
	off := e.text().Append(buf)
	return compiler.PatchPoint(off)
}

func (e *Emitter) PatchCalleeSavedPushes(p compiler.PatchPoint, regs []regalloc.Register) {
	reserved := e.maxCalleeSaved * 2
	buf := make([]byte, 0, reserved)
	codeOff := uint32(int64(p) - e.funcStart)
	for _, r := range regs {
		inst := e.pushRegBytes(r)
		e.pushRows = append(e.pushRows, cfiPush{
			codeOff:  codeOff + uint32(len(buf)) + uint32(len(inst)),
			dwarfReg: dwarfReg(r),
		})
		buf = append(buf, inst...)
	}
	for len(buf) < reserved {
		buf = append(buf, nopByte)
	}
	e.text().PatchAt(int64(p), buf)
}

func (e *Emitter) EmitEpiloguePlaceholder() compiler.PatchPoint {
	reserved := e.maxCalleeSaved*2 + 7 + 1 + 1 // pops + add rsp,imm32 + pop rbp + ret.
	buf := make([]byte, reserved)
	for i := range buf {
		buf[i] = nopByte
	}
	off := e.text().Append(buf)
	return compiler.PatchPoint(off)
}

func (e *Emitter) PatchEpilogue(p compiler.PatchPoint, frameSize uint32, calleeSaved []regalloc.Register) {
	popsReserved := e.maxCalleeSaved * 2
	pops := make([]byte, 0, popsReserved)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		pops = append(pops, e.popRegBytes(calleeSaved[i])...)
	}
	for len(pops) < popsReserved {
		pops = append(pops, nopByte)
	}
	buf := append(pops, addRspImm32(frameSize)...)
	buf = append(buf, popRbpByte, retByte)
	e.text().PatchAt(int64(p), buf)
}

func (e *Emitter) EmitBlockLabel(bi analyzer.BlockIndex) {
	lbl := e.labelFor(bi)
	e.asm.BindLabel(lbl, assembler.SecText, e.patchBranchFixup)
}

// patchBranchFixup resolves one pending jmp/jcc fixup, whether applied
// immediately by AddFixup (label already bound) or later by BindLabel:
// fixupOffset is the byte position immediately after the 4-byte rel32
// field (as recorded by addBranchFixup/emitJump), so the displacement is
// simply targetOffset-fixupOffset.
func (e *Emitter) patchBranchFixup(sec assembler.SectionKind, fixupOffset int64, kind int, _ assembler.SectionKind, targetOffset int64) {
	patchRel32(e.asm.Section(sec), fixupOffset, targetOffset)
}

func (e *Emitter) labelFor(bi analyzer.BlockIndex) assembler.Label {
	if l, ok := e.blockLabels[bi]; ok {
		return l
	}
	l := e.asm.NewLabel()
	e.blockLabels[bi] = l
	return l
}

// EmitFDE describes this function's prologue to the unwinder: the CFA moves
// to rsp+16 after `push rbp`, then to rbp+16 after `mov rbp, rsp`; each
// callee-saved push adds one offset row below the frame's fixed area.
func (e *Emitter) EmitFDE(frameSize uint32, calleeSaved []regalloc.Register) {
	funcLen := uint32(e.text().Offset() - e.funcStart)

	var prog assembler.CFIProgram
	prog.AdvanceTo(1) // past `push rbp`.
	prog.DefCFAOffset(16)
	prog.Offset(dwarfRBP, 2)
	prog.AdvanceTo(4) // past `mov rbp, rsp`.
	prog.DefCFARegister(dwarfRBP)
	for i, row := range e.pushRows {
		prog.AdvanceTo(row.codeOff)
		// Saved below the saved-RBP/return-address pair and the frame.
		prog.Offset(row.dwarfReg, uint64(3+int(frameSize/8)+i))
	}

	e.dw.EmitFDE(e.asm, e.funcSym, funcLen, false, 0, 0, false, prog.Bytes())
}

// EmitSpill writes r to its stack slot at frameOff, relative to RBP.
func (e *Emitter) EmitSpill(r regalloc.Register, frameOff int32, size uint8) {
	e.storeMemRBP(r, frameOff)
}

// EmitReload reads r back from its stack slot at frameOff.
func (e *Emitter) EmitReload(r regalloc.Register, frameOff int32, size uint8) {
	e.loadMemRBP(r, frameOff)
}

// MoveRegToReg implements phi.Mover: a direct register-to-register copy for
// a PHI edge.
func (e *Emitter) MoveRegToReg(dst, src regalloc.Register, bank ir.Bank, size uint8) {
	if dst == src {
		return
	}
	e.movRegReg(dst, src)
}

// MoveToReg implements callconv.CallEmitter: moves an already-materialized
// argument/result value between registers ahead of a call.
func (e *Emitter) MoveToReg(dst, src regalloc.Register, bank ir.Bank, size uint8) {
	if dst == src {
		return
	}
	e.movRegReg(dst, src)
}

// StoreArgStack writes an outgoing stack argument at rsp+off, inside the
// argument area the call builder's AdjustStack reserved.
func (e *Emitter) StoreArgStack(off uint32, src regalloc.Register, bank ir.Bank, size uint8) {
	e.storeMemRSP(src, int32(off))
}

// CopyByval copies a byval aggregate into the outgoing argument area one
// word at a time via a scratch register; the caller (CallBuilder) has
// already verified srcPtr holds the source address.
func (e *Emitter) CopyByval(off uint32, srcPtr regalloc.Register, size uint32) {
	scratch := gp(R11) // volatile, never an argument register; safe between arg placements.
	for i := uint32(0); i+8 <= size; i += 8 {
		e.loadMem(scratch, srcPtr, int32(i))
		e.storeMemRSP(scratch, int32(off+i))
	}
}

// AdjustStack emits `sub rsp, delta` (delta > 0) or `add rsp, -delta`.
func (e *Emitter) AdjustStack(delta int32) {
	if delta == 0 {
		return
	}
	if delta > 0 {
		e.text().Append(subRspImm32(uint32(delta)))
	} else {
		e.text().Append(addRspImm32(uint32(-delta)))
	}
}

// SetVarargXMMCount emits `mov al, count`, the SysV vararg convention
// communicating how many XMM registers carry arguments.
func (e *Emitter) SetVarargXMMCount(count uint8) {
	e.varargXMM = count
	e.text().Append([]byte{0xB0, count}) // mov al, imm8.
}

// CallDirect emits `call symbol`, relocated against symbol (defined in
// this module or left undefined for the linker/JIT loader to resolve).
func (e *Emitter) CallDirect(symbol string) {
	sym := e.asm.UndefinedSymbol(symbol)
	off := e.text().Append(callRel32())
	e.asm.AddRelocation(assembler.SecText, off+1, sym, assembler.RelX86_64_PLT32, -4)
}

// CallIndirect emits `call target` through a register: REX.B? + 0xFF /2.
func (e *Emitter) CallIndirect(target regalloc.Register) {
	t := reg(target)
	buf := []byte{}
	if t >= 8 {
		buf = append(buf, rex(false, false, false, true))
	}
	buf = append(buf, 0xFF, modrm(3, 2, t))
	e.text().Append(buf)
}
