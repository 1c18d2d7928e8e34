package arm64

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/assembler"
	"github.com/tpde-go/tpde/internal/engine/tpde/callconv"
	"github.com/tpde-go/tpde/internal/engine/tpde/compiler"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// Stack slots are addressed relative to x29, established as the frame base
// by the prologue's `stp x29, x30, [sp, #-16]!; mov x29, sp`. Slot offsets
// from regalloc.StackFrame are negative; caller-frame offsets (stack-passed
// and byval arguments) are positive, starting at x29+16 past the saved
// frame-pointer/link-register pair. Only a call's outgoing argument area is
// sp-relative.

// Emitter is the concrete isa/arm64 implementation of compiler.TargetHooks
// and compiler.InstLowerer; the structural mirror of isa/amd64's Emitter
// with A64 instruction words in place of x86 byte sequences.
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
}

type cfiPush struct {
	codeOff  uint32
	dwarfReg byte
}

// NewEmitter builds an Emitter sharing an to resolve ir.Block successors to
// the same BlockIndex numbering the driver's analyzer assigned, and asm to
// append code/data/relocations to.
func NewEmitter(asm *assembler.Assembler, an *analyzer.Analyzer) *Emitter {
	return &Emitter{
		asm: asm,
		an:  an,
		dw: assembler.NewDWARFWriter(assembler.CIEInfo{
			ReturnAddressReg: physLR,
			CodeAlignFactor:  1,
			DataAlignFactor:  -8,
			EntryCFAReg:      physSP,
			EntryCFAOffset:   0, // bl leaves the return address in x30, not on the stack.
		}, assembler.MachineAArch64),
		lsda:           assembler.NewLSDAWriter(assembler.MachineAArch64),
		maxCalleeSaved: len(aapcsCalleeSaved),
	}
}

func (e *Emitter) PointerBank() ir.Bank         { return GPBank }
func (e *Emitter) StackAlign() uint32           { return 16 }
func (e *Emitter) MaxCalleeSaved() int          { return e.maxCalleeSaved }
func (e *Emitter) EntryCC(bool) callconv.CCInfo { return AAPCS64CC() }

// FrameArgBase is the x29-relative offset of the first caller-pushed stack
// argument: past the saved x29/x30 pair.
func (e *Emitter) FrameArgBase() int32 { return 16 }

func (e *Emitter) EmitFunctionLabel(name string) {
	e.blockLabels = make(map[analyzer.BlockIndex]assembler.Label)
	e.pushRows = nil
	e.frameSize = 0
	e.funcStart = e.text().Offset()
	e.funcSym = e.asm.DefineSymbol(name, assembler.SecText, e.funcStart, 0, assembler.BindGlobal)
}

// EmitProloguePlaceholder appends `stp x29, x30, [sp, #-16]!; mov x29, sp`
// followed by a two-word sp-adjustment placeholder rewritten by
// PatchFrameSize once the final frame size is known.
func (e *Emitter) EmitProloguePlaceholder() compiler.PatchPoint {
	e.word(instStpFpLrPre)
	e.word(instMovFpSp)
	off := e.word(instNop)
	e.word(instNop)
	return compiler.PatchPoint(off)
}

func (e *Emitter) PatchFrameSize(p compiler.PatchPoint, frameSize uint32) {
	e.frameSize = frameSize
	e.text().PatchAt(int64(p), addSubSPWords(int64(frameSize)))
}

func (e *Emitter) EmitCalleeSavedPushPlaceholder(maxCount int) compiler.PatchPoint {
	var off int64 = -1
	for i := 0; i < maxCount; i++ {
		o := e.word(instNop)
		if off < 0 {
			off = o
		}
	}
	return compiler.PatchPoint(off)
}

func (e *Emitter) PatchCalleeSavedPushes(p compiler.PatchPoint, regs []regalloc.Register) {
	buf := make([]byte, 0, e.maxCalleeSaved*4)
	codeOff := uint32(int64(p) - e.funcStart)
	for _, r := range regs {
		buf = append(buf, wordBytes(strPreIndex16(reg(r)))...)
		e.pushRows = append(e.pushRows, cfiPush{
			codeOff:  codeOff + uint32(len(buf)),
			dwarfReg: dwarfReg(r),
		})
	}
	for len(buf) < e.maxCalleeSaved*4 {
		buf = append(buf, wordBytes(instNop)...)
	}
	e.text().PatchAt(int64(p), buf)
}

func (e *Emitter) EmitEpiloguePlaceholder() compiler.PatchPoint {
	// Restores + two-word sp adjustment + ldp x29,x30 + ret.
	words := e.maxCalleeSaved + 2 + 1 + 1
	var off int64 = -1
	for i := 0; i < words; i++ {
		o := e.word(instNop)
		if off < 0 {
			off = o
		}
	}
	return compiler.PatchPoint(off)
}

func (e *Emitter) PatchEpilogue(p compiler.PatchPoint, frameSize uint32, calleeSaved []regalloc.Register) {
	buf := make([]byte, 0, (e.maxCalleeSaved+4)*4)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		buf = append(buf, wordBytes(ldrPostIndex16(reg(calleeSaved[i])))...)
	}
	for len(buf) < e.maxCalleeSaved*4 {
		buf = append(buf, wordBytes(instNop)...)
	}
	buf = append(buf, addSubSPWords(-int64(frameSize))...)
	buf = append(buf, wordBytes(instLdpFpLrPost)...)
	buf = append(buf, wordBytes(instRet)...)
	e.text().PatchAt(int64(p), buf)
}

func (e *Emitter) EmitBlockLabel(bi analyzer.BlockIndex) {
	lbl := e.labelFor(bi)
	e.asm.BindLabel(lbl, assembler.SecText, e.patchBranchFixup)
}

// patchBranchFixup resolves one pending b/b.cond fixup; fixupOffset is the
// branch instruction's own position (A64 branches are pc-relative to the
// instruction itself, unlike x86's next-instruction-relative rel32).
func (e *Emitter) patchBranchFixup(sec assembler.SectionKind, fixupOffset int64, kind int, _ assembler.SectionKind, targetOffset int64) {
	patchBranch(e.asm.Section(sec), fixupOffset, kind, targetOffset)
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
// to sp+16 after the stp (which also saved x29/x30), then to x29+16 after
// `mov x29, sp`; each callee-saved save adds one offset row.
func (e *Emitter) EmitFDE(frameSize uint32, calleeSaved []regalloc.Register) {
	funcLen := uint32(e.text().Offset() - e.funcStart)

	var prog assembler.CFIProgram
	prog.AdvanceTo(4) // past the stp.
	prog.DefCFAOffset(16)
	prog.Offset(physFP, 2)
	prog.Offset(physLR, 1)
	prog.AdvanceTo(8) // past `mov x29, sp`.
	prog.DefCFARegister(physFP)
	for i, row := range e.pushRows {
		prog.AdvanceTo(row.codeOff)
		// Each save consumed 16 bytes below the fixed pair and the frame.
		prog.Offset(row.dwarfReg, uint64(2+int(frameSize/8)+2*(i+1)))
	}

	e.dw.EmitFDE(e.asm, e.funcSym, funcLen, false, 0, 0, false, prog.Bytes())
}

// EmitSpill writes r to its stack slot at frameOff, relative to x29.
func (e *Emitter) EmitSpill(r regalloc.Register, frameOff int32, size uint8) {
	e.storeFrame(r, frameOff)
}

// EmitReload reads r back from its stack slot at frameOff.
func (e *Emitter) EmitReload(r regalloc.Register, frameOff int32, size uint8) {
	e.loadFrame(r, frameOff)
}

// MoveRegToReg implements phi.Mover.
func (e *Emitter) MoveRegToReg(dst, src regalloc.Register, bank ir.Bank, size uint8) {
	if dst == src {
		return
	}
	e.movRegReg(dst, src)
}

// MoveToReg implements callconv.CallEmitter.
func (e *Emitter) MoveToReg(dst, src regalloc.Register, bank ir.Bank, size uint8) {
	if dst == src {
		return
	}
	e.movRegReg(dst, src)
}

// StoreArgStack writes an outgoing stack argument at sp+off, inside the
// argument area the call builder's AdjustStack reserved.
func (e *Emitter) StoreArgStack(off uint32, src regalloc.Register, bank ir.Bank, size uint8) {
	e.word(strImm(reg(src), physSP, off))
}

// CopyByval copies a byval aggregate into the outgoing argument area one
// doubleword at a time through x16.
func (e *Emitter) CopyByval(off uint32, srcPtr regalloc.Register, size uint32) {
	for i := uint32(0); i+8 <= size; i += 8 {
		e.word(ldrImm(physIP0, reg(srcPtr), i))
		e.word(strImm(physIP0, physSP, off+i))
	}
}

// AdjustStack emits `sub sp, sp, delta` (delta > 0) or the matching add.
func (e *Emitter) AdjustStack(delta int32) {
	if delta == 0 {
		return
	}
	e.text().Append(addSubSPWords(int64(delta)))
}

// SetVarargXMMCount is a no-op: AAPCS64 has no caller-communicated
// register-argument count.
func (e *Emitter) SetVarargXMMCount(count uint8) {}

// CallDirect emits `bl symbol`, relocated with R_AARCH64_CALL26.
func (e *Emitter) CallDirect(symbol string) {
	sym := e.asm.UndefinedSymbol(symbol)
	off := e.word(blWord())
	e.asm.AddRelocation(assembler.SecText, off, sym, assembler.RelAArch64_CALL26, 0)
}

// CallIndirect emits `blr target`.
func (e *Emitter) CallIndirect(target regalloc.Register) {
	e.word(blrWord(reg(target)))
}
