package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tpde-go/tpde/internal/engine/tpde/assembler"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// text returns the shared code section every emission helper appends to.
func (e *Emitter) text() *assembler.Section { return e.asm.Section(assembler.SecText) }

// word appends one A64 instruction and returns the offset it landed at.
func (e *Emitter) word(w uint32) int64 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	return e.text().Append(b[:])
}

func wordBytes(w uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	return b[:]
}

// Fixed instruction words for the frame-base prologue/epilogue pieces.
const (
	instStpFpLrPre  uint32 = 0xA9BF7BFD // stp x29, x30, [sp, #-16]!
	instLdpFpLrPost uint32 = 0xA8C17BFD // ldp x29, x30, [sp], #16
	instMovFpSp     uint32 = 0x910003FD // mov x29, sp
	instRet         uint32 = 0xD65F03C0
	instNop         uint32 = 0xD503201F
)

// movRegReg emits `mov xd, xm` (orr xd, xzr, xm).
func (e *Emitter) movRegReg(dst, src regalloc.Register) {
	e.word(0xAA0003E0 | uint32(reg(src))<<16 | uint32(reg(dst)))
}

// movRegImm64 materializes a 64-bit immediate via movz plus up to three
// movk, skipping all-zero 16-bit chunks past the first.
func (e *Emitter) movRegImm64(dst regalloc.Register, imm uint64) {
	d := uint32(reg(dst))
	e.word(0xD2800000 | uint32(imm&0xffff)<<5 | d)
	for hw := uint32(1); hw < 4; hw++ {
		chunk := uint32(imm>>(hw*16)) & 0xffff
		if chunk != 0 {
			e.word(0xF2800000 | hw<<21 | chunk<<5 | d)
		}
	}
}

// Three-register data-processing base opcodes (shifted-register form,
// shift amount 0), 64-bit.
const (
	opAdd uint32 = 0x8B000000
	opSub uint32 = 0xCB000000
	opAnd uint32 = 0x8A000000
	opOrr uint32 = 0xAA000000
	opEor uint32 = 0xCA000000
)

// arithRegReg emits the three-register form `op dst, a, b`.
func (e *Emitter) arithRegReg(op uint32, dst, a, b regalloc.Register) {
	e.word(op | uint32(reg(b))<<16 | uint32(reg(a))<<5 | uint32(reg(dst)))
}

// mulRegReg emits `mul dst, a, b` (madd with xzr accumulator).
func (e *Emitter) mulRegReg(dst, a, b regalloc.Register) {
	e.word(0x9B007C00 | uint32(reg(b))<<16 | uint32(reg(a))<<5 | uint32(reg(dst)))
}

// Variable-shift forms: lslv/lsrv dst, a, b.
const (
	opLslv uint32 = 0x9AC02000
	opLsrv uint32 = 0x9AC02400
)

// cmpZero emits `cmp xn, #0` (subs xzr, xn, #0), setting flags for a
// following b.ne.
func (e *Emitter) cmpZero(r regalloc.Register) {
	e.word(0xF100001F | uint32(reg(r))<<5)
}

// cmpRegReg emits `cmp a, b` (subs xzr, a, b).
func (e *Emitter) cmpRegReg(a, b regalloc.Register) {
	e.word(0xEB00001F | uint32(reg(b))<<16 | uint32(reg(a))<<5)
}

// A64 condition codes used by cset.
const (
	condEQ uint32 = 0x0
	condLT uint32 = 0xB // signed less-than.
)

// cset emits `cset dst, cond`: csinc dst, xzr, xzr, !cond.
func (e *Emitter) cset(dst regalloc.Register, cond uint32) {
	e.word(0x9A9F07E0 | (cond^1)<<12 | uint32(reg(dst)))
}

// ldrImm/strImm are the unsigned-scaled-offset 64-bit load/store forms:
// off must be a multiple of 8 in [0, 32760].
func ldrImm(t, n byte, off uint32) uint32 { return 0xF9400000 | (off>>3)<<10 | uint32(n)<<5 | uint32(t) }
func strImm(t, n byte, off uint32) uint32 { return 0xF9000000 | (off>>3)<<10 | uint32(n)<<5 | uint32(t) }

// ldur/stur take an unscaled signed 9-bit offset.
func ldur(t, n byte, off int32) uint32 {
	return 0xF8400000 | uint32(off&0x1ff)<<12 | uint32(n)<<5 | uint32(t)
}
func stur(t, n byte, off int32) uint32 {
	return 0xF8000000 | uint32(off&0x1ff)<<12 | uint32(n)<<5 | uint32(t)
}

// addImm12/subImm12 encode `add/sub xd, xn, #imm12 [, lsl #12]`.
func addImm12(d, n byte, imm uint32, shifted bool) uint32 {
	w := uint32(0x91000000) | imm<<10 | uint32(n)<<5 | uint32(d)
	if shifted {
		w |= 1 << 22
	}
	return w
}

func subImm12(d, n byte, imm uint32, shifted bool) uint32 {
	w := uint32(0xD1000000) | imm<<10 | uint32(n)<<5 | uint32(d)
	if shifted {
		w |= 1 << 22
	}
	return w
}

// addSubSPWords returns the one or two instruction words adjusting sp by
// delta bytes (sub for positive delta, add for negative), nop-padding to
// exactly two words so patch sites have a fixed size.
func addSubSPWords(delta int64) []byte {
	return addSubRegWords(physSP, physSP, delta)
}

// addSubRegWords computes dst = src + (-delta) as a fixed two-word
// sequence: low 12 bits first, then the shifted high 12 bits or a nop.
// Deltas beyond 24 bits would need a scratch materialization; the frame
// sizes and adjustments a single function produces stay far below that.
func addSubRegWords(dst, src byte, delta int64) []byte {
	neg := delta < 0
	abs := uint64(delta)
	if neg {
		abs = uint64(-delta)
	}
	if abs >= 1<<24 {
		panic(fmt.Sprintf("arm64: stack adjustment %d exceeds 24-bit immediate range", delta))
	}
	lo := uint32(abs & 0xfff)
	hi := uint32(abs >> 12)

	enc := func(imm uint32, shifted bool, from byte) uint32 {
		if neg {
			return addImm12(dst, from, imm, shifted)
		}
		return subImm12(dst, from, imm, shifted)
	}

	var buf []byte
	buf = append(buf, wordBytes(enc(lo, false, src))...)
	if hi != 0 {
		buf = append(buf, wordBytes(enc(hi, true, dst))...)
	} else {
		buf = append(buf, wordBytes(instNop)...)
	}
	return buf
}

// strPreIndex16/ldrPostIndex16 are the per-register callee-saved save and
// restore forms: str xt, [sp, #-16]! and ldr xt, [sp], #16. Sixteen bytes
// per register keeps sp 16-aligned at every point of the sequence.
func strPreIndex16(t byte) uint32 { return 0xF81F0FE0 | uint32(t) }
func ldrPostIndex16(t byte) uint32 { return 0xF84107E0 | uint32(t) }

// loadFrame/storeFrame access a stack slot at a frame-pointer-relative
// offset: negative for locals and spills, positive for caller-frame
// arguments. Offsets within stur/ldur's 9-bit range use a single
// instruction; larger ones materialize the address into x16 first.
func (e *Emitter) loadFrame(dst regalloc.Register, off int32) {
	if off >= -256 && off <= 255 {
		e.word(ldur(reg(dst), physFP, off))
		return
	}
	e.materializeFrameAddr(off)
	e.word(ldur(reg(dst), physIP0, 0))
}

func (e *Emitter) storeFrame(src regalloc.Register, off int32) {
	if off >= -256 && off <= 255 {
		e.word(stur(reg(src), physFP, off))
		return
	}
	e.materializeFrameAddr(off)
	e.word(stur(reg(src), physIP0, 0))
}

// materializeFrameAddr computes x16 = x29 + off.
func (e *Emitter) materializeFrameAddr(off int32) {
	e.text().Append(addSubRegWords(physIP0, physFP, -int64(off)))
}

// Branch instruction words; displacement fields are zeroed here and filled
// by patchBranch once the target offset is known.
func bWord() uint32    { return 0x14000000 }
func bCondWord(cond uint32) uint32 { return 0x54000000 | cond }

const condNE uint32 = 0x1

func blWord() uint32          { return 0x94000000 }
func blrWord(n byte) uint32   { return 0xD63F0000 | uint32(n)<<5 }

// Branch fixup kinds, interpreted by patchBranch.
const (
	fixupB26 = iota // b, imm26.
	fixupB19        // b.cond, imm19.
)

// patchBranch rewrites the displacement field of the branch at instrOff so
// it transfers to targetOff; both are byte offsets within the text section.
func patchBranch(sec *assembler.Section, instrOff int64, kind int, targetOff int64) {
	delta := (targetOff - instrOff) >> 2
	var b [4]byte
	copy(b[:], sec.Bytes()[instrOff:instrOff+4])
	w := binary.LittleEndian.Uint32(b[:])
	switch kind {
	case fixupB26:
		w |= uint32(delta) & 0x03ffffff
	case fixupB19:
		w |= (uint32(delta) & 0x7ffff) << 5
	}
	binary.LittleEndian.PutUint32(b[:], w)
	sec.PatchAt(instrOff, b[:])
}
