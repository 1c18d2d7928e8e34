package amd64

import (
	"encoding/binary"

	"github.com/tpde-go/tpde/internal/engine/tpde/assembler"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// text returns the shared code section every emission helper appends to.
func (e *Emitter) text() *assembler.Section { return e.asm.Section(assembler.SecText) }

func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 1 << 3
	}
	if r {
		v |= 1 << 2
	}
	if x {
		v |= 1 << 1
	}
	if b {
		v |= 1
	}
	return v
}

func modrm(mod, regField, rm byte) byte {
	return mod<<6 | (regField&7)<<3 | (rm & 7)
}

// needsSIB reports whether addressing through base requires a SIB byte:
// RSP and R12 (low 3 bits == 4) cannot be named directly in ModRM's rm
// field without one.
func needsSIB(base byte) bool { return base&7 == 4 }

func le32(v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// movRegReg emits `mov dst, src` (64-bit general-purpose registers):
// REX.W + 0x89 /r, r/m=dst, reg=src.
func (e *Emitter) movRegReg(dst, src regalloc.Register) {
	d, s := reg(dst), reg(src)
	e.text().Append([]byte{
		rex(true, s >= 8, false, d >= 8),
		0x89,
		modrm(3, s, d),
	})
}

// movRegImm64 emits `movabs dst, imm64`: REX.W + (0xB8 + rd) + imm64.
func (e *Emitter) movRegImm64(dst regalloc.Register, imm uint64) {
	d := reg(dst)
	buf := []byte{rex(true, false, false, d >= 8), 0xB8 + (d & 7)}
	buf = append(buf, le64(imm)...)
	e.text().Append(buf)
}

// arithOp is one REX.W+opcode pair for a `op r/m64, r64` two-operand
// register-register instruction shape (add/sub/and/or/xor all share it).
type arithOp byte

const (
	opAdd arithOp = 0x01
	opSub arithOp = 0x29
	opAnd arithOp = 0x21
	opOr  arithOp = 0x09
	opXor arithOp = 0x31
)

func (e *Emitter) arithRegReg(op arithOp, dst, src regalloc.Register) {
	d, s := reg(dst), reg(src)
	e.text().Append([]byte{
		rex(true, s >= 8, false, d >= 8),
		byte(op),
		modrm(3, s, d),
	})
}

// imulRegReg emits `imul dst, src`: REX.W + 0F AF /r, reg=dst, r/m=src (the
// two-operand IMUL form reverses ModRM's usual reg/rm roles versus add/sub).
func (e *Emitter) imulRegReg(dst, src regalloc.Register) {
	d, s := reg(dst), reg(src)
	e.text().Append([]byte{
		rex(true, d >= 8, false, s >= 8),
		0x0F, 0xAF,
		modrm(3, d, s),
	})
}

// testRegReg emits `test a, a` (REX.W + 0x85 /r), used to materialize a
// zero/nonzero flag from a GP register ahead of a conditional branch.
func (e *Emitter) testRegReg(a regalloc.Register) {
	r := reg(a)
	e.text().Append([]byte{
		rex(true, r >= 8, false, r >= 8),
		0x85,
		modrm(3, r, r),
	})
}

// physRSP/physRBP are RSP's and RBP's physical ModRM/REX encodings; neither
// has a logical register index of its own (RegisterFileConfig never
// allocates them), so frame-relative addressing goes through these
// constants directly rather than a regalloc.Register.
const (
	physRSP byte = 4
	physRBP byte = 5
)

// loadMem emits `mov dst, [base+disp32]`: REX.W + 0x8B /r, disp32 mod, with
// a SIB byte when base is RSP or R12.
func (e *Emitter) loadMem(dst, base regalloc.Register, disp int32) {
	e.memOpPhys(0x8B, reg(dst), reg(base), disp)
}

// storeMem emits `mov [base+disp32], src`: REX.W + 0x89 /r, disp32 mod.
func (e *Emitter) storeMem(base, src regalloc.Register, disp int32) {
	e.memOpPhys(0x89, reg(src), reg(base), disp)
}

// loadMemRSP/storeMemRSP address relative to RSP, used only for the
// outgoing argument area of a call (the call builder adjusts RSP around it).
func (e *Emitter) loadMemRSP(dst regalloc.Register, disp int32) {
	e.memOpPhys(0x8B, reg(dst), physRSP, disp)
}

func (e *Emitter) storeMemRSP(src regalloc.Register, disp int32) {
	e.memOpPhys(0x89, reg(src), physRSP, disp)
}

// loadMemRBP/storeMemRBP address relative to RBP, the frame base every
// stack slot is offset from: negative displacements for locals/spills,
// positive ones for caller-frame (stack-passed and byval) arguments.
func (e *Emitter) loadMemRBP(dst regalloc.Register, disp int32) {
	e.memOpPhys(0x8B, reg(dst), physRBP, disp)
}

func (e *Emitter) storeMemRBP(src regalloc.Register, disp int32) {
	e.memOpPhys(0x89, reg(src), physRBP, disp)
}

func (e *Emitter) memOpPhys(opcode, r, b byte, disp int32) {
	buf := []byte{rex(true, r >= 8, false, b >= 8), opcode}
	if needsSIB(b) {
		buf = append(buf, modrm(2, r, 4), 0x24) // SIB: scale=0, index=none(100), base=b&7.
	} else {
		buf = append(buf, modrm(2, r, b))
	}
	buf = append(buf, le32(disp)...)
	e.text().Append(buf)
}

// leaRBP computes dst = rbp+disp: REX.W + 8D /r with a disp32 RBP base.
func (e *Emitter) leaRBP(dst regalloc.Register, disp int32) {
	e.memOpPhys(0x8D, reg(dst), physRBP, disp)
}

// cmpRegReg emits `cmp a, b`: REX.W + 0x39 /r, rm=a, reg=b.
func (e *Emitter) cmpRegReg(a, b regalloc.Register) {
	pa, pb := reg(a), reg(b)
	e.text().Append([]byte{
		rex(true, pb >= 8, false, pa >= 8),
		0x39,
		modrm(3, pb, pa),
	})
}

// setccReg emits `setcc r8` into the low byte of r. Registers spl/bpl/sil/
// dil (phys 4-7) need an empty REX prefix to select the byte form instead
// of ah..dh; higher registers need REX.B.
func (e *Emitter) setccReg(cc condCode, r regalloc.Register) {
	p := reg(r)
	buf := []byte{}
	if p >= 4 {
		buf = append(buf, rex(false, false, false, p >= 8))
	}
	buf = append(buf, 0x0F, 0x90|byte(cc), modrm(3, 0, p))
	e.text().Append(buf)
}

// shiftOp selects the /r extension of the D3 group: /4 shl, /5 shr.
type shiftOp byte

const (
	shiftLeft  shiftOp = 4
	shiftRight shiftOp = 5
)

// shiftCl emits `shl/shr r, cl`: REX.W + 0xD3 /op.
func (e *Emitter) shiftCl(op shiftOp, r regalloc.Register) {
	p := reg(r)
	e.text().Append([]byte{
		rex(true, false, false, p >= 8),
		0xD3,
		modrm(3, byte(op), p),
	})
}

// pushRegBytes/popRegBytes encode push/pop reg64: 0x50/0x58 + (reg&7), with
// REX.B when reg >= 8. No REX.W needed; push/pop default to 64-bit operand
// size in long mode.
func (e *Emitter) pushRegBytes(r regalloc.Register) []byte {
	p := reg(r)
	if p >= 8 {
		return []byte{rex(false, false, false, true), 0x50 + (p & 7)}
	}
	return []byte{0x50 + p}
}

func (e *Emitter) popRegBytes(r regalloc.Register) []byte {
	p := reg(r)
	if p >= 8 {
		return []byte{rex(false, false, false, true), 0x58 + (p & 7)}
	}
	return []byte{0x58 + p}
}

// nopByte is XCHG eax,eax, the canonical single-byte x86 NOP, used to pad
// fixed-size prologue/epilogue placeholder regions out to their reserved
// length once the real instruction sequence is shorter.
const nopByte = 0x90

// subRspImm32 / addRspImm32 adjust the stack pointer by a 32-bit immediate:
// REX.W + 0x81 /5 id (sub) or /0 id (add).
func subRspImm32(imm uint32) []byte {
	buf := []byte{rex(true, false, false, false), 0x81, modrm(3, 5, 4)}
	return append(buf, le32(int32(imm))...)
}

func addRspImm32(imm uint32) []byte {
	buf := []byte{rex(true, false, false, false), 0x81, modrm(3, 0, 4)}
	return append(buf, le32(int32(imm))...)
}

const retByte = 0xC3

// pushRbpByte/popRbpByte and movRbpRsp are the fixed frame-base prologue
// and epilogue pieces: push rbp, mov rbp,rsp, pop rbp.
const (
	pushRbpByte = 0x55
	popRbpByte  = 0x5D
)

func movRbpRsp() []byte { return []byte{rex(true, false, false, false), 0x89, modrm(3, physRSP, physRBP)} }

// jmpRel32 / jccRel32 / callRel32 leave their 4-byte displacement field
// zeroed; callers patch it once the target offset is known (either via a
// Label fixup for an intra-function branch, or a relocation for an
// external call).
func jmpRel32() []byte { return []byte{0xE9, 0, 0, 0, 0} }

// condCode is a Jcc tttn nibble (Intel manual vol. 2, table on Jcc).
type condCode byte

const (
	ccE  condCode = 0x4 // ZF=1
	ccNE condCode = 0x5 // ZF=0
	ccL  condCode = 0xC // SF!=OF, signed less-than.
)

func jccRel32(cc condCode) []byte {
	return []byte{0x0F, 0x80 | byte(cc), 0, 0, 0, 0}
}

func callRel32() []byte { return []byte{0xE8, 0, 0, 0, 0} }

// patchRel32 overwrites the 4-byte displacement at the end of a
// jmp/jcc/call instruction so that pc-after-instruction + disp == target,
// per the x86-64 rel32 branch encoding.
func patchRel32(sec *assembler.Section, instrEnd int64, target int64) {
	disp := int32(target - instrEnd)
	sec.PatchAt(instrEnd-4, le32(disp))
}
