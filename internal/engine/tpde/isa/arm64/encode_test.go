package arm64

import (
	"encoding/binary"
	"testing"

	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/assembler"
	"github.com/tpde-go/tpde/internal/testing/require"
)

func newTestEmitter() *Emitter {
	return NewEmitter(assembler.New(), analyzer.New())
}

func words(e *Emitter) []uint32 {
	b := e.text().Bytes()
	out := make([]uint32, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, binary.LittleEndian.Uint32(b[i:]))
	}
	return out
}

func TestEncode_MovAndArith(t *testing.T) {
	e := newTestEmitter()
	e.movRegReg(gp(X0), gp(X1))                  // mov x0, x1
	e.arithRegReg(opAdd, gp(X0), gp(X0), gp(X1)) // add x0, x0, x1
	e.arithRegReg(opSub, gp(X2), gp(X2), gp(X3)) // sub x2, x2, x3
	e.mulRegReg(gp(X2), gp(X2), gp(X3))          // madd x2, x2, x3, xzr
	e.cmpZero(gp(X5))                            // subs xzr, x5, #0

	require.Equal(t, []uint32{
		0xAA0103E0,
		0x8B010000,
		0xCB030042,
		0x9B037C42,
		0xF10000BF,
	}, words(e))
}

func TestEncode_CompareAndShift(t *testing.T) {
	e := newTestEmitter()
	e.cmpRegReg(gp(X1), gp(X2))                   // subs xzr, x1, x2
	e.cset(gp(X0), condEQ)                        // cset x0, eq
	e.cset(gp(X0), condLT)                        // cset x0, lt
	e.arithRegReg(opLslv, gp(X0), gp(X1), gp(X2)) // lsl x0, x1, x2
	e.arithRegReg(opLsrv, gp(X0), gp(X1), gp(X2)) // lsr x0, x1, x2

	require.Equal(t, []uint32{
		0xEB02003F,
		0x9A9F17E0, // csinc x0, xzr, xzr, ne
		0x9A9FA7E0, // csinc x0, xzr, xzr, ge
		0x9AC22020,
		0x9AC22420,
	}, words(e))
}

func TestEncode_MovImm64(t *testing.T) {
	e := newTestEmitter()
	e.movRegImm64(gp(X0), 0x12345)
	require.Equal(t, []uint32{
		0xD28468A0, // movz x0, #0x2345
		0xF2A00020, // movk x0, #0x1, lsl #16
	}, words(e))

	// All-zero high chunks emit only the movz.
	e = newTestEmitter()
	e.movRegImm64(gp(X1), 7)
	require.Equal(t, []uint32{0xD28000E1}, words(e))
}

func TestEncode_FrameAddressing(t *testing.T) {
	// Small offsets use a single ldur/stur off the frame pointer.
	e := newTestEmitter()
	e.loadFrame(gp(X0), -8)
	require.Equal(t, []uint32{0xF85F83A0}, words(e)) // ldur x0, [x29, #-8]

	e = newTestEmitter()
	e.storeFrame(gp(X0), 16)
	require.Equal(t, []uint32{0xF80103A0}, words(e)) // stur x0, [x29, #16]

	// Out-of-range offsets materialize the address into x16 first.
	e = newTestEmitter()
	e.loadFrame(gp(X0), -1024)
	w := words(e)
	require.Equal(t, 3, len(w))
	require.Equal(t, uint32(0xD11003B0), w[0]) // sub x16, x29, #0x400
	require.Equal(t, instNop, w[1])
	require.Equal(t, uint32(0xF8400200), w[2]) // ldur x0, [x16]
}

func TestEncode_StackAdjustment(t *testing.T) {
	b := addSubSPWords(32)
	require.Equal(t, uint32(0xD10083FF), binary.LittleEndian.Uint32(b)) // sub sp, sp, #0x20
	require.Equal(t, instNop, binary.LittleEndian.Uint32(b[4:]))

	b = addSubSPWords(-32)
	require.Equal(t, uint32(0x910083FF), binary.LittleEndian.Uint32(b)) // add sp, sp, #0x20

	// A frame past 4095 bytes chains a shifted second adjustment.
	b = addSubSPWords(0x5000)
	require.Equal(t, uint32(0xD10003FF), binary.LittleEndian.Uint32(b))    // sub sp, sp, #0
	require.Equal(t, uint32(0xD14017FF), binary.LittleEndian.Uint32(b[4:])) // sub sp, sp, #5, lsl #12
}

func TestEncode_CalleeSavedSaveRestore(t *testing.T) {
	require.Equal(t, uint32(0xF81F0FF3), strPreIndex16(19)) // str x19, [sp, #-16]!
	require.Equal(t, uint32(0xF84107F3), ldrPostIndex16(19)) // ldr x19, [sp], #16
}

func TestEncode_BranchPatching(t *testing.T) {
	e := newTestEmitter()
	sec := e.text()

	off := e.word(bWord())
	for i := 0; i < 7; i++ {
		e.word(instNop)
	}
	// Forward branch from 0 to 32: imm26 = 8 instructions.
	patchBranch(sec, off, fixupB26, 32)
	require.Equal(t, uint32(0x14000008), binary.LittleEndian.Uint32(sec.Bytes()[off:]))

	// Backward conditional branch from 32 to 0: imm19 = -8.
	condOff := e.word(bCondWord(condNE))
	patchBranch(sec, condOff, fixupB19, 0)
	w := binary.LittleEndian.Uint32(sec.Bytes()[condOff:])
	imm19 := int32(-8)
	require.Equal(t, uint32(0x54000001|((uint32(imm19)&0x7ffff)<<5)), w)
}

func TestEmitter_PrologueEpiloguePatchProtocol(t *testing.T) {
	e := newTestEmitter()
	e.EmitFunctionLabel("f")
	pro := e.EmitProloguePlaceholder()
	push := e.EmitCalleeSavedPushPlaceholder(e.MaxCalleeSaved())
	epi := e.EmitEpiloguePlaceholder()

	e.PatchFrameSize(pro, 48)
	e.PatchCalleeSavedPushes(push, nil)
	e.PatchEpilogue(epi, 48, nil)

	w := words(e)
	require.Equal(t, instStpFpLrPre, w[0])
	require.Equal(t, instMovFpSp, w[1])
	require.Equal(t, uint32(0xD100C3FF), w[2]) // sub sp, sp, #0x30
	require.Equal(t, instNop, w[3])
	require.Equal(t, instRet, w[len(w)-1])
	require.Equal(t, instLdpFpLrPost, w[len(w)-2])
	require.Equal(t, uint32(0x9100C3FF), w[len(w)-4]) // add sp, sp, #0x30
}
