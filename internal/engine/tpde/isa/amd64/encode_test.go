package amd64

import (
	"testing"

	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/assembler"
	"github.com/tpde-go/tpde/internal/testing/require"
)

func newTestEmitter() *Emitter {
	return NewEmitter(assembler.New(), analyzer.New())
}

func textBytes(e *Emitter) []byte { return e.text().Bytes() }

func TestEncode_MovRegReg(t *testing.T) {
	e := newTestEmitter()
	e.movRegReg(gp(RAX), gp(RCX))
	require.Equal(t, []byte{0x48, 0x89, 0xC8}, textBytes(e))

	e = newTestEmitter()
	e.movRegReg(gp(R8), gp(RAX))
	require.Equal(t, []byte{0x49, 0x89, 0xC0}, textBytes(e))
}

func TestEncode_MovRegImm64(t *testing.T) {
	e := newTestEmitter()
	e.movRegImm64(gp(RCX), 0x1122334455667788)
	require.Equal(t, []byte{
		0x48, 0xB9,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
	}, textBytes(e))
}

func TestEncode_ArithAndImul(t *testing.T) {
	e := newTestEmitter()
	e.arithRegReg(opAdd, gp(RAX), gp(RDX))
	require.Equal(t, []byte{0x48, 0x01, 0xD0}, textBytes(e))

	e = newTestEmitter()
	e.imulRegReg(gp(RAX), gp(RCX))
	require.Equal(t, []byte{0x48, 0x0F, 0xAF, 0xC1}, textBytes(e))

	e = newTestEmitter()
	e.testRegReg(gp(RAX))
	require.Equal(t, []byte{0x48, 0x85, 0xC0}, textBytes(e))
}

func TestEncode_FrameAndStackAddressing(t *testing.T) {
	// Frame slots address through RBP with a disp32.
	e := newTestEmitter()
	e.storeMemRBP(gp(RAX), -8)
	require.Equal(t, []byte{0x48, 0x89, 0x85, 0xF8, 0xFF, 0xFF, 0xFF}, textBytes(e))

	e = newTestEmitter()
	e.loadMemRBP(gp(RAX), 16)
	require.Equal(t, []byte{0x48, 0x8B, 0x85, 0x10, 0x00, 0x00, 0x00}, textBytes(e))

	// RSP-relative (outgoing argument area) needs the SIB byte.
	e = newTestEmitter()
	e.storeMemRSP(gp(RDI), 8)
	require.Equal(t, []byte{0x48, 0x89, 0xBC, 0x24, 0x08, 0x00, 0x00, 0x00}, textBytes(e))
}

func TestEncode_PrologueEpiloguePieces(t *testing.T) {
	require.Equal(t, []byte{0x48, 0x89, 0xE5}, movRbpRsp())
	require.Equal(t, []byte{0x48, 0x81, 0xEC, 0x20, 0x00, 0x00, 0x00}, subRspImm32(32))
	require.Equal(t, []byte{0x48, 0x81, 0xC4, 0x20, 0x00, 0x00, 0x00}, addRspImm32(32))

	e := newTestEmitter()
	require.Equal(t, []byte{0x53}, e.pushRegBytes(gp(RBX)))
	require.Equal(t, []byte{0x41, 0x54}, e.pushRegBytes(gp(R12)))
	require.Equal(t, []byte{0x5B}, e.popRegBytes(gp(RBX)))
	require.Equal(t, []byte{0x41, 0x5C}, e.popRegBytes(gp(R12)))
}

func TestEncode_BranchPatching(t *testing.T) {
	e := newTestEmitter()
	sec := e.text()

	// jmp at 0..5, target at 32: disp = 32 - 5 = 27.
	start := sec.Append(jmpRel32())
	require.Equal(t, int64(0), start)
	sec.Append(make([]byte, 27))
	patchRel32(sec, start+5, 32)
	require.Equal(t, []byte{0xE9, 0x1B, 0x00, 0x00, 0x00}, sec.Bytes()[:5])

	// Backward jcc: target 0, instruction at 32..38, disp = -38.
	jccStart := sec.Append(jccRel32(ccNE))
	patchRel32(sec, jccStart+6, 0)
	got := sec.Bytes()[jccStart : jccStart+6]
	require.Equal(t, byte(0x0F), got[0])
	require.Equal(t, byte(0x85), got[1])
	require.Equal(t, byte(0xDA), got[2]) // -38 little-endian low byte.
	require.Equal(t, byte(0xFF), got[3])
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

	b := textBytes(e)
	// push rbp; mov rbp, rsp; sub rsp, 48.
	require.Equal(t, []byte{0x55, 0x48, 0x89, 0xE5, 0x48, 0x81, 0xEC, 0x30, 0x00, 0x00, 0x00}, b[:11])
	// The epilogue placeholder region ends with add rsp, 48; pop rbp; ret.
	end := b[len(b)-9:]
	require.Equal(t, []byte{0x48, 0x81, 0xC4, 0x30, 0x00, 0x00, 0x00, 0x5D, 0xC3}, end)
}
