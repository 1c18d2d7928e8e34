package valref

import (
	"testing"

	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
	"github.com/tpde-go/tpde/internal/testing/require"
)

const (
	bankGP ir.Bank = iota
	bankFP
)

// fakeValue is a minimal ir.Value for exercising valref without pulling in
// the text IR parser.
type fakeValue struct {
	idx         ir.LocalIdx
	parts       []ir.Part
	variableRef bool
	allocaSize  uint32
	allocaAlign uint32
}

func (v *fakeValue) LocalIdx() ir.LocalIdx         { return v.idx }
func (v *fakeValue) Parts() []ir.Part              { return v.parts }
func (v *fakeValue) AsPhi() (ir.Phi, bool)          { return nil, false }
func (v *fakeValue) IgnoreInLiveness() bool         { return false }
func (v *fakeValue) IsVariableRef() bool            { return v.variableRef }
func (v *fakeValue) AllocaSize() uint32             { return v.allocaSize }
func (v *fakeValue) AllocaAlign() uint32            { return v.allocaAlign }

func gpValue(idx ir.LocalIdx, size uint8) *fakeValue {
	return &fakeValue{idx: idx, parts: []ir.Part{{Bank: bankGP, SizeBytes: size}}}
}

// fakeEmitter records every spill/reload it is asked to perform.
type fakeEmitter struct {
	spills  []regalloc.Register
	reloads []regalloc.Register
}

func (e *fakeEmitter) EmitSpill(r regalloc.Register, frameOff int32, size uint8) {
	e.spills = append(e.spills, r)
}
func (e *fakeEmitter) EmitReload(r regalloc.Register, frameOff int32, size uint8) {
	e.reloads = append(e.reloads, r)
}

func noLiveness(ir.LocalIdx) (analyzer.Liveness, bool) { return analyzer.Liveness{}, false }

func newTestContext(t *testing.T, numGP int) (*Context, *fakeEmitter) {
	t.Helper()
	regs := regalloc.NewRegisterFile([]regalloc.BankConfig{
		{Bank: bankGP, Base: 0, Count: uint8(numGP)},
		{Bank: bankFP, Base: 0, Count: 4},
	})
	emit := &fakeEmitter{}
	ctx := NewContext(regs, regalloc.NewAssignments(), regalloc.NewStackFrame(16), emit, noLiveness)
	return ctx, emit
}

func TestValuePartRef_AllocRegReleaseFreesRegister(t *testing.T) {
	ctx, _ := newTestContext(t, 4)
	v := gpValue(0, 8)

	p := ctx.PartRefOf(v, 0)
	r, err := p.AllocReg(bankGP)
	require.NoError(t, err)
	require.True(t, ctx.Regs.IsUsed(r))
	require.True(t, ctx.Regs.IsFixed(r))
	p.SetModified()
	p.Release()

	require.False(t, ctx.Regs.IsFixed(r))
	// assignment freed (refcount hit zero) but register release happens
	// lazily only once lock count drops; here it already has.
	require.False(t, ctx.Regs.IsUsed(r))
}

func TestValuePartRef_LoadToReg_ReloadsFromStack(t *testing.T) {
	ctx, emit := newTestContext(t, 1)
	v := gpValue(1, 8)

	p := ctx.PartRefOf(v, 0)
	r1, err := p.AllocReg(bankGP)
	require.NoError(t, err)
	p.SetModified()
	ctx.Regs.DecLockCount(r1) // simulate v's lock having been dropped, value still live

	// Forcing a second value into the single GP register evicts the first,
	// which is still live and dirty, so it must be spilled first.
	v2 := gpValue(2, 8)
	p2 := ctx.PartRefOf(v2, 0)
	r2, err := p2.LoadToReg(bankGP)
	require.NoError(t, err)
	require.Equal(t, r1, r2)
	require.Equal(t, 1, len(emit.spills))
	require.Equal(t, r1, emit.spills[0])
	p2.Release()
}

func TestValuePartRef_CanSalvage(t *testing.T) {
	ctx, _ := newTestContext(t, 4)
	v := gpValue(3, 8)

	p := ctx.PartRefOf(v, 0)
	_, err := p.AllocReg(bankGP)
	require.NoError(t, err)
	require.True(t, p.CanSalvage())

	s, err := p.Salvage()
	require.NoError(t, err)
	require.True(t, ctx.Regs.IsUsed(s.Reg()))
	s.Release()
	require.False(t, ctx.Regs.IsUsed(s.Reg()))
}

func TestValuePartRef_CannotSalvageWithMultipleRefs(t *testing.T) {
	ctx, _ := newTestContext(t, 4)
	v := gpValue(4, 8)

	ref := ctx.ValueRefOf(v)
	// Acquire a second independent use so refcount is 2.
	a, ok := ctx.Assignments.Get(v.LocalIdx())
	require.True(t, ok)
	a.ReferencesLeft = 2

	p := ref.Part(0)
	_, err := p.AllocReg(bankGP)
	require.NoError(t, err)
	require.False(t, p.CanSalvage())
	p.Release()
	ref.Release()
}

func TestScratchReg_AllocAndRelease(t *testing.T) {
	ctx, _ := newTestContext(t, 2)
	s, err := ctx.AllocScratch(bankGP)
	require.NoError(t, err)
	require.True(t, ctx.Regs.IsUsed(s.Reg()))
	require.True(t, ctx.Regs.IsFixed(s.Reg()))
	s.Release()
	require.False(t, ctx.Regs.IsUsed(s.Reg()))
	s.Release() // idempotent
}

func TestScratchReg_AllocScratchSpecificEvictsDirtyOccupant(t *testing.T) {
	ctx, emit := newTestContext(t, 2)
	v := gpValue(5, 8)
	p := ctx.PartRefOf(v, 0)
	r, err := p.AllocReg(bankGP)
	require.NoError(t, err)
	p.SetModified()
	// Drop the lock without releasing the reference, leaving the register
	// used-and-dirty but no longer fixed, so AllocScratchSpecific must
	// evict (and spill) it.
	ctx.Regs.DecLockCount(r)

	s, err := ctx.AllocScratchSpecific(r)
	require.NoError(t, err)
	require.Equal(t, r, s.Reg())
	require.Equal(t, 1, len(emit.spills))
	s.Release()
}

func TestContext_DelayedFree(t *testing.T) {
	ctx, _ := newTestContext(t, 4)
	v := gpValue(6, 8)
	ctx.Liveness = func(local ir.LocalIdx) (analyzer.Liveness, bool) {
		return analyzer.Liveness{First: 0, Last: 2, LastFull: true, RefCount: 1}, true
	}
	ctx.SetBlock(0)

	ref := ctx.ValueRefOf(v)
	ref.Release()

	_, stillLive := ctx.Assignments.Get(v.LocalIdx())
	require.True(t, stillLive) // deferred, not yet freed

	ctx.DrainDelayedFree(2)
	_, stillLive = ctx.Assignments.Get(v.LocalIdx())
	require.False(t, stillLive)
}

func TestContext_VariableRefNeverFreed(t *testing.T) {
	ctx, _ := newTestContext(t, 4)
	v := &fakeValue{idx: 7, parts: []ir.Part{{Bank: bankGP, SizeBytes: 8}}, variableRef: true, allocaSize: 8, allocaAlign: 8}

	ref := ctx.ValueRefOf(v)
	ref.Release()

	_, ok := ctx.Assignments.Get(v.LocalIdx())
	require.True(t, ok) // variable-refs live for the whole function
}

func TestGenericValuePart_OwnedAndBorrowed(t *testing.T) {
	ctx, _ := newTestContext(t, 4)

	g := GenericValueEmpty()
	require.True(t, g.IsEmpty())

	s, err := ctx.AllocScratch(bankGP)
	require.NoError(t, err)
	g = GenericValueOwned(s)
	require.True(t, g.HasReg())
	require.Equal(t, s.Reg(), g.Reg())
	g.Release()
	require.False(t, ctx.Regs.IsUsed(s.Reg()))
}

func TestGvalAsReg_MaterializesExpr(t *testing.T) {
	ctx, _ := newTestContext(t, 4)
	e := Expr{HasBase: true, Base: regalloc.MakeRegister(bankGP, 0), Disp: 8}
	g := GenericValueExpr(e)
	require.True(t, g.IsExpr())

	var materialized Expr
	r, g2, err := GvalAsReg(ctx, g, bankGP, func(dst regalloc.Register, ex Expr) {
		materialized = ex
	})
	require.NoError(t, err)
	require.True(t, ctx.Regs.IsUsed(r))
	require.Equal(t, int32(8), materialized.Disp)
	g2.Release()
}

func TestValuePartRef_IntoTemporarySalvagesLastReference(t *testing.T) {
	ctx, _ := newTestContext(t, 4)
	v := gpValue(10, 8)

	p := ctx.PartRefOf(v, 0)
	r, err := p.AllocReg(bankGP)
	require.NoError(t, err)

	var moved bool
	s, err := p.IntoTemporary(bankGP, func(dst, src regalloc.Register) { moved = true })
	require.NoError(t, err)
	// Last reference: ownership transfers without a copy.
	require.False(t, moved)
	require.Equal(t, r, s.Reg())
	require.True(t, ctx.Regs.IsFixed(s.Reg()))

	s.Release()
	require.False(t, ctx.Regs.IsUsed(r))
}

func TestValuePartRef_IntoTemporaryCopiesWhenShared(t *testing.T) {
	ctx, _ := newTestContext(t, 4)
	v := gpValue(11, 8)

	p := ctx.PartRefOf(v, 0)
	src, err := p.AllocReg(bankGP)
	require.NoError(t, err)
	a, ok := ctx.Assignments.Get(v.LocalIdx())
	require.True(t, ok)
	a.ReferencesLeft = 2 // another use outstanding elsewhere.

	var gotDst, gotSrc regalloc.Register
	s, err := p.IntoTemporary(bankGP, func(dst, srcReg regalloc.Register) {
		gotDst, gotSrc = dst, srcReg
	})
	require.NoError(t, err)
	require.Equal(t, src, gotSrc)
	require.Equal(t, s.Reg(), gotDst)
	require.False(t, s.Reg() == src)

	s.Release()
	// The value itself is still live under its remaining reference.
	require.Equal(t, uint32(1), a.ReferencesLeft)
}

func TestValuePartRef_IntoExtendedWidens(t *testing.T) {
	ctx, _ := newTestContext(t, 4)
	v := gpValue(12, 4)

	p := ctx.PartRefOf(v, 0)
	a, ok := ctx.Assignments.Get(v.LocalIdx())
	require.True(t, ok)
	a.ReferencesLeft = 2
	_, err := p.AllocReg(bankGP)
	require.NoError(t, err)

	var extended bool
	s, err := p.IntoExtended(bankGP, true, 32, 64,
		func(dst, src regalloc.Register) { t.Fatal("no plain move expected") },
		func(dst, src regalloc.Register, sign bool, fromBits, toBits uint8) {
			extended = true
			require.True(t, sign)
			require.Equal(t, uint8(32), fromBits)
			require.Equal(t, uint8(64), toBits)
		})
	require.NoError(t, err)
	require.True(t, extended)
	s.Release()
}
