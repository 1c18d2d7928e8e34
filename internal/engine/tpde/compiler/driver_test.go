package compiler

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/callconv"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir/text"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
	"github.com/tpde-go/tpde/internal/engine/tpde/valref"
	"github.com/tpde-go/tpde/internal/testing/require"
)

const testBank ir.Bank = 0

// fakeHooks records the driver's calls into the target layer without
// emitting anything, so driver_test can assert the per-function step
// ordering independent of any real ISA.
type fakeHooks struct {
	events       []string
	argRegs      []regalloc.Register
	patchedFrame uint32
	epilogues    int
	fdes         int
}

func (f *fakeHooks) ev(s string) { f.events = append(f.events, s) }

func (f *fakeHooks) EmitSpill(r regalloc.Register, off int32, size uint8)  { f.ev("spill") }
func (f *fakeHooks) EmitReload(r regalloc.Register, off int32, size uint8) { f.ev("reload") }

func (f *fakeHooks) MoveToReg(dst, src regalloc.Register, bank ir.Bank, size uint8)      {}
func (f *fakeHooks) StoreArgStack(off uint32, src regalloc.Register, bank ir.Bank, size uint8) {}
func (f *fakeHooks) CopyByval(off uint32, srcPtr regalloc.Register, size uint32)         {}
func (f *fakeHooks) AdjustStack(delta int32)                                             {}
func (f *fakeHooks) SetVarargXMMCount(count uint8)                                       {}
func (f *fakeHooks) CallDirect(symbol string)                                            {}
func (f *fakeHooks) CallIndirect(target regalloc.Register)                               {}

func (f *fakeHooks) MoveRegToReg(dst, src regalloc.Register, bank ir.Bank, size uint8) {}

func (f *fakeHooks) PointerBank() ir.Bank { return testBank }
func (f *fakeHooks) StackAlign() uint32   { return 16 }
func (f *fakeHooks) FrameArgBase() int32  { return 16 }
func (f *fakeHooks) MaxCalleeSaved() int  { return 2 }

func (f *fakeHooks) EntryCC(bool) callconv.CCInfo {
	return callconv.CCInfo{
		ArgRegs:     map[ir.Bank][]regalloc.Register{testBank: f.argRegs},
		RetRegs:     map[ir.Bank][]regalloc.Register{testBank: {0}},
		CalleeSaved: []regalloc.Register{6, 7},
		Allocatable: []regalloc.Register{0, 1, 2, 3, 4, 5, 6, 7},
		PtrBank:     testBank,
	}
}

func (f *fakeHooks) EmitFunctionLabel(name string)  { f.ev("func:" + name) }
func (f *fakeHooks) EmitProloguePlaceholder() PatchPoint {
	f.ev("prologue")
	return 1
}
func (f *fakeHooks) PatchFrameSize(p PatchPoint, frameSize uint32) {
	f.patchedFrame = frameSize
	f.ev("patch-frame")
}
func (f *fakeHooks) EmitCalleeSavedPushPlaceholder(maxCount int) PatchPoint {
	f.ev("push-placeholder")
	return 2
}
func (f *fakeHooks) PatchCalleeSavedPushes(p PatchPoint, regs []regalloc.Register) {
	f.ev("patch-pushes")
}
func (f *fakeHooks) EmitEpiloguePlaceholder() PatchPoint {
	f.ev("epilogue-placeholder")
	return 3
}
func (f *fakeHooks) PatchEpilogue(p PatchPoint, frameSize uint32, calleeSaved []regalloc.Register) {
	f.epilogues++
}
func (f *fakeHooks) EmitBlockLabel(bi analyzer.BlockIndex) { f.ev("block") }
func (f *fakeHooks) EmitFDE(frameSize uint32, calleeSaved []regalloc.Register) {
	f.fdes++
	f.ev("fde")
}

// recordingLowerer touches every operand/result the way a real lowering
// would (load inputs, allocate the output) so the register file and
// refcounts see realistic traffic.
type recordingLowerer struct {
	lowered []string
	fail    string // opcode to fail on, "" for none.
	panicOn string // opcode to panic on, "" for none.
}

func (l *recordingLowerer) CompileInst(ctx *valref.Context, fn ir.Function, block ir.Block, inst ir.Instruction) error {
	ti := inst.(*text.Instruction)
	if ti.Opcode == l.fail {
		return errors.New("unsupported construct")
	}
	if ti.Opcode == l.panicOn {
		panic("invariant violated")
	}
	l.lowered = append(l.lowered, ti.Opcode)

	for _, op := range ti.Operands() {
		ref := ctx.PartRefOf(op, 0)
		if _, err := ref.LoadToReg(testBank); err != nil {
			return err
		}
		ref.Release()
	}
	for _, res := range ti.Results() {
		ref := ctx.PartRefOf(res, 0)
		if _, err := ref.AllocReg(testBank); err != nil {
			return err
		}
		ref.SetModified()
		ref.Release()
	}
	return nil
}

func parseFunc(t *testing.T, src string) ir.Function {
	t.Helper()
	m, err := text.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return m.FunctionsIteratorBegin()
}

func newTestDriver(hooks *fakeHooks, lowerer *recordingLowerer) *Driver {
	regs := regalloc.NewRegisterFile([]regalloc.BankConfig{{Bank: testBank, Base: 0, Count: 8}})
	return NewDriver(analyzer.New(), regs, regalloc.NewAssignments(), regalloc.NewStackFrame(0), hooks, lowerer)
}

func TestDriver_IdentityFunctionStepOrdering(t *testing.T) {
	fn := parseFunc(t, `
func id 1
block entry
ret v0
endfunc
`)
	hooks := &fakeHooks{argRegs: []regalloc.Register{1}}
	lowerer := &recordingLowerer{}
	d := newTestDriver(hooks, lowerer)

	require.NoError(t, d.CompileFunction(fn))

	// The argument arrives dirty in its register, so the branch-spill
	// protocol writes it back before the return; the register stays bound
	// until after the ret is lowered, so no reload is needed, and the
	// epilogue slot follows the return-value moves.
	require.Equal(t, []string{
		"func:id", "prologue", "push-placeholder", "block",
		"spill", "epilogue-placeholder",
		"patch-frame", "patch-pushes", "fde",
	}, hooks.events)
	require.Equal(t, []string{"ret"}, lowerer.lowered)
	require.Equal(t, 1, hooks.epilogues)
	// The frame only ever held the argument's 8-byte slot, aligned to 16.
	require.Equal(t, uint32(16), hooks.patchedFrame)
}

func TestDriver_SkipsFusedInstructions(t *testing.T) {
	fn := parseFunc(t, `
func f 1
block entry
v1 = add v0 v0
v2 = add v1 v0
ret v2
endfunc
`)
	// Mark the second add as fused: the driver must not lower it.
	tf := fn.(*text.Function)
	b := tf.BlocksIteratorBegin().(*text.Block)
	b.InstsIteratorBegin()
	second := b.InstsIteratorNext().(*text.Instruction)
	second.SetFused(true)

	hooks := &fakeHooks{argRegs: []regalloc.Register{1}}
	lowerer := &recordingLowerer{}
	d := newTestDriver(hooks, lowerer)

	require.NoError(t, d.CompileFunction(fn))
	require.Equal(t, []string{"add", "ret"}, lowerer.lowered)
}

func TestDriver_DiamondSpillsAcrossBranches(t *testing.T) {
	fn := parseFunc(t, `
func diamond 1
block entry
succs left right
brif v0, left, right
block left
succs join
v1 = const 1
br
block right
succs join
v2 = const 2
br
block join
v3 = phi left:v1 right:v2
ret v3
endfunc
`)
	hooks := &fakeHooks{argRegs: []regalloc.Register{1}}
	lowerer := &recordingLowerer{}
	d := newTestDriver(hooks, lowerer)

	require.NoError(t, d.CompileFunction(fn))
	require.Equal(t, 4, countEvents(hooks.events, "block"))
	// Both predecessors of the join block wrote their incoming value into
	// the PHI's stack slot before branching.
	require.True(t, countEvents(hooks.events, "spill") >= 2)
}

func TestDriver_PerFunctionErrorPolicy(t *testing.T) {
	src := `
func bad 0
block entry
v0 = const 1
ret v0
endfunc
`
	t.Run("lowering error propagates", func(t *testing.T) {
		fn := parseFunc(t, src)
		d := newTestDriver(&fakeHooks{}, &recordingLowerer{fail: "const.1"})
		require.Error(t, d.CompileFunction(fn))
	})

	t.Run("panic becomes error", func(t *testing.T) {
		fn := parseFunc(t, src)
		d := newTestDriver(&fakeHooks{}, &recordingLowerer{panicOn: "const.1"})
		err := d.CompileFunction(fn)
		require.Error(t, err)
		require.True(t, strings.Contains(err.Error(), "invariant violated"))
	})
}

func TestDriver_StackArgBecomesCallerFrameVariableRef(t *testing.T) {
	fn := parseFunc(t, `
func f 2
block entry
ret v1
endfunc
`)
	// One argument register: v0 arrives in register 1, v1 overflows to the
	// stack and must surface as a variable-ref at FrameArgBase()+0.
	hooks := &fakeHooks{argRegs: []regalloc.Register{1}}
	var checked bool
	lowerer := &recordingLowerer{}
	d := newTestDriver(hooks, lowerer)

	checkingLowerer := instLowererFunc(func(ctx *valref.Context, f ir.Function, b ir.Block, inst ir.Instruction) error {
		if !checked {
			checked = true
			v1 := inst.(*text.Instruction).Operands()[0]
			a, ok := ctx.Assignments.Get(v1.LocalIdx())
			require.True(t, ok)
			require.True(t, a.VariableRef)
			require.Equal(t, int32(16), a.FrameOff)
		}
		return lowerer.CompileInst(ctx, f, b, inst)
	})
	d.Lowerer = checkingLowerer

	require.NoError(t, d.CompileFunction(fn))
	require.True(t, checked)
}

// instLowererFunc adapts a func literal to InstLowerer for one-off checks.
type instLowererFunc func(*valref.Context, ir.Function, ir.Block, ir.Instruction) error

func (f instLowererFunc) CompileInst(ctx *valref.Context, fn ir.Function, b ir.Block, i ir.Instruction) error {
	return f(ctx, fn, b, i)
}

func countEvents(events []string, kind string) int {
	n := 0
	for _, e := range events {
		if e == kind {
			n++
		}
	}
	return n
}

// checkedLowerer wraps recordingLowerer and verifies, after every lowered
// instruction, that the register file and the assignment store agree: a
// used register's assignment names a part that points back at it, and a
// register-valid part's register is marked used with the right owner.
type checkedLowerer struct {
	inner recordingLowerer
	t     *testing.T
	ctx   *valref.Context
}

func (l *checkedLowerer) CompileInst(ctx *valref.Context, fn ir.Function, block ir.Block, inst ir.Instruction) error {
	l.ctx = ctx
	if err := l.inner.CompileInst(ctx, fn, block, inst); err != nil {
		return err
	}
	l.checkRoundTrip(ctx)
	return nil
}

func (l *checkedLowerer) checkRoundTrip(ctx *valref.Context) {
	l.t.Helper()
	used := ctx.Regs.UsedMask()
	for bit := 0; bit < 64; bit++ {
		if used&(1<<uint(bit)) == 0 {
			continue
		}
		r := regalloc.Register(bit)
		occ := ctx.Regs.Assignment(r)
		if occ.LocalIdx == ir.InvalidLocalIdx {
			continue // scratch register.
		}
		a, ok := ctx.Assignments.Get(occ.LocalIdx)
		require.True(l.t, ok, "used register %s names a missing assignment", r)
		require.True(l.t, int(occ.Part) < len(a.Parts))
		d := a.Parts[occ.Part]
		require.True(l.t, d.RegisterValid(), "used register %s whose part is not register-valid", r)
		require.Equal(l.t, r, d.Register())
	}
}

// Randomized straight-line/diamond functions drive the register file
// through realistic pressure; every instruction boundary must satisfy the
// register/assignment round-trip, and at end-of-function every delayed-free
// list must have drained.
func TestDriver_RandomizedConsistency(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		src := randomFunc(rng)
		fn := parseFunc(t, src)

		hooks := &fakeHooks{argRegs: []regalloc.Register{1, 2}}
		lowerer := &checkedLowerer{t: t}
		d := newTestDriver(hooks, &lowerer.inner)
		d.Lowerer = lowerer

		require.NoError(t, d.CompileFunction(fn), "seed %d:\n%s", seed, src)
		require.True(t, lowerer.ctx != nil)
		require.Equal(t, 0, len(lowerer.ctx.DelayedFree), "seed %d left undrained delayed-free lists", seed)
	}
}

var binOps = []string{"add", "sub", "mul", "and", "or", "xor"}

// randomFunc builds either a straight-line function or a diamond whose
// arms compute over randomly chosen live values.
func randomFunc(rng *rand.Rand) string {
	argc := 1 + rng.Intn(2)
	var sb strings.Builder
	fmt.Fprintf(&sb, "func f %d\n", argc)
	next := argc
	vals := make([]string, argc)
	for i := range vals {
		vals[i] = fmt.Sprintf("v%d", i)
	}
	pick := func() string { return vals[rng.Intn(len(vals))] }
	emitOps := func(n int) {
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("v%d", next)
			next++
			fmt.Fprintf(&sb, "%s = %s %s %s\n", name, binOps[rng.Intn(len(binOps))], pick(), pick())
			vals = append(vals, name)
		}
	}

	if rng.Intn(2) == 0 {
		sb.WriteString("block entry\n")
		emitOps(3 + rng.Intn(8))
		fmt.Fprintf(&sb, "ret %s\nendfunc\n", pick())
		return sb.String()
	}

	sb.WriteString("block entry\nsuccs left right\n")
	emitOps(2 + rng.Intn(4))
	cond := pick()
	fmt.Fprintf(&sb, "brif %s, left, right\n", cond)
	sb.WriteString("block left\nsuccs join\n")
	emitOps(1 + rng.Intn(3))
	lv := pick()
	sb.WriteString("br\nblock right\nsuccs join\n")
	emitOps(1 + rng.Intn(3))
	rv := pick()
	sb.WriteString("br\nblock join\n")
	phi := fmt.Sprintf("v%d", next)
	next++
	fmt.Fprintf(&sb, "%s = phi left:%s right:%s\nret %s\nendfunc\n", phi, lv, rv, phi)
	return sb.String()
}

func TestDriver_VerifyCatchesLeakedScratch(t *testing.T) {
	src := `
func leaky 0
block entry
v0 = const 1
ret v0
endfunc
`
	leakingLowerer := instLowererFunc(func(ctx *valref.Context, f ir.Function, b ir.Block, inst ir.Instruction) error {
		ti := inst.(*text.Instruction)
		if ti.Opcode == "const.1" {
			// Deliberately never released.
			if _, err := ctx.AllocScratch(testBank); err != nil {
				return err
			}
		}
		return (&recordingLowerer{}).CompileInst(ctx, f, b, inst)
	})

	fn := parseFunc(t, src)
	d := newTestDriver(&fakeHooks{}, &recordingLowerer{})
	d.Lowerer = leakingLowerer
	d.Verify = true

	err := d.CompileFunction(fn)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "locked"))
}

func TestDriver_VerifyPassesCleanFunctions(t *testing.T) {
	for seed := int64(1); seed <= 8; seed++ {
		rng := rand.New(rand.NewSource(seed))
		fn := parseFunc(t, randomFunc(rng))
		d := newTestDriver(&fakeHooks{argRegs: []regalloc.Register{1, 2}}, &recordingLowerer{})
		d.Verify = true
		require.NoError(t, d.CompileFunction(fn))
	}
}
