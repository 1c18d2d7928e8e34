// Package valref provides ValueRef, ValuePartRef, ScratchReg and
// GenericValuePart, the handles that are the only way lowering code is
// meant to touch the register file, assignment store and stack frame
// (packages regalloc and analyzer).
//
// Go has no destructors, so the handles use an explicit-release pattern:
// every handle has a Release method, and callers are expected to defer it
// immediately after acquisition (mirrored by the WithX scope-guard helpers
// in scope.go for the common case).
package valref

import (
	"fmt"

	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// Emitter is the narrow slice of the code-emission surface valref needs:
// writing a register to its stack slot (spill) and reading it back
// (reload). The per-ISA emitters satisfy this.
type Emitter interface {
	EmitSpill(r regalloc.Register, frameOff int32, size uint8)
	EmitReload(r regalloc.Register, frameOff int32, size uint8)
}

// LivenessOf is how Context learns a value's liveness conclusions without
// importing a concrete Analyzer instance, decoupling valref from exactly
// how/when analysis ran.
type LivenessOf func(local ir.LocalIdx) (analyzer.Liveness, bool)

// Context bundles the per-function state every handle in this package
// reads and mutates: the register file, assignment store, stack frame, the
// emission surface, and the current position in the block layout (needed
// to decide delayed-free vs. immediate free).
type Context struct {
	Regs        *regalloc.RegisterFile
	Assignments *regalloc.Assignments
	Frame       *regalloc.StackFrame
	Emit        Emitter
	Liveness    LivenessOf

	CurrentBlock analyzer.BlockIndex
	// DelayedFree[b] lists values whose final release was deferred to
	// block b because liveness.LastFull was true at release time. The
	// compiler driver walks and frees this list at the end of each block.
	DelayedFree map[analyzer.BlockIndex][]ir.LocalIdx
}

// NewContext wires together a fresh per-function Context. Regs, assignments
// and frame are expected to already have been Reset for this function.
func NewContext(regs *regalloc.RegisterFile, assignments *regalloc.Assignments, frame *regalloc.StackFrame, emit Emitter, liveness LivenessOf) *Context {
	return &Context{
		Regs:        regs,
		Assignments: assignments,
		Frame:       frame,
		Emit:        emit,
		Liveness:    liveness,
		DelayedFree: make(map[analyzer.BlockIndex][]ir.LocalIdx),
	}
}

// SetBlock updates the current block position, used by Release to decide
// between freeing now and deferring to a later block's delayed-free walk.
func (c *Context) SetBlock(b analyzer.BlockIndex) { c.CurrentBlock = b }

// DrainDelayedFree releases every assignment deferred to block b. The
// compiler driver calls this once per compiled block.
func (c *Context) DrainDelayedFree(b analyzer.BlockIndex) {
	for _, local := range c.DelayedFree[b] {
		c.freeAssignment(local)
	}
	delete(c.DelayedFree, b)
}

// ensureAssignment returns v's ValueAssignment, lazily creating it (and its
// register-file-free parts) on first access.
func (c *Context) ensureAssignment(v ir.Value) *regalloc.ValueAssignment {
	local := v.LocalIdx()
	if a, ok := c.Assignments.Get(local); ok {
		return a
	}
	parts := v.Parts()
	a := c.Assignments.Create(local, len(parts))
	a.VariableRef = v.IsVariableRef()
	if lv, ok := c.Liveness(local); ok {
		a.ReferencesLeft = lv.RefCount
		a.DelayFree = lv.LastFull
	} else {
		a.ReferencesLeft = 1
	}
	var maxSize uint8
	for i, p := range parts {
		a.Parts[i] = regalloc.NewPartDescriptor(p.SizeBytes)
		if p.SizeBytes > maxSize {
			maxSize = p.SizeBytes
		}
	}
	a.MaxPartSize = maxSize
	switch {
	case v.IsVariableRef() && v.AllocaSize() > 0:
		// A stack allocation: reserve its backing storage now. Globals and
		// byval arguments are variable-refs too but own no stack slot of
		// their own (their FrameOff is bound by the compiler driver
		// instead, to a symbol or the caller's frame).
		a.FrameOff = c.Frame.Alloc(v.AllocaSize(), v.AllocaAlign())
	case !v.IsVariableRef():
		// Parts share a uniform stride of max_part_size so that a part's
		// sub-offset is a cheap multiply instead of a prefix sum.
		a.FrameOff = c.Frame.Alloc(uint32(maxSize)*uint32(len(parts)), uint32(maxSize))
	}
	return a
}

// partFrameOff returns the stack offset of part i of a, striding by
// max_part_size from the assignment's base offset. The frame grows to
// more-negative addresses, so later parts sit at more-negative offsets.
func partFrameOff(a *regalloc.ValueAssignment, part int) int32 {
	return a.FrameOff - int32(part)*int32(a.MaxPartSize)
}

// PartFrameOff is partFrameOff exported for package compiler's branch-spill
// protocol, which walks the register file by raw register identity
// rather than through a ValuePartRef handle and so needs the same stride
// arithmetic directly.
func PartFrameOff(a *regalloc.ValueAssignment, part int) int32 {
	return partFrameOff(a, part)
}

// release decrements an assignment's outstanding-use count by one and, on
// reaching zero, either frees it immediately or defers it. Variable-refs
// are never freed (they live for the whole function); only their refcount
// is decremented.
func (c *Context) release(local ir.LocalIdx) {
	a, ok := c.Assignments.Get(local)
	if !ok {
		return
	}
	if a.ReferencesLeft > 0 {
		a.ReferencesLeft--
	}
	if a.ReferencesLeft != 0 {
		return
	}
	if a.VariableRef {
		return
	}
	lv, ok := c.Liveness(local)
	if ok && a.DelayFree {
		// Deferred even when Last is the current block: the terminator's
		// PHI resolution may still write this value's stack slot (a
		// back-edge move into a loop-header PHI), so the slot must survive
		// until the block's delayed-free drain, which runs after the
		// terminator.
		c.DelayedFree[lv.Last] = append(c.DelayedFree[lv.Last], local)
		a.PendingFree = true
		return
	}
	c.freeAssignment(local)
}

// freeAssignment releases every register a part is bound to, frees the
// assignment's stack slot, and returns the record to the pooled store.
func (c *Context) freeAssignment(local ir.LocalIdx) {
	a, ok := c.Assignments.Get(local)
	if !ok {
		return
	}
	for _, p := range a.Parts {
		if p.RegisterValid() {
			r := p.Register()
			if c.Regs.Assignment(r).LockCount == 0 {
				c.Regs.UnmarkUsed(r)
			}
		}
	}
	if !a.VariableRef {
		c.Frame.Free(a.FrameOff, uint32(a.MaxPartSize)*uint32(len(a.Parts)))
	}
	c.Assignments.Free(local)
}

// findOrEvict returns a register in bank outside exclude, evicting the
// clock hand's non-fixed candidate (spilling it first if dirty) when no
// free register is available.
func (c *Context) findOrEvict(bank ir.Bank, exclude uint64) (regalloc.Register, error) {
	if r, ok := c.Regs.FindFirstFreeExcluding(bank, exclude); ok {
		return r, nil
	}
	r, ok := c.Regs.FindClockedNonFixedExcluding(bank, exclude)
	if !ok {
		return regalloc.InvalidRegister, fmt.Errorf("valref: no evictable register in bank %d", bank)
	}
	spillOccupantIfDirty(c, r)
	c.Regs.UnmarkUsed(r)
	return r, nil
}

// spillOccupantIfDirty writes r's current occupant part to its stack slot if
// modified, then marks that part no longer register-valid. It does not touch
// the register file's used/fixed bits; callers do that themselves afterward,
// since the follow-up action (evict-and-reuse vs. evict-and-release) differs
// by caller.
func spillOccupantIfDirty(c *Context, r regalloc.Register) {
	occ := c.Regs.Assignment(r)
	if occ.LocalIdx == ir.InvalidLocalIdx {
		return
	}
	a, ok := c.Assignments.Get(occ.LocalIdx)
	if !ok || int(occ.Part) >= len(a.Parts) {
		return
	}
	part := a.Parts[occ.Part]
	if part.Modified() {
		c.Emit.EmitSpill(r, partFrameOff(a, int(occ.Part)), part.SizeBytes())
		part = part.SetModified(false)
	}
	a.Parts[occ.Part] = part.SetRegisterValid(false)
}

// ReleaseClobberedArgReg drops the pin a call site placed on an argument
// register whose value was already sitting there, and unbinds whatever the
// register still names: the callee owns every caller-saved register, so no
// binding survives the call. The value's stack slot was brought up to date
// (EnsureSpilled) before the pin was taken.
func (c *Context) ReleaseClobberedArgReg(r regalloc.Register) {
	c.Regs.DecLockCount(r)
	if c.Regs.IsFixed(r) {
		// Something else still locks it; leave the binding to that owner.
		return
	}
	occ := c.Regs.Assignment(r)
	if occ.LocalIdx != ir.InvalidLocalIdx {
		if a, ok := c.Assignments.Get(occ.LocalIdx); ok && int(occ.Part) < len(a.Parts) {
			a.Parts[occ.Part] = a.Parts[occ.Part].SetRegisterValid(false)
		}
	}
	if c.Regs.IsUsed(r) {
		c.Regs.UnmarkUsed(r)
	}
}

// BindIncomingReg binds part i of v directly to register r, which the
// calling convention already placed v's value in on function entry, without
// going through the load/evict path a normal AllocReg would take. r must not
// already be used. The returned handle owns no extra reference-count unit
// (unlike PartRefOf): the assignment's ReferencesLeft was already seeded from
// analyzer liveness by ensureAssignment, and the binding itself is not a
// "use". Locks r (as IncLockCount does for any handle) so that binding a
// later argument cannot evict an earlier one before the compiler driver's
// argument-binding loop unlocks every bound argument register at once.
// Used by compiler.Driver.CompileFunction.
func (c *Context) BindIncomingReg(v ir.Value, part int, r regalloc.Register) *ValuePartRef {
	c.ensureAssignment(v)
	p := &ValuePartRef{ctx: c, local: v.LocalIdx(), part: part, ownsRef: false}
	c.Regs.MarkUsed(r, v.LocalIdx(), uint32(part))
	// Register dirty: the argument arrived in r and its stack slot has
	// never been written, so an eviction or branch spill must write it.
	d := p.descriptor().SetRegister(r).SetRegisterValid(true).SetModified(true)
	p.setDescriptor(d)
	p.lock(r)
	return p
}

// BindStackArg marks v as a variable-ref whose frame offset is off, typically
// a positive, caller-frame-relative offset for an argument the calling
// convention placed on the stack (an overflow argument, or a byval
// argument whose frame_off points into the caller's frame). If ensureAssignment
// already reserved a callee-local stack slot for v (because v wasn't already
// known to be a variable-ref at first access), that slot is freed back to
// the frame allocator first.
func (c *Context) BindStackArg(v ir.Value, off int32) {
	a := c.ensureAssignment(v)
	if !a.VariableRef {
		c.Frame.Free(a.FrameOff, uint32(a.MaxPartSize)*uint32(len(a.Parts)))
	}
	a.VariableRef = true
	a.FrameOff = off
}

// EvictRegister forcibly frees r for use by something outside the normal
// ValuePartRef/ScratchReg acquisition path, spilling its occupant first if
// dirty. Used by the call builder's caller-saved-clobber step, which
// evicts by register identity rather than through a
// handle. No-op if r is not currently used; panics if r is fixed, since a
// fixed register must never be evicted out from under its owner.
func (c *Context) EvictRegister(r regalloc.Register) {
	if !c.Regs.IsUsed(r) {
		return
	}
	if c.Regs.IsFixed(r) {
		panic(fmt.Sprintf("valref: EvictRegister called on fixed register %s", r))
	}
	spillOccupantIfDirty(c, r)
	c.Regs.UnmarkUsed(r)
}
