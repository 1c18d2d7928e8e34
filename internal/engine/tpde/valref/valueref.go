package valref

import (
	"fmt"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// ValueRef is one acquired use of a (possibly multi-part) SSA value.
// Acquiring it consumes exactly one unit of the underlying
// assignment's outstanding-use count; Release returns that unit, decrementing
// ReferencesLeft and triggering the free/delayed-free protocol on reaching
// zero.
type ValueRef struct {
	ctx      *Context
	local    ir.LocalIdx
	released bool
}

// ValueRefOf acquires a use of v, lazily creating its ValueAssignment if
// this is the first reference to v in the function.
func (c *Context) ValueRefOf(v ir.Value) *ValueRef {
	c.ensureAssignment(v)
	return &ValueRef{ctx: c, local: v.LocalIdx()}
}

// Part returns a handle to part i of the referenced value. Multiple calls
// share this ValueRef's single refcount unit.
func (r *ValueRef) Part(i int) *ValuePartRef {
	return &ValuePartRef{ctx: r.ctx, local: r.local, part: i}
}

// Release returns this ValueRef's refcount unit to the assignment.
func (r *ValueRef) Release() {
	if r.released {
		return
	}
	r.released = true
	r.ctx.release(r.local)
}

// ValuePartRef is a handle to exactly one part of a ValueAssignment. A
// ValuePartRef obtained directly via Context.PartRefOf (rather than through
// a ValueRef) owns its own refcount unit and must itself be released.
type ValuePartRef struct {
	ctx      *Context
	local    ir.LocalIdx
	part     int
	ownsRef  bool
	locked   bool
	released bool
}

// PartRefOf acquires a standalone reference to exactly one part of v,
// consuming its own refcount unit (the single-part convenience path, as
// distinct from going through a multi-part ValueRef first).
func (c *Context) PartRefOf(v ir.Value, part int) *ValuePartRef {
	c.ensureAssignment(v)
	return &ValuePartRef{ctx: c, local: v.LocalIdx(), part: part, ownsRef: true}
}

// PeekPartOf returns a part reference that owns no refcount unit of v — its
// Release only drops any register lock the part took, leaving v's
// assignment's outstanding-use count untouched. For callers (e.g. the PHI
// resolver) that need transient register access to a value whose lifetime is
// already managed elsewhere and must not be perturbed by the access itself.
func (c *Context) PeekPartOf(v ir.Value, part int) *ValuePartRef {
	c.ensureAssignment(v)
	return &ValuePartRef{ctx: c, local: v.LocalIdx(), part: part}
}

func (p *ValuePartRef) assignment() *regalloc.ValueAssignment {
	a, ok := p.ctx.Assignments.Get(p.local)
	if !ok {
		panic(fmt.Sprintf("valref: no assignment for local %d", p.local))
	}
	return a
}

func (p *ValuePartRef) descriptor() regalloc.PartDescriptor {
	return p.assignment().Parts[p.part]
}

func (p *ValuePartRef) setDescriptor(d regalloc.PartDescriptor) {
	p.assignment().Parts[p.part] = d
}

// PartDescriptor only stores the bank once a register is bound, so the bank
// for an unbound part is carried by the assignment's originating ir.Part
// instead — callers pass it explicitly to LoadToReg for that reason.

// LoadToReg returns the register currently holding this part, loading it
// from its stack slot first if necessary.
func (p *ValuePartRef) LoadToReg(bank ir.Bank) (regalloc.Register, error) {
	d := p.descriptor()
	if d.RegisterValid() {
		r := d.Register()
		p.lock(r)
		return r, nil
	}
	r, err := p.ctx.findOrEvict(bank, 0)
	if err != nil {
		return regalloc.InvalidRegister, err
	}
	p.ctx.Regs.MarkUsed(r, p.local, uint32(p.part))
	p.ctx.Emit.EmitReload(r, partFrameOff(p.assignment(), p.part), d.SizeBytes())
	d = d.SetRegister(r).SetRegisterValid(true).SetModified(false)
	p.setDescriptor(d)
	p.lock(r)
	return r, nil
}

// AllocReg allocates a register for this part without loading any existing
// value into it, for writing a fresh result.
func (p *ValuePartRef) AllocReg(bank ir.Bank) (regalloc.Register, error) {
	r, err := p.ctx.findOrEvict(bank, 0)
	if err != nil {
		return regalloc.InvalidRegister, err
	}
	p.ctx.Regs.MarkUsed(r, p.local, uint32(p.part))
	d := p.descriptor().SetRegister(r).SetRegisterValid(true)
	p.setDescriptor(d)
	p.lock(r)
	return r, nil
}

func (p *ValuePartRef) lock(r regalloc.Register) {
	if p.locked {
		return
	}
	p.locked = true
	p.ctx.Regs.IncLockCount(r)
}

// SetModified marks this part's register dirty: its stack slot no longer
// reflects the register's contents.
func (p *ValuePartRef) SetModified() {
	p.setDescriptor(p.descriptor().SetModified(true))
}

// CanSalvage reports whether this is the last outstanding reference to the
// part's assignment, making it safe to hand the bound register's ownership
// to a ScratchReg (used by 2-operand
// instruction patterns that reuse an input register as the output).
func (p *ValuePartRef) CanSalvage() bool {
	a := p.assignment()
	return a.ReferencesLeft == 1 && p.descriptor().RegisterValid()
}

// Salvage transfers ownership of this part's bound register to a new
// ScratchReg, provided CanSalvage(). The part ref must not be used again
// afterward; its implicit release still runs via the returned ScratchReg's
// own Release, not this handle's.
func (p *ValuePartRef) Salvage() (*ScratchReg, error) {
	if !p.CanSalvage() {
		return nil, fmt.Errorf("valref: cannot salvage part %d of local %d: not the last reference", p.part, p.local)
	}
	r := p.descriptor().Register()
	// The assignment is about to die (this is its last reference); detach
	// the register from it before the caller's Release() call would
	// otherwise free it back through the normal assignment-release path.
	p.setDescriptor(p.descriptor().SetRegisterValid(false))
	p.released = true
	p.ctx.release(p.local)
	return &ScratchReg{ctx: p.ctx, reg: r}, nil
}

// IntoTemporary materializes this part's value into a register owned by a
// fresh ScratchReg, detached from the assignment; mov copies between two
// registers of the part's bank. When this handle holds the last reference
// to a register-resident value, the register is salvaged instead of copied.
// The handle is consumed either way.
func (p *ValuePartRef) IntoTemporary(bank ir.Bank, mov func(dst, src regalloc.Register)) (*ScratchReg, error) {
	if p.CanSalvage() {
		locked := p.locked
		s, err := p.Salvage()
		if err != nil {
			return nil, err
		}
		// A load-time lock transfers to the scratch (its Release drops it);
		// an unloaded handle's register needs one taken now.
		p.locked = false
		if !locked {
			p.ctx.Regs.IncLockCount(s.Reg())
		}
		return s, nil
	}
	src, err := p.LoadToReg(bank)
	if err != nil {
		return nil, err
	}
	s, err := p.ctx.AllocScratch(bank)
	if err != nil {
		return nil, err
	}
	mov(s.Reg(), src)
	p.Release()
	return s, nil
}

// IntoExtended returns an owned register holding this part's value sign- or
// zero-extended from fromBits to toBits; extend emits the target's widening
// instruction. A value already at least toBits wide is just materialized.
// The handle is consumed.
func (p *ValuePartRef) IntoExtended(bank ir.Bank, sign bool, fromBits, toBits uint8, mov func(dst, src regalloc.Register), extend func(dst, src regalloc.Register, sign bool, fromBits, toBits uint8)) (*ScratchReg, error) {
	if fromBits >= toBits {
		return p.IntoTemporary(bank, mov)
	}
	src, err := p.LoadToReg(bank)
	if err != nil {
		return nil, err
	}
	s, err := p.ctx.AllocScratch(bank)
	if err != nil {
		return nil, err
	}
	extend(s.Reg(), src, sign, fromBits, toBits)
	p.Release()
	return s, nil
}

// EnsureSpilled writes this part's register to its stack slot if the
// register holds data the slot doesn't, leaving the register bound. Used
// ahead of an operation that clobbers the register without going through
// the eviction path (a call clobbering its own argument registers).
func (p *ValuePartRef) EnsureSpilled() {
	d := p.descriptor()
	if d.RegisterValid() && d.Modified() {
		p.ctx.Emit.EmitSpill(d.Register(), partFrameOff(p.assignment(), p.part), d.SizeBytes())
		p.setDescriptor(d.SetModified(false))
	}
}

// FixedAssignment reports whether this part is bound to a dedicated
// register for its whole lifetime.
// Used by the PHI resolver (package phi) to decide a PHI's destination.
func (p *ValuePartRef) FixedAssignment() bool { return p.descriptor().FixedAssignment() }

// BoundRegister returns the part's currently bound register, if
// register_valid; ok is false if the part currently lives only on the
// stack.
func (p *ValuePartRef) BoundRegister() (regalloc.Register, bool) {
	d := p.descriptor()
	if !d.RegisterValid() {
		return regalloc.InvalidRegister, false
	}
	return d.Register(), true
}

// FrameOff returns the stack slot offset of this part's assignment.
func (p *ValuePartRef) FrameOff() int32 { return partFrameOff(p.assignment(), p.part) }

// WriteFixedRegister moves a freshly computed value directly into this
// part's dedicated fixed register via mov, bypassing the normal
// load/evict path. Only valid when FixedAssignment(); used by the PHI
// resolver, whose fixed-register PHI destinations are permanent for the
// function's lifetime and so are never evicted by the ordinary register
// allocation protocol.
func (p *ValuePartRef) WriteFixedRegister(mov func(dst regalloc.Register)) {
	r := p.descriptor().Register()
	mov(r)
	p.setDescriptor(p.descriptor().SetModified(true))
}

// WriteStackDirect spills a freshly computed value straight to this part's
// stack slot via spill, releasing any stale register binding the part held
// first. Used by the PHI resolver for non-fixed PHI destinations, which
// are always moved to their stack slot.
func (p *ValuePartRef) WriteStackDirect(spill func(off int32, size uint8)) {
	d := p.descriptor()
	if d.RegisterValid() && !d.FixedAssignment() {
		r := d.Register()
		if p.ctx.Regs.Assignment(r).LockCount == 0 {
			p.ctx.Regs.UnmarkUsed(r)
		}
	}
	a := p.assignment()
	spill(partFrameOff(a, p.part), d.SizeBytes())
	p.setDescriptor(d.SetRegisterValid(false).SetModified(true))
}

// Release returns this handle's refcount unit (if it owns one) to the
// assignment and unlocks its register.
func (p *ValuePartRef) Release() {
	if p.locked {
		p.locked = false
		if a, ok := p.ctx.Assignments.Get(p.local); ok {
			d := a.Parts[p.part]
			if d.RegisterValid() {
				p.ctx.Regs.DecLockCount(d.Register())
			}
		}
	}
	if p.ownsRef && !p.released {
		p.released = true
		p.ctx.release(p.local)
	}
}
