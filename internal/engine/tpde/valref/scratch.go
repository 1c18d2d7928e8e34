package valref

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// ScratchReg is an ownership token for a temporarily-reserved register that
// belongs to no SSA value. Release it via defer immediately after Alloc
// succeeds.
type ScratchReg struct {
	ctx      *Context
	reg      regalloc.Register
	released bool
}

// AllocScratch reserves any free-or-evictable register in bank and locks
// it as fixed for the token's lifetime.
func (c *Context) AllocScratch(bank ir.Bank) (*ScratchReg, error) {
	r, err := c.findOrEvict(bank, 0)
	if err != nil {
		return nil, err
	}
	c.Regs.MarkUsed(r, ir.InvalidLocalIdx, 0)
	c.Regs.IncLockCount(r)
	return &ScratchReg{ctx: c, reg: r}, nil
}

// AllocScratchSpecific reserves register r specifically, evicting its
// current occupant (if any) first.
func (c *Context) AllocScratchSpecific(r regalloc.Register) (*ScratchReg, error) {
	if c.Regs.IsUsed(r) {
		c.evictSpecific(r)
	}
	c.Regs.MarkUsed(r, ir.InvalidLocalIdx, 0)
	c.Regs.IncLockCount(r)
	return &ScratchReg{ctx: c, reg: r}, nil
}

// evictSpecific forcibly clears r, spilling its occupant's part first if it
// is dirty. Used only by AllocScratchSpecific, which by contract demands
// exactly this register regardless of the clock hand.
func (c *Context) evictSpecific(r regalloc.Register) {
	spillOccupantIfDirty(c, r)
	if c.Regs.IsFixed(r) {
		c.Regs.UnmarkFixed(r)
	}
	if c.Regs.IsUsed(r) {
		c.Regs.UnmarkUsed(r)
	}
}

// Reg returns the reserved physical register.
func (s *ScratchReg) Reg() regalloc.Register { return s.reg }

// Release frees the register back to the register file. Safe to call more
// than once.
func (s *ScratchReg) Release() {
	if s.released {
		return
	}
	s.released = true
	s.ctx.Regs.DecLockCount(s.reg)
	s.ctx.Regs.UnmarkUsed(s.reg)
}
