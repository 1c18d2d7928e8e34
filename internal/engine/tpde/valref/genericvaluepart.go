package valref

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// Expr is a base+index*scale+displacement addressing expression, the
// unmaterialized arm of GenericValuePart, carried symbolically so a
// lowering routine can fold it into an instruction's memory operand.
type Expr struct {
	Base  regalloc.Register
	Index regalloc.Register
	Scale uint8
	Disp  int32

	HasBase  bool
	HasIndex bool
}

// genericValueKind tags which of GenericValuePart's arms is live.
type genericValueKind int

const (
	gvEmpty genericValueKind = iota
	gvOwnedReg
	gvBorrowedReg
	gvExpr
)

// GenericValuePart is a one-of-four value: nothing yet
// materialized, a scratch register this part now owns outright, a borrowed
// register still backed by some ValuePartRef's lock, or an unmaterialized
// base+index*scale+disp addressing expression a lowering routine may choose
// to fold directly into an instruction's memory operand instead of forcing
// a load.
type GenericValuePart struct {
	kind     genericValueKind
	owned    *ScratchReg
	borrowed *ValuePartRef
	expr     Expr
}

// GenericValueEmpty returns the empty GenericValuePart.
func GenericValueEmpty() GenericValuePart { return GenericValuePart{kind: gvEmpty} }

// GenericValueOwned wraps a ScratchReg this part now owns; its Release
// closes the scratch register.
func GenericValueOwned(s *ScratchReg) GenericValuePart {
	return GenericValuePart{kind: gvOwnedReg, owned: s}
}

// GenericValueBorrowed wraps a ValuePartRef whose register this part
// borrows without taking ownership; its Release closes the part ref.
func GenericValueBorrowed(p *ValuePartRef) GenericValuePart {
	return GenericValuePart{kind: gvBorrowedReg, borrowed: p}
}

// GenericValueExpr wraps an unmaterialized addressing expression.
func GenericValueExpr(e Expr) GenericValuePart {
	return GenericValuePart{kind: gvExpr, expr: e}
}

// IsEmpty reports whether no register or expression has been assigned yet.
func (g GenericValuePart) IsEmpty() bool { return g.kind == gvEmpty }

// IsExpr reports whether this part holds an unmaterialized addressing
// expression rather than a register.
func (g GenericValuePart) IsExpr() bool { return g.kind == gvExpr }

// Expr returns the addressing expression; only meaningful when IsExpr.
func (g GenericValuePart) Expr() Expr { return g.expr }

// HasReg reports whether this part currently holds a register, owned or
// borrowed.
func (g GenericValuePart) HasReg() bool {
	return g.kind == gvOwnedReg || g.kind == gvBorrowedReg
}

// Reg returns the held register. Panics if the part holds neither an owned
// nor a borrowed register; callers are expected to check HasReg or IsExpr
// first, mirroring the original's variant-assertion semantics.
func (g GenericValuePart) Reg() regalloc.Register {
	switch g.kind {
	case gvOwnedReg:
		return g.owned.Reg()
	case gvBorrowedReg:
		return g.borrowed.descriptor().Register()
	default:
		panic("valref: GenericValuePart.Reg on a part with no register")
	}
}

// GvalAsReg materializes g into a register usable read-only, loading its
// value first if g is still an unmaterialized Expr by having the caller
// supply how to compute it (materialize). Already
// register-backed parts (owned or borrowed) are returned unchanged.
func GvalAsReg(c *Context, g GenericValuePart, bank ir.Bank, materialize func(dst regalloc.Register, e Expr)) (regalloc.Register, GenericValuePart, error) {
	if g.HasReg() {
		return g.Reg(), g, nil
	}
	if !g.IsExpr() {
		return regalloc.InvalidRegister, g, nil
	}
	s, err := c.AllocScratch(bank)
	if err != nil {
		return regalloc.InvalidRegister, g, err
	}
	materialize(s.Reg(), g.expr)
	return s.Reg(), GenericValueOwned(s), nil
}

// GvalAsRegReuse behaves like GvalAsReg but, when g already owns a scratch
// register outright, returns that register directly for the caller to
// overwrite in place rather than allocating a fresh one (used by
// instruction patterns that want to clobber their
// only register operand as the destination).
func GvalAsRegReuse(c *Context, g GenericValuePart, bank ir.Bank, materialize func(dst regalloc.Register, e Expr)) (regalloc.Register, GenericValuePart, error) {
	if g.kind == gvOwnedReg {
		return g.owned.Reg(), g, nil
	}
	return GvalAsReg(c, g, bank, materialize)
}

// Release returns any register or part-ref ownership g holds. Safe to call
// on an empty or expr-only part.
func (g GenericValuePart) Release() {
	switch g.kind {
	case gvOwnedReg:
		g.owned.Release()
	case gvBorrowedReg:
		g.borrowed.Release()
	}
}
