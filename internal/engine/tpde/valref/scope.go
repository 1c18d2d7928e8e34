package valref

import "github.com/tpde-go/tpde/internal/engine/tpde/ir"

// WithScratch allocates a scratch register in bank, runs fn with it, and
// releases it on return (including on panic), the scope-guard idiom
// context.go's package doc promises as the "common case" companion to the
// raw explicit-release handles.
func (c *Context) WithScratch(bank ir.Bank, fn func(*ScratchReg) error) error {
	s, err := c.AllocScratch(bank)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// WithValueRef acquires a use of v, runs fn with it, and releases it on
// return (including on panic).
func (c *Context) WithValueRef(v ir.Value, fn func(*ValueRef) error) error {
	r := c.ValueRefOf(v)
	defer r.Release()
	return fn(r)
}

// WithPartRef acquires a standalone reference to part of v, runs fn with it,
// and releases it on return (including on panic).
func (c *Context) WithPartRef(v ir.Value, part int, fn func(*ValuePartRef) error) error {
	p := c.PartRefOf(v, part)
	defer p.Release()
	return fn(p)
}
