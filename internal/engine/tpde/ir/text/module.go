// Package text implements ir.Adaptor over a tiny, hand-rolled in-memory IR
// used by the test suite and by cmd/tpdec, so the repository is compilable
// end to end from a checkout without a full frontend.
//
// Functions are built programmatically (Module.AddFunction,
// Function.AddBlock, Block.AddInst, NewInst) and can
// additionally be parsed from a small line-oriented textual format (see
// parser.go) for use by cmd/tpdec and for golden-file tests.
package text

import "github.com/tpde-go/tpde/internal/engine/tpde/ir"

// Module is a collection of Functions, implementing ir.Adaptor.
type Module struct {
	funcs []*Function
	iter  int
}

// NewModule returns an empty Module.
func NewModule() *Module { return &Module{} }

// AddFunction appends and returns a new, empty Function.
func (m *Module) AddFunction(name string) *Function {
	f := &Function{module: m, name: name}
	m.funcs = append(m.funcs, f)
	return f
}

func (m *Module) FunctionsIteratorBegin() ir.Function {
	m.iter = 0
	return m.nextFunc()
}

func (m *Module) FunctionsIteratorNext() ir.Function {
	return m.nextFunc()
}

func (m *Module) nextFunc() ir.Function {
	if m.iter >= len(m.funcs) {
		return nil
	}
	f := m.funcs[m.iter]
	m.iter++
	return f
}

// SwitchFunc is a no-op: the text IR never needs constant-expression
// rewriting since its instructions never contain constant expressions.
func (m *Module) SwitchFunc(ir.Function) bool { return true }
