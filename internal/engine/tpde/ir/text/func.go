package text

import "github.com/tpde-go/tpde/internal/engine/tpde/ir"

// Function is a text-IR function, implementing ir.Function.
type Function struct {
	module      *Module
	name        string
	args        []*Value
	blocks      []*Block
	vararg      bool
	personality string
	explicitArg bool

	nextLocal ir.LocalIdx
	blockIter int
	argIter   int
}

// AddArg appends a new argument value with the given parts and returns it.
func (f *Function) AddArg(parts ...ir.Part) *Value {
	v := &Value{idx: f.allocLocal(), parts: parts}
	f.args = append(f.args, v)
	return v
}

// SetVararg marks the function as accepting variable arguments.
func (f *Function) SetVararg(v bool) { f.vararg = v }

// SetPersonality sets the exception-handling personality function symbol.
func (f *Function) SetPersonality(name string) { f.personality = name }

// AddBlock appends and returns a new, empty Block. The first block added is
// the entry block.
func (f *Function) AddBlock(label string) *Block {
	b := &Block{fn: f, label: label}
	f.blocks = append(f.blocks, b)
	return b
}

func (f *Function) allocLocal() ir.LocalIdx {
	v := f.nextLocal
	f.nextLocal++
	return v
}

func (f *Function) Name() string { return f.name }

func (f *Function) BlocksIteratorBegin() ir.Block {
	f.blockIter = 0
	return f.nextBlock()
}

func (f *Function) BlocksIteratorNext() ir.Block {
	return f.nextBlock()
}

func (f *Function) nextBlock() ir.Block {
	if f.blockIter >= len(f.blocks) {
		return nil
	}
	b := f.blocks[f.blockIter]
	f.blockIter++
	return b
}

func (f *Function) ArgsIteratorBegin() ir.Value {
	f.argIter = 0
	return f.nextArg()
}

func (f *Function) ArgsIteratorNext() ir.Value {
	return f.nextArg()
}

func (f *Function) nextArg() ir.Value {
	if f.argIter >= len(f.args) {
		return nil
	}
	v := f.args[f.argIter]
	f.argIter++
	return v
}

func (f *Function) IsVararg() bool              { return f.vararg }
func (f *Function) PersonalityFunc() string     { return f.personality }
func (f *Function) AdapterHasExplicitArgInsts() bool { return f.explicitArg }

// Block is a text-IR basic block, implementing ir.Block.
type Block struct {
	fn    *Function
	label string
	succs []*Block
	insts []*Instruction
	phis  []*Value

	instIter int
	phiIter  int
}

// Label returns the block's source-level name, e.g. "entry".
func (b *Block) Label() string { return b.label }

// SetSuccs sets this block's successors in terminator operand order.
func (b *Block) SetSuccs(succs ...*Block) { b.succs = succs }

// AddInst appends an instruction to the block.
func (b *Block) AddInst(i *Instruction) { b.insts = append(b.insts, i) }

// AddPhi appends a PHI value to the block. incoming maps predecessor block
// to the value flowing in from it.
func (b *Block) AddPhi(parts []ir.Part, incoming map[*Block]*Value) *Value {
	v := &Value{idx: b.fn.allocLocal(), parts: parts, isPhi: true, phiBlock: b, incoming: incoming}
	b.phis = append(b.phis, v)
	return v
}

func (b *Block) Succs() []ir.Block {
	out := make([]ir.Block, len(b.succs))
	for i, s := range b.succs {
		out[i] = s
	}
	return out
}

func (b *Block) InstsIteratorBegin() ir.Instruction {
	b.instIter = 0
	return b.nextInst()
}

func (b *Block) InstsIteratorNext() ir.Instruction {
	return b.nextInst()
}

func (b *Block) nextInst() ir.Instruction {
	if b.instIter >= len(b.insts) {
		return nil
	}
	i := b.insts[b.instIter]
	b.instIter++
	return i
}

func (b *Block) PhisIteratorBegin() ir.Value {
	b.phiIter = 0
	return b.nextPhi()
}

func (b *Block) PhisIteratorNext() ir.Value {
	return b.nextPhi()
}

func (b *Block) nextPhi() ir.Value {
	if b.phiIter >= len(b.phis) {
		return nil
	}
	v := b.phis[b.phiIter]
	b.phiIter++
	return v
}
