package text

import "github.com/tpde-go/tpde/internal/engine/tpde/ir"

// Value is a text-IR SSA value (instruction result, PHI, argument, or
// global), implementing ir.Value.
type Value struct {
	idx   ir.LocalIdx
	parts []ir.Part

	isPhi    bool
	phiBlock *Block
	incoming map[*Block]*Value

	ignoreLiveness bool
	variableRef    bool
	allocaSize     uint32
	allocaAlign    uint32
}

// NewGlobal returns a value representing the address of a named global; it
// is always a variable-ref and is always ignored by liveness analysis.
func NewGlobal(idx ir.LocalIdx) *Value {
	return &Value{idx: idx, parts: []ir.Part{{SizeBytes: 8}}, variableRef: true, ignoreLiveness: true}
}

// NewAlloca returns a variable-ref value for a stack allocation of the given
// size/alignment.
func NewAlloca(idx ir.LocalIdx, size, align uint32) *Value {
	return &Value{idx: idx, parts: []ir.Part{{SizeBytes: 8}}, variableRef: true, allocaSize: size, allocaAlign: align}
}

func (v *Value) LocalIdx() ir.LocalIdx { return v.idx }
func (v *Value) Parts() []ir.Part      { return v.parts }

func (v *Value) AsPhi() (ir.Phi, bool) {
	if !v.isPhi {
		return nil, false
	}
	return (*phiView)(v), true
}

func (v *Value) IgnoreInLiveness() bool { return v.ignoreLiveness }
func (v *Value) IsVariableRef() bool    { return v.variableRef }
func (v *Value) AllocaSize() uint32     { return v.allocaSize }
func (v *Value) AllocaAlign() uint32    { return v.allocaAlign }

// phiView adapts *Value to ir.Phi without widening Value's own method set.
type phiView Value

func (p *phiView) IncomingForBlock(pred ir.Block) (ir.Value, bool) {
	b, ok := pred.(*Block)
	if !ok {
		return nil, false
	}
	v, ok := p.incoming[b]
	if !ok {
		return nil, false
	}
	return v, true
}

// Instruction is a text-IR instruction, implementing ir.Instruction.
type Instruction struct {
	Opcode     string
	operands   []*Value
	results    []*Value
	fused      bool
	terminator bool
}

// NewInst builds an instruction with the given opcode, operands and result
// parts. Terminator must be set for block-ending instructions.
func NewInst(fn *Function, opcode string, terminator bool, results []ir.Part, operands ...*Value) *Instruction {
	res := make([]*Value, len(results))
	for i, p := range results {
		res[i] = &Value{idx: fn.allocLocal(), parts: []ir.Part{p}}
	}
	return &Instruction{Opcode: opcode, operands: operands, results: res, terminator: terminator}
}

// Result returns the i-th result value of this instruction, for building
// chains of instructions referencing earlier results.
func (i *Instruction) Result(n int) *Value { return i.results[n] }

// SetFused marks this instruction as already emitted by a previous
// instruction's lowering, per the glossary's "Fused instruction".
func (i *Instruction) SetFused(f bool) { i.fused = f }

func (i *Instruction) Operands() []ir.Value {
	out := make([]ir.Value, len(i.operands))
	for n, o := range i.operands {
		out[n] = o
	}
	return out
}

func (i *Instruction) Results() []ir.Value {
	out := make([]ir.Value, len(i.results))
	for n, r := range i.results {
		out[n] = r
	}
	return out
}

func (i *Instruction) Fused() bool        { return i.fused }
func (i *Instruction) IsTerminator() bool { return i.terminator }
