package phi

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
	"github.com/tpde-go/tpde/internal/engine/tpde/valref"
)

// temporary preserves a PHI node's current value across the point where its
// destination gets overwritten, so a later dependant can still read the old
// value. Values of two parts or fewer use a scratch register per part;
// larger values use one dedicated stack slot, mirroring the original's
// tmp_reg1/tmp_reg2-vs-stack-slot split.
type temporary struct {
	regs []*valref.ScratchReg

	useStack  bool
	stackOff  int32
	stackSize uint32
	maxPart   uint8
}

// saveToTemporary copies n's current (pre-overwrite) value out of its
// destination and into a temporary, breaking a PHI dependency cycle.
func saveToTemporary(ctx *valref.Context, mov Mover, n *phiNode) (*temporary, error) {
	parts := n.value.Parts()
	if len(parts) <= 2 {
		t := &temporary{regs: make([]*valref.ScratchReg, len(parts))}
		for i, part := range parts {
			ref := ctx.PeekPartOf(n.value, i)
			srcReg, err := ref.LoadToReg(part.Bank)
			if err != nil {
				ref.Release()
				releaseRegs(t)
				return nil, err
			}
			scratch, err := ctx.AllocScratch(part.Bank)
			if err != nil {
				ref.Release()
				releaseRegs(t)
				return nil, err
			}
			mov.MoveRegToReg(scratch.Reg(), srcReg, part.Bank, part.SizeBytes)
			t.regs[i] = scratch
			ref.Release()
		}
		return t, nil
	}

	var maxSize uint8
	for _, p := range parts {
		if p.SizeBytes > maxSize {
			maxSize = p.SizeBytes
		}
	}
	t := &temporary{useStack: true, maxPart: maxSize}
	t.stackSize = uint32(maxSize) * uint32(len(parts))
	t.stackOff = ctx.Frame.Alloc(t.stackSize, uint32(maxSize))
	for i, part := range parts {
		ref := ctx.PeekPartOf(n.value, i)
		srcReg, err := ref.LoadToReg(part.Bank)
		if err != nil {
			ref.Release()
			ctx.Frame.Free(t.stackOff, t.stackSize)
			return nil, err
		}
		ctx.Emit.EmitSpill(srcReg, t.stackOff-int32(i)*int32(maxSize), part.SizeBytes)
		ref.Release()
	}
	return t, nil
}

// withReg runs fn with a register holding part i's saved value, reloading it
// from the stack first if this temporary is stack-backed.
func (t *temporary) withReg(ctx *valref.Context, i int, bank ir.Bank, size uint8, fn func(reg regalloc.Register)) error {
	if !t.useStack {
		fn(t.regs[i].Reg())
		return nil
	}
	scratch, err := ctx.AllocScratch(bank)
	if err != nil {
		return err
	}
	defer scratch.Release()
	ctx.Emit.EmitReload(scratch.Reg(), t.stackOff-int32(i)*int32(t.maxPart), size)
	fn(scratch.Reg())
	return nil
}

func releaseRegs(t *temporary) {
	for _, s := range t.regs {
		if s != nil {
			s.Release()
		}
	}
}

// releaseScratches frees every temporary's backing storage, called once a
// PHI edge is fully resolved.
func releaseScratches(ctx *valref.Context, temps map[ir.LocalIdx]*temporary) {
	for _, t := range temps {
		if t.useStack {
			ctx.Frame.Free(t.stackOff, t.stackSize)
		} else {
			releaseRegs(t)
		}
	}
}
