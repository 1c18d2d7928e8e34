// Package phi resolves the parallel-copy problem a block's PHI nodes pose on
// a given incoming edge: moving every PHI's selected incoming value into the
// PHI's own destination, in an order that never clobbers a value some other
// PHI on the same edge still needs to read.
//
// The algorithm is a reference-counted ready/waiting walk: build a
// dependency edge phi_b -> phi_a whenever phi_b's incoming value is
// phi_a's destination, process every PHI with zero dependants first, and
// when none remain (a cycle), break it by copying one PHI's current value
// into a scratch location before overwriting it.
package phi

import (
	"fmt"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
	"github.com/tpde-go/tpde/internal/engine/tpde/valref"
)

// Mover performs a direct register-to-register copy. Implementations live in
// the per-ISA lowering layer, which knows how to encode this as a real
// instruction for the part's bank.
type Mover interface {
	MoveRegToReg(dst, src regalloc.Register, bank ir.Bank, size uint8)
}

// phiNode is one PHI destination on the edge being resolved.
type phiNode struct {
	value    ir.Value
	incoming ir.Value
	refCount int
	waiting  bool
}

// Resolver resolves PHI edges. It keeps its working slice across calls so
// resolving successive edges of a function doesn't re-allocate.
type Resolver struct {
	nodes []phiNode
}

// New returns a Resolver ready to use.
func New() *Resolver { return &Resolver{} }

// Resolve moves every PHI of target whose value on the edge from source is
// live into its destination. mov is used for the
// register-to-register copies cycle-breaking needs; all stack/register
// bookkeeping for the PHI destinations themselves goes through ctx.
func (res *Resolver) Resolve(ctx *valref.Context, mov Mover, target, source ir.Block) error {
	res.nodes = res.nodes[:0]
	for p := target.PhisIteratorBegin(); p != nil; p = target.PhisIteratorNext() {
		ph, ok := p.AsPhi()
		if !ok {
			continue
		}
		incoming, ok := ph.IncomingForBlock(source)
		if !ok {
			continue
		}
		if incoming.LocalIdx() == p.LocalIdx() {
			// The PHI carries its own prior value unchanged on this edge;
			// nothing to move.
			continue
		}
		res.nodes = append(res.nodes, phiNode{value: p, incoming: incoming})
	}
	if len(res.nodes) == 0 {
		return nil
	}

	byLocal := make(map[ir.LocalIdx]*phiNode, len(res.nodes))
	for i := range res.nodes {
		byLocal[res.nodes[i].value.LocalIdx()] = &res.nodes[i]
	}
	for i := range res.nodes {
		if dep, ok := byLocal[res.nodes[i].incoming.LocalIdx()]; ok {
			dep.refCount++
		}
	}

	var ready []*phiNode
	waitingCount := 0
	for i := range res.nodes {
		n := &res.nodes[i]
		if n.refCount == 0 {
			ready = append(ready, n)
		} else {
			n.waiting = true
			waitingCount++
		}
	}

	temps := make(map[ir.LocalIdx]*temporary)
	defer releaseScratches(ctx, temps)

	for len(ready) > 0 || waitingCount > 0 {
		if len(ready) == 0 {
			var victim *phiNode
			for i := range res.nodes {
				if res.nodes[i].waiting {
					victim = &res.nodes[i]
					break
				}
			}
			if victim == nil {
				return fmt.Errorf("phi: waiting count %d but no waiting node found", waitingCount)
			}
			tmp, err := saveToTemporary(ctx, mov, victim)
			if err != nil {
				return err
			}
			temps[victim.value.LocalIdx()] = tmp
			victim.waiting = false
			victim.refCount = 0
			waitingCount--
			ready = append(ready, victim)
		}

		n := ready[0]
		ready = ready[1:]
		if err := movePhi(ctx, mov, n, temps); err != nil {
			return err
		}
		if dep, ok := byLocal[n.incoming.LocalIdx()]; ok && dep.waiting {
			dep.refCount--
			if dep.refCount == 0 {
				dep.waiting = false
				waitingCount--
				ready = append(ready, dep)
			}
		}
	}
	return nil
}

// movePhi writes n's incoming value into n's destination, part by part,
// substituting a saved temporary for any part whose source was cycle-broken.
func movePhi(ctx *valref.Context, mov Mover, n *phiNode, temps map[ir.LocalIdx]*temporary) error {
	destParts := n.value.Parts()
	if tmp, ok := temps[n.incoming.LocalIdx()]; ok {
		for i, part := range destParts {
			destRef := ctx.PeekPartOf(n.value, i)
			err := tmp.withReg(ctx, i, part.Bank, part.SizeBytes, func(srcReg regalloc.Register) {
				writePartFromReg(ctx, mov, destRef, srcReg, part.Bank, part.SizeBytes)
			})
			destRef.Release()
			if err != nil {
				return err
			}
		}
		return nil
	}
	for i, part := range destParts {
		destRef := ctx.PeekPartOf(n.value, i)
		srcRef := ctx.PeekPartOf(n.incoming, i)
		srcReg, err := srcRef.LoadToReg(part.Bank)
		if err != nil {
			srcRef.Release()
			destRef.Release()
			return err
		}
		writePartFromReg(ctx, mov, destRef, srcReg, part.Bank, part.SizeBytes)
		srcRef.Release()
		destRef.Release()
	}
	return nil
}

// writePartFromReg writes srcReg into dest, via its fixed register if it has
// one or straight to its stack slot otherwise (non-fixed PHI destinations
// are always moved to their stack slot).
func writePartFromReg(ctx *valref.Context, mov Mover, dest *valref.ValuePartRef, srcReg regalloc.Register, bank ir.Bank, size uint8) {
	if dest.FixedAssignment() {
		dest.WriteFixedRegister(func(dst regalloc.Register) {
			if dst != srcReg {
				mov.MoveRegToReg(dst, srcReg, bank, size)
			}
		})
		return
	}
	dest.WriteStackDirect(func(off int32, sz uint8) {
		ctx.Emit.EmitSpill(srcReg, off, sz)
	})
}
