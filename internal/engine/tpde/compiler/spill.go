// Package compiler holds the branch-spill protocol and the per-function
// compiler driver: the orchestration layer
// that walks a function's blocks in the analyzer's layout order, invokes the
// pluggable lowering layer on each instruction, and enforces the one
// cross-cutting invariant the rest of the backend depends on — that a block
// reached via anything other than straight fall-through from its unique
// predecessor finds every non-fixed value already resident in its stack
// slot. Lowering and register allocation happen together, instruction by
// instruction, rather than as separate passes.
package compiler

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
	"github.com/tpde-go/tpde/internal/engine/tpde/valref"
)

// SpillSet is the bitset of registers SpillBeforeBranch decided to release,
// in the same bit-per-register layout regalloc.RegisterFile uses internally
// (bit i == register value i). It is returned from SpillBeforeBranch and
// consumed by ReleaseSpilledRegs once the branch/call/return instruction
// itself has been emitted: a register marked for release stays bound (and so
// ineligible for reuse by an emitted branch's own scratch needs) until the
// branch is actually in the instruction stream.
type SpillSet uint64

func (s SpillSet) has(r regalloc.Register) bool { return s&(1<<uint(r)) != 0 }
func (s *SpillSet) add(r regalloc.Register)      { *s |= 1 << uint(r) }

// SpillBeforeBranch decides, before emitting any
// jump, branch, call or return out of block cur (whose successors are
// succs), decide which live register-resident values must be written back
// to their stack slot, and which registers must be released from the
// register file once the transfer instruction has been emitted.
//
// an must already have analyzed the function cur belongs to, and
// ctx.CurrentBlock must equal cur.
func SpillBeforeBranch(ctx *valref.Context, an *analyzer.Analyzer, cur ir.Block, succs []ir.Block) SpillSet {
	layout := an.BlockLayout()
	curIdx := an.BlockIdx(cur)

	var next ir.Block
	if nIdx := int(curIdx) + 1; nIdx < len(layout) {
		next = layout[nIdx]
	}

	if fastPath(an, next, succs) {
		return 0
	}

	nHasMultiIncoming := next == nil || an.BlockHasMultipleIncoming(next)
	nIsSucc := false
	for _, s := range succs {
		if s == next {
			nIsSucc = true
			break
		}
	}
	markRelease := nHasMultiIncoming || !nIsSucc

	var released SpillSet
	used := ctx.Regs.UsedMask()
	for bit := 0; bit < 64; bit++ {
		if used&(1<<uint(bit)) == 0 {
			continue
		}
		r := regalloc.Register(bit)
		if ctx.Regs.IsFixed(r) {
			continue
		}
		occ := ctx.Regs.Assignment(r)
		if occ.LocalIdx == ir.InvalidLocalIdx {
			continue
		}
		a, ok := ctx.Assignments.Get(occ.LocalIdx)
		if !ok || a.VariableRef {
			continue
		}
		part := a.Parts[occ.Part]

		lv, hasLv := ctx.Liveness(occ.LocalIdx)
		phiRefs := countSuccessorPhiRefs(succs, cur, occ.LocalIdx)
		effRefs := int(a.ReferencesLeft) - phiRefs
		if effRefs <= 0 && hasLv && lv.Last <= curIdx {
			// Dead beyond this branch and not handed to any successor via a
			// PHI: leave it exactly as-is.
			continue
		}

		if !part.Modified() {
			if markRelease {
				released.add(r)
			}
			continue
		}

		doSpill := true
		if nIsSucc && !nHasMultiIncoming {
			doSpill = liveInOtherSuccessor(an, succs, next, cur, occ.LocalIdx, lv, hasLv)
		}
		if doSpill {
			ctx.Emit.EmitSpill(r, valref.PartFrameOff(a, int(occ.Part)), part.SizeBytes())
			part = part.SetModified(false)
		}
		a.Parts[occ.Part] = part
		if markRelease {
			released.add(r)
		}
	}
	return released
}

// ReleaseSpilledRegs unbinds every register SpillBeforeBranch marked for
// release, both in the register file and in the owning part's descriptor.
// Call this only after the branch/call/return instruction itself has been
// emitted.
func ReleaseSpilledRegs(ctx *valref.Context, set SpillSet) {
	for bit := 0; bit < 64; bit++ {
		r := regalloc.Register(bit)
		if !set.has(r) {
			continue
		}
		if ctx.Regs.IsUsed(r) {
			occ := ctx.Regs.Assignment(r)
			if a, ok := ctx.Assignments.Get(occ.LocalIdx); ok {
				a.Parts[occ.Part] = a.Parts[occ.Part].SetRegisterValid(false)
			}
			ctx.Regs.UnmarkUsed(r)
		}
	}
}

// fastPath is the fall-through shortcut: a single
// successor that is also the next block in layout order, which itself has
// only one predecessor, needs no spilling at all.
func fastPath(an *analyzer.Analyzer, next ir.Block, succs []ir.Block) bool {
	if len(succs) != 1 || next == nil || succs[0] != next {
		return false
	}
	return !an.BlockHasMultipleIncoming(next)
}

// countSuccessorPhiRefs counts how many of succs' PHIs take localIdx's value
// as their incoming value from cur, so that those references aren't
// double-counted against a.ReferencesLeft (which already includes them).
func countSuccessorPhiRefs(succs []ir.Block, cur ir.Block, localIdx ir.LocalIdx) int {
	count := 0
	for _, s := range succs {
		for v := s.PhisIteratorBegin(); v != nil; v = s.PhisIteratorNext() {
			ph, ok := v.AsPhi()
			if !ok {
				continue
			}
			inc, ok := ph.IncomingForBlock(cur)
			if ok && inc.LocalIdx() == localIdx {
				count++
			}
		}
	}
	return count
}

// liveInOtherSuccessor reports whether localIdx is live in some successor
// other than next: either its liveness range reaches that successor's layout
// position, or it flows into one of that successor's PHIs from cur.
func liveInOtherSuccessor(an *analyzer.Analyzer, succs []ir.Block, next, cur ir.Block, localIdx ir.LocalIdx, lv analyzer.Liveness, hasLv bool) bool {
	for _, s := range succs {
		if s == next {
			continue
		}
		if hasLv {
			si := an.BlockIdx(s)
			if si >= lv.First && si <= lv.Last {
				return true
			}
		}
		if countSuccessorPhiRefs([]ir.Block{s}, cur, localIdx) > 0 {
			return true
		}
	}
	return false
}
