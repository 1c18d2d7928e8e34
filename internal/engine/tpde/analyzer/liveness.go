package analyzer

import "github.com/tpde-go/tpde/internal/engine/tpde/ir"

// computeLiveness builds the per-value liveness table: for every value not
// ignored by liveness analysis, the block index of its definition, the block
// index of its last use, whether that last use straddles a loop back edge,
// and a use count. No fixpoint dataflow runs here — the allocator only
// ever needs first/last block index, not full live-in/live-out sets, so a
// single pass over each block's instructions and operands suffices.
func (a *Analyzer) computeLiveness(fn ir.Function) {
	record := func(v ir.Value, bi BlockIndex, isDef bool) {
		if v == nil || v.IgnoreInLiveness() {
			return
		}
		idx := v.LocalIdx()
		lv, ok := a.liveness[idx]
		if !ok {
			lv = &Liveness{First: bi, Last: bi}
			a.liveness[idx] = lv
			a.valueByIdx[idx] = v
		}
		if isDef {
			lv.First = bi
			return
		}
		if bi > lv.Last || lv.RefCount == 0 {
			lv.Last = bi
		}
		lv.RefCount++
	}

	// recordLive widens a value's live range to cover bi without counting a
	// reference: used for a PHI destination at each predecessor whose
	// terminator writes its stack slot, so the slot outlives the last
	// writing edge even though the write is not a read.
	recordLive := func(v ir.Value, bi BlockIndex) {
		if v == nil || v.IgnoreInLiveness() {
			return
		}
		lv, ok := a.liveness[v.LocalIdx()]
		if !ok {
			lv = &Liveness{First: bi, Last: bi}
			a.liveness[v.LocalIdx()] = lv
			a.valueByIdx[v.LocalIdx()] = v
			return
		}
		if bi < lv.First {
			lv.First = bi
		}
		if bi > lv.Last {
			lv.Last = bi
		}
	}

	// Arguments are defined at the entry block, index 0 in any layout this
	// analyzer produces (the entry block always has preorder 0 and is never
	// part of a loop body with a smaller-preorder header).
	for v := fn.ArgsIteratorBegin(); v != nil; v = fn.ArgsIteratorNext() {
		record(v, 0, true)
	}

	for bi := BlockIndex(0); int(bi) < len(a.layout); bi++ {
		b := a.layout[bi]
		for v := b.PhisIteratorBegin(); v != nil; v = b.PhisIteratorNext() {
			record(v, bi, true)
		}
		for inst := b.InstsIteratorBegin(); inst != nil; inst = b.InstsIteratorNext() {
			for _, res := range inst.Results() {
				record(res, bi, true)
			}
			for _, op := range inst.Operands() {
				record(op, bi, false)
			}
		}
		// PHI incoming values are used at the end of their predecessor
		// block, not at the PHI's own block: PHI resolution runs as part
		// of the predecessor's terminator.
		for _, pred := range a.preds[a.idxOfBlock[b]] {
			pbi := a.blockIdx[pred]
			for v := b.PhisIteratorBegin(); v != nil; v = b.PhisIteratorNext() {
				phi, ok := v.AsPhi()
				if !ok {
					continue
				}
				if incoming, ok := phi.IncomingForBlock(pred); ok {
					record(incoming, pbi, false)
					if incoming.LocalIdx() != v.LocalIdx() {
						recordLive(v, pbi)
					}
				}
			}
		}
	}

	for _, lv := range a.liveness {
		// One extra reference covers the defining instruction's own handle
		// on its result, but only for values that are ever read: a dead
		// result's sole reference is the definition itself, which drives
		// the count to zero as soon as the producer releases it.
		if lv.RefCount > 0 {
			lv.RefCount++
		}
		// A value whose range covers a loop header is live around that
		// loop's back edge: its final release is deferred to the end of
		// block Last rather than freeing the stack slot mid-loop.
		for _, l := range a.loops {
			if lv.First <= l.First && l.First <= lv.Last {
				lv.LastFull = true
				break
			}
		}
	}
}

// computeDefinitionsInChilds fills in LoopInfo.DefinitionsInChilds: for each
// loop, the count of values defined inside one of its descendant loops whose
// liveness extends up to or past this loop's own header. The count is not
// read by regalloc, whose fixed-register budget depends on loop depth only.
func (a *Analyzer) computeDefinitionsInChilds() {
	if len(a.loops) == 0 {
		return
	}
	// innermostContaining returns the index of the innermost loop whose
	// range contains bi, or -1.
	innermostContaining := func(bi BlockIndex) int {
		best, bestSize := -1, -1
		for li, l := range a.loops {
			if bi < l.First || bi > l.Last {
				continue
			}
			sz := int(l.Last) - int(l.First)
			if best == -1 || sz < bestSize {
				best, bestSize = li, sz
			}
		}
		return best
	}

	for _, lv := range a.liveness {
		defLoop := innermostContaining(lv.First)
		if defLoop == -1 {
			continue
		}
		// Walk defLoop's ancestor chain; for every ancestor whose header
		// this value's lifetime reaches or crosses, count one definition
		// flowing in from a nested loop.
		for li := a.loops[defLoop].Parent; li != -1; li = a.loops[li].Parent {
			if lv.Last >= a.loops[li].First {
				a.loops[li].DefinitionsInChilds++
			}
		}
	}
}
