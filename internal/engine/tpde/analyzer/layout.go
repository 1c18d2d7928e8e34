package analyzer

import (
	"sort"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
)

// layoutBlocks assigns the final block order from the loop structure found
// by discoverBlocksAndLoops: every loop's blocks form a contiguous range
// with the header first, and nested loops are placed as a unit at their
// header's position.
//
// Implementation: each block gets a sort key — the preorder of every loop
// header that contains it, outermost loop first, followed by the block's
// own DFS preorder — and blocks are ordered lexicographically by that key.
// A loop's header has the smallest preorder among its own body (true for
// reducible loops, which is all this analyzer tries to get exactly right),
// so it sorts first within its own group; blocks outside any loop just
// fall back to plain preorder, keeping the whole order an RPO refinement.
func (a *Analyzer) layoutBlocks() {
	n := len(a.allBlocks)
	keys := make([][]int, n)
	for bi := 0; bi < n; bi++ {
		var chain []int // (level, headerPreorder) pairs, built then sorted by level
		type lvlKey struct {
			level int
			pre   int
		}
		var lk []lvlKey
		for li, hi := range a.headerOrder {
			if a.loopBodies[hi].body[bi] {
				lk = append(lk, lvlKey{level: a.loopLevels[li], pre: a.preorder[hi]})
			}
		}
		sort.Slice(lk, func(i, j int) bool { return lk[i].level < lk[j].level })
		for _, e := range lk {
			chain = append(chain, e.pre)
		}
		chain = append(chain, a.preorder[bi])
		keys[bi] = chain
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return lessKey(keys[order[i]], keys[order[j]])
	})

	// originalToFinal maps an original discovery-order index to its final
	// BlockIndex, needed below to translate loop bodies/latches.
	originalToFinal := make([]BlockIndex, n)

	a.layout = make([]ir.Block, n)
	a.blockIdx = make(map[ir.Block]BlockIndex, n)
	a.multiPred = make([]bool, n)
	a.hasPhis = make([]bool, n)
	for fi, oi := range order {
		b := a.allBlocks[oi]
		idx := BlockIndex(fi)
		a.layout[fi] = b
		a.blockIdx[b] = idx
		originalToFinal[oi] = idx
		a.multiPred[idx] = len(a.preds[oi]) > 1
		a.hasPhis[idx] = b.PhisIteratorBegin() != nil
	}

	a.loops = make([]LoopInfo, len(a.headerOrder))
	for li, hi := range a.headerOrder {
		first, last := InvalidBlockIndex, InvalidBlockIndex
		for oi := range a.loopBodies[hi].body {
			fidx := originalToFinal[oi]
			if first == InvalidBlockIndex || fidx < first {
				first = fidx
			}
			if last == InvalidBlockIndex || fidx > last {
				last = fidx
			}
		}
		a.loops[li] = LoopInfo{
			Parent: a.loopParents[li],
			Level:  a.loopLevels[li],
			First:  first,
			Last:   last,
		}
	}
}

func lessKey(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
