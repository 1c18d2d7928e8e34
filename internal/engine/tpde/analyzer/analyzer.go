// Package analyzer computes the per-function inputs the single-pass
// compiler consumes: a loop-aware block layout, per-value liveness
// (first/last block index, refcount, "used after loop" flag) and a
// compact loop tree.
//
// One DFS discovers blocks and back edges, a second pass widens each
// value's first/last block-index range over its uses. No live-in/live-out
// sets and no fixpoint iteration: the register allocator only ever asks for
// the coarse first/last range.
package analyzer

import (
	"fmt"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/tpdeapi"
)

// BlockIndex is a dense index into the analyzer's chosen block layout.
type BlockIndex uint32

// InvalidBlockIndex marks an uninitialized BlockIndex.
const InvalidBlockIndex = BlockIndex(^uint32(0))

// Liveness holds the analyzer's conclusions about one value.
type Liveness struct {
	First, Last BlockIndex
	// LastFull is true iff the value's [First, Last] range contains some
	// loop's header, so its lifetime straddles that loop's back-edge; it
	// drives the delayed-free decision in package valref.
	LastFull bool
	RefCount uint32
}

// LoopInfo describes one loop's position in the analyzer's layout and its
// place in the loop tree.
type LoopInfo struct {
	Parent int // index into Analyzer.loops, or -1 for a top-level loop.
	Level  int
	First  BlockIndex // the loop header's position; also the loop's range start.
	Last   BlockIndex // inclusive end of the loop's contiguous range.
	// DefinitionsInChilds counts values defined in a descendant loop whose
	// lifetime crosses this loop's header. It is computed here only: the
	// register file's fixed-assignment budget does not read it.
	DefinitionsInChilds uint32
}

// Analyzer is reusable across functions; call Analyze once per function and
// read the results off the Analyzer until the next Analyze call.
type Analyzer struct {
	layout     []ir.Block
	blockIdx   map[ir.Block]BlockIndex
	multiPred  []bool
	hasPhis    []bool
	liveness   map[ir.LocalIdx]*Liveness
	valueByIdx map[ir.LocalIdx]ir.Value
	loops      []LoopInfo
	loopOf     []int // per BlockIndex, index into loops, or -1.

	preds [][]ir.Block

	// Populated by discoverBlocksAndLoops, consumed by layoutBlocks.
	allBlocks   []ir.Block
	idxOfBlock  map[ir.Block]int
	preorder    []int
	loopBodies  map[int]*loopAccum
	headerOrder []int
	loopParents []int
	loopLevels  []int
}

// loopAccum accumulates one loop's discovered latches and body during
// discoverBlocksAndLoops.
type loopAccum struct {
	headerIdx int
	latches   []int
	body      map[int]bool
}

// New returns an Analyzer ready for its first Analyze call.
func New() *Analyzer {
	return &Analyzer{}
}

// Analyze computes the block layout, liveness table and loop tree for fn.
// It is safe to call repeatedly on different functions, including the same
// function twice in a row, and produces byte-identical results both times.
func (a *Analyzer) Analyze(fn ir.Function) error {
	a.reset()
	if err := a.discoverBlocksAndLoops(fn); err != nil {
		return err
	}
	a.layoutBlocks()
	a.computeLiveness(fn)
	a.computeDefinitionsInChilds()
	if tpdeapi.PrintBlockLayout {
		fmt.Println(a.dumpLayout())
	}
	return nil
}

func (a *Analyzer) reset() {
	a.layout = a.layout[:0]
	a.blockIdx = map[ir.Block]BlockIndex{}
	a.multiPred = a.multiPred[:0]
	a.hasPhis = a.hasPhis[:0]
	a.liveness = map[ir.LocalIdx]*Liveness{}
	a.valueByIdx = map[ir.LocalIdx]ir.Value{}
	a.loops = a.loops[:0]
	a.loopOf = a.loopOf[:0]
	a.preds = a.preds[:0]
	a.allBlocks = nil
	a.idxOfBlock = nil
	a.preorder = nil
	a.loopBodies = nil
	a.headerOrder = nil
	a.loopParents = nil
	a.loopLevels = nil
}

// BlockLayout returns the chosen block order.
func (a *Analyzer) BlockLayout() []ir.Block { return a.layout }

// BlockIdx returns the dense index of b in the chosen layout.
func (a *Analyzer) BlockIdx(b ir.Block) BlockIndex { return a.blockIdx[b] }

// BlockRef returns the block at layout index i.
func (a *Analyzer) BlockRef(i BlockIndex) ir.Block { return a.layout[i] }

// BlockHasMultipleIncoming reports whether b has more than one predecessor.
func (a *Analyzer) BlockHasMultipleIncoming(b ir.Block) bool {
	return a.multiPred[a.blockIdx[b]]
}

// BlockHasPhis reports whether b has any PHI values.
func (a *Analyzer) BlockHasPhis(b ir.Block) bool {
	return a.hasPhis[a.blockIdx[b]]
}

// Liveness returns the computed liveness for value v, or nil if v was
// skipped by liveness analysis (globals and other IgnoreInLiveness values).
func (a *Analyzer) Liveness(v ir.Value) *Liveness {
	return a.liveness[v.LocalIdx()]
}

// Loops returns the loop tree in the order the loops' back-edges were
// discovered (not necessarily outer before inner); Parent gives the nesting.
func (a *Analyzer) Loops() []LoopInfo { return a.loops }

// LoopHeaderAt reports whether BlockIndex i is the header of some loop, and
// if so that loop's index into Loops().
func (a *Analyzer) LoopHeaderAt(i BlockIndex) (int, bool) {
	for li, l := range a.loops {
		if l.First == i {
			return li, true
		}
	}
	return 0, false
}

// --- discovery --------------------------------------------------------

// discoverBlocksAndLoops runs a single DFS over fn's blocks (in the
// adapter's natural successor order) to find back edges and, from them,
// natural loop bodies. Irreducible graphs are handled by treating the
// first-discovered header as the loop head
// and letting any further back edges targeting it just extend that same
// loop's latch set — we do not invent a stronger reducibility check.
func (a *Analyzer) discoverBlocksAndLoops(fn ir.Function) error {
	var all []ir.Block
	idxOfBlock := map[ir.Block]int{}
	for b := fn.BlocksIteratorBegin(); b != nil; b = fn.BlocksIteratorNext() {
		idxOfBlock[b] = len(all)
		all = append(all, b)
	}
	if len(all) == 0 {
		return fmt.Errorf("analyzer: function %q has no blocks", fn.Name())
	}

	a.preds = make([][]ir.Block, len(all))
	for _, b := range all {
		for _, s := range b.Succs() {
			si, ok := idxOfBlock[s]
			if !ok {
				return fmt.Errorf("analyzer: successor not found in block list")
			}
			a.preds[si] = append(a.preds[si], b)
		}
	}

	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(all))
	preorder := make([]int, len(all))
	nextPre := 0

	headerLoop := map[int]*loopAccum{}
	var headerOrder []int

	var stack []int
	var dfs func(u int) error
	dfs = func(u int) error {
		color[u] = gray
		preorder[u] = nextPre
		nextPre++
		stack = append(stack, u)
		for _, s := range all[u].Succs() {
			si := idxOfBlock[s]
			switch color[si] {
			case white:
				if err := dfs(si); err != nil {
					return err
				}
			case gray:
				// Back edge u -> si; si is a loop header.
				la, ok := headerLoop[si]
				if !ok {
					la = &loopAccum{headerIdx: si, body: map[int]bool{si: true}}
					headerLoop[si] = la
					headerOrder = append(headerOrder, si)
				}
				la.latches = append(la.latches, u)
			case black:
				// Forward/cross edge in this DFS tree; nothing to do.
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return nil
	}
	if err := dfs(0); err != nil {
		return err
	}

	// Compute each loop's natural body: blocks that can reach a latch
	// without leaving the body, seeded from every latch and walked
	// backward over predecessors, per the classic natural-loop
	// construction (stopping at the header).
	for _, hi := range headerOrder {
		la := headerLoop[hi]
		var worklist []int
		for _, l := range la.latches {
			if !la.body[l] {
				la.body[l] = true
				worklist = append(worklist, l)
			}
		}
		for len(worklist) > 0 {
			b := worklist[len(worklist)-1]
			worklist = worklist[:len(worklist)-1]
			for _, p := range a.preds[b] {
				pi := idxOfBlock[p]
				if !la.body[pi] {
					la.body[pi] = true
					worklist = append(worklist, pi)
				}
			}
		}
	}

	// Determine nesting: loop A contains loop B if B's header is in A's
	// body and A != B. Parent is the smallest (innermost) containing loop.
	a.loops = a.loops[:0]
	loopIdxOfHeader := map[int]int{}
	for li, hi := range headerOrder {
		loopIdxOfHeader[hi] = li
	}
	parents := make([]int, len(headerOrder))
	for i := range parents {
		parents[i] = -1
	}
	for i, hi := range headerOrder {
		best := -1
		bestSize := -1
		for j, hj := range headerOrder {
			if i == j {
				continue
			}
			if headerLoop[hj].body[hi] {
				sz := len(headerLoop[hj].body)
				if best == -1 || sz < bestSize {
					best, bestSize = j, sz
				}
			}
		}
		parents[i] = best
	}
	levels := make([]int, len(headerOrder))
	var levelOf func(i int) int
	levelOf = func(i int) int {
		if parents[i] == -1 {
			return 0
		}
		if levels[i] != 0 {
			return levels[i]
		}
		return levelOf(parents[i]) + 1
	}
	for i := range headerOrder {
		levels[i] = levelOf(i)
	}

	a.loopBodies = headerLoop
	a.headerOrder = headerOrder
	a.loopParents = parents
	a.loopLevels = levels
	a.allBlocks = all
	a.idxOfBlock = idxOfBlock
	a.preorder = preorder
	return nil
}

func (a *Analyzer) dumpLayout() string {
	s := "layout:"
	for i, b := range a.layout {
		s += fmt.Sprintf(" [%d]=%p", i, b)
	}
	return s
}

