package tpdeapi

const poolPageSize = 256

// Pool is a paged bump arena of T with size-class recycling, shaped for
// the compiler's per-function stores: elements are addressed by a stable
// index, are never handed back to the runtime individually, and a record
// retired under a size class can be reissued for that class without
// consuming fresh arena space (the assignment store keys its classes by
// part-count bucket, so a retired record's backing slice capacity is
// guaranteed to fit the next record of the same class). Reset reclaims
// the whole arena at once between functions.
type Pool[T any] struct {
	pages            []*[poolPageSize]T
	allocated, index int
	free             [][]int32 // per-class indices of retired elements.
}

// NewPool returns an empty Pool with the given number of recycling
// classes; a caller with no recycling needs passes 0 and never calls
// Retire.
func NewPool[T any](classes int) Pool[T] {
	var p Pool[T]
	p.free = make([][]int32, classes)
	p.Reset()
	return p
}

// Allocated returns the number of arena slots consumed since the last
// Reset, whether currently live or retired.
func (p *Pool[T]) Allocated() int {
	return p.allocated
}

// Allocate returns an element for class: a retired one when the class's
// free list has any (reused is true, and the element keeps its old
// contents for the caller to reinitialize — deliberately, since reuse
// exists to preserve backing-slice capacity), or a fresh zero-valued
// arena slot otherwise. The returned index stays valid until Reset.
func (p *Pool[T]) Allocate(class int) (idx int, elem *T, reused bool) {
	if class < len(p.free) {
		if list := p.free[class]; len(list) > 0 {
			i := int(list[len(list)-1])
			p.free[class] = list[:len(list)-1]
			return i, p.View(i), true
		}
	}
	if p.index == poolPageSize {
		if len(p.pages) == cap(p.pages) {
			p.pages = append(p.pages, new([poolPageSize]T))
		} else {
			i := len(p.pages)
			p.pages = p.pages[:i+1]
			if p.pages[i] == nil {
				p.pages[i] = new([poolPageSize]T)
			}
		}
		p.index = 0
	}
	i := (len(p.pages)-1)*poolPageSize + p.index
	ret := &p.pages[len(p.pages)-1][p.index]
	p.index++
	p.allocated++
	return i, ret, false
}

// View returns the pointer to arena slot i. Pages never move, so the
// pointer stays valid until Reset.
func (p *Pool[T]) View(i int) *T {
	return &p.pages[i/poolPageSize][i%poolPageSize]
}

// Retire returns slot i to class's free list, to be reissued by a later
// Allocate of the same class.
func (p *Pool[T]) Retire(class, i int) {
	if class < len(p.free) {
		p.free[class] = append(p.free[class], int32(i))
	}
}

// Reset reclaims the whole arena, zeroing every page for reuse and
// dropping every class free list; previously returned indices and
// pointers must not be used afterward.
func (p *Pool[T]) Reset() {
	for _, ns := range p.pages {
		page := ns[:]
		for i := range page {
			var zero T
			page[i] = zero
		}
	}
	p.pages = p.pages[:0]
	p.allocated = 0
	p.index = poolPageSize // forces a fresh page on the next Allocate.
	for i := range p.free {
		p.free[i] = p.free[i][:0]
	}
}
