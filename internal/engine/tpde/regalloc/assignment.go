package regalloc

import (
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/tpdeapi"
)

// PartDescriptor packs one value part's register binding and dirty/valid
// bits into 16 bits:
//
//	bits 0-4:  register index within its bank (0-31)
//	bits 5-7:  bank id (3 bits)
//	bit  8:    fixed_assignment
//	bit  9:    modified (dirty)
//	bit  10:   reserved
//	bit  11:   register_valid
//	bits 12-14: log2(part size in bytes)
//	bit  15:   reserved
type PartDescriptor uint16

const (
	partRegIdxMask    = 0x1f
	partBankShift     = 5
	partBankMask      = 0x7
	partFixedBit      = 1 << 8
	partModifiedBit   = 1 << 9
	partRegValidBit   = 1 << 11
	partSizeLogShift  = 12
	partSizeLogMask   = 0x7
)

// Register reconstructs the bound Register from a part descriptor. Only
// meaningful when RegisterValid is true.
func (p PartDescriptor) Register() Register {
	bank := ir.Bank(uint16(p) >> partBankShift & partBankMask)
	idx := uint8(uint16(p) & partRegIdxMask)
	return MakeRegister(bank, idx)
}

// SetRegister binds the descriptor to r, leaving the dirty/valid bits alone.
func (p PartDescriptor) SetRegister(r Register) PartDescriptor {
	cleared := uint16(p) &^ (partRegIdxMask | partBankMask<<partBankShift)
	return PartDescriptor(cleared | uint16(r.Index())&partRegIdxMask | uint16(r.Bank())<<partBankShift)
}

func (p PartDescriptor) FixedAssignment() bool { return uint16(p)&partFixedBit != 0 }
func (p PartDescriptor) Modified() bool        { return uint16(p)&partModifiedBit != 0 }
func (p PartDescriptor) RegisterValid() bool   { return uint16(p)&partRegValidBit != 0 }

func (p PartDescriptor) SetFixedAssignment(v bool) PartDescriptor {
	return setBit(p, partFixedBit, v)
}
func (p PartDescriptor) SetModified(v bool) PartDescriptor {
	return setBit(p, partModifiedBit, v)
}
func (p PartDescriptor) SetRegisterValid(v bool) PartDescriptor {
	return setBit(p, partRegValidBit, v)
}

func setBit(p PartDescriptor, bit uint16, v bool) PartDescriptor {
	if v {
		return PartDescriptor(uint16(p) | bit)
	}
	return PartDescriptor(uint16(p) &^ bit)
}

// SizeBytes returns the part's size, decoded from its log2-size field.
func (p PartDescriptor) SizeBytes() uint8 {
	return 1 << ((uint16(p) >> partSizeLogShift) & partSizeLogMask)
}

// SetSizeBytes sets the part's size; size must be a power of two <= 64.
func (p PartDescriptor) SetSizeBytes(size uint8) PartDescriptor {
	log := log2(size)
	cleared := uint16(p) &^ (partSizeLogMask << partSizeLogShift)
	return PartDescriptor(cleared | uint16(log)<<partSizeLogShift)
}

func log2(v uint8) uint8 {
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// NewPartDescriptor builds a descriptor for a part of the given size, bound
// to no register yet.
func NewPartDescriptor(size uint8) PartDescriptor {
	return PartDescriptor(0).SetSizeBytes(size)
}

// ValueAssignment is the record owning a value's registers and stack slot
// for its lifetime: one per live value, with a part-descriptor slice
// holding its 1-to-N register-sized parts.
type ValueAssignment struct {
	// FrameOff is the signed frame-pointer-relative offset of this value's
	// stack slot; stack grows to more-negative addresses. For variable-ref
	// assignments this is instead the address of the fixed location itself
	// (alloca/global/byval-arg).
	FrameOff int32

	ReferencesLeft       uint32
	NextDelayedFreeEntry ir.LocalIdx
	MaxPartSize          uint8
	PendingFree          bool // debug-only bookkeeping.
	VariableRef          bool
	DelayFree            bool

	Parts []PartDescriptor

	localIdx ir.LocalIdx
	bucket   int // size-class this record's Parts backing array belongs to.
}

// LocalIdx returns the value this assignment belongs to.
func (a *ValueAssignment) LocalIdx() ir.LocalIdx { return a.localIdx }

const numSizeBuckets = 6 // part counts 1,2,4,8,16,32 (clamps larger records to "oversized").

func bucketFor(partCount int) int {
	b, c := 0, 1
	for c < partCount && b < numSizeBuckets-1 {
		c <<= 1
		b++
	}
	return b
}

func bucketCapacity(bucket int) int { return 1 << uint(bucket) }

// Assignments is a pooled, size-bucketed store of ValueAssignment records
// keyed by ir.LocalIdx. Records live in a tpdeapi.Pool whose recycling
// classes are the part-count buckets: a freed record is retired under its
// bucket and reissued for the next value of the same bucket, so its Parts
// backing array's capacity is reused without reallocation. Records needing
// more parts than the largest bucket (32) get a bucket-32 record with an
// oversized Parts slice grown via append.
type Assignments struct {
	pool    tpdeapi.Pool[ValueAssignment]
	byLocal map[ir.LocalIdx]int
}

// NewAssignments returns an empty Assignments store.
func NewAssignments() *Assignments {
	return &Assignments{
		pool:    tpdeapi.NewPool[ValueAssignment](numSizeBuckets),
		byLocal: make(map[ir.LocalIdx]int),
	}
}

// Get returns the live assignment for local, or (nil, false) if none exists
// yet.
func (s *Assignments) Get(local ir.LocalIdx) (*ValueAssignment, bool) {
	idx, ok := s.byLocal[local]
	if !ok {
		return nil, false
	}
	return s.pool.View(idx), true
}

// Create allocates a fresh ValueAssignment for local with partCount parts;
// the pool reissues a retired record of the matching bucket when it has
// one, handing back its Parts capacity.
func (s *Assignments) Create(local ir.LocalIdx, partCount int) *ValueAssignment {
	bucket := bucketFor(partCount)
	idx, a, reused := s.pool.Allocate(bucket)
	parts := a.Parts
	if !reused {
		parts = make([]PartDescriptor, 0, bucketCapacity(bucket))
	}
	*a = ValueAssignment{Parts: parts[:0], bucket: bucket, localIdx: local}
	for i := 0; i < partCount; i++ {
		a.Parts = append(a.Parts, PartDescriptor(0))
	}
	s.byLocal[local] = idx
	return a
}

// Free retires local's assignment under its size bucket and removes it from
// the by-local index. Callers must have already released every register the
// assignment's parts held.
func (s *Assignments) Free(local ir.LocalIdx) {
	idx, ok := s.byLocal[local]
	if !ok {
		return
	}
	delete(s.byLocal, local)
	s.pool.Retire(s.pool.View(idx).bucket, idx)
}

// Reset reclaims the whole store for the next function: the underlying pool
// arena (including its per-bucket free lists) and the by-local index.
func (s *Assignments) Reset() {
	s.pool.Reset()
	for k := range s.byLocal {
		delete(s.byLocal, k)
	}
}
