// Package regalloc holds the online register file, the pooled
// part-addressable ValueAssignment store, and the stack frame allocator:
// the bitset-backed state the rest of the backend allocates registers and
// stack slots from. Nothing in this package runs dataflow or iterates to a
// fixpoint; every operation here is O(1) or O(register count), which is
// what keeps the whole backend single-pass.
package regalloc

import (
	"fmt"
	"math/bits"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
)

// Register is an 8-bit physical register id: the top 3 bits name the bank,
// the low 5 bits the index within that bank.
type Register uint8

// InvalidRegister is the sentinel Register.
const InvalidRegister Register = 0xff

// MaxRegsPerBank bounds how many registers one bank may contain; the
// register file's bitsets are 64 bits wide in total, shared across all
// configured banks.
const MaxRegsPerBank = 32

// MakeRegister packs a bank and in-bank index into a Register.
func MakeRegister(bank ir.Bank, idx uint8) Register {
	if idx >= MaxRegsPerBank {
		panic(fmt.Sprintf("regalloc: register index %d out of range", idx))
	}
	return Register(uint8(bank)<<5 | idx)
}

// Bank returns r's register bank.
func (r Register) Bank() ir.Bank { return ir.Bank(r >> 5) }

// Index returns r's index within its bank.
func (r Register) Index() uint8 { return uint8(r) & 0x1f }

func (r Register) String() string {
	if r == InvalidRegister {
		return "invalid"
	}
	return fmt.Sprintf("b%d:r%d", r.Bank(), r.Index())
}

// bit returns the absolute bit position r occupies in the register file's
// 64-bit state bitsets.
func (r Register) bit() uint { return uint(r) }

// Assignment is the register file's view of one occupied register: which
// value (and which of its parts) currently owns it, and how many live
// handles have it locked. Scratch registers use ir.InvalidLocalIdx.
type Assignment struct {
	LocalIdx  ir.LocalIdx
	Part      uint32
	LockCount uint32
}

// BankConfig describes one contiguous run of registers belonging to the same
// bank, used to build a RegisterFile for a particular ISA.
type BankConfig struct {
	Bank  ir.Bank
	Base  uint8 // first register index within the bank (usually 0)
	Count uint8 // number of registers in the bank
}

// RegisterFile tracks every register's state in four 64-bit bitsets (used,
// free, fixed, clobbered) plus a per-register Assignment, with a per-bank
// round-robin clock hand for eviction fairness.
type RegisterFile struct {
	used, free, fixed, clobbered uint64
	// everUsed is the union of `used` across the function compiled so far;
	// it never clears a bit on UnmarkUsed, only on Reset. The compiler
	// driver reads it at function end to learn which callee-saved
	// registers actually need a prologue push.
	everUsed uint64
	assign   [64]Assignment
	bankMask map[ir.Bank]uint64
	clock    map[ir.Bank]uint8
	numRegs  int

	// maxFixedBase/loopDepth bound fixed assignments per bank, with the
	// budget shrinking one notch per loop nesting level, so
	// that an outer loop's fixed (e.g. PHI-carried) assignments leave
	// headroom for inner loops to also fix values. loopDepth is maintained
	// approximately by the driver, updated whenever layout order enters a
	// loop header (see compiler.Driver.CompileFunction); it is not
	// decremented on every loop exit block, only reset to 0 between
	// functions, which under-counts depth after a loop's last block in
	// exchange for not needing a full per-block nesting index from the
	// analyzer.
	maxFixedBase map[ir.Bank]uint32
	loopDepth    int
}

// NewRegisterFile builds a RegisterFile for the given per-bank register
// layout. All registers start free and unused.
func NewRegisterFile(banks []BankConfig) *RegisterFile {
	rf := &RegisterFile{
		bankMask: make(map[ir.Bank]uint64, len(banks)),
		clock:    make(map[ir.Bank]uint8, len(banks)),
	}
	for _, b := range banks {
		var mask uint64
		for i := uint8(0); i < b.Count; i++ {
			r := MakeRegister(b.Bank, b.Base+i)
			mask |= 1 << r.bit()
			rf.free |= 1 << r.bit()
			if int(r.bit())+1 > rf.numRegs {
				rf.numRegs = int(r.bit()) + 1
			}
		}
		rf.bankMask[b.Bank] = mask
		rf.clock[b.Bank] = b.Base
	}
	for i := range rf.assign {
		rf.assign[i].LocalIdx = ir.InvalidLocalIdx
	}
	return rf
}

// Reset restores every register to free/unused/unfixed/unclobbered, for
// reuse at the start of the next function.
func (rf *RegisterFile) Reset() {
	rf.used, rf.fixed, rf.clobbered, rf.everUsed = 0, 0, 0, 0
	rf.free = 0
	rf.loopDepth = 0
	for bank, mask := range rf.bankMask {
		rf.free |= mask
		rf.clock[bank] = 0
	}
	for i := range rf.assign {
		rf.assign[i] = Assignment{LocalIdx: ir.InvalidLocalIdx}
	}
}

// UsedMask returns the bitset of currently-occupied registers.
func (rf *RegisterFile) UsedMask() uint64 { return rf.used }

// EverUsedMask returns the union of occupied registers across the whole
// function compiled since the last Reset, regardless of whether they have
// since been freed.
func (rf *RegisterFile) EverUsedMask() uint64 { return rf.everUsed }

// ConfigureMaxFixed sets bank's base MAX_FIXED budget (register count
// reserved for FixedAssignment parts, e.g. loop-carried PHI destinations)
// at loop nesting depth 0.
func (rf *RegisterFile) ConfigureMaxFixed(bank ir.Bank, base uint32) {
	if rf.maxFixedBase == nil {
		rf.maxFixedBase = make(map[ir.Bank]uint32)
	}
	rf.maxFixedBase[bank] = base
}

// SetLoopDepth records the current loop nesting depth, as maintained
// approximately by the compiler driver while walking blocks in layout
// order (see compiler.Driver.CompileFunction).
func (rf *RegisterFile) SetLoopDepth(depth int) { rf.loopDepth = depth }

// MaxFixedFor returns bank's MAX_FIXED budget at the current loop depth: one
// fewer fixed slot per nesting level, floored at 1, so deeper loops leave
// headroom for their own loop-carried values alongside their ancestors'.
func (rf *RegisterFile) MaxFixedFor(bank ir.Bank) uint32 {
	base, ok := rf.maxFixedBase[bank]
	if !ok {
		return uint32(bits.OnesCount64(rf.bankMask[bank]))
	}
	shrink := uint32(rf.loopDepth)
	if shrink >= base {
		return 1
	}
	return base - shrink
}

// IsUsed reports whether r currently holds a value.
func (rf *RegisterFile) IsUsed(r Register) bool { return rf.used&(1<<r.bit()) != 0 }

// IsFixed reports whether r is locked against eviction.
func (rf *RegisterFile) IsFixed(r Register) bool { return rf.fixed&(1<<r.bit()) != 0 }

// IsClobbered reports whether r has been marked as clobbered by a call.
func (rf *RegisterFile) IsClobbered(r Register) bool { return rf.clobbered&(1<<r.bit()) != 0 }

// MarkClobbered records that a call site clobbers r (caller-saved registers
// not otherwise evicted before the call).
func (rf *RegisterFile) MarkClobbered(r Register) { rf.clobbered |= 1 << r.bit() }

// ClearClobbered clears r's clobbered bit, e.g. once its value has been
// reloaded after a call.
func (rf *RegisterFile) ClearClobbered(r Register) { rf.clobbered &^= 1 << r.bit() }

// MarkUsed binds r to (local, part). Precondition: ¬used(r) ∧ ¬fixed(r).
func (rf *RegisterFile) MarkUsed(r Register, local ir.LocalIdx, part uint32) {
	if rf.IsUsed(r) || rf.IsFixed(r) {
		panic(fmt.Sprintf("regalloc: MarkUsed(%s) violates precondition", r))
	}
	rf.used |= 1 << r.bit()
	rf.free &^= 1 << r.bit()
	rf.everUsed |= 1 << r.bit()
	rf.assign[r.bit()] = Assignment{LocalIdx: local, Part: part}
}

// UnmarkUsed releases r. Precondition: used(r) ∧ ¬fixed(r).
func (rf *RegisterFile) UnmarkUsed(r Register) {
	if !rf.IsUsed(r) || rf.IsFixed(r) {
		panic(fmt.Sprintf("regalloc: UnmarkUsed(%s) violates precondition", r))
	}
	rf.used &^= 1 << r.bit()
	rf.free |= 1 << r.bit()
	rf.assign[r.bit()] = Assignment{LocalIdx: ir.InvalidLocalIdx}
}

// MarkFixed locks r against eviction; r must already be used.
func (rf *RegisterFile) MarkFixed(r Register) { rf.fixed |= 1 << r.bit() }

// UnmarkFixed unlocks r.
func (rf *RegisterFile) UnmarkFixed(r Register) { rf.fixed &^= 1 << r.bit() }

// IncLockCount increments r's lock count, marking it fixed on the 0->1
// transition.
func (rf *RegisterFile) IncLockCount(r Register) {
	rf.assign[r.bit()].LockCount++
	rf.MarkFixed(r)
}

// DecLockCount decrements r's lock count, clearing fixed once it reaches 0.
func (rf *RegisterFile) DecLockCount(r Register) {
	a := &rf.assign[r.bit()]
	if a.LockCount == 0 {
		panic(fmt.Sprintf("regalloc: DecLockCount(%s) with zero lock count", r))
	}
	a.LockCount--
	if a.LockCount == 0 {
		rf.UnmarkFixed(r)
	}
}

// Assignment returns the current occupant of r.
func (rf *RegisterFile) Assignment(r Register) Assignment { return rf.assign[r.bit()] }

// UpdateRegAssignment rewrites r's owning (local, part) in place; only valid
// while r's lock count is 0.
func (rf *RegisterFile) UpdateRegAssignment(r Register, local ir.LocalIdx, part uint32) {
	if rf.assign[r.bit()].LockCount != 0 {
		panic(fmt.Sprintf("regalloc: UpdateRegAssignment(%s) with nonzero lock count", r))
	}
	rf.assign[r.bit()].LocalIdx = local
	rf.assign[r.bit()].Part = part
}

// candidateMask returns the registers of bank eligible for a search,
// excluding any bits set in exclude.
func (rf *RegisterFile) candidateMask(bank ir.Bank, exclude uint64) uint64 {
	return rf.bankMask[bank] &^ exclude
}

// FindFirstFreeExcluding returns the lowest-numbered free register in bank
// outside exclude, or (InvalidRegister, false).
func (rf *RegisterFile) FindFirstFreeExcluding(bank ir.Bank, exclude uint64) (Register, bool) {
	cand := rf.candidateMask(bank, exclude) & rf.free
	if cand == 0 {
		return InvalidRegister, false
	}
	return Register(bits.TrailingZeros64(cand)), true
}

// FindFirstNonFixedExcluding returns the lowest-numbered used-but-not-fixed
// register in bank outside exclude, or (InvalidRegister, false).
func (rf *RegisterFile) FindFirstNonFixedExcluding(bank ir.Bank, exclude uint64) (Register, bool) {
	cand := rf.candidateMask(bank, exclude) &^ rf.fixed &^ rf.free
	if cand == 0 {
		return InvalidRegister, false
	}
	return Register(bits.TrailingZeros64(cand)), true
}

// FindClockedNonFixedExcluding advances bank's clock hand over non-fixed
// registers outside exclude and returns the first candidate it lands on,
// for round-robin eviction fairness.
func (rf *RegisterFile) FindClockedNonFixedExcluding(bank ir.Bank, exclude uint64) (Register, bool) {
	cand := rf.candidateMask(bank, exclude) &^ rf.fixed
	if cand == 0 {
		return InvalidRegister, false
	}
	base := rf.bankMask[bank]
	// Walk the bank's registers starting at the clock hand, wrapping once,
	// and return the first one present in cand.
	hand := rf.clock[bank]
	for i := 0; i < 64; i++ {
		pos := (int(hand) + i) % 64
		if base&(1<<uint(pos)) == 0 {
			continue
		}
		if cand&(1<<uint(pos)) != 0 {
			rf.clock[bank] = uint8((pos + 1) % 64)
			return Register(pos), true
		}
	}
	return InvalidRegister, false
}
