package regalloc

import (
	"testing"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/testing/require"
)

const (
	bankGP ir.Bank = iota
	bankFP
)

func newTestRegisterFile() *RegisterFile {
	return NewRegisterFile([]BankConfig{
		{Bank: bankGP, Base: 0, Count: 8},
		{Bank: bankFP, Base: 8, Count: 8},
	})
}

func TestRegisterFile_MarkUsedAndFree(t *testing.T) {
	rf := newTestRegisterFile()
	r, ok := rf.FindFirstFreeExcluding(bankGP, 0)
	require.True(t, ok)
	require.Equal(t, bankGP, r.Bank())

	rf.MarkUsed(r, ir.LocalIdx(5), 0)
	require.True(t, rf.IsUsed(r))
	require.False(t, rf.IsFixed(r))

	a := rf.Assignment(r)
	require.Equal(t, ir.LocalIdx(5), a.LocalIdx)

	rf.UnmarkUsed(r)
	require.False(t, rf.IsUsed(r))
}

func TestRegisterFile_LockCountDrivesFixed(t *testing.T) {
	rf := newTestRegisterFile()
	r, _ := rf.FindFirstFreeExcluding(bankGP, 0)
	rf.MarkUsed(r, ir.LocalIdx(1), 0)

	rf.IncLockCount(r)
	require.True(t, rf.IsFixed(r))
	rf.IncLockCount(r)
	rf.DecLockCount(r)
	require.True(t, rf.IsFixed(r)) // still one lock outstanding
	rf.DecLockCount(r)
	require.False(t, rf.IsFixed(r))
}

func TestRegisterFile_BanksAreDisjoint(t *testing.T) {
	rf := newTestRegisterFile()
	gp, ok := rf.FindFirstFreeExcluding(bankGP, 0)
	require.True(t, ok)
	fp, ok := rf.FindFirstFreeExcluding(bankFP, 0)
	require.True(t, ok)
	require.Equal(t, bankGP, gp.Bank())
	require.Equal(t, bankFP, fp.Bank())
	require.True(t, gp != fp)
}

func TestRegisterFile_EvictionClockRoundRobins(t *testing.T) {
	rf := newTestRegisterFile()
	// Fill every GP register so free candidates are exhausted.
	var used []Register
	for {
		r, ok := rf.FindFirstFreeExcluding(bankGP, 0)
		if !ok {
			break
		}
		rf.MarkUsed(r, ir.LocalIdx(len(used)), 0)
		used = append(used, r)
	}
	require.Equal(t, 8, len(used))

	first, ok := rf.FindClockedNonFixedExcluding(bankGP, 0)
	require.True(t, ok)
	second, ok := rf.FindClockedNonFixedExcluding(bankGP, 0)
	require.True(t, ok)
	require.True(t, first != second) // clock hand must advance between calls
}

func TestRegisterFile_FindNonFixedExcludesFixed(t *testing.T) {
	rf := newTestRegisterFile()
	var all []Register
	for {
		r, ok := rf.FindFirstFreeExcluding(bankGP, 0)
		if !ok {
			break
		}
		rf.MarkUsed(r, ir.LocalIdx(len(all)), 0)
		all = append(all, r)
	}
	for _, r := range all {
		rf.MarkFixed(r)
	}
	_, ok := rf.FindFirstNonFixedExcluding(bankGP, 0)
	require.False(t, ok)

	rf.UnmarkFixed(all[0])
	r, ok := rf.FindFirstNonFixedExcluding(bankGP, 0)
	require.True(t, ok)
	require.Equal(t, all[0], r)
}

func TestRegisterFile_Reset(t *testing.T) {
	rf := newTestRegisterFile()
	r, _ := rf.FindFirstFreeExcluding(bankGP, 0)
	rf.MarkUsed(r, ir.LocalIdx(1), 0)
	rf.MarkFixed(r)

	rf.Reset()
	require.False(t, rf.IsUsed(r))
	require.False(t, rf.IsFixed(r))
	got, ok := rf.FindFirstFreeExcluding(bankGP, 0)
	require.True(t, ok)
	require.Equal(t, r, got)
}
