package callconv

import (
	"testing"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
	"github.com/tpde-go/tpde/internal/testing/require"
)

const (
	bankGP ir.Bank = 0
	bankFP ir.Bank = 1
)

func sysvInfo() CCInfo {
	return CCInfo{
		ArgRegs: map[ir.Bank][]regalloc.Register{
			bankGP: {0, 1, 2, 3, 4, 5},
			bankFP: {10, 11, 12, 13, 14, 15, 16, 17},
		},
		RetRegs: map[ir.Bank][]regalloc.Register{
			bankGP: {0, 1},
			bankFP: {10, 11},
		},
		CalleeSaved: []regalloc.Register{6, 7, 8, 9},
		Allocatable: []regalloc.Register{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17},
		FPBank:      bankFP,
		PtrBank:     bankGP,
	}
}

func intArg() CCAssignment { return CCAssignment{Bank: bankGP, Size: 8, Align: 8} }

func TestCCAssigner_RegistersThenStack(t *testing.T) {
	c := NewCCAssigner(sysvInfo(), false)
	var locs []CCLocation
	for i := 0; i < 8; i++ {
		locs = append(locs, c.AssignArg(intArg()))
	}
	for i := 0; i < 6; i++ {
		require.Equal(t, CCInReg, locs[i].Kind)
		require.Equal(t, regalloc.Register(i), locs[i].Reg)
	}
	require.Equal(t, CCOnStack, locs[6].Kind)
	require.Equal(t, uint32(0), locs[6].StackOff)
	require.Equal(t, CCOnStack, locs[7].Kind)
	require.Equal(t, uint32(8), locs[7].StackOff)
	require.Equal(t, uint32(16), c.ArgStackSize())
}

func TestCCAssigner_ArgAndRetPoolsAreDisjoint(t *testing.T) {
	c := NewCCAssigner(sysvInfo(), false)
	// Exhaust the int arg pool entirely.
	for i := 0; i < 6; i++ {
		c.AssignArg(intArg())
	}
	// The return pool is untouched by the argument walk above.
	loc := c.AssignRet(intArg())
	require.Equal(t, CCInReg, loc.Kind)
	require.Equal(t, regalloc.Register(0), loc.Reg)
}

func TestCCAssigner_ByvalAlwaysOnStack(t *testing.T) {
	c := NewCCAssigner(sysvInfo(), false)
	loc := c.AssignArg(CCAssignment{Byval: true, ByvalSize: 20})
	require.Equal(t, CCOnStack, loc.Kind)
	require.Equal(t, uint32(0), loc.StackOff)
	// 20 rounds up to 24 (8-byte aligned).
	require.Equal(t, uint32(24), c.ArgStackSize())
}

func TestCCAssigner_ConsecutiveForcesAggregateSiblingsToStack(t *testing.T) {
	c := NewCCAssigner(sysvInfo(), false)
	for i := 0; i < 6; i++ {
		c.AssignArg(intArg())
	}
	// A 3-part aggregate whose first part already missed the register pool:
	// all three parts must land on the stack, contiguously, even though a
	// float register would otherwise still be free for the second part.
	a := CCAssignment{Bank: bankGP, Size: 8, Align: 8, Consecutive: 3}
	loc1 := c.AssignArg(a)
	loc2 := c.AssignArg(CCAssignment{Bank: bankGP, Size: 8, Align: 8})
	loc3 := c.AssignArg(CCAssignment{Bank: bankGP, Size: 8, Align: 8})
	require.Equal(t, CCOnStack, loc1.Kind)
	require.Equal(t, CCOnStack, loc2.Kind)
	require.Equal(t, CCOnStack, loc3.Kind)
	require.Equal(t, uint32(0), loc1.StackOff)
	require.Equal(t, uint32(8), loc2.StackOff)
	require.Equal(t, uint32(16), loc3.StackOff)

	// A fourth, unrelated argument is free to use a register again (the GP
	// pool is spent, so it is a float argument).
	loc4 := c.AssignArg(CCAssignment{Bank: bankFP, Size: 8, Align: 8})
	require.Equal(t, CCInReg, loc4.Kind)
}

func TestCCAssigner_VarargTracksXMMCount(t *testing.T) {
	c := NewCCAssigner(sysvInfo(), true)
	c.AssignArg(intArg())
	c.AssignArg(CCAssignment{Bank: bankFP, Size: 8, Align: 8})
	c.AssignArg(CCAssignment{Bank: bankFP, Size: 8, Align: 8})
	require.True(t, c.IsVararg())
	require.Equal(t, uint8(2), c.VS.XMMCount)
}

func TestCCAssigner_NonVarargDoesNotTrackXMMCount(t *testing.T) {
	c := NewCCAssigner(sysvInfo(), false)
	c.AssignArg(CCAssignment{Bank: bankFP, Size: 8, Align: 8})
	require.Equal(t, uint8(0), c.VS.XMMCount)
}
