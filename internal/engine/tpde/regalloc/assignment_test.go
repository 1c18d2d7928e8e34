package regalloc

import (
	"testing"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/testing/require"
)

func TestPartDescriptor_RoundTrip(t *testing.T) {
	p := NewPartDescriptor(8)
	require.Equal(t, uint8(8), p.SizeBytes())
	require.False(t, p.RegisterValid())

	r := MakeRegister(bankFP, 3)
	p = p.SetRegister(r).SetRegisterValid(true).SetModified(true)
	require.True(t, p.RegisterValid())
	require.True(t, p.Modified())
	require.Equal(t, r, p.Register())
	require.Equal(t, uint8(8), p.SizeBytes()) // unaffected by register/dirty bits

	p = p.SetModified(false)
	require.False(t, p.Modified())
	require.True(t, p.RegisterValid())
}

func TestAssignments_CreateAndGet(t *testing.T) {
	s := NewAssignments()
	a := s.Create(ir.LocalIdx(10), 2)
	require.Equal(t, 2, len(a.Parts))
	require.Equal(t, ir.LocalIdx(10), a.LocalIdx())

	got, ok := s.Get(ir.LocalIdx(10))
	require.True(t, ok)
	require.True(t, got == a)

	_, ok = s.Get(ir.LocalIdx(11))
	require.False(t, ok)
}

func TestAssignments_FreeRecyclesRecord(t *testing.T) {
	s := NewAssignments()
	a := s.Create(ir.LocalIdx(1), 1)
	a.Parts[0] = a.Parts[0].SetModified(true)
	s.Free(ir.LocalIdx(1))

	_, ok := s.Get(ir.LocalIdx(1))
	require.False(t, ok)

	allocatedBefore := s.pool.Allocated()
	b := s.Create(ir.LocalIdx(2), 1)
	require.Equal(t, allocatedBefore, s.pool.Allocated()) // reused from free list, no new pool slot
	require.False(t, b.Parts[0].Modified())               // record was reset on Create
}

func TestAssignments_Reset(t *testing.T) {
	s := NewAssignments()
	s.Create(ir.LocalIdx(1), 1)
	s.Create(ir.LocalIdx(2), 1)
	s.Reset()

	_, ok := s.Get(ir.LocalIdx(1))
	require.False(t, ok)
	require.Equal(t, 0, s.pool.Allocated())
}
