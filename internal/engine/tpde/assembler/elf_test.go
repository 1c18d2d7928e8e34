package assembler

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/tpde-go/tpde/internal/testing/require"
)

// buildTestObject assembles a tiny module by hand: 32 bytes of code, one
// local and one global symbol, an undefined external, a call relocation and
// some rodata.
func buildTestObject(t *testing.T, machine Machine) []byte {
	t.Helper()
	a := New()
	a.Section(SecText).Append(make([]byte, 32))
	a.Section(SecRodata).Append([]byte("hello\x00"))

	a.DefineSymbol(".Lhelper", SecText, 0, 8, BindLocal)
	a.DefineSymbol("main_fn", SecText, 8, 24, BindGlobal)
	ext := a.UndefinedSymbol("puts")
	if machine == MachineAArch64 {
		a.AddRelocation(SecText, 12, ext, RelAArch64_CALL26, 0)
	} else {
		a.AddRelocation(SecText, 13, ext, RelX86_64_PLT32, -4)
	}

	out, err := NewELFWriter(a, machine).Write()
	require.NoError(t, err)
	return out
}

func TestELFWriter_RoundTripsThroughDebugElf(t *testing.T) {
	out := buildTestObject(t, MachineX86_64)

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, elf.EM_X86_64, f.Machine)
	require.Equal(t, elf.ET_REL, f.Type)
	require.Equal(t, elf.ELFCLASS64, f.Class)
	require.Equal(t, elf.ELFDATA2LSB, f.Data)

	text := f.Section(".text")
	require.True(t, text != nil)
	require.Equal(t, uint64(32), text.Size)
	require.True(t, text.Flags&elf.SHF_EXECINSTR != 0)

	rodata := f.Section(".rodata")
	require.True(t, rodata != nil)
	data, err := rodata.Data()
	require.NoError(t, err)
	require.Equal(t, []byte("hello\x00"), data)

	syms, err := f.Symbols()
	require.NoError(t, err)
	// debug/elf drops the null symbol; locals come first.
	require.Equal(t, 3, len(syms))
	require.Equal(t, ".Lhelper", syms[0].Name)
	require.Equal(t, elf.STB_LOCAL, elf.ST_BIND(syms[0].Info))
	require.Equal(t, "main_fn", syms[1].Name)
	require.Equal(t, elf.STB_GLOBAL, elf.ST_BIND(syms[1].Info))
	require.Equal(t, uint64(8), syms[1].Value)
	require.Equal(t, "puts", syms[2].Name)
	require.Equal(t, elf.SHN_UNDEF, elf.SectionIndex(syms[2].Section))
}

func TestELFWriter_RelocationEntries(t *testing.T) {
	out := buildTestObject(t, MachineX86_64)
	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	rela := f.Section(".rela.text")
	require.True(t, rela != nil)
	require.Equal(t, ".symtab", f.SectionByType(elf.SHT_SYMTAB).Name)
	data, err := rela.Data()
	require.NoError(t, err)
	require.Equal(t, 24, len(data))

	off := binary.LittleEndian.Uint64(data[0:8])
	info := binary.LittleEndian.Uint64(data[8:16])
	addend := int64(binary.LittleEndian.Uint64(data[16:24]))
	require.Equal(t, uint64(13), off)
	require.Equal(t, uint64(4), info&0xffffffff) // R_X86_64_PLT32
	require.Equal(t, int64(-4), addend)

	// The relocation's symbol index points at "puts" in the symtab
	// (1-based, including the null symbol debug/elf hides).
	syms, err := f.Symbols()
	require.NoError(t, err)
	symIdx := info >> 32
	require.Equal(t, "puts", syms[symIdx-1].Name)
}

func TestELFWriter_AArch64Machine(t *testing.T) {
	out := buildTestObject(t, MachineAArch64)
	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, elf.EM_AARCH64, f.Machine)

	rela := f.Section(".rela.text")
	require.True(t, rela != nil)
	data, err := rela.Data()
	require.NoError(t, err)
	info := binary.LittleEndian.Uint64(data[8:16])
	require.Equal(t, uint64(283), info&0xffffffff) // R_AARCH64_CALL26
}

func TestELFWriter_COMDATGroup(t *testing.T) {
	a := New()
	a.Section(SecText).Append(make([]byte, 4))
	inst := a.NamedSection(SecDataRelRo, ".data.rel.ro.my_vtable")
	inst.Append(make([]byte, 16))
	sig := a.DefineSymbol("my_vtable", SecDataRelRo, 0, 16, BindWeak)
	a.AddCOMDATGroup(sig, inst)

	out, err := NewELFWriter(a, MachineX86_64).Write()
	require.NoError(t, err)

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	group := f.Section(".group")
	require.True(t, group != nil)
	require.Equal(t, elf.SHT_GROUP, group.Type)
	data, err := group.Data()
	require.NoError(t, err)
	require.Equal(t, 8, len(data))
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[0:4])) // GRP_COMDAT

	memberIdx := binary.LittleEndian.Uint32(data[4:8])
	member := f.Sections[memberIdx]
	require.Equal(t, ".data.rel.ro.my_vtable", member.Name)
	require.True(t, member.Flags&elf.SHF_GROUP != 0)
}

func TestELFWriter_BSSTakesNoFileSpace(t *testing.T) {
	a := New()
	a.Section(SecText).Append(make([]byte, 4))
	a.Section(SecBSS).Reserve(1 << 20)
	out, err := NewELFWriter(a, MachineX86_64).Write()
	require.NoError(t, err)
	require.True(t, len(out) < 1<<20)

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()
	bss := f.Section(".bss")
	require.True(t, bss != nil)
	require.Equal(t, uint64(1<<20), bss.Size)
	require.Equal(t, elf.SHT_NOBITS, bss.Type)
}
