package assembler

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Machine selects the ELF e_machine value (and therefore which relocation
// kinds are legal) an Assembler's object is finalized for.
type Machine int

const (
	MachineX86_64 Machine = iota
	MachineAArch64
)

const (
	elfMagic0 = 0x7f

	etRel = 1

	emX86_64  = 62
	emAArch64 = 183

	shtNull     = 0
	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtRela     = 4
	shtNobits   = 8
	shtGroup    = 17
	shtSymtabShndx = 18

	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4
	shfGroup     = 0x200

	grpComdat = 0x1

	// Section header indices at or above shnLoreserve have special
	// meanings and would need SHT_SYMTAB_SHNDX indirection; this writer
	// refuses to produce that many sections instead.
	shnLoreserve = 0xff00

	stbLocal  = 0
	stbGlobal = 1
	stbWeak   = 2

	sttNotype = 0
	sttFunc   = 2
	sttObject = 1

	shnUndef = 0

	rX86_64PC32      = 2
	rX86_64PLT32     = 4
	rX86_64GOTPCREL  = 9
	rX86_64TLSGD     = 19
	rAArch64AdrPrelPgHi21 = 275
	rAArch64AddAbsLo12Nc  = 277
	rAArch64AdrGotPage    = 311
	rAArch64Ld64GotLo12Nc = 313
	rAArch64Call26        = 283
	rAArch64Abs64         = 257
	rAArch64Prel32        = 261
)

// ELFWriter finalizes an Assembler's sections, symbols and relocations
// into a relocatable ELF64 object file's bytes: little-endian, EM_X86_64
// or EM_AARCH64, SysV ABI. Section sizes and file offsets are computed up
// front, then header/sections/tables are written in a fixed order. No
// program headers and no dynamic linking sections — just
// SHT_PROGBITS/SHT_NOBITS sections, one split local/global SHT_SYMTAB, and
// one SHT_RELA per relocated section.
type ELFWriter struct {
	asm     *Assembler
	machine Machine

	// strtab and numLocalSyms are populated by buildSymtab and consumed by
	// serialize in the same Write call.
	strtab       *strtabBuilder
	numLocalSyms int
}

// NewELFWriter returns a writer that will finalize asm's accumulated state
// for the given machine.
func NewELFWriter(asm *Assembler, machine Machine) *ELFWriter {
	return &ELFWriter{asm: asm, machine: machine}
}

// sectionOrder lists the well-known section kinds in the fixed order this
// writer lays them out in (named/COMDAT sections follow).
var sectionOrder = []SectionKind{
	SecText, SecRodata, SecDataRelRo, SecData, SecTData,
	SecInitArray, SecFiniArray, SecEHFrame, SecGCCExceptTable,
	SecBSS, SecTBSS,
}

type builtSection struct {
	name     string
	kind     SectionKind
	shType   uint32
	flags    uint64
	data     []byte
	nobits   bool
	size     uint64
	relocOf  int // index into out sections of the section this .rela applies to, or -1
	relocs   []Relocation
}

// Write serializes the assembler's current state to a complete ELF64
// object file.
func (w *ELFWriter) Write() ([]byte, error) {
	var secs []builtSection
	secIndex := map[SectionKind]int{}

	for _, kind := range sectionOrder {
		s, ok := w.asm.sections[kind]
		if !ok {
			continue
		}
		bs := builtSection{name: kind.String(), kind: kind, flags: shfAlloc}
		switch kind {
		case SecText:
			bs.shType, bs.flags = shtProgbits, bs.flags|shfAlloc|shfExecinstr
		case SecBSS, SecTBSS:
			bs.shType, bs.nobits, bs.size = shtNobits, true, s.bssSize
			bs.flags |= shfWrite
		case SecData, SecTData, SecDataRelRo, SecInitArray, SecFiniArray:
			bs.shType, bs.flags = shtProgbits, bs.flags|shfWrite
		case SecEHFrame, SecGCCExceptTable:
			bs.shType = shtProgbits
		default:
			bs.shType = shtProgbits
		}
		if !bs.nobits {
			bs.data = s.Bytes()
			bs.size = uint64(len(bs.data))
		}
		secIndex[kind] = len(secs)
		secs = append(secs, bs)
	}
	inGroup := map[*Section]bool{}
	for _, g := range w.asm.groups {
		for _, m := range g.Members {
			inGroup[m] = true
		}
	}
	namedIdx := map[*Section]int{}
	for _, named := range w.asm.named {
		bs := builtSection{name: named.Name, kind: named.Kind, shType: shtProgbits, flags: shfAlloc, data: named.Bytes()}
		if inGroup[named] {
			bs.flags |= shfGroup
		}
		bs.size = uint64(len(bs.data))
		namedIdx[named] = len(secs)
		secs = append(secs, bs)
	}

	// Group relocations by the section they apply to, emitting one
	// SHT_RELA section per relocated section.
	relocsBySection := map[SectionKind][]Relocation{}
	for _, r := range w.asm.relocs {
		relocsBySection[r.Section] = append(relocsBySection[r.Section], r)
	}

	symTable, symIndexOf, err := w.buildSymtab()
	if err != nil {
		return nil, err
	}

	// COMDAT groups: one SHT_GROUP section per group, its body a
	// GRP_COMDAT word followed by the member sections' header indices
	// (the +1 accounts for the null header; rela/symtab/strtab sections
	// come after every data section, so data-section indices are final
	// here).
	var groupSecs []builtSection
	for _, g := range w.asm.groups {
		sigIdx, ok := symIndexOf[g.Signature]
		if !ok {
			return nil, fmt.Errorf("assembler: COMDAT group with unknown signature symbol %d", g.Signature)
		}
		buf := make([]byte, 4*(1+len(g.Members)))
		binary.LittleEndian.PutUint32(buf[0:4], grpComdat)
		for i, m := range g.Members {
			idx, ok := namedIdx[m]
			if !ok {
				return nil, fmt.Errorf("assembler: COMDAT member %q is not a named section", m.Name)
			}
			binary.LittleEndian.PutUint32(buf[4*(i+1):], uint32(idx+1))
		}
		groupSecs = append(groupSecs, builtSection{
			name: ".group", shType: shtGroup,
			data: buf, size: uint64(len(buf)), relocOf: sigIdx,
		})
	}

	var relaSecs []builtSection
	for kind, rs := range relocsBySection {
		targetIdx, ok := secIndex[kind]
		if !ok {
			return nil, fmt.Errorf("assembler: relocation against unknown section %s", kind)
		}
		buf := make([]byte, 0, 24*len(rs))
		for _, r := range rs {
			symIdx, ok := symIndexOf[r.Symbol]
			if !ok {
				return nil, fmt.Errorf("assembler: relocation against unresolved symbol ref %d", r.Symbol)
			}
			info := uint64(symIdx)<<32 | uint64(w.relocType(r.Kind))
			var entry [24]byte
			binary.LittleEndian.PutUint64(entry[0:8], uint64(r.Offset))
			binary.LittleEndian.PutUint64(entry[8:16], info)
			binary.LittleEndian.PutUint64(entry[16:24], uint64(r.Addend))
			buf = append(buf, entry[:]...)
		}
		relaSecs = append(relaSecs, builtSection{
			name: ".rela" + kind.String(), shType: shtRela, flags: 0,
			data: buf, size: uint64(len(buf)), relocOf: targetIdx,
		})
	}

	return w.serialize(secs, relaSecs, groupSecs, symTable)
}

func (w *ELFWriter) relocType(k RelocKind) uint32 {
	switch k {
	case RelX86_64_PC32:
		return rX86_64PC32
	case RelX86_64_PLT32:
		return rX86_64PLT32
	case RelX86_64_GOTPCREL:
		return rX86_64GOTPCREL
	case RelX86_64_TLSGD:
		return rX86_64TLSGD
	case RelAArch64_ADR_PREL_PG_HI21:
		return rAArch64AdrPrelPgHi21
	case RelAArch64_ADD_ABS_LO12_NC:
		return rAArch64AddAbsLo12Nc
	case RelAArch64_ADR_GOT_PAGE:
		return rAArch64AdrGotPage
	case RelAArch64_LD64_GOT_LO12_NC:
		return rAArch64Ld64GotLo12Nc
	case RelAArch64_CALL26:
		return rAArch64Call26
	case RelAArch64_ABS64:
		return rAArch64Abs64
	case RelAArch64_PREL32:
		return rAArch64Prel32
	default:
		return 0
	}
}

// sectionKindIndex maps a Symbol's SectionKind to its final section header
// index, used when building symtab entries; it's threaded through as a
// closure built after section layout is finalized.
func (w *ELFWriter) buildSymtab() ([]byte, map[SymbolRef]int, error) {
	indexOf := make(map[SymbolRef]int)
	var buf bytes.Buffer
	// Null symbol at index 0.
	buf.Write(make([]byte, 24))

	strtab := newStrtab()
	n := 1

	write := func(ref SymbolRef, sym Symbol, shndx uint16) {
		nameOff := strtab.add(sym.Name)
		bind := uint8(stbLocal)
		switch sym.Binding {
		case BindGlobal:
			bind = stbGlobal
		case BindWeak:
			bind = stbWeak
		}
		typ := uint8(sttNotype)
		if sym.Defined {
			typ = sttFunc
		}
		info := bind<<4 | typ&0xf
		var entry [24]byte
		binary.LittleEndian.PutUint32(entry[0:4], nameOff)
		entry[4] = info
		entry[5] = 0 // visibility
		binary.LittleEndian.PutUint16(entry[6:8], shndx)
		binary.LittleEndian.PutUint64(entry[8:16], uint64(sym.Value))
		binary.LittleEndian.PutUint64(entry[16:24], sym.Size)
		buf.Write(entry[:])
		indexOf[ref] = n
		n++
	}

	// Locals precede globals; st_info bind indices follow.
	for i, sym := range w.asm.localSyms {
		shndx := w.symSectionIndex(sym)
		write(SymbolRef(i), sym, shndx)
	}
	for i, sym := range w.asm.globalSyms {
		shndx := uint16(shnUndef)
		if sym.Defined {
			shndx = w.symSectionIndex(sym)
		}
		write(SymbolRef(symGlobalBit|uint32(i)), sym, shndx)
	}

	w.strtab = strtab
	w.numLocalSyms = len(w.asm.localSyms) + 1 // +1 for the null symbol.
	return buf.Bytes(), indexOf, nil
}

// symSectionIndex resolves a defined symbol's section header index. Since
// the final section header table isn't built until serialize, this returns
// a placeholder resolved there; for this writer's fixed, known-up-front
// section order the mapping is stable, so we precompute it once here using
// the same sectionOrder walk serialize uses.
func (w *ELFWriter) symSectionIndex(sym Symbol) uint16 {
	idx := 1 // section header 0 is SHN_UNDEF; real sections start at 1 (string table follows data sections, see serialize).
	for _, kind := range sectionOrder {
		if _, ok := w.asm.sections[kind]; !ok {
			continue
		}
		if kind == sym.Section {
			return uint16(idx)
		}
		idx++
	}
	return shnUndef
}

// strtabBuilder interns strings for a classic ELF string table (a leading
// NUL byte, then each unique name NUL-terminated).
type strtabBuilder struct {
	buf    bytes.Buffer
	offset map[string]uint32
}

func newStrtab() *strtabBuilder {
	t := &strtabBuilder{offset: map[string]uint32{}}
	t.buf.WriteByte(0)
	return t
}

func (t *strtabBuilder) add(name string) uint32 {
	if name == "" {
		return 0
	}
	if off, ok := t.offset[name]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(name)
	t.buf.WriteByte(0)
	t.offset[name] = off
	return off
}

func (w *ELFWriter) serialize(secs, relaSecs, groupSecs []builtSection, symtab []byte) ([]byte, error) {
	const ehsize = 64
	const shentsize = 64

	// Section header string table, built as we decide the final section
	// order: null, data sections, .symtab, .strtab, rela sections, group
	// sections, .shstrtab.
	shstrtab := newStrtab()

	type hdr struct {
		nameOff           uint32
		shType            uint32
		flags             uint64
		offset, size      uint64
		link, info        uint32
		addralign, entsize uint64
	}

	var headers []hdr
	var bodies [][]byte
	addSection := func(name string, shType uint32, flags uint64, data []byte, nobits bool, link, info uint32, entsize uint64) int {
		nameOff := shstrtab.add(name)
		h := hdr{nameOff: nameOff, shType: shType, flags: flags, link: link, info: info, addralign: 1, entsize: entsize}
		if shType != shtNull {
			h.addralign = 8
		}
		if nobits {
			h.size = 0
		} else {
			h.size = uint64(len(data))
		}
		headers = append(headers, h)
		bodies = append(bodies, data)
		return len(headers) - 1
	}

	// Null section header (index 0).
	addSection("", shtNull, 0, nil, false, 0, 0, 0)

	dataSecIdx := make([]int, len(secs))
	for i, s := range secs {
		idx := addSection(s.name, s.shType, s.flags, s.data, s.nobits, 0, 0, 0)
		dataSecIdx[i] = idx
		if s.nobits {
			// .bss/.tbss occupy no file space; record logical size only.
			headers[idx].size = s.size
		}
	}

	symtabIdx := addSection(".symtab", shtSymtab, 0, nil, false, 0, 0, 24)
	strtabIdx := addSection(".strtab", shtStrtab, 0, w.strtab.buf.Bytes(), false, 0, 0, 0)
	headers[symtabIdx].link = uint32(strtabIdx)
	headers[symtabIdx].info = uint32(w.numLocalSyms)

	for _, rs := range relaSecs {
		addSection(rs.name, shtRela, 0, rs.data, false, uint32(symtabIdx), uint32(dataSecIdx[rs.relocOf]), 24)
	}
	// SHT_GROUP: sh_link names the symtab, sh_info the signature symbol
	// (carried in relocOf).
	for _, gs := range groupSecs {
		addSection(gs.name, shtGroup, 0, gs.data, false, uint32(symtabIdx), uint32(gs.relocOf), 4)
	}

	shstrtabIdx := addSection(".shstrtab", shtStrtab, 0, nil, false, 0, 0, 0)

	if len(headers) >= shnLoreserve {
		return nil, fmt.Errorf("assembler: %d sections exceeds the %d-section limit", len(headers), shnLoreserve)
	}

	// Now that every section name has been interned, fill in .shstrtab's own
	// body and fix up every header's name offset against the final table.
	headers[shstrtabIdx].size = uint64(shstrtab.buf.Len())
	bodies[shstrtabIdx] = shstrtab.buf.Bytes()
	bodies[symtabIdx] = symtab
	headers[symtabIdx].size = uint64(len(symtab))

	// Compute file offsets: ELF header, then section header table, then
	// every non-nobits section's body, in header order.
	shoff := uint64(ehsize)
	dataStart := shoff + uint64(len(headers))*shentsize
	offset := dataStart
	for i := range headers {
		if headers[i].shType == shtNull {
			continue
		}
		if i < len(secs)+1 && secs[i-1].nobits {
			headers[i].offset = offset // SHT_NOBITS offset is informational only.
			continue
		}
		aligned := (offset + 7) &^ 7
		headers[i].offset = aligned
		offset = aligned + uint64(len(bodies[i]))
	}
	fileSize := offset

	out := make([]byte, fileSize)
	// e_ident + header.
	out[0], out[1], out[2], out[3] = elfMagic0, 'E', 'L', 'F'
	out[4] = 2 // ELFCLASS64
	out[5] = 1 // ELFDATA2LSB
	out[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(out[16:18], etRel)
	machine := uint16(emX86_64)
	if w.machine == MachineAArch64 {
		machine = emAArch64
	}
	binary.LittleEndian.PutUint16(out[18:20], machine)
	binary.LittleEndian.PutUint32(out[20:24], 1) // EV_CURRENT
	binary.LittleEndian.PutUint64(out[40:48], shoff)
	binary.LittleEndian.PutUint16(out[52:54], ehsize)
	binary.LittleEndian.PutUint16(out[58:60], shentsize)
	binary.LittleEndian.PutUint16(out[60:62], uint16(len(headers)))
	binary.LittleEndian.PutUint16(out[62:64], uint16(shstrtabIdx))

	for i, h := range headers {
		base := shoff + uint64(i)*shentsize
		binary.LittleEndian.PutUint32(out[base:base+4], h.nameOff)
		binary.LittleEndian.PutUint32(out[base+4:base+8], h.shType)
		binary.LittleEndian.PutUint64(out[base+8:base+16], h.flags)
		binary.LittleEndian.PutUint64(out[base+16:base+24], 0) // sh_addr: unset for a relocatable object.
		binary.LittleEndian.PutUint64(out[base+24:base+32], h.offset)
		binary.LittleEndian.PutUint64(out[base+32:base+40], h.size)
		binary.LittleEndian.PutUint32(out[base+40:base+44], h.link)
		binary.LittleEndian.PutUint32(out[base+44:base+48], h.info)
		binary.LittleEndian.PutUint64(out[base+48:base+56], h.addralign)
		binary.LittleEndian.PutUint64(out[base+56:base+64], h.entsize)

		if h.shType != shtNull && h.shType != shtNobits {
			copy(out[h.offset:h.offset+uint64(len(bodies[i]))], bodies[i])
		}
	}
	return out, nil
}
