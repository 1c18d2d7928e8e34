// Package assembler is the ELF64 object writer: sections, the split
// local/global symbol table, relocations, a label/fixup table, and the
// .eh_frame/.gcc_except_table DWARF emitters. Nothing here understands
// instruction encodings; isa/amd64 and isa/arm64 append already-encoded
// bytes and describe, by relocation kind, which bytes need patching once a
// symbol's final address is known. The output is a relocatable object (one
// .o per compiled module), left for an external linker to combine.
package assembler

import (
	"bytes"
	"fmt"
)

// SectionKind enumerates the sections this assembler can emit. .text
// always exists; every other kind is created lazily on first use.
type SectionKind int

const (
	SecText SectionKind = iota
	SecRodata
	SecDataRelRo
	SecData
	SecBSS
	SecTData
	SecTBSS
	SecInitArray
	SecFiniArray
	SecEHFrame
	SecGCCExceptTable
)

func (k SectionKind) String() string {
	switch k {
	case SecText:
		return ".text"
	case SecRodata:
		return ".rodata"
	case SecDataRelRo:
		return ".data.rel.ro"
	case SecData:
		return ".data"
	case SecBSS:
		return ".bss"
	case SecTData:
		return ".tdata"
	case SecTBSS:
		return ".tbss"
	case SecInitArray:
		return ".init_array"
	case SecFiniArray:
		return ".fini_array"
	case SecEHFrame:
		return ".eh_frame"
	case SecGCCExceptTable:
		return ".gcc_except_table"
	default:
		return fmt.Sprintf("section(%d)", int(k))
	}
}

// Section is one output section: its accumulated bytes plus the
// relocations that apply to them. alloc, rather than progbits, sections
// (.bss, .tbss) never actually append to buf; Size is tracked separately.
type Section struct {
	Kind  SectionKind
	Name  string // set for a per-global named section or COMDAT group member.
	buf   bytes.Buffer
	align uint32
	nobits bool
	bssSize uint64
}

// Offset returns the section's current end, the position the next append
// will land at.
func (s *Section) Offset() int64 {
	if s.nobits {
		return int64(s.bssSize)
	}
	return int64(s.buf.Len())
}

// Append writes b to the section and returns the offset it was written at.
func (s *Section) Append(b []byte) int64 {
	off := s.Offset()
	s.buf.Write(b)
	return off
}

// Reserve grows a .bss/.tbss-style no-bits section by n bytes without
// writing any actual data, returning the offset reserved.
func (s *Section) Reserve(n uint64) int64 {
	off := int64(s.bssSize)
	s.bssSize += n
	return off
}

// PatchAt overwrites len(b) bytes starting at off with b, for back-patching
// a placeholder once its final value is known (the frame-size
// and epilogue patch points).
func (s *Section) PatchAt(off int64, b []byte) {
	dst := s.buf.Bytes()[off : off+int64(len(b))]
	copy(dst, b)
}

// Bytes returns the section's accumulated content.
func (s *Section) Bytes() []byte { return s.buf.Bytes() }

// SymbolRef is an opaque reference to a Symbol. The high bit distinguishes
// local from global indices; IsGlobal/Index decode it.
type SymbolRef uint32

const symGlobalBit = uint32(1) << 31

// IsGlobal reports whether r names a global-binding symbol.
func (r SymbolRef) IsGlobal() bool { return uint32(r)&symGlobalBit != 0 }

// Index returns r's index within its half (local or global) of the symbol
// table.
func (r SymbolRef) Index() uint32 { return uint32(r) &^ symGlobalBit }

// Binding distinguishes local from global/weak symbol visibility, mirroring
// ELF's STB_* constants closely enough for this assembler's needs.
type Binding int

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

// Symbol is one entry of the (conceptually single, internally local/global
// split) symbol table.
type Symbol struct {
	Name    string
	Section SectionKind
	Value   int64 // offset within Section, or 0 for an undefined symbol.
	Size    uint64
	Binding Binding
	Defined bool
}

// RelocKind enumerates the relocation types the backend emits.
type RelocKind int

const (
	RelX86_64_PC32 RelocKind = iota
	RelX86_64_PLT32
	RelX86_64_GOTPCREL
	RelX86_64_TLSGD
	RelAArch64_ADR_PREL_PG_HI21
	RelAArch64_ADD_ABS_LO12_NC
	RelAArch64_ADR_GOT_PAGE
	RelAArch64_LD64_GOT_LO12_NC
	RelAArch64_CALL26
	RelAArch64_ABS64
	RelAArch64_PREL32
)

// Relocation is a fixup a linker must apply once every symbol's final
// address is known: patch Size bytes at Section:Offset using Symbol's
// address and Addend, per RelKind's formula.
type Relocation struct {
	Section SectionKind
	Offset  int64
	Symbol  SymbolRef
	Kind    RelocKind
	Addend  int64
}

// Label is a per-function token for a code position not yet known when
// referenced. It indexes into Assembler.labels.
type Label int

// fixup is one pending reference to a not-yet-bound label: the byte offset
// in Section that needs patching once the label binds, and the encoding
// width/kind the ISA layer chose (interpreted entirely by the ISA's own
// PatchLabel callback, which the Assembler invokes with the label's final
// offset). fixups for one label form a singly-linked list via nextIdx.
type fixup struct {
	section SectionKind
	offset  int64
	kind    int
	nextIdx int // index into Assembler.fixups, or -1.
}

// tempSymbolInfo is one label's binding state: its resolved offset (valid
// only once bound is set) and the head of its pending-fixup list.
type tempSymbolInfo struct {
	section  SectionKind
	offset   int64
	bound    bool
	fixupHead int // index into Assembler.fixups, or -1.
}

// PatchLabel is supplied by the ISA layer at BindLabel time so the
// Assembler can rewrite every pending fixup referencing that label without
// the ISA layer tracking which fixups exist.
type PatchLabel func(section SectionKind, fixupOffset int64, kind int, targetSection SectionKind, targetOffset int64)

// Assembler owns every Section, the combined
// local/global symbol table, the relocation list, and the label/fixup
// table. isa/amd64 and isa/arm64 each hold one Assembler and append
// instruction bytes to it as they lower each IR instruction.
type Assembler struct {
	sections map[SectionKind]*Section
	named    []*Section // per-global named sections / COMDAT members.

	localSyms  []Symbol
	globalSyms []Symbol
	symByName  map[string]SymbolRef

	relocs []Relocation
	groups []COMDATGroup

	labels []tempSymbolInfo
	fixups []fixup
}

// New returns an Assembler with an empty .text section ready to receive
// instruction bytes.
func New() *Assembler {
	a := &Assembler{
		sections:  make(map[SectionKind]*Section),
		symByName: make(map[string]SymbolRef),
	}
	a.section(SecText)
	return a
}

// Section returns (creating on first use) the named section.
func (a *Assembler) Section(kind SectionKind) *Section { return a.section(kind) }

func (a *Assembler) section(kind SectionKind) *Section {
	s, ok := a.sections[kind]
	if !ok {
		s = &Section{Kind: kind, Name: kind.String(), align: 16}
		if kind == SecBSS || kind == SecTBSS {
			s.nobits = true
		}
		a.sections[kind] = s
	}
	return s
}

// NamedSection returns a fresh section for one COMDAT/per-global group,
// e.g. a weak global's own .data.rel.ro.<symbol> section.
func (a *Assembler) NamedSection(kind SectionKind, name string) *Section {
	s := &Section{Kind: kind, Name: name, align: 8}
	a.named = append(a.named, s)
	return s
}

// COMDATGroup ties a signature symbol to the named sections forming one
// link-once group: the linker keeps exactly one group per signature across
// all objects and discards the rest.
type COMDATGroup struct {
	Signature SymbolRef
	Members   []*Section
}

// AddCOMDATGroup records a link-once group over already-created
// NamedSections; the ELF writer emits one SHT_GROUP section per group.
func (a *Assembler) AddCOMDATGroup(signature SymbolRef, members ...*Section) {
	a.groups = append(a.groups, COMDATGroup{Signature: signature, Members: members})
}

// DefineSymbol records a new symbol at its current section position. value
// is relative to the section's current Offset() (i.e. the caller has
// already appended the symbol's bytes and passes the offset they started
// at).
func (a *Assembler) DefineSymbol(name string, sec SectionKind, value int64, size uint64, binding Binding) SymbolRef {
	if r, ok := a.symByName[name]; ok {
		return a.redefine(r, sec, value, size, binding)
	}
	sym := Symbol{Name: name, Section: sec, Value: value, Size: size, Binding: binding, Defined: true}
	var ref SymbolRef
	if binding == BindLocal {
		ref = SymbolRef(len(a.localSyms))
		a.localSyms = append(a.localSyms, sym)
	} else {
		ref = SymbolRef(symGlobalBit | uint32(len(a.globalSyms)))
		a.globalSyms = append(a.globalSyms, sym)
	}
	a.symByName[name] = ref
	return ref
}

func (a *Assembler) redefine(r SymbolRef, sec SectionKind, value int64, size uint64, binding Binding) SymbolRef {
	sym := a.symbolAt(r)
	sym.Section, sym.Value, sym.Size, sym.Binding, sym.Defined = sec, value, size, binding, true
	return r
}

// UndefinedSymbol returns a reference to name, creating an undefined global
// symbol if none exists yet. Used for a call/relocation against a symbol
// this module does not itself define (an external function, or one this
// module's own per-function compile failed for, leaving an undefined
// reference where the failed function was expected).
func (a *Assembler) UndefinedSymbol(name string) SymbolRef {
	if r, ok := a.symByName[name]; ok {
		return r
	}
	ref := SymbolRef(symGlobalBit | uint32(len(a.globalSyms)))
	a.globalSyms = append(a.globalSyms, Symbol{Name: name, Binding: BindGlobal})
	a.symByName[name] = ref
	return ref
}

func (a *Assembler) symbolAt(r SymbolRef) *Symbol {
	if r.IsGlobal() {
		return &a.globalSyms[r.Index()]
	}
	return &a.localSyms[r.Index()]
}

// AddRelocation records a fixup a linker (or the JIT mapper, in-process)
// must apply once every symbol's address is known.
func (a *Assembler) AddRelocation(sec SectionKind, offset int64, sym SymbolRef, kind RelocKind, addend int64) {
	a.relocs = append(a.relocs, Relocation{Section: sec, Offset: offset, Symbol: sym, Kind: kind, Addend: addend})
}

// NewLabel allocates a fresh, unbound Label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, tempSymbolInfo{fixupHead: -1})
	return Label(len(a.labels) - 1)
}

// AddFixup registers a pending reference to label at sec:offset, tagged
// with an ISA-meaningful kind (e.g. "8-bit relative" vs "32-bit relative").
// If label is already bound, patch is invoked immediately instead of being
// queued.
func (a *Assembler) AddFixup(label Label, sec SectionKind, offset int64, kind int, patch PatchLabel) {
	info := &a.labels[label]
	if info.bound {
		patch(sec, offset, kind, info.section, info.offset)
		return
	}
	a.fixups = append(a.fixups, fixup{section: sec, offset: offset, kind: kind, nextIdx: info.fixupHead})
	info.fixupHead = len(a.fixups) - 1
}

// BindLabel fixes label to sec's current end-of-section position and
// immediately resolves every fixup queued against it.
func (a *Assembler) BindLabel(label Label, sec SectionKind, patch PatchLabel) {
	off := a.section(sec).Offset()
	info := &a.labels[label]
	info.section, info.offset, info.bound = sec, off, true

	idx := info.fixupHead
	for idx != -1 {
		f := a.fixups[idx]
		patch(f.section, f.offset, f.kind, sec, off)
		idx = f.nextIdx
	}
	info.fixupHead = -1
}

// LabelOffset returns a bound label's resolved section and offset.
func (a *Assembler) LabelOffset(label Label) (SectionKind, int64, bool) {
	info := a.labels[label]
	return info.section, info.offset, info.bound
}

// Mark snapshots the text section's length and the relocation count so a
// function that fails to compile can be rolled back without leaving a
// partial definition behind.
type Mark struct {
	textLen  int64
	relocLen int
}

// MarkFunctionStart returns a snapshot to pass to RollbackFunction if the
// function beginning here turns out not to compile.
func (a *Assembler) MarkFunctionStart() Mark {
	return Mark{textLen: a.section(SecText).Offset(), relocLen: len(a.relocs)}
}

// RollbackFunction discards everything appended to .text (and every
// relocation recorded) since m, and turns name's symbol back into an
// undefined reference so cross-references from surviving functions still
// resolve at link time.
func (a *Assembler) RollbackFunction(m Mark, name string) {
	sec := a.section(SecText)
	sec.buf.Truncate(int(m.textLen))
	a.relocs = a.relocs[:m.relocLen]
	if ref, ok := a.symByName[name]; ok {
		sym := a.symbolAt(ref)
		sym.Defined = false
		sym.Section = SecText
		sym.Value = 0
		sym.Size = 0
	}
}

// Symbols exposes the combined symbol table, locals first, for the JIT
// mapper and tests; the returned slices alias the assembler's own state.
func (a *Assembler) Symbols() (locals, globals []Symbol) { return a.localSyms, a.globalSyms }

// Symbol returns the record a SymbolRef names.
func (a *Assembler) Symbol(r SymbolRef) Symbol { return *a.symbolAt(r) }

// Relocations returns every recorded relocation.
func (a *Assembler) Relocations() []Relocation { return a.relocs }

// SymbolRefByName looks a symbol up by name.
func (a *Assembler) SymbolRefByName(name string) (SymbolRef, bool) {
	r, ok := a.symByName[name]
	return r, ok
}
