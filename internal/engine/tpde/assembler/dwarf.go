package assembler

import (
	"encoding/binary"
)

// CFI opcodes used by this emitter, a small subset of DWARF's call frame
// instruction set sufficient for the prologues both targets emit (push
// frame pointer; mov frame pointer, stack pointer; one cfa_offset per
// callee-saved push).
const (
	dwCfaAdvanceLoc1     = 0x02
	dwCfaAdvanceLoc2     = 0x03
	dwCfaDefCfa          = 0x0c
	dwCfaDefCfaRegister  = 0x0d
	dwCfaDefCfaOffset    = 0x0e
	dwCfaOffset          = 0x80 // low 6 bits carry the register number.
	dwCfaNop             = 0x00
)

// DW_EH_PE_* encoding bytes for the augmentation data pointer fields;
// function addresses and LSDA pointers use pcrel|sdata4.
const (
	dwEhPePcrel    = 0x10
	dwEhPeIndirect = 0x80
	dwEhPeSdata4   = 0x0b
)

// CIEInfo is the per-target constants a CIE needs, supplied by the isa
// layer: the DWARF register number for the return address, the code/data
// alignment factors, and the CFA rule in
// effect on function entry (rsp+8 on x86-64 after the call pushed the
// return address, sp+0 on AArch64).
type CIEInfo struct {
	ReturnAddressReg uint8
	CodeAlignFactor  uint64
	DataAlignFactor  int64
	EntryCFAReg      uint8
	EntryCFAOffset   uint64
}

// cieKey distinguishes the CIEs a module needs, one per personality
// function: augmentation "zR" without a personality routine, "zPLR" with
// one.
type cieKey struct {
	hasPersonality bool
	personality    SymbolRef
}

// DWARFWriter builds .eh_frame content: CIEs (deduplicated by personality)
// and one FDE per compiled function.
type DWARFWriter struct {
	info    CIEInfo
	machine Machine
	cies    map[cieKey]int64 // offset within the .eh_frame section of each CIE.
}

// NewDWARFWriter returns a writer using info for every CIE it emits, for
// the given target machine (selects the pc-relative relocation kind the
// pc_begin/personality/LSDA pointer fields use).
func NewDWARFWriter(info CIEInfo, machine Machine) *DWARFWriter {
	return &DWARFWriter{info: info, machine: machine, cies: map[cieKey]int64{}}
}

// CFIProgram accumulates the raw call-frame instructions of one FDE. The
// isa layer builds one per function describing its actual prologue (the
// frame-pointer push, the CFA switch to the frame pointer, and one offset
// row per callee-saved save) and hands the finished bytes to EmitFDE.
type CFIProgram struct {
	buf     []byte
	lastLoc uint32
}

// AdvanceTo moves the program's current location to code offset off (bytes
// from function start). No-op if the program is already there.
func (p *CFIProgram) AdvanceTo(off uint32) {
	delta := off - p.lastLoc
	if delta == 0 {
		return
	}
	if delta <= 0xff {
		p.buf = append(p.buf, dwCfaAdvanceLoc1, byte(delta))
	} else {
		var d [2]byte
		binary.LittleEndian.PutUint16(d[:], uint16(delta))
		p.buf = append(p.buf, dwCfaAdvanceLoc2, d[0], d[1])
	}
	p.lastLoc = off
}

// DefCFA sets both the CFA register and its offset.
func (p *CFIProgram) DefCFA(reg uint8, off uint64) {
	p.buf = append(p.buf, dwCfaDefCfa)
	p.buf = appendULEB128(p.buf, uint64(reg))
	p.buf = appendULEB128(p.buf, off)
}

// DefCFARegister changes the CFA base register, keeping the offset.
func (p *CFIProgram) DefCFARegister(reg uint8) {
	p.buf = append(p.buf, dwCfaDefCfaRegister)
	p.buf = appendULEB128(p.buf, uint64(reg))
}

// DefCFAOffset changes the CFA offset, keeping the register.
func (p *CFIProgram) DefCFAOffset(off uint64) {
	p.buf = append(p.buf, dwCfaDefCfaOffset)
	p.buf = appendULEB128(p.buf, off)
}

// Offset records that reg is saved at CFA - factored*|DataAlignFactor|
// (DW_CFA_offset takes the factored offset as an unsigned operand; the
// CIE's negative data alignment factor supplies the sign).
func (p *CFIProgram) Offset(reg uint8, factored uint64) {
	p.buf = append(p.buf, dwCfaOffset|(reg&0x3f))
	p.buf = appendULEB128(p.buf, factored)
}

// Bytes returns the accumulated instruction stream.
func (p *CFIProgram) Bytes() []byte { return p.buf }

// cieFor returns the offset of a CIE matching key within .eh_frame,
// building and appending one on first use.
func (w *DWARFWriter) cieFor(asm *Assembler, key cieKey) int64 {
	if off, ok := w.cies[key]; ok {
		return off
	}
	off := w.buildCIE(asm, key)
	w.cies[key] = off
	return off
}

func (w *DWARFWriter) buildCIE(asm *Assembler, key cieKey) int64 {
	sec := asm.Section(SecEHFrame)
	cieStart := sec.Offset()

	var body []byte
	body = append(body, 1) // CIE version.
	aug := "zR"
	if key.hasPersonality {
		aug = "zPLR"
	}
	body = append(body, []byte(aug)...)
	body = append(body, 0) // NUL-terminate augmentation string.
	body = appendULEB128(body, w.info.CodeAlignFactor)
	body = appendSLEB128(body, w.info.DataAlignFactor)
	body = appendULEB128(body, uint64(w.info.ReturnAddressReg))

	// Augmentation data, in augmentation-string order: 'P' is the
	// personality encoding byte plus the pointer itself, 'L' the FDE
	// LSDA-pointer encoding, 'R' the FDE address encoding.
	var augData []byte
	personalityRelOff := -1
	if key.hasPersonality {
		augData = append(augData, byte(dwEhPePcrel|dwEhPeSdata4|dwEhPeIndirect))
		personalityRelOff = len(augData)
		augData = append(augData, 0, 0, 0, 0) // patched via relocation below.
		augData = append(augData, byte(dwEhPePcrel|dwEhPeSdata4)) // LSDA pointers.
	}
	augData = append(augData, byte(dwEhPePcrel|dwEhPeSdata4)) // FDE addresses.
	body = appendULEB128(body, uint64(len(augData)))
	augDataStart := len(body)
	body = append(body, augData...)

	// Initial instructions: the CFA rule in effect at the first byte of
	// every function, before any prologue instruction has executed.
	body = append(body, dwCfaDefCfa)
	body = appendULEB128(body, uint64(w.info.EntryCFAReg))
	body = appendULEB128(body, w.info.EntryCFAOffset)

	for (4+4+len(body))%4 != 0 {
		body = append(body, dwCfaNop)
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(4+len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], 0) // CIE_id is 0 for a CIE.
	sec.Append(hdr[:])
	bodyOff := sec.Append(body)

	if personalityRelOff >= 0 {
		asm.AddRelocation(SecEHFrame, bodyOff+int64(augDataStart+personalityRelOff),
			key.personality, w.pc32Kind(), 0)
	}
	return cieStart
}

// EmitFDE appends one function's FDE to .eh_frame, covering [funcSym,
// funcSym+funcLen) of SecText. program is the function's finished CFI
// instruction stream (see CFIProgram); lsda references the function's
// .gcc_except_table entry when hasLSDA.
func (w *DWARFWriter) EmitFDE(asm *Assembler, funcSym SymbolRef, funcLen uint32, hasPersonality bool, personality SymbolRef, lsda SymbolRef, hasLSDA bool, program []byte) {
	sec := asm.Section(SecEHFrame)
	cieOff := w.cieFor(asm, cieKey{hasPersonality: hasPersonality, personality: personality})

	fdeStart := sec.Offset()
	var body []byte
	// pc_begin: a 4-byte pc-relative field patched via relocation against
	// the function's own symbol, since final addresses are a link-time
	// concern. pc_range is known now.
	pcBeginOff := len(body)
	body = append(body, 0, 0, 0, 0)
	var rangeBuf [4]byte
	binary.LittleEndian.PutUint32(rangeBuf[:], funcLen)
	body = append(body, rangeBuf[:]...)

	var augData []byte
	if hasLSDA {
		augData = append(augData, 0, 0, 0, 0) // LSDA pointer, patched via relocation.
	}
	body = appendULEB128(body, uint64(len(augData)))
	lsdaOff := len(body)
	body = append(body, augData...)

	body = append(body, program...)
	for (4+4+len(body))%4 != 0 {
		body = append(body, dwCfaNop)
	}

	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(4+len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(fdeStart+8-cieOff)) // distance back to the CIE.
	sec.Append(hdr[:])
	bodyOff := sec.Append(body)

	asm.AddRelocation(SecEHFrame, bodyOff+int64(pcBeginOff), funcSym, w.pc32Kind(), 0)
	if hasLSDA {
		asm.AddRelocation(SecEHFrame, bodyOff+int64(lsdaOff), lsda, w.pc32Kind(), 0)
	}
}

func (w *DWARFWriter) pc32Kind() RelocKind {
	if w.machine == MachineAArch64 {
		return RelAArch64_PREL32
	}
	return RelX86_64_PC32
}

func appendULEB128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendSLEB128(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
