package assembler

// CallSite is one entry of the .gcc_except_table call-site table: the PC
// range of a call instruction (or any instruction that can throw/unwind),
// the landing pad it transfers to on unwind (0 if none), and the
// action-chain index to run there (0 means "no action"; action index 0 is
// a pre-wired cleanup action when actions are present at all).
type CallSite struct {
	StartOffset uint64 // relative to function start.
	Length      uint64
	LandingPad  uint64 // relative to function start; 0 if this call cannot unwind into this function.
	ActionIndex uint64 // 1-based per the LSDA format's "0 means no action"; this writer stores it 0-based and adds 1 on emit.
	HasAction   bool
}

// ActionRecord is one entry of the action chain: a type-info filter index
// (0 for a cleanup) and the offset (in bytes, signed-LEB128-encoded as the
// format requires) to the next action in the chain, or 0 for the chain's
// end.
type ActionRecord struct {
	TypeFilter int64
	NextOffset int64
}

// dwEhPeOmit marks an omitted pointer encoding in LSDA headers.
const dwEhPeOmit = 0xff

// LSDAWriter builds one function's .gcc_except_table entry: the call-site
// table, action table, and (when any action references a type) the type
// table. lpStartEncoding is omitted, ttypeEncoding is omitted (no
// actions) or sdata4|pcrel|indirect (with actions), and the call-site
// table uses ULEB128 offsets from function start.
type LSDAWriter struct {
	pc32 RelocKind
}

// NewLSDAWriter returns a writer for the given target machine (which
// selects the pc-relative relocation kind the type-info table uses).
func NewLSDAWriter(machine Machine) *LSDAWriter {
	pc32 := RelX86_64_PC32
	if machine == MachineAArch64 {
		pc32 = RelAArch64_PREL32
	}
	return &LSDAWriter{pc32: pc32}
}

// EmitLSDA appends one function's LSDA to .gcc_except_table and returns the
// offset it starts at, for the DWARF FDE's augmentation data to reference
// via relocation.
func (w *LSDAWriter) EmitLSDA(asm *Assembler, sites []CallSite, actions []ActionRecord, typeInfos []SymbolRef) int64 {
	sec := asm.Section(SecGCCExceptTable)
	start := sec.Offset()

	hasActions := len(actions) > 0
	sec.Append([]byte{dwEhPeOmit}) // lpStartEncoding: omit (landing pads are function-relative).
	if hasActions {
		sec.Append([]byte{dwEhPePcrel | dwEhPeSdata4 | dwEhPeIndirect}) // ttypeEncoding.
	} else {
		sec.Append([]byte{dwEhPeOmit})
	}

	// When actions reference type infos, ttypeEncoding's operand is a
	// ULEB128 byte offset (from right after this field) to the type table,
	// which this writer places immediately after the action table;
	// computed once the call-site/action tables' lengths are known.
	var ttypeOff []byte
	if hasActions {
		ttypeOff = padULEB(appendULEB128(nil, 0), 2) // placeholder patched below.
		sec.Append(ttypeOff)
	}
	ttypeOffPos := sec.Offset() - int64(len(ttypeOff))

	// Two padded ULEB bytes bound the call-site table at 16383 bytes, far
	// beyond what a single function's call sites produce.
	csTableLenPos := sec.Offset()
	sec.Append(padULEB(appendULEB128(nil, 0), 2))
	csTableStart := sec.Offset()

	for _, cs := range sites {
		var buf []byte
		buf = appendULEB128(buf, cs.StartOffset)
		buf = appendULEB128(buf, cs.Length)
		buf = appendULEB128(buf, cs.LandingPad)
		action := uint64(0)
		if cs.HasAction {
			action = cs.ActionIndex + 1
		}
		buf = appendULEB128(buf, action)
		sec.Append(buf)
	}
	csTableEnd := sec.Offset()

	// Back-patch the call-site table's byte length now that it's known.
	lenBuf := appendULEB128(nil, uint64(csTableEnd-csTableStart))
	sec.PatchAt(csTableLenPos, padULEB(lenBuf, int(csTableStart-csTableLenPos)))

	for _, a := range actions {
		var buf []byte
		buf = appendSLEB128(buf, a.TypeFilter)
		buf = appendSLEB128(buf, a.NextOffset)
		sec.Append(buf)
	}

	if hasActions {
		// Type-info pointers are laid out in reverse so a positive filter
		// index N reads entry -N from the table's end, per the LSDA format.
		for i := len(typeInfos) - 1; i >= 0; i-- {
			var buf [4]byte
			off := sec.Append(buf[:])
			asm.AddRelocation(SecGCCExceptTable, off, typeInfos[i], w.pc32, 0)
		}
		typeTableEnd := sec.Offset()
		rel := appendULEB128(nil, uint64(typeTableEnd-(ttypeOffPos+int64(len(ttypeOff)))))
		sec.PatchAt(ttypeOffPos, padULEB(rel, len(ttypeOff)))
	}

	return start
}

// padULEB pads a ULEB128 encoding out to n bytes by setting the
// continuation bit on every byte but the last, so a fixed-width placeholder
// can be overwritten in place without shifting everything after it.
func padULEB(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	for i := 0; i < len(b)-1; i++ {
		out[i] |= 0x80
	}
	for i := len(b) - 1; i < n-1; i++ {
		out[i] |= 0x80
	}
	return out
}
