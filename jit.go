package tpde

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/tpde-go/tpde/internal/engine/tpde/assembler"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/tpdeapi"
	"github.com/tpde-go/tpde/internal/platform"
)

// SymbolResolver supplies addresses for symbols a JIT-compiled module
// references but does not define (external functions, host callbacks).
type SymbolResolver func(name string) (uintptr, bool)

// MappedModule is a module's code mapped into this process: executable
// memory with all relocations applied, plus the exported symbol addresses.
type MappedModule struct {
	code    []byte
	symbols map[string]uintptr
}

// Symbol returns the mapped address of a function this module defines.
func (m *MappedModule) Symbol(name string) (uintptr, bool) {
	addr, ok := m.symbols[name]
	return addr, ok
}

// Close unmaps the module's code; every Symbol address is dead afterward.
func (m *MappedModule) Close() error {
	if m.code == nil {
		return nil
	}
	err := platform.MunmapCodeSegment(m.code)
	m.code = nil
	return err
}

// CompileAndMap compiles module and maps the resulting code into the
// running process: sections are copied into an anonymous mapping,
// relocations are applied (undefined symbols resolved through resolver),
// the mapping is flipped to read-execute, and the defined symbols'
// addresses are returned. The compiler's target must match the host
// architecture.
func (c *Compiler) CompileAndMap(module ir.Adaptor, resolver SymbolResolver) (*MappedModule, error) {
	if !platform.JITSupported() {
		return nil, fmt.Errorf("tpde: JIT mapping not supported on this platform")
	}
	if c.cfg.target.String() != runtime.GOARCH {
		return nil, fmt.Errorf("tpde: JIT target %s does not match host %s", c.cfg.target, runtime.GOARCH)
	}

	asm, err := c.compileToAssembler(module)
	if err != nil {
		return nil, err
	}
	text := asm.Section(assembler.SecText).Bytes()
	if len(text) == 0 {
		return nil, fmt.Errorf("tpde: module compiled to no code")
	}

	seg, err := platform.MmapCodeSegment(len(text))
	if err != nil {
		return nil, err
	}
	copy(seg, text)
	base := uintptr(unsafe.Pointer(&seg[0]))

	if err := c.applyRelocations(asm, seg, base, resolver); err != nil {
		_ = platform.MunmapCodeSegment(seg)
		return nil, err
	}
	if err := platform.MakeExecutable(seg); err != nil {
		_ = platform.MunmapCodeSegment(seg)
		return nil, err
	}

	symbols := map[string]uintptr{}
	locals, globals := asm.Symbols()
	for _, list := range [][]assembler.Symbol{locals, globals} {
		for _, sym := range list {
			if sym.Defined && sym.Section == assembler.SecText {
				symbols[sym.Name] = base + uintptr(sym.Value)
			}
		}
	}

	if c.cfg.perfMap {
		if err := writePerfMap(symbols, base); err != nil {
			return nil, err
		}
	}
	return &MappedModule{code: seg, symbols: symbols}, nil
}

// applyRelocations resolves every text-section relocation in place. The
// unwind-info sections' relocations are skipped: the in-process mapping
// carries no registered .eh_frame. GOT/TLS relocation kinds have no JIT
// story here and fail loudly rather than producing silently-wrong code.
func (c *Compiler) applyRelocations(asm *assembler.Assembler, seg []byte, base uintptr, resolver SymbolResolver) error {
	for _, rel := range asm.Relocations() {
		if rel.Section != assembler.SecText {
			continue
		}
		sym := asm.Symbol(rel.Symbol)
		var target uintptr
		switch {
		case sym.Defined && sym.Section == assembler.SecText:
			target = base + uintptr(sym.Value)
		case !sym.Defined && resolver != nil:
			addr, ok := resolver(sym.Name)
			if !ok {
				return fmt.Errorf("tpde: unresolved symbol %q", sym.Name)
			}
			target = addr
		default:
			return fmt.Errorf("tpde: cannot resolve symbol %q for JIT relocation", sym.Name)
		}

		place := int64(base) + rel.Offset
		switch rel.Kind {
		case assembler.RelX86_64_PC32, assembler.RelX86_64_PLT32:
			binary.LittleEndian.PutUint32(seg[rel.Offset:],
				uint32(int64(target)+rel.Addend-place))
		case assembler.RelAArch64_CALL26:
			delta := (int64(target) + rel.Addend - place) >> 2
			w := binary.LittleEndian.Uint32(seg[rel.Offset:])
			w = w&^uint32(0x03ffffff) | uint32(delta)&0x03ffffff
			binary.LittleEndian.PutUint32(seg[rel.Offset:], w)
		case assembler.RelAArch64_ABS64:
			binary.LittleEndian.PutUint64(seg[rel.Offset:],
				uint64(int64(target)+rel.Addend))
		default:
			return fmt.Errorf("tpde: relocation kind %d unsupported in JIT mode", rel.Kind)
		}
	}
	return nil
}

func writePerfMap(symbols map[string]uintptr, base uintptr) error {
	pm, err := tpdeapi.OpenPerfmap()
	if err != nil {
		return err
	}
	defer pm.Close()
	for name, addr := range symbols {
		pm.AddEntry(int64(addr-base), 0, name)
	}
	return pm.Flush(base)
}
