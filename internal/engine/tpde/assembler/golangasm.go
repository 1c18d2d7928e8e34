// Alternate encoder backend over github.com/twitchyliquid64/golang-asm,
// cross-checked against the native amd64 encoder in tests: build a
// goasm.Builder, append one obj.Prog per instruction instead of raw bytes,
// and call Builder.Assemble() at the end to get the same []byte a native
// encoder would have produced directly.
package assembler

import (
	"fmt"

	goasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// GolangAsmEmitter is the narrow code-generation surface a cross-check encoder must
// provide: enough to reproduce isa/amd64's own instruction stream for a
// direct byte-for-byte comparison against the native encoder's output on
// the handful of instruction shapes exercised by this repository's own
// test IR (see isa/amd64/lower.go). It is not a general-purpose assembler
// wrapper; golang-asm's full instruction set is available through b
// directly for any isa/amd64 code that wants to reach further.
type GolangAsmEmitter struct {
	b   *goasm.Builder
	off int64
}

// NewGolangAsmEmitter returns an emitter targeting amd64, the only
// architecture golang-asm's obj/x86 package this repository imports
// supports; arm64 has no equivalent cross-check encoder wired.
func NewGolangAsmEmitter() (*GolangAsmEmitter, error) {
	b, err := goasm.NewBuilder("amd64", 1024)
	if err != nil {
		return nil, fmt.Errorf("assembler: building golang-asm cross-check encoder: %w", err)
	}
	return &GolangAsmEmitter{b: b}, nil
}

func (e *GolangAsmEmitter) append(p *obj.Prog) {
	e.b.AddInstruction(p)
}

// MovRegReg emits `mov dst, src` for 64-bit general-purpose registers,
// named by golang-asm's own x86 register constants.
func (e *GolangAsmEmitter) MovRegReg(dst, src int16) {
	p := e.b.NewProg()
	p.As = x86.AMOVQ
	p.From.Type, p.From.Reg = obj.TYPE_REG, src
	p.To.Type, p.To.Reg = obj.TYPE_REG, dst
	e.append(p)
}

// AddRegReg emits `add dst, src`.
func (e *GolangAsmEmitter) AddRegReg(dst, src int16) {
	p := e.b.NewProg()
	p.As = x86.AADDQ
	p.From.Type, p.From.Reg = obj.TYPE_REG, src
	p.To.Type, p.To.Reg = obj.TYPE_REG, dst
	e.append(p)
}

// Ret emits a bare `ret`.
func (e *GolangAsmEmitter) Ret() {
	p := e.b.NewProg()
	p.As = obj.ARET
	e.append(p)
}

// Assemble finalizes the instruction stream to raw bytes, the same shape
// isa/amd64's native encoder produces, for byte-for-byte comparison in
// amd64 debug/test builds.
func (e *GolangAsmEmitter) Assemble() ([]byte, error) {
	return e.b.Assemble(), nil
}
