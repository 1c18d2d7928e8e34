// Package tpde is a single-pass, non-optimizing backend code generator: it
// lowers a typed SSA intermediate representation (anything implementing
// ir.Adaptor) directly to native x86-64 or AArch64 machine code, packaged
// as a relocatable ELF64 object (CompileModule) or mapped into the running
// process (CompileAndMap). Each function is traversed exactly once; values
// are assigned registers and stack slots on the fly as instructions are
// emitted, trading code quality for compile-time throughput.
//
// The heavy lifting lives under internal/engine/tpde; this package is the
// thin public facade wiring a Target's emitter, the analyzer, the register
// file and the compiler driver together per module.
package tpde

import (
	"fmt"
	"log"

	"github.com/tpde-go/tpde/internal/engine/tpde/analyzer"
	"github.com/tpde-go/tpde/internal/engine/tpde/assembler"
	"github.com/tpde-go/tpde/internal/engine/tpde/compiler"
	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
	"github.com/tpde-go/tpde/internal/engine/tpde/isa/amd64"
	"github.com/tpde-go/tpde/internal/engine/tpde/isa/arm64"
	"github.com/tpde-go/tpde/internal/engine/tpde/regalloc"
)

// Compiler compiles ir.Adaptor modules for one fixed target. A Compiler is
// not safe for concurrent use: one compilation context belongs to one
// goroutine for the duration of a CompileModule/CompileAndMap call, and
// compiling multiple modules in parallel requires disjoint Compilers.
type Compiler struct {
	cfg config
}

// NewCompiler returns a Compiler for the given options.
func NewCompiler(opts ...Option) *Compiler {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Compiler{cfg: cfg}
}

// targetEmitter is the per-ISA bundle compileToAssembler selects: the same
// concrete emitter serves as the driver's TargetHooks and InstLowerer.
type targetEmitter interface {
	compiler.TargetHooks
	compiler.InstLowerer
}

// CompileModule compiles every function of module and returns the bytes of
// a relocatable ELF64 object file. Functions that fail to compile are
// skipped and logged; their symbols remain as undefined references, and the
// object still carries every function that succeeded, per the per-function
// error policy.
func (c *Compiler) CompileModule(module ir.Adaptor) ([]byte, error) {
	asm, err := c.compileToAssembler(module)
	if err != nil {
		return nil, err
	}
	return assembler.NewELFWriter(asm, c.machine()).Write()
}

func (c *Compiler) machine() assembler.Machine {
	if c.cfg.target == TargetARM64 {
		return assembler.MachineAArch64
	}
	return assembler.MachineX86_64
}

func (c *Compiler) compileToAssembler(module ir.Adaptor) (*assembler.Assembler, error) {
	asm := assembler.New()
	an := analyzer.New()

	var (
		emitter targetEmitter
		banks   []regalloc.BankConfig
	)
	switch c.cfg.target {
	case TargetAMD64:
		emitter = amd64.NewEmitter(asm, an)
		banks = amd64.RegisterFileConfig()
	case TargetARM64:
		emitter = arm64.NewEmitter(asm, an)
		banks = arm64.RegisterFileConfig()
	default:
		return nil, fmt.Errorf("tpde: unknown target %d", c.cfg.target)
	}

	regs := regalloc.NewRegisterFile(banks)
	drv := compiler.NewDriver(an, regs, regalloc.NewAssignments(), regalloc.NewStackFrame(0), emitter, emitter)
	drv.Verify = c.cfg.verifyFixed
	logger := log.New(c.cfg.logW, "tpde: ", 0)

	for fn := module.FunctionsIteratorBegin(); fn != nil; fn = module.FunctionsIteratorNext() {
		if !module.SwitchFunc(fn) {
			logger.Printf("skipping function %q: adapter pre-pass rejected it", fn.Name())
			continue
		}
		mark := asm.MarkFunctionStart()
		if err := drv.CompileFunction(fn); err != nil {
			asm.RollbackFunction(mark, fn.Name())
			logger.Printf("skipping function %q: %v", fn.Name(), err)
		}
	}
	return asm, nil
}
