package text

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tpde-go/tpde/internal/engine/tpde/ir"
)

// Parse reads the tiny line-oriented textual IR cmd/tpdec accepts and
// returns the Module it describes.
//
// Grammar (one statement per line, blank lines and "#" comments ignored):
//
//	func NAME ARGC [vararg]
//	block LABEL
//	succs LABEL [LABEL...]
//	vN = OP vA vB            ; OP one of: add sub mul and or xor
//	                         ;           shl shr eq ne lt
//	vN = const VALUE
//	vN = alloca SIZE [ALIGN]
//	vN = call NAME [vA...]
//	vN = phi LABEL:vM [LABEL:vM...]
//	store vA, vB
//	vN = load vA
//	br [LABEL]               ; target taken from succs, label optional
//	brif vA, LABEL, LABEL
//	ret [vA]
//	endfunc
//
// Every value is a single 8-byte general-purpose-bank part; this format
// exists to exercise the compiler end to end (cmd/tpdec, golden tests), not
// to express every construct the core IR contract supports.
func Parse(r io.Reader) (*Module, error) {
	m := NewModule()
	sc := bufio.NewScanner(r)

	var (
		fn      *Function
		blk     *Block
		locals  map[string]*Value
		blocks  map[string]*Block
		pending []func() error // resolved once all blocks in fn are known
		line    int
	)

	finishFunc := func() error {
		if fn == nil {
			return nil
		}
		for _, p := range pending {
			if err := p(); err != nil {
				return err
			}
		}
		pending = nil
		fn = nil
		blk = nil
		locals = nil
		blocks = nil
		return nil
	}

	for sc.Scan() {
		line++
		raw := sc.Text()
		if i := strings.IndexByte(raw, '#'); i >= 0 {
			raw = raw[:i]
		}
		fields := strings.Fields(raw)
		if len(fields) == 0 {
			continue
		}

		switch {
		case fields[0] == "func":
			if err := finishFunc(); err != nil {
				return nil, err
			}
			if len(fields) < 3 {
				return nil, fmt.Errorf("line %d: expected 'func NAME ARGC'", line)
			}
			argc, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: bad argc %q: %w", line, fields[2], err)
			}
			fn = m.AddFunction(fields[1])
			locals = map[string]*Value{}
			blocks = map[string]*Block{}
			for i := 0; i < argc; i++ {
				v := fn.AddArg(ir.Part{SizeBytes: 8})
				locals[fmt.Sprintf("v%d", i)] = v
			}
			if len(fields) > 3 && fields[3] == "vararg" {
				fn.SetVararg(true)
			}

		case fields[0] == "endfunc":
			if err := finishFunc(); err != nil {
				return nil, err
			}

		case fields[0] == "block":
			if fn == nil || len(fields) < 2 {
				return nil, fmt.Errorf("line %d: 'block' outside func or missing label", line)
			}
			blk = fn.AddBlock(fields[1])
			blocks[fields[1]] = blk

		case fields[0] == "succs":
			if blk == nil {
				return nil, fmt.Errorf("line %d: 'succs' outside block", line)
			}
			labels := append([]string{}, fields[1:]...)
			b := blk
			pending = append(pending, func() error {
				succs := make([]*Block, len(labels))
				for i, l := range labels {
					s, ok := blocks[l]
					if !ok {
						return fmt.Errorf("succs: unknown block %q", l)
					}
					succs[i] = s
				}
				b.SetSuccs(succs...)
				return nil
			})

		case fields[0] == "br":
			if blk == nil {
				return nil, fmt.Errorf("line %d: malformed 'br'", line)
			}
			blk.AddInst(NewInst(fn, "br", true, nil))

		case fields[0] == "brif":
			if blk == nil || len(fields) < 4 {
				return nil, fmt.Errorf("line %d: malformed 'brif'", line)
			}
			cond := strings.TrimSuffix(fields[1], ",")
			v, ok := locals[cond]
			if !ok {
				return nil, fmt.Errorf("line %d: unknown value %q", line, cond)
			}
			blk.AddInst(NewInst(fn, "brif", true, nil, v))

		case fields[0] == "ret":
			if blk == nil {
				return nil, fmt.Errorf("line %d: 'ret' outside block", line)
			}
			var ops []*Value
			if len(fields) > 1 {
				v, ok := locals[fields[1]]
				if !ok {
					return nil, fmt.Errorf("line %d: unknown value %q", line, fields[1])
				}
				ops = []*Value{v}
			}
			blk.AddInst(NewInst(fn, "ret", true, nil, ops...))

		case fields[0] == "store":
			if blk == nil || len(fields) < 3 {
				return nil, fmt.Errorf("line %d: malformed 'store'", line)
			}
			a, ok1 := locals[strings.TrimSuffix(fields[1], ",")]
			b, ok2 := locals[fields[2]]
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("line %d: unknown operand in 'store'", line)
			}
			blk.AddInst(NewInst(fn, "store", false, nil, a, b))

		case len(fields) >= 3 && fields[1] == "=":
			if blk == nil {
				return nil, fmt.Errorf("line %d: instruction outside block", line)
			}
			dst := fields[0]
			op := fields[2]
			switch op {
			case "const":
				if len(fields) < 4 {
					return nil, fmt.Errorf("line %d: malformed 'const'", line)
				}
				i := NewInst(fn, "const."+fields[3], false, []ir.Part{{SizeBytes: 8}})
				blk.AddInst(i)
				locals[dst] = i.Result(0)
			case "alloca":
				if len(fields) < 4 {
					return nil, fmt.Errorf("line %d: malformed 'alloca'", line)
				}
				size, err := strconv.ParseUint(fields[3], 10, 32)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad alloca size %q: %w", line, fields[3], err)
				}
				align := uint64(8)
				if len(fields) > 4 {
					align, err = strconv.ParseUint(fields[4], 10, 32)
					if err != nil {
						return nil, fmt.Errorf("line %d: bad alloca align %q: %w", line, fields[4], err)
					}
				}
				locals[dst] = NewAlloca(fn.allocLocal(), uint32(size), uint32(align))
			case "call":
				if len(fields) < 4 {
					return nil, fmt.Errorf("line %d: malformed 'call'", line)
				}
				var ops []*Value
				for _, name := range fields[4:] {
					v, ok := locals[name]
					if !ok {
						return nil, fmt.Errorf("line %d: unknown value %q", line, name)
					}
					ops = append(ops, v)
				}
				i := NewInst(fn, "call."+fields[3], false, []ir.Part{{SizeBytes: 8}}, ops...)
				blk.AddInst(i)
				locals[dst] = i.Result(0)
			case "load":
				if len(fields) < 4 {
					return nil, fmt.Errorf("line %d: malformed 'load'", line)
				}
				a, ok := locals[fields[3]]
				if !ok {
					return nil, fmt.Errorf("line %d: unknown value %q", line, fields[3])
				}
				i := NewInst(fn, "load", false, []ir.Part{{SizeBytes: 8}}, a)
				blk.AddInst(i)
				locals[dst] = i.Result(0)
			case "phi":
				incoming := map[*Block]*Value{}
				entries := fields[3:]
				b := blk
				pairs := entries
				pend := func() error {
					for _, e := range pairs {
						parts := strings.SplitN(e, ":", 2)
						if len(parts) != 2 {
							return fmt.Errorf("malformed phi entry %q", e)
						}
						pred, ok := blocks[parts[0]]
						if !ok {
							return fmt.Errorf("phi: unknown block %q", parts[0])
						}
						v, ok := locals[parts[1]]
						if !ok {
							return fmt.Errorf("phi: unknown value %q", parts[1])
						}
						incoming[pred] = v
					}
					return nil
				}
				pending = append(pending, pend)
				v := b.AddPhi([]ir.Part{{SizeBytes: 8}}, incoming)
				locals[dst] = v
			default:
				if len(fields) < 5 {
					return nil, fmt.Errorf("line %d: malformed binary op %q", line, op)
				}
				a, ok1 := locals[fields[3]]
				b, ok2 := locals[fields[4]]
				if !ok1 || !ok2 {
					return nil, fmt.Errorf("line %d: unknown operand in %q", line, op)
				}
				i := NewInst(fn, op, false, []ir.Part{{SizeBytes: 8}}, a, b)
				blk.AddInst(i)
				locals[dst] = i.Result(0)
			}

		default:
			return nil, fmt.Errorf("line %d: unrecognized statement %q", line, raw)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := finishFunc(); err != nil {
		return nil, err
	}
	return m, nil
}
