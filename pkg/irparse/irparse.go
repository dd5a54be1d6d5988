// Package irparse reads the textual form of the stack-machine IR: one
// instruction per line, semicolon comments, functions bracketed by func/end.
//
//	module demo
//	type (i32) -> (i32)
//	import env log (i32) -> ()
//
//	func add (i32, i32) -> (i32)
//	  locals i64
//	  local.get 0
//	  local.get 1
//	  i32.add
//	end
package irparse

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/wasmkit/windlass/pkg/ir"
)

// ErrSyntax wraps every parse failure; the message carries the line number.
var ErrSyntax = errors.New("syntax error")

type parser struct {
	mod  *ir.Module
	fn   *ir.Function
	line int
	// block/loop nesting inside the current function; the end that would
	// close past zero closes the function instead.
	depth int
}

// Parse reads a complete module.
func Parse(r io.Reader) (*ir.Module, error) {
	p := &parser{mod: &ir.Module{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.line++
		text := sc.Text()
		if i := strings.IndexByte(text, ';'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if err := p.statement(text); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if p.fn != nil {
		return nil, p.errorf("function %q has no end", p.fn.Name)
	}
	return p.mod, nil
}

// ParseString parses a module held in memory.
func ParseString(s string) (*ir.Module, error) {
	return Parse(strings.NewReader(s))
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: line %d: %s", ErrSyntax, p.line, fmt.Sprintf(format, args...))
}

func (p *parser) pos() ir.Pos {
	name := ""
	if p.fn != nil {
		name = p.fn.Name
	}
	return ir.Pos{Func: name, Offset: uint32(p.line)}
}

func (p *parser) statement(text string) error {
	fields := strings.Fields(text)
	head, rest := fields[0], fields[1:]

	switch head {
	case "module":
		if len(rest) != 1 {
			return p.errorf("module wants a name")
		}
		p.mod.Name = rest[0]
		return nil
	case "type":
		sig, err := p.signature(strings.Join(rest, " "))
		if err != nil {
			return err
		}
		p.mod.Sigs = append(p.mod.Sigs, sig)
		return nil
	case "import":
		if p.fn != nil {
			return p.errorf("import inside a function")
		}
		if len(rest) < 3 {
			return p.errorf("import wants: import <module> <name> <signature>")
		}
		sig, err := p.signature(strings.Join(rest[2:], " "))
		if err != nil {
			return err
		}
		p.mod.Imports = append(p.mod.Imports, ir.Import{Module: rest[0], Name: rest[1], Sig: sig})
		return nil
	case "func":
		if p.fn != nil {
			return p.errorf("func inside function %q", p.fn.Name)
		}
		if len(rest) < 1 {
			return p.errorf("func wants a name")
		}
		sig, err := p.signature(strings.Join(rest[1:], " "))
		if err != nil {
			return err
		}
		p.fn = &ir.Function{Name: rest[0], Sig: sig}
		p.depth = 0
		return nil
	case "locals":
		if p.fn == nil {
			return p.errorf("locals outside a function")
		}
		if len(p.fn.Body) > 0 {
			return p.errorf("locals must precede the body")
		}
		types, err := p.typeList(strings.Join(rest, " "))
		if err != nil {
			return err
		}
		p.fn.Locals = append(p.fn.Locals, types...)
		return nil
	}

	if p.fn == nil {
		return p.errorf("instruction %q outside a function", head)
	}
	return p.instruction(head, rest)
}

func (p *parser) instruction(head string, rest []string) error {
	emit := func(inst ir.Instruction) error {
		inst.Pos = p.pos()
		p.fn.Body = append(p.fn.Body, inst)
		return nil
	}

	switch head {
	case "nop":
		return emit(ir.Instruction{Op: ir.OpNop})
	case "unreachable":
		return emit(ir.Instruction{Op: ir.OpUnreachable})
	case "drop":
		return emit(ir.Instruction{Op: ir.OpDrop})
	case "return":
		return emit(ir.Instruction{Op: ir.OpReturn})
	case "select":
		t, err := p.valueType(argOr(rest, 0, "i32"))
		if err != nil {
			return err
		}
		return emit(ir.Instruction{Op: ir.OpSelect, Type: t})

	case "block", "loop":
		op := ir.OpBlock
		if head == "loop" {
			op = ir.OpLoop
		}
		results, err := p.typeList(strings.Join(rest, " "))
		if err != nil {
			return err
		}
		p.fn.Blocks = append(p.fn.Blocks, ir.BlockType{Results: results})
		p.depth++
		return emit(ir.Instruction{Op: op, Index: uint32(len(p.fn.Blocks) - 1)})
	case "end":
		if err := emit(ir.Instruction{Op: ir.OpEnd}); err != nil {
			return err
		}
		if p.depth > 0 {
			p.depth--
			return nil
		}
		p.mod.Functions = append(p.mod.Functions, p.fn)
		p.fn = nil
		return nil

	case "br", "br_if":
		op := ir.OpBr
		if head == "br_if" {
			op = ir.OpBrIf
		}
		d, err := p.index(rest, 0, head+" wants a depth")
		if err != nil {
			return err
		}
		return emit(ir.Instruction{Op: op, Depth: d})
	case "br_table":
		var targets []uint32
		i := 0
		for ; i < len(rest) && rest[i] != "default"; i++ {
			d, err := p.uint32At(rest[i])
			if err != nil {
				return err
			}
			targets = append(targets, d)
		}
		if i >= len(rest)-1 || rest[i] != "default" {
			return p.errorf("br_table wants: br_table <depths...> default <depth>")
		}
		d, err := p.uint32At(rest[i+1])
		if err != nil {
			return err
		}
		return emit(ir.Instruction{Op: ir.OpBrTable, Targets: targets, Depth: d})

	case "call":
		idx, err := p.index(rest, 0, "call wants a function index")
		if err != nil {
			return err
		}
		return emit(ir.Instruction{Op: ir.OpCall, Index: idx})
	case "call_indirect":
		idx, err := p.index(rest, 0, "call_indirect wants a type index")
		if err != nil {
			return err
		}
		return emit(ir.Instruction{Op: ir.OpCallIndirect, Index: idx})

	case "local.get", "local.set", "local.tee":
		idx, err := p.index(rest, 0, head+" wants a local index")
		if err != nil {
			return err
		}
		op := map[string]ir.Op{"local.get": ir.OpLocalGet, "local.set": ir.OpLocalSet, "local.tee": ir.OpLocalTee}[head]
		return emit(ir.Instruction{Op: op, Index: idx})
	case "global.get", "global.set":
		if len(rest) != 2 {
			return p.errorf("%s wants: %s <type> <index>", head, head)
		}
		t, err := p.valueType(rest[0])
		if err != nil {
			return err
		}
		idx, err := p.uint32At(rest[1])
		if err != nil {
			return err
		}
		op := ir.OpGlobalGet
		if head == "global.set" {
			op = ir.OpGlobalSet
		}
		return emit(ir.Instruction{Op: op, Type: t, Index: idx})

	case "memory.size":
		return emit(ir.Instruction{Op: ir.OpMemorySize})
	case "memory.grow":
		return emit(ir.Instruction{Op: ir.OpMemoryGrow})
	}

	// Everything else is type-prefixed: i32.add, f64.const, i64.load ...
	tname, opname, found := strings.Cut(head, ".")
	if !found {
		return p.errorf("unknown instruction %q", head)
	}
	t, err := p.valueType(tname)
	if err != nil {
		return p.errorf("unknown instruction %q", head)
	}

	if opname == "const" {
		if len(rest) != 1 {
			return p.errorf("%s wants one literal", head)
		}
		bits, hi, err := p.constBits(t, rest[0])
		if err != nil {
			return err
		}
		return emit(ir.Instruction{Op: ir.OpConst, Type: t, Bits: bits, BitsHi: hi})
	}
	if opname == "load" || opname == "store" {
		mem, err := p.memArg(rest)
		if err != nil {
			return err
		}
		op := ir.OpLoad
		if opname == "store" {
			op = ir.OpStore
		}
		return emit(ir.Instruction{Op: op, Type: t, Mem: mem})
	}
	if op, ok := typedOps[opname]; ok {
		return emit(ir.Instruction{Op: op, Type: t})
	}
	return p.errorf("unknown instruction %q", head)
}

var typedOps = map[string]ir.Op{
	"add": ir.OpAdd, "sub": ir.OpSub, "mul": ir.OpMul,
	"div_s": ir.OpDivS, "div_u": ir.OpDivU, "rem_s": ir.OpRemS, "rem_u": ir.OpRemU,
	"and": ir.OpAnd, "or": ir.OpOr, "xor": ir.OpXor,
	"shl": ir.OpShl, "shr_s": ir.OpShrS, "shr_u": ir.OpShrU,
	"eq": ir.OpEq, "ne": ir.OpNe,
	"lt_s": ir.OpLtS, "lt_u": ir.OpLtU, "le_s": ir.OpLeS, "le_u": ir.OpLeU,
	"gt_s": ir.OpGtS, "gt_u": ir.OpGtU, "ge_s": ir.OpGeS, "ge_u": ir.OpGeU,
}

func argOr(rest []string, i int, def string) string {
	if i < len(rest) {
		return rest[i]
	}
	return def
}

func (p *parser) index(rest []string, i int, msg string) (uint32, error) {
	if i >= len(rest) {
		return 0, p.errorf("%s", msg)
	}
	return p.uint32At(rest[i])
}

func (p *parser) uint32At(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, p.errorf("bad index %q", s)
	}
	return uint32(v), nil
}

func (p *parser) valueType(s string) (ir.ValueType, error) {
	switch s {
	case "i32":
		return ir.I32, nil
	case "i64":
		return ir.I64, nil
	case "f32":
		return ir.F32, nil
	case "f64":
		return ir.F64, nil
	case "v128":
		return ir.V128, nil
	}
	return 0, p.errorf("unknown value type %q", s)
}

// typeList parses "(i32, i64)" or an empty string.
func (p *parser) typeList(s string) ([]ir.ValueType, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "()" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, p.errorf("expected a parenthesized type list, got %q", s)
	}
	var out []ir.ValueType
	for _, part := range strings.Split(s[1:len(s)-1], ",") {
		t, err := p.valueType(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// signature parses "(types) -> (types)".
func (p *parser) signature(s string) (ir.Signature, error) {
	params, results, found := strings.Cut(s, "->")
	if !found {
		return ir.Signature{}, p.errorf("signature %q wants (params) -> (results)", s)
	}
	ps, err := p.typeList(params)
	if err != nil {
		return ir.Signature{}, err
	}
	rs, err := p.typeList(results)
	if err != nil {
		return ir.Signature{}, err
	}
	return ir.Signature{Params: ps, Results: rs}, nil
}

func (p *parser) memArg(rest []string) (ir.MemArg, error) {
	var mem ir.MemArg
	for _, f := range rest {
		key, val, found := strings.Cut(f, "=")
		if !found {
			return mem, p.errorf("bad memory argument %q", f)
		}
		n, err := strconv.ParseUint(val, 0, 32)
		if err != nil {
			return mem, p.errorf("bad memory argument %q", f)
		}
		switch key {
		case "offset":
			mem.Offset = uint32(n)
		case "align":
			mem.Align = uint32(n)
		default:
			return mem, p.errorf("bad memory argument %q", f)
		}
	}
	return mem, nil
}

// constBits parses a literal into the instruction's bit payload. Integers
// accept decimal, hex and negative forms; floats accept decimal notation or
// a raw bits=0x... form for exact patterns.
func (p *parser) constBits(t ir.ValueType, s string) (bits, hi uint64, err error) {
	if raw, ok := strings.CutPrefix(s, "bits="); ok {
		v, perr := strconv.ParseUint(raw, 0, 64)
		if perr != nil {
			return 0, 0, p.errorf("bad literal %q", s)
		}
		return v, 0, nil
	}
	switch t {
	case ir.I32:
		if v, perr := strconv.ParseInt(s, 0, 64); perr == nil {
			return uint64(uint32(int32(v))), 0, nil
		}
	case ir.I64:
		if v, perr := strconv.ParseInt(s, 0, 64); perr == nil {
			return uint64(v), 0, nil
		}
		if v, perr := strconv.ParseUint(s, 0, 64); perr == nil {
			return v, 0, nil
		}
	case ir.F32:
		if v, perr := strconv.ParseFloat(s, 32); perr == nil {
			return uint64(math.Float32bits(float32(v))), 0, nil
		}
	case ir.F64:
		if v, perr := strconv.ParseFloat(s, 64); perr == nil {
			return math.Float64bits(v), 0, nil
		}
	}
	return 0, 0, p.errorf("bad %s literal %q", t, s)
}
