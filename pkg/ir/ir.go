// Package ir defines the stack-machine intermediate representation consumed
// by the baseline code generator. It is a flat instruction stream per
// function; structured control flow is expressed with block/loop/end
// brackets, exactly as the producer emits it.
package ir

import "fmt"

// ValueType is the type of a single stack value.
type ValueType uint8

const (
	I32 ValueType = iota
	I64
	F32
	F64
	V128
)

// IsInt reports whether the type belongs to the integer register class.
func (t ValueType) IsInt() bool {
	return t == I32 || t == I64
}

// IsFloat reports whether the type belongs to the float/vector register class.
func (t ValueType) IsFloat() bool {
	return t == F32 || t == F64 || t == V128
}

// Size returns the value size in bytes.
func (t ValueType) Size() uint32 {
	switch t {
	case I32, F32:
		return 4
	case I64, F64:
		return 8
	case V128:
		return 16
	}
	return 0
}

func (t ValueType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case V128:
		return "v128"
	}
	return fmt.Sprintf("valuetype(%d)", uint8(t))
}

// Op is an instruction opcode.
type Op uint16

const (
	OpNop Op = iota
	OpUnreachable
	OpDrop
	OpSelect

	OpConst // typed immediate push

	OpLocalGet
	OpLocalSet
	OpLocalTee
	OpGlobalGet
	OpGlobalSet

	// Integer/float arithmetic. The operand type on the instruction selects
	// the width and register class.
	OpAdd
	OpSub
	OpMul
	OpDivS
	OpDivU
	OpRemS
	OpRemU
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShrS
	OpShrU

	// Comparisons produce an i32 boolean; the baseline keeps them as
	// condition-code locations until forced.
	OpEq
	OpNe
	OpLtS
	OpLtU
	OpLeS
	OpLeU
	OpGtS
	OpGtU
	OpGeS
	OpGeU

	OpBlock
	OpLoop
	OpEnd
	OpBr
	OpBrIf
	OpBrTable
	OpReturn

	OpCall
	OpCallIndirect

	OpLoad
	OpStore
	OpMemorySize
	OpMemoryGrow
)

var opNames = map[Op]string{
	OpNop: "nop", OpUnreachable: "unreachable", OpDrop: "drop", OpSelect: "select",
	OpConst:    "const",
	OpLocalGet: "local.get", OpLocalSet: "local.set", OpLocalTee: "local.tee",
	OpGlobalGet: "global.get", OpGlobalSet: "global.set",
	OpAdd: "add", OpSub: "sub", OpMul: "mul",
	OpDivS: "div_s", OpDivU: "div_u", OpRemS: "rem_s", OpRemU: "rem_u",
	OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpShl: "shl", OpShrS: "shr_s", OpShrU: "shr_u",
	OpEq: "eq", OpNe: "ne",
	OpLtS: "lt_s", OpLtU: "lt_u", OpLeS: "le_s", OpLeU: "le_u",
	OpGtS: "gt_s", OpGtU: "gt_u", OpGeS: "ge_s", OpGeU: "ge_u",
	OpBlock: "block", OpLoop: "loop", OpEnd: "end",
	OpBr: "br", OpBrIf: "br_if", OpBrTable: "br_table", OpReturn: "return",
	OpCall: "call", OpCallIndirect: "call_indirect",
	OpLoad: "load", OpStore: "store",
	OpMemorySize: "memory.size", OpMemoryGrow: "memory.grow",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint16(o))
}

// IsCompare reports whether the opcode is one of the ten flag-producing
// comparisons.
func (o Op) IsCompare() bool {
	return o >= OpEq && o <= OpGeU
}

// Pos is a diagnostic source position carried through to trap and
// relocation records.
type Pos struct {
	Func   string
	Offset uint32 // byte offset of the instruction in the source module
}

func (p Pos) String() string {
	return fmt.Sprintf("%s+0x%x", p.Func, p.Offset)
}

// MemArg carries the static offset of a load/store.
type MemArg struct {
	Offset uint32
	Align  uint32
}

// Instruction is one op plus its static immediates. Unused fields are zero.
type Instruction struct {
	Op   Op
	Type ValueType // operand/result type where relevant

	Bits    uint64   // OpConst payload (low lane for v128)
	BitsHi  uint64   // OpConst high lane for v128
	Index   uint32   // local/global/function/memory/table index
	Depth   uint32   // branch relative depth
	Targets []uint32 // br_table depths, excluding the default
	Mem     MemArg

	Pos Pos
}

// BlockType describes the values a block or loop produces.
type BlockType struct {
	Results []ValueType
}

// Signature is a function type.
type Signature struct {
	Params  []ValueType
	Results []ValueType
}

// Function is one compiled unit: its signature, declared locals and body.
type Function struct {
	Name    string
	Sig     Signature
	Locals  []ValueType
	Body    []Instruction
	Blocks  []BlockType // indexed by Instruction.Index for block/loop ops
	Imports bool        // true if the body is an import stub
}

// Import names an external function the module calls by symbol.
type Import struct {
	Module string
	Name   string
	Sig    Signature
}

// Module is the unit handed to the session driver.
type Module struct {
	Name      string
	Imports   []Import
	Functions []*Function
	Sigs      []Signature // for call_indirect type checks, indexed by Instruction.Index
}
