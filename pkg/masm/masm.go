// Package masm is the boundary to the machine-code encoder. The code
// generator speaks in abstract emit requests parameterized by concrete
// locations; the encoder owns instruction selection and byte encoding. The
// core never inspects encoded bytes, only the monotonically growing current
// offset and label bindings.
package masm

import (
	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/label"
	"github.com/wasmkit/windlass/pkg/loc"
)

// StubWidth is the fixed byte width of one jump-table stub. The computed
// dispatch relies on every stub having exactly this width.
const StubWidth = 8

// ALUOp is a two-operand arithmetic/logic operation.
type ALUOp uint8

const (
	ALUAdd ALUOp = iota
	ALUSub
	ALUMul
	ALUDivS
	ALUDivU
	ALURemS
	ALURemU
	ALUAnd
	ALUOr
	ALUXor
	ALUShl
	ALUShrS
	ALUShrU
)

var aluNames = [...]string{"add", "sub", "mul", "div_s", "div_u", "rem_s", "rem_u", "and", "or", "xor", "shl", "shr_s", "shr_u"}

func (o ALUOp) String() string { return aluNames[o] }

// Assembler is the contract the code generator emits through.
//
// Location arguments must be concrete (register or stack slot) except where
// noted: Mov and Cmp accept immediate sources, and Mov accepts a condition
// source, which the encoder lowers to a flag-read.
type Assembler interface {
	// Offset is the current end of the code buffer.
	Offset() uint32
	// Bind places l at the current offset.
	Bind(l label.Label) error
	// Align pads the buffer to an n-byte boundary.
	Align(n uint32)
	// Data appends raw constant bytes (deferred-pool payloads).
	Data(b []byte)

	Mov(t ir.ValueType, dst, src loc.Loc) error
	ALU(op ALUOp, t ir.ValueType, dst, lhs, rhs loc.Loc) error
	Cmp(t ir.ValueType, lhs, rhs loc.Loc) error

	Br(l label.Label)
	BrIf(c loc.Cond, l label.Label)
	// BrTableEntry emits one fixed-width unconditional-jump stub.
	BrTableEntry(l label.Label)
	// ClampIndex clamps reg to [0, max] with an unsigned compare and
	// conditional move, so out-of-range indexes select the default case.
	ClampIndex(reg loc.Reg, max uint32)
	// BrComputed jumps to base + reg*StubWidth.
	BrComputed(base label.Label, reg loc.Reg)

	Call(l label.Label)
	// CallReloc calls a statically-named external target, recording a
	// relocation at the patch site.
	CallReloc(kind RelocKind, target string, pos ir.Pos)
	CallIndirect(target loc.Loc) error

	Load(t ir.ValueType, dst loc.Loc, base loc.Reg, offset uint32) error
	Store(t ir.ValueType, base loc.Reg, offset uint32, src loc.Loc) error
	// LoadLabel loads the datum placed at l (a deferred constant).
	LoadLabel(t ir.ValueType, dst loc.Loc, l label.Label) error

	// AdjustSP moves the stack pointer by delta words (positive grows the
	// frame).
	AdjustSP(delta int32)
	// FrameSetup emits the prologue with a placeholder frame size and
	// returns the patch site.
	FrameSetup() uint32
	// PatchFrameWords fixes the frame size at a FrameSetup patch site once
	// the final depth is known.
	PatchFrameWords(site uint32, words uint32) error
	// FrameTeardownRet emits the shared pop-frame and return sequence.
	FrameTeardownRet(words uint32)

	Trap(kind TrapKind, pos ir.Pos)
	TrapIf(c loc.Cond, kind TrapKind, pos ir.Pos)
}
