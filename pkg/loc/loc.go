// Package loc models where an abstract stack value currently lives: in a
// machine register, in a frame slot, as an unmaterialized immediate, or in
// the CPU condition flags. Locations are small comparable values; two equal
// Locations name the same physical resource.
package loc

import (
	"errors"
	"fmt"

	"github.com/wasmkit/windlass/pkg/ir"
)

// RegClass distinguishes the two register files.
type RegClass uint8

const (
	ClassInt RegClass = iota
	ClassFloat
)

// NumClasses is the number of register classes.
const NumClasses = 2

func (c RegClass) String() string {
	if c == ClassInt {
		return "int"
	}
	return "float"
}

// ClassOf returns the register class a value type is carried in.
func ClassOf(t ir.ValueType) RegClass {
	if t.IsFloat() {
		return ClassFloat
	}
	return ClassInt
}

// Reg names one machine register: a class plus an id within that class.
type Reg struct {
	Class RegClass
	ID    uint8
}

func (r Reg) String() string {
	if r.Class == ClassInt {
		return fmt.Sprintf("r%d", r.ID)
	}
	return fmt.Sprintf("v%d", r.ID)
}

// Cond is a condition-code predicate left in the CPU flags by a compare.
// The set is closed under Negate.
type Cond uint8

const (
	Eq Cond = iota
	Ne
	LtS
	LeS
	GtS
	GeS
	LtU
	LeU
	GtU
	GeU
)

var condNames = [...]string{"eq", "ne", "lt_s", "le_s", "gt_s", "ge_s", "lt_u", "le_u", "gt_u", "ge_u"}

var condNegations = [...]Cond{Ne, Eq, GeS, GtS, LeS, LtS, GeU, GtU, LeU, LtU}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Negate returns the logically inverted predicate.
func (c Cond) Negate() Cond {
	return condNegations[c]
}

// Kind tags the variant held by a Loc.
type Kind uint8

const (
	KindNone Kind = iota
	KindReg
	KindStack
	KindImm
	KindCond
)

// Loc is the tagged location variant. The zero Loc is "no location".
//
// Stack slots are identified by a stable non-negative slot index within the
// frame's numbering space: declared parameters occupy [0, numParams) and
// dynamically allocated slots follow. Conversion to and from the signed
// logical offsets used by the stack walker lives in pkg/frame.
type Loc struct {
	kind Kind
	reg  Reg
	slot uint32
	typ  ir.ValueType // immediate type
	bits uint64       // immediate payload (low lane)
	hi   uint64       // immediate high lane (v128)
	cond Cond
}

// None is the zero location.
var None Loc

// ForReg locates a value in a register.
func ForReg(r Reg) Loc { return Loc{kind: KindReg, reg: r} }

// ForStack locates a value in frame slot index s.
func ForStack(s uint32) Loc { return Loc{kind: KindStack, slot: s} }

// ForImm locates a value as an unmaterialized immediate.
func ForImm(t ir.ValueType, bits, hi uint64) Loc {
	return Loc{kind: KindImm, typ: t, bits: bits, hi: hi}
}

// ForCond locates a value in the CPU flags.
func ForCond(c Cond) Loc { return Loc{kind: KindCond, cond: c} }

// Kind returns the variant tag.
func (l Loc) Kind() Kind { return l.kind }

// IsNone reports an absent location.
func (l Loc) IsNone() bool { return l.kind == KindNone }

// IsReg reports whether the value lives in a register.
func (l Loc) IsReg() bool { return l.kind == KindReg }

// IsStack reports whether the value lives in a frame slot.
func (l Loc) IsStack() bool { return l.kind == KindStack }

// IsImm reports whether the value is an unmaterialized immediate.
func (l Loc) IsImm() bool { return l.kind == KindImm }

// IsCond reports whether the value lives in the CPU flags.
func (l Loc) IsCond() bool { return l.kind == KindCond }

// IsConcrete reports whether the location can be written to and survives a
// call: only registers and stack slots qualify.
func (l Loc) IsConcrete() bool { return l.kind == KindReg || l.kind == KindStack }

// Reg returns the register, valid only when IsReg.
func (l Loc) Reg() Reg { return l.reg }

// Slot returns the frame slot index, valid only when IsStack.
func (l Loc) Slot() uint32 { return l.slot }

// Imm returns the immediate type and payload, valid only when IsImm.
func (l Loc) Imm() (t ir.ValueType, bits, hi uint64) { return l.typ, l.bits, l.hi }

// Cond returns the predicate, valid only when IsCond.
func (l Loc) Cond() Cond { return l.cond }

func (l Loc) String() string {
	switch l.kind {
	case KindNone:
		return "none"
	case KindReg:
		return l.reg.String()
	case KindStack:
		return fmt.Sprintf("[slot %d]", l.slot)
	case KindImm:
		return fmt.Sprintf("%s #0x%x", l.typ, l.bits)
	case KindCond:
		return "flags." + l.cond.String()
	}
	return "loc(?)"
}

// ErrNotCallConv reports a Loc that cannot serve as a calling-convention
// destination.
var ErrNotCallConv = errors.New("location is not a valid calling-convention location")

// CCLoc is the subset of Loc valid at function boundaries and merge points:
// a register or a stack slot, nothing flag- or immediate-shaped.
type CCLoc struct {
	kind Kind
	reg  Reg
	slot uint32
}

// CCReg makes a register convention location.
func CCReg(r Reg) CCLoc { return CCLoc{kind: KindReg, reg: r} }

// CCStack makes a stack-slot convention location.
func CCStack(s uint32) CCLoc { return CCLoc{kind: KindStack, slot: s} }

// IsReg reports a register destination.
func (c CCLoc) IsReg() bool { return c.kind == KindReg }

// IsStack reports a stack-slot destination.
func (c CCLoc) IsStack() bool { return c.kind == KindStack }

// Reg returns the register, valid only when IsReg.
func (c CCLoc) Reg() Reg { return c.reg }

// Slot returns the slot index, valid only when IsStack.
func (c CCLoc) Slot() uint32 { return c.slot }

// Loc widens the convention location back to a general Loc.
func (c CCLoc) Loc() Loc {
	if c.kind == KindReg {
		return ForReg(c.reg)
	}
	return ForStack(c.slot)
}

func (c CCLoc) String() string { return c.Loc().String() }

// CallConv converts a general location into a convention location. Immediates
// and condition codes are rejected: they must be materialized first.
func (l Loc) CallConv() (CCLoc, error) {
	switch l.kind {
	case KindReg:
		return CCReg(l.reg), nil
	case KindStack:
		return CCStack(l.slot), nil
	}
	return CCLoc{}, fmt.Errorf("%w: %s", ErrNotCallConv, l)
}
