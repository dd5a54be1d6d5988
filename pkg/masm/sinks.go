package masm

import (
	"fmt"

	"github.com/wasmkit/windlass/pkg/ir"
)

// TrapKind tags a trapping instruction so a faulting program counter can be
// mapped back to a cause at run time.
type TrapKind uint8

const (
	TrapUnreachable TrapKind = iota
	TrapDivByZero
	TrapIntegerOverflow
	TrapBadConversion
	TrapMemoryOutOfBounds
	TrapTableOutOfBounds
	TrapIndirectCallMismatch
	TrapIndirectCallNull
)

var trapNames = [...]string{
	"unreachable", "integer divide by zero", "integer overflow",
	"invalid conversion to integer", "memory out of bounds",
	"table out of bounds", "indirect call type mismatch", "indirect call to null",
}

func (k TrapKind) String() string {
	if int(k) < len(trapNames) {
		return trapNames[k]
	}
	return fmt.Sprintf("trap(%d)", uint8(k))
}

// Trap is one recorded trap site.
type Trap struct {
	Offset uint32
	Pos    ir.Pos
	Kind   TrapKind
}

// TrapTable collects trap sites for one code buffer.
type TrapTable struct {
	records []Trap
}

// Add records a trap at the given code offset.
func (t *TrapTable) Add(offset uint32, pos ir.Pos, kind TrapKind) {
	t.records = append(t.records, Trap{Offset: offset, Pos: pos, Kind: kind})
}

// Records returns all recorded traps in emission order.
func (t *TrapTable) Records() []Trap { return t.records }

// RelocKind tags how a patch site must be fixed up by the linker.
type RelocKind uint8

const (
	// RelocFuncCall patches the absolute address of a named function.
	RelocFuncCall RelocKind = iota
	// RelocBuiltin patches the absolute address of a runtime builtin.
	RelocBuiltin
)

func (k RelocKind) String() string {
	if k == RelocFuncCall {
		return "func"
	}
	return "builtin"
}

// Reloc is one call-site patch record.
type Reloc struct {
	Offset uint32
	Pos    ir.Pos
	Kind   RelocKind
	Target string
	Addend int64
}

// RelocTable collects relocations for one code buffer.
type RelocTable struct {
	records []Reloc
}

// Add records a relocation at the given patch-site offset.
func (t *RelocTable) Add(offset uint32, pos ir.Pos, kind RelocKind, target string, addend int64) {
	t.records = append(t.records, Reloc{Offset: offset, Pos: pos, Kind: kind, Target: target, Addend: addend})
}

// Records returns all recorded relocations in emission order.
func (t *RelocTable) Records() []Reloc { return t.records }
