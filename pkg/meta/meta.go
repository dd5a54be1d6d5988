// Package meta is the module metadata boundary: the code generator queries
// it for memory/table/global layout, import indirection cells and builtin
// vtable slots, and treats every answer as an opaque offset from the context
// pointer. Interpreting runtime memory layout is entirely the provider's
// business.
package meta

// Builtin names a runtime helper reachable through the context's vtable.
type Builtin uint8

const (
	BuiltinMemoryGrow Builtin = iota
	BuiltinTableGrow
	numBuiltins
)

// Env is the capability surface the code generator compiles against.
type Env interface {
	// DefinedMemory reports whether the memory index is locally defined and,
	// if so, its definition-record offset from the context pointer.
	DefinedMemory(idx uint32) (offset uint32, ok bool)
	// ImportedMemory returns the offset of the import's indirection cell.
	ImportedMemory(idx uint32) uint32

	DefinedTable(idx uint32) (offset uint32, ok bool)
	ImportedTable(idx uint32) uint32

	DefinedGlobal(idx uint32) (offset uint32, ok bool)
	ImportedGlobal(idx uint32) uint32

	// Byte offsets within a memory definition record.
	MemoryBaseOffset() uint32
	MemoryLengthOffset() uint32

	// Byte offsets within a table definition record.
	TableBaseOffset() uint32
	TableCountOffset() uint32

	// BuiltinSlot returns the vtable slot offset of a runtime helper.
	BuiltinSlot(b Builtin) uint32

	// Imported function record offsets.
	ImportedFuncBodyOffset(idx uint32) uint32
	ImportedFuncCtxOffset(idx uint32) uint32

	// Call-target descriptor layout, for indirect-call type checks.
	CallTargetTypeIDOffset() uint32
	CallTargetBodyOffset() uint32
	CallTargetSize() uint32

	// BoundsChecks reports whether runtime bounds checks must be emitted.
	BoundsChecks() bool
}

// Static is a fixed-layout Env used by tests and the CLI driver. Offsets
// follow a simple packed layout; real embedders supply their own.
type Static struct {
	NumMemories     uint32
	NumTables       uint32
	NumGlobals      uint32
	ImportedFuncs   uint32
	CheckBounds     bool
	ImportedMems    map[uint32]uint32 // index -> indirection cell offset
	ImportedTbls    map[uint32]uint32
	ImportedGlobs   map[uint32]uint32
	memoryRecordsAt uint32
}

// NewStatic returns a Static env with n locally defined memories, tables and
// globals and bounds checks enabled.
func NewStatic(memories, tables, globals uint32) *Static {
	return &Static{
		NumMemories: memories,
		NumTables:   tables,
		NumGlobals:  globals,
		CheckBounds: true,
	}
}

// Layout constants of the Static context structure.
const (
	staticVTableBase  = 0x00 // numBuiltins * 8 bytes
	staticMemoryBase  = 0x40
	staticTableBase   = 0x140
	staticGlobalBase  = 0x240
	staticImportBase  = 0x340
	memoryRecordSize  = 16 // base pointer, current byte length
	tableRecordSize   = 16 // base pointer, current element count
	globalRecordSize  = 16
	importRecordSize  = 16 // body pointer, context pointer
	callTargetRecSize = 24 // body pointer, context pointer, type id
)

// DefinedMemory implements Env.
func (s *Static) DefinedMemory(idx uint32) (uint32, bool) {
	if _, imported := s.ImportedMems[idx]; imported || idx >= s.NumMemories {
		return 0, false
	}
	return staticMemoryBase + idx*memoryRecordSize, true
}

// ImportedMemory implements Env.
func (s *Static) ImportedMemory(idx uint32) uint32 { return s.ImportedMems[idx] }

// DefinedTable implements Env.
func (s *Static) DefinedTable(idx uint32) (uint32, bool) {
	if _, imported := s.ImportedTbls[idx]; imported || idx >= s.NumTables {
		return 0, false
	}
	return staticTableBase + idx*tableRecordSize, true
}

// ImportedTable implements Env.
func (s *Static) ImportedTable(idx uint32) uint32 { return s.ImportedTbls[idx] }

// DefinedGlobal implements Env.
func (s *Static) DefinedGlobal(idx uint32) (uint32, bool) {
	if _, imported := s.ImportedGlobs[idx]; imported || idx >= s.NumGlobals {
		return 0, false
	}
	return staticGlobalBase + idx*globalRecordSize, true
}

// ImportedGlobal implements Env.
func (s *Static) ImportedGlobal(idx uint32) uint32 { return s.ImportedGlobs[idx] }

// MemoryBaseOffset implements Env.
func (s *Static) MemoryBaseOffset() uint32 { return 0 }

// MemoryLengthOffset implements Env.
func (s *Static) MemoryLengthOffset() uint32 { return 8 }

// TableBaseOffset implements Env.
func (s *Static) TableBaseOffset() uint32 { return 0 }

// TableCountOffset implements Env.
func (s *Static) TableCountOffset() uint32 { return 8 }

// BuiltinSlot implements Env.
func (s *Static) BuiltinSlot(b Builtin) uint32 {
	return staticVTableBase + uint32(b)*8
}

// ImportedFuncBodyOffset implements Env.
func (s *Static) ImportedFuncBodyOffset(idx uint32) uint32 {
	return staticImportBase + idx*importRecordSize
}

// ImportedFuncCtxOffset implements Env.
func (s *Static) ImportedFuncCtxOffset(idx uint32) uint32 {
	return staticImportBase + idx*importRecordSize + 8
}

// CallTargetTypeIDOffset implements Env.
func (s *Static) CallTargetTypeIDOffset() uint32 { return 16 }

// CallTargetBodyOffset implements Env.
func (s *Static) CallTargetBodyOffset() uint32 { return 0 }

// CallTargetSize implements Env.
func (s *Static) CallTargetSize() uint32 { return callTargetRecSize }

// BoundsChecks implements Env.
func (s *Static) BoundsChecks() bool { return s.CheckBounds }

var _ Env = (*Static)(nil)
