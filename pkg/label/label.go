// Package label manages not-yet-placed code addresses and the deferred-data
// pool drained at function epilogue: float/vector constants deduplicated by
// bit pattern, and the single shared return sequence.
package label

import (
	"errors"
	"fmt"
)

// Label is an opaque handle to a code address. Handles are created eagerly
// and bound exactly once.
type Label int32

// None is the invalid label.
const None Label = -1

var (
	// ErrRedefined is returned when binding a label twice.
	ErrRedefined = errors.New("label defined twice")
	// ErrUnknown is returned for a handle this manager never issued.
	ErrUnknown = errors.New("unknown label")
)

// KeyKind tags the deferred-data key space.
type KeyKind uint8

const (
	// KeyEpilogue is the sentinel for the shared pop-frame/return sequence.
	KeyEpilogue KeyKind = iota
	KeyF32
	KeyF64
	KeyV128
)

// Key identifies one deferred datum by its exact bit pattern. Identical keys
// share one label and one emitted payload.
type Key struct {
	Kind KeyKind
	Bits uint64
	Hi   uint64 // high lane for v128
}

// EpilogueKey is the key of the shared return sequence.
var EpilogueKey = Key{Kind: KeyEpilogue}

func (k Key) String() string {
	switch k.Kind {
	case KeyEpilogue:
		return "epilogue"
	case KeyF32:
		return fmt.Sprintf("f32:0x%08x", uint32(k.Bits))
	case KeyF64:
		return fmt.Sprintf("f64:0x%016x", k.Bits)
	case KeyV128:
		return fmt.Sprintf("v128:0x%016x_%016x", k.Hi, k.Bits)
	}
	return "key(?)"
}

// Size returns the payload size in bytes, zero for the epilogue sentinel.
func (k Key) Size() uint32 {
	switch k.Kind {
	case KeyF32:
		return 4
	case KeyF64:
		return 8
	case KeyV128:
		return 16
	}
	return 0
}

// Entry is one deduplicated deferred datum.
type Entry struct {
	Key   Key
	Label Label
	Align uint32
}

// Manager issues labels and owns the deferred-data table for one function.
type Manager struct {
	offsets  []int64 // -1 while unbound
	deferred map[Key]int
	entries  []Entry
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{deferred: make(map[Key]int)}
}

// NewLabel allocates a fresh unbound handle.
func (m *Manager) NewLabel() Label {
	m.offsets = append(m.offsets, -1)
	return Label(len(m.offsets) - 1)
}

// Define binds the label at the given code offset. Rebinding is an error.
func (m *Manager) Define(l Label, offset uint32) error {
	if l < 0 || int(l) >= len(m.offsets) {
		return fmt.Errorf("%w: %d", ErrUnknown, l)
	}
	if m.offsets[l] >= 0 {
		return fmt.Errorf("%w: %d at offset %d", ErrRedefined, l, offset)
	}
	m.offsets[l] = int64(offset)
	return nil
}

// IsBound reports whether the label has been placed.
func (m *Manager) IsBound(l Label) bool {
	return l >= 0 && int(l) < len(m.offsets) && m.offsets[l] >= 0
}

// Offset returns the bound code offset of the label.
func (m *Manager) Offset(l Label) (uint32, bool) {
	if !m.IsBound(l) {
		return 0, false
	}
	return uint32(m.offsets[l]), true
}

// Deferred returns the label for the given key, creating it on first
// request. Repeated requests for one key yield one label; the recorded
// alignment is upgraded to the maximum requested.
func (m *Manager) Deferred(key Key, align uint32) Label {
	if align == 0 {
		align = 1
	}
	if i, ok := m.deferred[key]; ok {
		if align > m.entries[i].Align {
			m.entries[i].Align = align
		}
		return m.entries[i].Label
	}
	l := m.NewLabel()
	m.deferred[key] = len(m.entries)
	m.entries = append(m.entries, Entry{Key: key, Label: l, Align: align})
	return l
}

// Drain calls emit for every still-unbound deferred entry in insertion
// order, skipping entries that were bound meanwhile. The emit callback is
// responsible for binding the entry's label at the placement point. Each
// payload is emitted exactly once regardless of how many sites requested it.
// Afterwards the pool is empty: the deferred table is scoped to one function
// even when the manager outlives it.
func (m *Manager) Drain(emit func(Entry) error) error {
	for _, e := range m.entries {
		if m.IsBound(e.Label) {
			continue
		}
		if err := emit(e); err != nil {
			return err
		}
	}
	m.entries = m.entries[:0]
	m.deferred = make(map[Key]int)
	return nil
}
