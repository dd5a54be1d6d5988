// Package frame allocates word-granularity slots in the current function's
// activation record. Slots share the reference-counting discipline of the
// register file: a slot may back several abstract stack entries and is only
// reusable once its count drops to zero.
//
// Slot numbering is stable for the whole function: declared parameters occupy
// indices [0, numParams) and dynamically allocated slots follow upward. The
// first two words of the physical frame hold the saved frame pointer and the
// return address; slot 0 starts immediately after them, so no slot ever
// resolves to either reserved offset.
package frame

import (
	"errors"
	"fmt"
)

// WordSize is the slot granularity in bytes.
const WordSize = 8

// Reserved byte offsets at the bottom of every frame.
const (
	SavedFPOffset     = 0
	ReturnAddrOffset  = WordSize
	slotAreaByteStart = 2 * WordSize
)

var (
	// ErrReleaseFree is returned when releasing a slot whose count is zero.
	ErrReleaseFree = errors.New("release of stack slot with zero usage count")
	// ErrNoSuchSlot is returned when touching a slot outside the frame.
	ErrNoSuchSlot = errors.New("no such stack slot")
	// ErrFrameTooLarge is returned when allocation would exceed the declared
	// maximum depth.
	ErrFrameTooLarge = errors.New("stack frame exceeds declared maximum depth")
	// ErrOffsetOutOfBounds is returned for a logical offset outside
	// [-depth, numParams).
	ErrOffsetOutOfBounds = errors.New("stack offset out of bounds")
)

// Stack is the slot allocator for one function frame.
type Stack struct {
	numParams int
	maxWords  int      // declared maximum dynamic depth, in words
	count     []uint32 // usage counts, index 0 = first dynamic slot
	maxDepth  int      // high-water mark of len(count)
}

// New returns an allocator for a frame with the given number of declared
// parameters and a dynamic depth limit.
func New(numParams, maxWords int) *Stack {
	return &Stack{numParams: numParams, maxWords: maxWords}
}

// Clone returns a copy of the allocation state with its own backing store.
// Used to snapshot the context around branch-side reconciliation.
func (s *Stack) Clone() Stack {
	c := *s
	c.count = append([]uint32(nil), s.count...)
	return c
}

// Reset drops every dynamic slot. Parameters persist by construction.
func (s *Stack) Reset() {
	s.count = s.count[:0]
}

// NumParams returns the number of declared parameter slots.
func (s *Stack) NumParams() int { return s.numParams }

// Depth returns the current dynamic depth in words.
func (s *Stack) Depth() int { return len(s.count) }

// MaxDepth returns the high-water mark of the dynamic depth, which becomes
// the function's frame size.
func (s *Stack) MaxDepth() int { return s.maxDepth }

// Allocate returns a free slot, reusing a released slot inside the live
// region if one exists and growing the backing store otherwise. The returned
// slot has a usage count of one.
func (s *Stack) Allocate() (uint32, error) {
	for i, n := range s.count {
		if n == 0 {
			s.count[i] = 1
			return uint32(s.numParams + i), nil
		}
	}
	if len(s.count) >= s.maxWords {
		return 0, fmt.Errorf("%w: %d words", ErrFrameTooLarge, s.maxWords)
	}
	s.count = append(s.count, 1)
	if len(s.count) > s.maxDepth {
		s.maxDepth = len(s.count)
	}
	return uint32(s.numParams + len(s.count) - 1), nil
}

// dynIndex maps a slot index to the dynamic count array, rejecting parameter
// slots and slots beyond the current depth.
func (s *Stack) dynIndex(slot uint32) (int, error) {
	i := int(slot) - s.numParams
	if i < 0 || i >= len(s.count) {
		return 0, fmt.Errorf("%w: slot %d (params %d, depth %d)", ErrNoSuchSlot, slot, s.numParams, len(s.count))
	}
	return i, nil
}

// IsParam reports whether the slot index names a declared parameter.
func (s *Stack) IsParam(slot uint32) bool {
	return int(slot) < s.numParams
}

// MarkUsed adds one reference to the slot. Parameter slots are permanently
// live and take no counting.
func (s *Stack) MarkUsed(slot uint32) error {
	if s.IsParam(slot) {
		return nil
	}
	i, err := s.dynIndex(slot)
	if err != nil {
		return err
	}
	s.count[i]++
	return nil
}

// Release drops one reference to the slot. Releasing a slot whose count is
// already zero is a bookkeeping error.
func (s *Stack) Release(slot uint32) error {
	if s.IsParam(slot) {
		return nil
	}
	i, err := s.dynIndex(slot)
	if err != nil {
		return err
	}
	if s.count[i] == 0 {
		return fmt.Errorf("%w: slot %d", ErrReleaseFree, slot)
	}
	s.count[i]--
	return nil
}

// UseCount returns the slot's usage count. Parameter slots report one.
func (s *Stack) UseCount(slot uint32) (uint32, error) {
	if s.IsParam(slot) {
		return 1, nil
	}
	i, err := s.dynIndex(slot)
	if err != nil {
		return 0, err
	}
	return s.count[i], nil
}

// IsFree reports whether the slot can be written without corrupting a live
// value: either it lies beyond the current depth or its count is zero.
func (s *Stack) IsFree(slot uint32) bool {
	if s.IsParam(slot) {
		return false
	}
	i := int(slot) - s.numParams
	if i >= len(s.count) {
		return true
	}
	return s.count[i] == 0
}

// Ensure grows the dynamic region so the slot index is inside the frame,
// marking the slot used. Used when a merge convention targets a slot beyond
// the current depth.
func (s *Stack) Ensure(slot uint32) error {
	i := int(slot) - s.numParams
	if i < 0 {
		return nil
	}
	if i >= s.maxWords {
		return fmt.Errorf("%w: slot %d", ErrFrameTooLarge, slot)
	}
	for len(s.count) <= i {
		s.count = append(s.count, 0)
	}
	if len(s.count) > s.maxDepth {
		s.maxDepth = len(s.count)
	}
	s.count[i]++
	return nil
}

// SetDepth grows or shrinks the dynamic region to d words. Shrinking frees
// every slot at or beyond the new depth, whatever its count.
func (s *Stack) SetDepth(d int) error {
	if d > s.maxWords {
		return fmt.Errorf("%w: depth %d", ErrFrameTooLarge, d)
	}
	if d < len(s.count) {
		for i := d; i < len(s.count); i++ {
			s.count[i] = 0
		}
		s.count = s.count[:d]
		return nil
	}
	for len(s.count) < d {
		s.count = append(s.count, 0)
	}
	if len(s.count) > s.maxDepth {
		s.maxDepth = len(s.count)
	}
	return nil
}

// SetDepthAndFree shrinks directly to d words, dropping the freed delta in
// one step instead of iterating slot by slot.
func (s *Stack) SetDepthAndFree(d int) error {
	if d > len(s.count) {
		return s.SetDepth(d)
	}
	if d < 0 {
		return fmt.Errorf("%w: depth %d", ErrOffsetOutOfBounds, d)
	}
	s.count = s.count[:d]
	return nil
}

// RealOffset converts a signed logical offset into a byte offset from the
// frame base. Logical offsets name values relative to the present: -1 is the
// most recently allocated live slot, more negative is older; [0, numParams)
// names the declared parameters, which occupy the low end of the numbering
// space. Offsets outside [-depth, numParams) are an out-of-bounds error.
func (s *Stack) RealOffset(logical int) (uint32, error) {
	if logical >= s.numParams || logical < -len(s.count) {
		return 0, fmt.Errorf("%w: logical %d (params %d, depth %d)", ErrOffsetOutOfBounds, logical, s.numParams, len(s.count))
	}
	if logical >= 0 {
		return slotAreaByteStart + uint32(logical)*WordSize, nil
	}
	slot := s.numParams + len(s.count) + logical
	return slotAreaByteStart + uint32(slot)*WordSize, nil
}

// SlotOffset converts a stable slot index to its byte offset from the frame
// base.
func (s *Stack) SlotOffset(slot uint32) (uint32, error) {
	if int(slot) >= s.numParams+s.maxWords {
		return 0, fmt.Errorf("%w: slot %d", ErrNoSuchSlot, slot)
	}
	return slotAreaByteStart + slot*WordSize, nil
}
