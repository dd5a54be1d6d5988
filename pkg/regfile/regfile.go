// Package regfile tracks the allocation state of the machine's two register
// files. Registers are reference counted: one physical register may back
// several abstract stack entries at once (duplication via pick), and it only
// returns to the free set when the last reference is released.
package regfile

import (
	"errors"
	"fmt"

	"github.com/wasmkit/windlass/pkg/loc"
)

// RegsPerClass is the number of addressable registers in each class.
const RegsPerClass = 16

// ErrReleaseFree is returned when releasing a register whose usage count is
// already zero. It indicates a bookkeeping defect in the caller, reported as
// an error rather than a panic so the host can fail one function and keep
// compiling others.
var ErrReleaseFree = errors.New("release of register with zero usage count")

// File is the allocation state of both register classes.
type File struct {
	free  [loc.NumClasses]uint16 // bit i set = register i is in the free set
	count [loc.NumClasses][RegsPerClass]uint32
}

// New returns a File with every register of both classes free.
func New() *File {
	f := &File{}
	f.Reset()
	return f
}

// Reset returns every register to the free set with a zero usage count.
// Called at function entry and whenever the entry convention is
// re-established.
func (f *File) Reset() {
	for c := range f.free {
		f.free[c] = 1<<RegsPerClass - 1
		for i := range f.count[c] {
			f.count[c][i] = 0
		}
	}
}

// Take removes the lowest-numbered free register of the class from the free
// set and gives it a usage count of one. ok is false when the class is
// exhausted; the caller is expected to evict a victim and retry, or give up.
func (f *File) Take(class loc.RegClass) (r loc.Reg, ok bool) {
	set := f.free[class]
	if set == 0 {
		return loc.Reg{}, false
	}
	var id uint8
	for ; set&1 == 0; set >>= 1 {
		id++
	}
	r = loc.Reg{Class: class, ID: id}
	f.free[class] &^= 1 << id
	f.count[class][id] = 1
	return r, true
}

// MarkUsed adds one reference to r, reserving it (removing it from the free
// set) on the first reference.
func (f *File) MarkUsed(r loc.Reg) {
	if f.count[r.Class][r.ID] == 0 {
		f.free[r.Class] &^= 1 << r.ID
	}
	f.count[r.Class][r.ID]++
}

// Release drops one reference to r, returning it to the free set when the
// count reaches zero. Releasing an already-free register is an error.
func (f *File) Release(r loc.Reg) error {
	n := f.count[r.Class][r.ID]
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrReleaseFree, r)
	}
	n--
	f.count[r.Class][r.ID] = n
	if n == 0 {
		f.free[r.Class] |= 1 << r.ID
	}
	return nil
}

// IsFree reports whether the class's free set currently contains r. It is
// used to decide whether a specific concrete destination can be written
// without corrupting a live value.
func (f *File) IsFree(r loc.Reg) bool {
	return f.free[r.Class]&(1<<r.ID) != 0
}

// UseCount returns r's current usage count.
func (f *File) UseCount(r loc.Reg) uint32 {
	return f.count[r.Class][r.ID]
}

// Clone returns a copy of the allocation state. Used to snapshot the
// context around branch-side reconciliation.
func (f *File) Clone() File {
	return *f
}

// FreeCount returns how many registers of the class are currently free.
func (f *File) FreeCount(class loc.RegClass) int {
	n := 0
	for set := f.free[class]; set != 0; set >>= 1 {
		n += int(set & 1)
	}
	return n
}
