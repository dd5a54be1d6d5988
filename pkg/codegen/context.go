// Package codegen is the single-pass code generator: it walks a function's
// instruction stream once, tracking where every abstract stack value lives,
// and emits machine operations through the assembler boundary as it goes.
// There is no separate optimization or global register allocation pass.
package codegen

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/wasmkit/windlass/pkg/abi"
	"github.com/wasmkit/windlass/pkg/frame"
	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/label"
	"github.com/wasmkit/windlass/pkg/loc"
	"github.com/wasmkit/windlass/pkg/masm"
	"github.com/wasmkit/windlass/pkg/meta"
	"github.com/wasmkit/windlass/pkg/regfile"
)

var (
	// ErrNoFreeRegisters is returned when a register class is exhausted and
	// no operand-stack entry can be evicted to free one.
	ErrNoFreeRegisters = errors.New("ran out of free registers")
	// ErrStackUnderflow is returned when popping an empty operand stack.
	ErrStackUnderflow = errors.New("operand stack underflow")
	// ErrReconcileStuck is returned when the parallel-move resolver makes no
	// progress on a set that should be acyclic or cycle-breakable. It
	// indicates an allocator bookkeeping defect, reported rather than
	// panicking so the host can fail this function and keep going.
	ErrReconcileStuck = errors.New("reconciliation made no progress")
	// ErrBadBranchDepth is returned for a branch past the control stack.
	ErrBadBranchDepth = errors.New("branch depth exceeds control stack")
	// ErrUnsupportedOp is returned for opcodes outside the generator's
	// surface.
	ErrUnsupportedOp = errors.New("unsupported operation")
)

// DefaultMaxFrameWords bounds the dynamic frame of one function.
const DefaultMaxFrameWords = 1024

// entry is one abstract operand-stack value: its current location and type.
type entry struct {
	loc loc.Loc
	typ ir.ValueType
}

// Context carries all per-function state: the operand stack, both register
// files, the frame-slot allocator, the control stack and the label manager.
// It is mutated strictly in program order by a single goroutine.
type Context struct {
	asm    masm.Assembler
	labels *label.Manager
	env    meta.Env

	regs  *regfile.File
	frame *frame.Stack
	stack []entry

	module     *ir.Module
	fn         *ir.Function
	fnConv     abi.CallConv
	funcLabels []label.Label // pre-allocated entry labels, indexed by function

	blocks []*block
	pos    ir.Pos

	localSlots []uint32 // frame slot per local, params first
	deadend    bool
}

// New returns a Context emitting through asm, with labels and module
// metadata shared with the session driver.
func New(asm masm.Assembler, labels *label.Manager, env meta.Env, module *ir.Module, funcLabels []label.Label) *Context {
	return &Context{
		asm:        asm,
		labels:     labels,
		env:        env,
		module:     module,
		funcLabels: funcLabels,
		regs:       regfile.New(),
	}
}

// --- operand stack -------------------------------------------------------

// push appends a value, first forcing any condition-code top into a concrete
// location so the flags are never buried.
func (c *Context) push(e entry) error {
	if n := len(c.stack); n > 0 && c.stack[n-1].loc.IsCond() {
		if err := c.materialize(n - 1); err != nil {
			return err
		}
	}
	c.stack = append(c.stack, e)
	return nil
}

// pop removes and returns the top entry. The caller inherits the entry's
// resource reference.
func (c *Context) pop() (entry, error) {
	n := len(c.stack)
	if n == 0 {
		return entry{}, ErrStackUnderflow
	}
	e := c.stack[n-1]
	c.stack = c.stack[:n-1]
	return e, nil
}

// pick duplicates the entry depth positions below the top onto the top. The
// duplicate shares the original's physical location; only the usage count
// grows. This is the canonical source of location aliasing.
func (c *Context) pick(depth int) error {
	i := len(c.stack) - 1 - depth
	if i < 0 {
		return ErrStackUnderflow
	}
	if c.stack[i].loc.IsCond() {
		// Only a top-of-stack entry can be flags-resident; give it a real
		// home before duplicating.
		if err := c.materialize(i); err != nil {
			return err
		}
	}
	e := c.stack[i]
	if err := c.markUsedLoc(e.loc); err != nil {
		return err
	}
	return c.push(e)
}

// swap exchanges the top entry with the one depth positions below it.
func (c *Context) swap(depth int) error {
	n := len(c.stack)
	i := n - 1 - depth
	if i < 0 || depth == 0 {
		return ErrStackUnderflow
	}
	if c.stack[n-1].loc.IsCond() {
		if err := c.materialize(n - 1); err != nil {
			return err
		}
	}
	c.stack[n-1], c.stack[i] = c.stack[i], c.stack[n-1]
	return nil
}

// dropRange removes and releases the entries in the inclusive depth range
// [start, end] measured from the top, preserving the entries above start.
func (c *Context) dropRange(start, end int) error {
	n := len(c.stack)
	if end >= n || start > end {
		return ErrStackUnderflow
	}
	// Pop the preserved prefix, release the doomed range, push the prefix
	// back.
	keep := make([]entry, start)
	copy(keep, c.stack[n-start:])
	for i := n - start - 1; i >= n-1-end; i-- {
		if err := c.releaseLoc(c.stack[i].loc); err != nil {
			return err
		}
	}
	c.stack = append(c.stack[:n-1-end], keep...)
	return nil
}

// --- resource accounting -------------------------------------------------

// markUsedLoc adds one reference to the physical resource behind l, if any.
// Stack slots beyond the current depth are brought into the frame first.
func (c *Context) markUsedLoc(l loc.Loc) error {
	switch l.Kind() {
	case loc.KindReg:
		c.regs.MarkUsed(l.Reg())
	case loc.KindStack:
		if c.frame.IsFree(l.Slot()) && !c.frame.IsParam(l.Slot()) {
			return c.frame.Ensure(l.Slot())
		}
		return c.frame.MarkUsed(l.Slot())
	}
	return nil
}

// releaseLoc drops one reference to the physical resource behind l, if any.
func (c *Context) releaseLoc(l loc.Loc) error {
	switch l.Kind() {
	case loc.KindReg:
		return c.regs.Release(l.Reg())
	case loc.KindStack:
		return c.frame.Release(l.Slot())
	}
	return nil
}

// locFree reports whether writing l would corrupt a live value.
func (c *Context) locFree(l loc.Loc) bool {
	switch l.Kind() {
	case loc.KindReg:
		return c.regs.IsFree(l.Reg())
	case loc.KindStack:
		return c.frame.IsFree(l.Slot())
	}
	return false
}

// takeOrFree returns a register of the class, evicting operand-stack
// entries to fresh frame slots until one frees up. The scan walks the stack
// oldest-first and relocates a single entry at a time; entries sharing the
// victim's register move with it in lockstep.
func (c *Context) takeOrFree(class loc.RegClass) (loc.Reg, error) {
	for {
		if r, ok := c.regs.Take(class); ok {
			return r, nil
		}
		victim := -1
		for i := range c.stack {
			if c.stack[i].loc.IsReg() && c.stack[i].loc.Reg().Class == class {
				victim = i
				break
			}
		}
		if victim < 0 {
			return loc.Reg{}, fmt.Errorf("%w: class %s", ErrNoFreeRegisters, class)
		}
		if err := c.evictToSlot(victim); err != nil {
			return loc.Reg{}, err
		}
	}
}

// evictToSlot relocates the stack entry at index i into a fresh frame slot,
// rewriting every aliasing entry to the new location with usage counts
// transferred exactly once each.
func (c *Context) evictToSlot(i int) error {
	old := c.stack[i].loc
	slot, err := c.frame.Allocate()
	if err != nil {
		return err
	}
	newLoc := loc.ForStack(slot)
	if err := c.asm.Mov(c.stack[i].typ, newLoc, old); err != nil {
		return err
	}
	glog.V(2).Infof("codegen: evict %s -> %s", old, newLoc)

	// Allocate accounted one reference; rewrite transfers each alias.
	first := true
	for j := range c.stack {
		if c.stack[j].loc != old {
			continue
		}
		c.stack[j].loc = newLoc
		if !first {
			if err := c.markUsedLoc(newLoc); err != nil {
				return err
			}
		}
		first = false
		if err := c.releaseLoc(old); err != nil {
			return err
		}
	}
	return nil
}

// --- materialization -----------------------------------------------------

// materialize forces the entry at stack index i into a concrete location.
// Condition codes become a flag-read into an integer register; integer
// immediates move into a register; float immediates load from the deferred
// constant pool.
func (c *Context) materialize(i int) error {
	e := c.stack[i]
	switch e.loc.Kind() {
	case loc.KindReg, loc.KindStack:
		return nil
	case loc.KindCond:
		r, err := c.takeOrFree(loc.ClassInt)
		if err != nil {
			return err
		}
		if err := c.asm.Mov(ir.I32, loc.ForReg(r), e.loc); err != nil {
			return err
		}
		c.stack[i] = entry{loc: loc.ForReg(r), typ: ir.I32}
		return nil
	case loc.KindImm:
		return c.materializeImm(i)
	}
	return fmt.Errorf("%w: materialize %s", ErrUnsupportedOp, e.loc)
}

func (c *Context) materializeImm(i int) error {
	e := c.stack[i]
	t, bits, hi := e.loc.Imm()
	r, err := c.takeOrFree(loc.ClassOf(t))
	if err != nil {
		return err
	}
	dst := loc.ForReg(r)
	if t.IsFloat() {
		// Float and vector immediates come from the deduplicated pool.
		l := c.labels.Deferred(constKey(t, bits, hi), t.Size())
		if err := c.asm.LoadLabel(t, dst, l); err != nil {
			return err
		}
	} else if err := c.asm.Mov(t, dst, e.loc); err != nil {
		return err
	}
	c.stack[i] = entry{loc: dst, typ: t}
	return nil
}

func constKey(t ir.ValueType, bits, hi uint64) label.Key {
	switch t {
	case ir.F32:
		return label.Key{Kind: label.KeyF32, Bits: bits}
	case ir.F64:
		return label.Key{Kind: label.KeyF64, Bits: bits}
	default:
		return label.Key{Kind: label.KeyV128, Bits: bits, Hi: hi}
	}
}

// popOperand pops the top entry, forcing flags-resident values into a
// register so the caller can treat the result as data.
func (c *Context) popOperand() (entry, error) {
	if n := len(c.stack); n > 0 && c.stack[n-1].loc.IsCond() {
		if err := c.materialize(n - 1); err != nil {
			return entry{}, err
		}
	}
	return c.pop()
}

// popOwnedReg pops the top entry into a register this caller may freely
// overwrite: an exclusively-held register comes back as is, anything shared
// or not register-resident is copied into a fresh register first.
func (c *Context) popOwnedReg(t ir.ValueType) (loc.Reg, error) {
	e, err := c.popOperand()
	if err != nil {
		return loc.Reg{}, err
	}
	class := loc.ClassOf(t)
	if e.loc.IsReg() && e.loc.Reg().Class == class && c.regs.UseCount(e.loc.Reg()) == 1 {
		return e.loc.Reg(), nil
	}
	r, err := c.takeOrFree(class)
	if err != nil {
		return loc.Reg{}, err
	}
	src := e.loc
	if src.IsImm() && t.IsFloat() {
		_, bits, hi := src.Imm()
		l := c.labels.Deferred(constKey(t, bits, hi), t.Size())
		if err := c.asm.LoadLabel(t, loc.ForReg(r), l); err != nil {
			return loc.Reg{}, err
		}
	} else if err := c.asm.Mov(t, loc.ForReg(r), src); err != nil {
		return loc.Reg{}, err
	}
	if err := c.releaseLoc(src); err != nil {
		return loc.Reg{}, err
	}
	return r, nil
}

// --- snapshots -----------------------------------------------------------

// snapshot captures the allocator and operand-stack state so a branch-side
// reconciliation can run without disturbing the fall-through state.
type snapshot struct {
	regs  regfile.File
	frame frame.Stack
	stack []entry
}

func (c *Context) save() snapshot {
	s := snapshot{
		regs:  c.regs.Clone(),
		frame: c.frame.Clone(),
		stack: make([]entry, len(c.stack)),
	}
	copy(s.stack, c.stack)
	return s
}

func (c *Context) restore(s snapshot) {
	*c.regs = s.regs
	*c.frame = s.frame
	c.stack = c.stack[:0]
	c.stack = append(c.stack, s.stack...)
}
