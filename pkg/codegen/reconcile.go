package codegen

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/label"
	"github.com/wasmkit/windlass/pkg/loc"
)

// block is one entry of the control stack: a branch target plus the calling
// convention its merge point commits to. The convention is unconstrained
// until the first arrival (fall-through or branch) freezes it; loops freeze
// theirs at the header so back-edges have a fixed target.
type block struct {
	lbl     label.Label
	isLoop  bool
	results []ir.ValueType
	base    int // operand stack height underneath the block

	conv   []loc.Loc // frozen destinations, bottom-to-top; nil until frozen
	depth  int       // unified frame depth at the merge point
	frozen bool
	used   bool // some branch targeted the label
}

// branchTarget resolves a relative branch depth against the control stack.
func (c *Context) branchTarget(depth uint32) (*block, error) {
	i := len(c.blocks) - 1 - int(depth)
	if i < 0 {
		return nil, fmt.Errorf("%w: depth %d with %d blocks", ErrBadBranchDepth, depth, len(c.blocks))
	}
	return c.blocks[i], nil
}

// arity returns how many values a branch to b carries: none for a loop
// back-edge, the block's result count otherwise.
func (b *block) arity() int {
	if b.isLoop {
		return 0
	}
	return len(b.results)
}

// movePair is one pending parallel move. idx is the operand-stack index of
// the value, kept so resolved and rewritten locations flow back to the
// entry.
type movePair struct {
	idx int
	src loc.Loc
	dst loc.Loc
	typ ir.ValueType
}

// reconcile rearranges the current operand stack so the top arity values sit
// exactly where b's convention demands, releasing every intermediate value
// that dies on this edge and unifying the frame depth into a single maximum.
// On the first arrival at a non-loop block the convention is synthesized
// from the values at hand and frozen for every other predecessor.
func (c *Context) reconcile(b *block) error {
	arity := b.arity()
	win := len(c.stack) - arity
	if win < b.base {
		return ErrStackUnderflow
	}

	// Values between the block base and the carried window die on this edge.
	for i := b.base; i < win; i++ {
		if err := c.releaseLoc(c.stack[i].loc); err != nil {
			return err
		}
	}
	copy(c.stack[b.base:], c.stack[win:])
	c.stack = c.stack[:b.base+arity]
	win = b.base

	// Immediates and condition codes cannot be parallel-move sources; give
	// them concrete homes before the destinations are chosen.
	for i := win; i < len(c.stack); i++ {
		if c.stack[i].loc.IsImm() || c.stack[i].loc.IsCond() {
			if err := c.materialize(i); err != nil {
				return err
			}
		}
	}

	if !b.frozen {
		if err := c.freezeConv(b, win); err != nil {
			return err
		}
	}

	pending := make([]movePair, 0, arity)
	// Newest value first.
	for i := arity - 1; i >= 0; i-- {
		pending = append(pending, movePair{idx: win + i, src: c.stack[win+i].loc, dst: b.conv[i], typ: b.results[i]})
	}
	if err := c.resolveMoves(pending); err != nil {
		return err
	}

	// Unify depth across predecessors into the running maximum. This is pure
	// bookkeeping: the prologue reserves the whole high-water frame, so merge
	// edges never move the stack pointer.
	if d := c.frame.Depth(); d > b.depth {
		b.depth = d
	} else if d < b.depth {
		if err := c.frame.SetDepth(b.depth); err != nil {
			return err
		}
	}
	return nil
}

// freezeConv synthesizes and freezes b's convention from the values
// currently in the carried window: a value whose concrete location is held
// exclusively by the window keeps it (no movement), everything else is
// normalized into a fresh slot. Locations aliased outside the window (picked
// locals, shared registers) never become destinations, since every other
// predecessor will overwrite them.
func (c *Context) freezeConv(b *block, win int) error {
	taken := make(map[loc.Loc]bool)
	conv := make([]loc.Loc, b.arity())
	var fresh []uint32
	for i := range conv {
		src := c.stack[win+i].loc
		if src.IsConcrete() && !taken[src] && c.exclusiveToWindow(src, win) {
			conv[i] = src
			taken[src] = true
			continue
		}
		slot, err := c.frame.Allocate()
		if err != nil {
			return err
		}
		fresh = append(fresh, slot)
		conv[i] = loc.ForStack(slot)
		taken[conv[i]] = true
	}
	// The allocation references belong to the arriving values; the resolver
	// accounts them when the moves land. Released only after all slots are
	// chosen so no two convention entries share one.
	for _, slot := range fresh {
		if err := c.frame.Release(slot); err != nil {
			return err
		}
	}
	b.conv = conv
	b.frozen = true
	if d := c.frame.Depth(); d > b.depth {
		b.depth = d
	}
	glog.V(2).Infof("codegen: froze convention %v depth %d", conv, b.depth)
	return nil
}

// exclusiveToWindow reports whether every live reference to l belongs to
// stack entries at or above win.
func (c *Context) exclusiveToWindow(l loc.Loc, win int) bool {
	occ := uint32(0)
	for i := range c.stack {
		if c.stack[i].loc == l {
			if i < win {
				return false
			}
			occ++
		}
	}
	switch l.Kind() {
	case loc.KindReg:
		return c.regs.UseCount(l.Reg()) == occ
	case loc.KindStack:
		if c.frame.IsParam(l.Slot()) {
			return false
		}
		n, err := c.frame.UseCount(l.Slot())
		return err == nil && n == occ
	}
	return false
}

// resolveMoves settles a pending parallel-move set: repeated greedy passes
// perform every move whose destination is currently free, and when a full
// pass settles nothing the set contains a cycle, broken by relocating one
// occupant to a brand-new temporary. Cycles and genuine resource exhaustion
// are distinguished; only the latter (and pinned occupants, which indicate a
// bookkeeping defect) are errors.
func (c *Context) resolveMoves(pending []movePair) error {
	guard := 2*len(pending) + 4
	for len(pending) > 0 {
		if guard--; guard < 0 {
			return fmt.Errorf("%w: %d moves unresolved", ErrReconcileStuck, len(pending))
		}
		progressed := false
		out := pending[:0]
		for _, p := range pending {
			if p.src == p.dst {
				progressed = true
				continue
			}
			if !c.locFree(p.dst) {
				out = append(out, p)
				continue
			}
			if err := c.asm.Mov(p.typ, p.dst, p.src); err != nil {
				return err
			}
			if err := c.markUsedLoc(p.dst); err != nil {
				return err
			}
			if err := c.releaseLoc(p.src); err != nil {
				return err
			}
			c.stack[p.idx].loc = p.dst
			progressed = true
		}
		pending = out
		if len(pending) == 0 || progressed {
			continue
		}
		if err := c.breakCycle(pending); err != nil {
			return err
		}
	}
	return nil
}

// breakCycle relocates the value occupying the first pending destination to
// a fresh temporary, rewriting every pending source and every live stack
// entry that referenced it. This strictly reduces the number of occupied
// destinations, so at most one temporary is spent per independent cycle.
func (c *Context) breakCycle(pending []movePair) error {
	occupied := pending[0].dst

	// The occupant is movable only if the operand stack still references it;
	// a destination held by something off-stack is pinned, which the caller
	// should have made impossible.
	var typ ir.ValueType
	found := false
	for i := range c.stack {
		if c.stack[i].loc == occupied {
			typ = c.stack[i].typ
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: destination %s held by pinned value", ErrReconcileStuck, occupied)
	}

	tmp, err := c.cycleTemp(typ)
	if err != nil {
		return err
	}
	if err := c.asm.Mov(typ, tmp, occupied); err != nil {
		return err
	}
	glog.V(2).Infof("codegen: cycle break %s -> %s", occupied, tmp)

	for i := range c.stack {
		if c.stack[i].loc != occupied {
			continue
		}
		c.stack[i].loc = tmp
		if err := c.markUsedLoc(tmp); err != nil {
			return err
		}
		if err := c.releaseLoc(occupied); err != nil {
			return err
		}
	}
	for i := range pending {
		if pending[i].src == occupied {
			pending[i].src = tmp
		}
	}
	// Drop the acquisition reference; the rewrites above own the location
	// now.
	return c.releaseLoc(tmp)
}

// cycleTemp finds a brand-new location to park a cycle occupant: a free
// register of the value's class if one exists, a fresh frame slot otherwise.
// Failing both is resource exhaustion, a fatal compile error distinct from
// the resolvable-cycle case.
func (c *Context) cycleTemp(t ir.ValueType) (loc.Loc, error) {
	if r, ok := c.regs.Take(loc.ClassOf(t)); ok {
		return loc.ForReg(r), nil
	}
	slot, err := c.frame.Allocate()
	if err != nil {
		return loc.None, fmt.Errorf("%w: no temporary for cycle break", ErrNoFreeRegisters)
	}
	return loc.ForStack(slot), nil
}

// adoptConv replaces everything above b.base with b's frozen convention,
// reconstructing allocator references from scratch. Used when control
// reaches a merge point only through branches (the fall-through path was
// dead).
func (c *Context) adoptConv(b *block) error {
	for i := len(c.stack) - 1; i >= b.base; i-- {
		if err := c.releaseLoc(c.stack[i].loc); err != nil {
			return err
		}
	}
	c.stack = c.stack[:b.base]
	if err := c.frame.SetDepth(b.depth); err != nil {
		return err
	}
	for i, l := range b.conv {
		if err := c.markUsedLoc(l); err != nil {
			return err
		}
		if err := c.push(entry{loc: l, typ: b.results[i]}); err != nil {
			return err
		}
	}
	return nil
}
