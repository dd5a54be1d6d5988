package codegen

import (
	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/label"
	"github.com/wasmkit/windlass/pkg/loc"
)

// computedJumpMin is the table size at which the linear compare chain gives
// way to a clamped computed jump through fixed-width stubs.
const computedJumpMin = 16

// emitBrTable compiles the multi-way branch. The dispatch head depends on
// where the selector lives: statically resolved for immediates, a single
// conditional branch when the selector sits in the flags, a linear compare
// chain for small tables, and a clamped computed jump for large ones. Every case lands on a per-target trampoline that reconciles into the
// target's convention, since each edge needs its own move sequence.
func (c *Context) emitBrTable(inst ir.Instruction) error {
	n := len(inst.Targets)
	def := inst.Depth

	sel, err := c.pop()
	if err != nil {
		return err
	}

	if n == 0 {
		if err := c.releaseLoc(sel.loc); err != nil {
			return err
		}
		return c.emitBr(def)
	}
	if sel.loc.IsImm() {
		_, bits, _ := sel.loc.Imm()
		d := def
		if bits < uint64(n) {
			d = inst.Targets[bits]
		}
		return c.emitBr(d)
	}

	// One trampoline per distinct target, in first-use order.
	tramp := make(map[uint32]label.Label, n+1)
	var order []uint32
	lblFor := func(d uint32) label.Label {
		if l, ok := tramp[d]; ok {
			return l
		}
		l := c.labels.NewLabel()
		tramp[d] = l
		order = append(order, d)
		return l
	}

	var saved snapshot
	edge := func(d uint32) error {
		c.restore(saved)
		b, err := c.branchTarget(d)
		if err != nil {
			return err
		}
		b.used = true
		if err := c.reconcile(b); err != nil {
			return err
		}
		c.asm.Br(b.lbl)
		return nil
	}

	switch {
	case sel.loc.IsCond():
		// A flags selector is 0 or 1, so any table needs exactly one
		// conditional branch: 1 picks the second entry (or the default when
		// the table has only one), 0 falls through to the first.
		second := def
		if n > 1 {
			second = inst.Targets[1]
		}
		c.asm.BrIf(sel.loc.Cond(), lblFor(second))
		saved = c.save()
		if err := edge(inst.Targets[0]); err != nil {
			return err
		}

	case n < computedJumpMin:
		cmpLoc := sel.loc
		copied := false
		var chain loc.Reg
		if sel.loc.IsStack() {
			// One register copy up front beats n memory compares, when a
			// register is free.
			if r, ok := c.regs.Take(loc.ClassInt); ok {
				if err := c.asm.Mov(ir.I32, loc.ForReg(r), sel.loc); err != nil {
					return err
				}
				cmpLoc, chain, copied = loc.ForReg(r), r, true
			}
		}
		for i := 0; i < n; i++ {
			if err := c.asm.Cmp(ir.I32, cmpLoc, loc.ForImm(ir.I32, uint64(i), 0)); err != nil {
				return err
			}
			c.asm.BrIf(loc.Eq, lblFor(inst.Targets[i]))
		}
		if copied {
			if err := c.regs.Release(chain); err != nil {
				return err
			}
		}
		if err := c.releaseLoc(sel.loc); err != nil {
			return err
		}
		saved = c.save()
		if err := edge(def); err != nil {
			return err
		}

	default:
		r, err := c.ownedSelector(sel)
		if err != nil {
			return err
		}
		// Out-of-range indexes clamp to n, the default stub.
		c.asm.ClampIndex(r, uint32(n))
		base := c.labels.NewLabel()
		c.asm.BrComputed(base, r)
		if err := c.regs.Release(r); err != nil {
			return err
		}
		if err := c.asm.Bind(base); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			c.asm.BrTableEntry(lblFor(inst.Targets[i]))
		}
		c.asm.BrTableEntry(lblFor(def))
		saved = c.save()
	}

	for _, d := range order {
		if err := c.asm.Bind(tramp[d]); err != nil {
			return err
		}
		if err := edge(d); err != nil {
			return err
		}
	}
	c.deadend = true
	return nil
}

// ownedSelector returns the selector in an exclusively-held integer register
// the dispatch head may clobber.
func (c *Context) ownedSelector(sel entry) (loc.Reg, error) {
	if sel.loc.IsReg() && sel.loc.Reg().Class == loc.ClassInt && c.regs.UseCount(sel.loc.Reg()) == 1 {
		return sel.loc.Reg(), nil
	}
	r, err := c.takeOrFree(loc.ClassInt)
	if err != nil {
		return loc.Reg{}, err
	}
	if err := c.asm.Mov(ir.I32, loc.ForReg(r), sel.loc); err != nil {
		return loc.Reg{}, err
	}
	if err := c.releaseLoc(sel.loc); err != nil {
		return loc.Reg{}, err
	}
	return r, nil
}
