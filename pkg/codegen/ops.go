package codegen

import (
	"fmt"

	"github.com/wasmkit/windlass/pkg/abi"
	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/loc"
	"github.com/wasmkit/windlass/pkg/masm"
	"github.com/wasmkit/windlass/pkg/meta"
)

var aluOps = map[ir.Op]masm.ALUOp{
	ir.OpAdd: masm.ALUAdd, ir.OpSub: masm.ALUSub, ir.OpMul: masm.ALUMul,
	ir.OpDivS: masm.ALUDivS, ir.OpDivU: masm.ALUDivU,
	ir.OpRemS: masm.ALURemS, ir.OpRemU: masm.ALURemU,
	ir.OpAnd: masm.ALUAnd, ir.OpOr: masm.ALUOr, ir.OpXor: masm.ALUXor,
	ir.OpShl: masm.ALUShl, ir.OpShrS: masm.ALUShrS, ir.OpShrU: masm.ALUShrU,
}

var cmpConds = map[ir.Op]loc.Cond{
	ir.OpEq: loc.Eq, ir.OpNe: loc.Ne,
	ir.OpLtS: loc.LtS, ir.OpLtU: loc.LtU,
	ir.OpLeS: loc.LeS, ir.OpLeU: loc.LeU,
	ir.OpGtS: loc.GtS, ir.OpGtU: loc.GtU,
	ir.OpGeS: loc.GeS, ir.OpGeU: loc.GeU,
}

func (c *Context) localType(idx uint32) ir.ValueType {
	if int(idx) < len(c.fn.Sig.Params) {
		return c.fn.Sig.Params[idx]
	}
	return c.fn.Locals[int(idx)-len(c.fn.Sig.Params)]
}

// popConcrete pops the top entry forced into a register or slot, for emits
// whose operand contract excludes immediates.
func (c *Context) popConcrete() (entry, error) {
	if n := len(c.stack); n > 0 && !c.stack[n-1].loc.IsConcrete() {
		if err := c.materialize(n - 1); err != nil {
			return entry{}, err
		}
	}
	return c.pop()
}

// --- locals and globals ----------------------------------------------------

func (c *Context) emitLocalGet(inst ir.Instruction) error {
	if int(inst.Index) >= len(c.localSlots) {
		return fmt.Errorf("%w: local %d", ErrUnsupportedOp, inst.Index)
	}
	l := loc.ForStack(c.localSlots[inst.Index])
	if err := c.markUsedLoc(l); err != nil {
		return err
	}
	return c.push(entry{loc: l, typ: c.localType(inst.Index)})
}

func (c *Context) emitLocalSet(inst ir.Instruction, tee bool) error {
	if int(inst.Index) >= len(c.localSlots) {
		return fmt.Errorf("%w: local %d", ErrUnsupportedOp, inst.Index)
	}
	slot := c.localSlots[inst.Index]
	t := c.localType(inst.Index)
	dst := loc.ForStack(slot)

	// Stack entries still aliasing the slot hold the value being replaced;
	// relocate it before the overwrite. The value being stored sits on top
	// and is exempt.
	for i := 0; i < len(c.stack)-1; i++ {
		if c.stack[i].loc == dst {
			if err := c.evictToSlot(i); err != nil {
				return err
			}
			break
		}
	}

	n := len(c.stack)
	if n == 0 {
		return ErrStackUnderflow
	}
	top := c.stack[n-1].loc
	if top.IsCond() || (top.IsImm() && t.IsFloat()) || top == dst {
		if err := c.materialize(n - 1); err != nil {
			return err
		}
		top = c.stack[n-1].loc
	}
	if err := c.asm.Mov(t, dst, top); err != nil {
		return err
	}
	if tee {
		return nil
	}
	e, err := c.pop()
	if err != nil {
		return err
	}
	return c.releaseLoc(e.loc)
}

func (c *Context) emitGlobalGet(inst ir.Instruction) error {
	t := inst.Type
	d, err := c.takeOrFree(loc.ClassOf(t))
	if err != nil {
		return err
	}
	if off, defined := c.env.DefinedGlobal(inst.Index); defined {
		if err := c.asm.Load(t, loc.ForReg(d), abi.ContextReg, off); err != nil {
			return err
		}
	} else {
		p, err := c.takeOrFree(loc.ClassInt)
		if err != nil {
			return err
		}
		if err := c.asm.Load(ir.I64, loc.ForReg(p), abi.ContextReg, c.env.ImportedGlobal(inst.Index)); err != nil {
			return err
		}
		if err := c.asm.Load(t, loc.ForReg(d), p, 0); err != nil {
			return err
		}
		if err := c.regs.Release(p); err != nil {
			return err
		}
	}
	return c.push(entry{loc: loc.ForReg(d), typ: t})
}

func (c *Context) emitGlobalSet(inst ir.Instruction) error {
	t := inst.Type
	v, err := c.popConcrete()
	if err != nil {
		return err
	}
	if off, defined := c.env.DefinedGlobal(inst.Index); defined {
		if err := c.asm.Store(t, abi.ContextReg, off, v.loc); err != nil {
			return err
		}
	} else {
		p, err := c.takeOrFree(loc.ClassInt)
		if err != nil {
			return err
		}
		if err := c.asm.Load(ir.I64, loc.ForReg(p), abi.ContextReg, c.env.ImportedGlobal(inst.Index)); err != nil {
			return err
		}
		if err := c.asm.Store(t, p, 0, v.loc); err != nil {
			return err
		}
		if err := c.regs.Release(p); err != nil {
			return err
		}
	}
	return c.releaseLoc(v.loc)
}

// --- arithmetic ------------------------------------------------------------

// emitBinary computes into the left operand's register, so the net register
// pressure of a binary op is one freed source.
func (c *Context) emitBinary(inst ir.Instruction) error {
	t := inst.Type
	if n := len(c.stack); n > 0 && c.stack[n-1].loc.IsImm() && t.IsFloat() {
		if err := c.materialize(n - 1); err != nil {
			return err
		}
	}
	rhs, err := c.popOperand()
	if err != nil {
		return err
	}
	l, err := c.popOwnedReg(t)
	if err != nil {
		return err
	}
	dst := loc.ForReg(l)
	if err := c.asm.ALU(aluOps[inst.Op], t, dst, dst, rhs.loc); err != nil {
		return err
	}
	if err := c.releaseLoc(rhs.loc); err != nil {
		return err
	}
	return c.push(entry{loc: dst, typ: t})
}

func allOnes(t ir.ValueType) uint64 {
	if t == ir.I32 {
		return 0xFFFFFFFF
	}
	return ^uint64(0)
}

func minSigned(t ir.ValueType) uint64 {
	if t == ir.I32 {
		return 0x80000000
	}
	return 1 << 63
}

func immIsZero(t ir.ValueType, bits uint64) bool {
	if t == ir.I32 {
		return uint32(bits) == 0
	}
	return bits == 0
}

// emitDivRem emits the zero-divisor trap, the signed-overflow handling for
// the most-negative dividend, and then the division proper. Signed remainder
// by minus one is defined as zero, so that case branches around the machine
// instruction instead of trapping.
func (c *Context) emitDivRem(inst ir.Instruction) error {
	t := inst.Type
	rhs, err := c.popOperand()
	if err != nil {
		return err
	}
	if rhs.loc.IsImm() {
		if _, bits, _ := rhs.loc.Imm(); immIsZero(t, bits) {
			c.asm.Trap(masm.TrapDivByZero, c.pos)
			lhs, err := c.pop()
			if err != nil {
				return err
			}
			if err := c.releaseLoc(lhs.loc); err != nil {
				return err
			}
			c.deadend = true
			return nil
		}
	} else {
		if err := c.asm.Cmp(t, rhs.loc, loc.ForImm(t, 0, 0)); err != nil {
			return err
		}
		c.asm.TrapIf(loc.Eq, masm.TrapDivByZero, c.pos)
	}

	l, err := c.popOwnedReg(t)
	if err != nil {
		return err
	}
	dst := loc.ForReg(l)
	op := aluOps[inst.Op]
	signed := inst.Op == ir.OpDivS || inst.Op == ir.OpRemS

	rhsMinusOne := false
	rhsKnown := rhs.loc.IsImm()
	if rhsKnown {
		_, bits, _ := rhs.loc.Imm()
		rhsMinusOne = bits&allOnes(t) == allOnes(t)
	}

	switch {
	case signed && inst.Op == ir.OpDivS && rhsKnown && rhsMinusOne:
		if err := c.asm.Cmp(t, dst, loc.ForImm(t, minSigned(t), 0)); err != nil {
			return err
		}
		c.asm.TrapIf(loc.Eq, masm.TrapIntegerOverflow, c.pos)
		if err := c.asm.ALU(op, t, dst, dst, rhs.loc); err != nil {
			return err
		}
	case signed && inst.Op == ir.OpDivS && !rhsKnown:
		ok := c.labels.NewLabel()
		if err := c.asm.Cmp(t, rhs.loc, loc.ForImm(t, allOnes(t), 0)); err != nil {
			return err
		}
		c.asm.BrIf(loc.Ne, ok)
		if err := c.asm.Cmp(t, dst, loc.ForImm(t, minSigned(t), 0)); err != nil {
			return err
		}
		c.asm.TrapIf(loc.Eq, masm.TrapIntegerOverflow, c.pos)
		if err := c.asm.Bind(ok); err != nil {
			return err
		}
		if err := c.asm.ALU(op, t, dst, dst, rhs.loc); err != nil {
			return err
		}
	case signed && inst.Op == ir.OpRemS && rhsKnown && rhsMinusOne:
		if err := c.asm.Mov(t, dst, loc.ForImm(t, 0, 0)); err != nil {
			return err
		}
	case signed && inst.Op == ir.OpRemS && !rhsKnown:
		compute := c.labels.NewLabel()
		done := c.labels.NewLabel()
		if err := c.asm.Cmp(t, rhs.loc, loc.ForImm(t, allOnes(t), 0)); err != nil {
			return err
		}
		c.asm.BrIf(loc.Ne, compute)
		if err := c.asm.Mov(t, dst, loc.ForImm(t, 0, 0)); err != nil {
			return err
		}
		c.asm.Br(done)
		if err := c.asm.Bind(compute); err != nil {
			return err
		}
		if err := c.asm.ALU(op, t, dst, dst, rhs.loc); err != nil {
			return err
		}
		if err := c.asm.Bind(done); err != nil {
			return err
		}
	default:
		if err := c.asm.ALU(op, t, dst, dst, rhs.loc); err != nil {
			return err
		}
	}

	if err := c.releaseLoc(rhs.loc); err != nil {
		return err
	}
	return c.push(entry{loc: dst, typ: t})
}

// emitCompare leaves the result as a condition-code location; nothing is
// read out of the flags until a consumer forces it.
func (c *Context) emitCompare(inst ir.Instruction) error {
	t := inst.Type
	n := len(c.stack)
	if n < 2 {
		return ErrStackUnderflow
	}
	if l := c.stack[n-1].loc; l.IsCond() || (l.IsImm() && t.IsFloat()) {
		if err := c.materialize(n - 1); err != nil {
			return err
		}
	}
	if c.stack[n-2].loc.IsImm() {
		if err := c.materialize(n - 2); err != nil {
			return err
		}
	}
	rhs, err := c.pop()
	if err != nil {
		return err
	}
	lhs, err := c.pop()
	if err != nil {
		return err
	}
	if err := c.asm.Cmp(t, lhs.loc, rhs.loc); err != nil {
		return err
	}
	if err := c.releaseLoc(lhs.loc); err != nil {
		return err
	}
	if err := c.releaseLoc(rhs.loc); err != nil {
		return err
	}
	return c.push(entry{loc: loc.ForCond(cmpConds[inst.Op]), typ: ir.I32})
}

// --- select ----------------------------------------------------------------

func (c *Context) emitSelect(inst ir.Instruction) error {
	t := inst.Type
	sel, err := c.pop()
	if err != nil {
		return err
	}

	if sel.loc.IsImm() {
		// Statically decided.
		_, bits, _ := sel.loc.Imm()
		f, err := c.pop()
		if err != nil {
			return err
		}
		if bits != 0 {
			return c.releaseLoc(f.loc) // keep the true case underneath
		}
		tr, err := c.pop()
		if err != nil {
			return err
		}
		if err := c.releaseLoc(tr.loc); err != nil {
			return err
		}
		return c.push(f)
	}

	cond := loc.Ne
	if sel.loc.IsCond() {
		cond = sel.loc.Cond()
	} else {
		if err := c.asm.Cmp(sel.typ, sel.loc, loc.ForImm(sel.typ, 0, 0)); err != nil {
			return err
		}
		if err := c.releaseLoc(sel.loc); err != nil {
			return err
		}
	}

	if n := len(c.stack); n > 0 && c.stack[n-1].loc.IsImm() && t.IsFloat() {
		if err := c.materialize(n - 1); err != nil {
			return err
		}
	}
	f, err := c.popOperand()
	if err != nil {
		return err
	}
	trReg, err := c.popOwnedReg(t)
	if err != nil {
		return err
	}
	keep := c.labels.NewLabel()
	c.asm.BrIf(cond, keep)
	if err := c.asm.Mov(t, loc.ForReg(trReg), f.loc); err != nil {
		return err
	}
	if err := c.asm.Bind(keep); err != nil {
		return err
	}
	if err := c.releaseLoc(f.loc); err != nil {
		return err
	}
	return c.push(entry{loc: loc.ForReg(trReg), typ: t})
}

// --- memory ----------------------------------------------------------------

// memoryRecord resolves the base register and offset of the memory's
// definition record, loading the indirection cell for imported memories. The
// returned release function drops the scratch register, if one was taken.
func (c *Context) memoryRecord(idx uint32) (loc.Reg, uint32, func() error, error) {
	if off, defined := c.env.DefinedMemory(idx); defined {
		return abi.ContextReg, off, func() error { return nil }, nil
	}
	p, err := c.takeOrFree(loc.ClassInt)
	if err != nil {
		return loc.Reg{}, 0, nil, err
	}
	if err := c.asm.Load(ir.I64, loc.ForReg(p), abi.ContextReg, c.env.ImportedMemory(idx)); err != nil {
		return loc.Reg{}, 0, nil, err
	}
	return p, 0, func() error { return c.regs.Release(p) }, nil
}

// boundsCheck traps when addr + staticOff + size exceeds the memory's
// current byte length.
func (c *Context) boundsCheck(addr loc.Reg, staticOff, size uint32, rec loc.Reg, recOff uint32) error {
	if !c.env.BoundsChecks() {
		return nil
	}
	length, err := c.takeOrFree(loc.ClassInt)
	if err != nil {
		return err
	}
	end, err := c.takeOrFree(loc.ClassInt)
	if err != nil {
		return err
	}
	if err := c.asm.Load(ir.I64, loc.ForReg(length), rec, recOff+c.env.MemoryLengthOffset()); err != nil {
		return err
	}
	if err := c.asm.Mov(ir.I64, loc.ForReg(end), loc.ForReg(addr)); err != nil {
		return err
	}
	if err := c.asm.ALU(masm.ALUAdd, ir.I64, loc.ForReg(end), loc.ForReg(end), loc.ForImm(ir.I64, uint64(staticOff)+uint64(size), 0)); err != nil {
		return err
	}
	if err := c.asm.Cmp(ir.I64, loc.ForReg(end), loc.ForReg(length)); err != nil {
		return err
	}
	c.asm.TrapIf(loc.GtU, masm.TrapMemoryOutOfBounds, c.pos)
	if err := c.regs.Release(end); err != nil {
		return err
	}
	return c.regs.Release(length)
}

// addBase folds the memory's base pointer into the address register.
func (c *Context) addBase(addr loc.Reg, rec loc.Reg, recOff uint32) error {
	b, err := c.takeOrFree(loc.ClassInt)
	if err != nil {
		return err
	}
	if err := c.asm.Load(ir.I64, loc.ForReg(b), rec, recOff+c.env.MemoryBaseOffset()); err != nil {
		return err
	}
	if err := c.asm.ALU(masm.ALUAdd, ir.I64, loc.ForReg(addr), loc.ForReg(addr), loc.ForReg(b)); err != nil {
		return err
	}
	return c.regs.Release(b)
}

func (c *Context) emitLoad(inst ir.Instruction) error {
	t := inst.Type
	addr, err := c.popOwnedReg(ir.I32)
	if err != nil {
		return err
	}
	rec, recOff, done, err := c.memoryRecord(inst.Index)
	if err != nil {
		return err
	}
	if err := c.boundsCheck(addr, inst.Mem.Offset, t.Size(), rec, recOff); err != nil {
		return err
	}
	if err := c.addBase(addr, rec, recOff); err != nil {
		return err
	}
	if err := done(); err != nil {
		return err
	}
	dst := addr
	if t.IsFloat() {
		dst, err = c.takeOrFree(loc.ClassFloat)
		if err != nil {
			return err
		}
	}
	if err := c.asm.Load(t, loc.ForReg(dst), addr, inst.Mem.Offset); err != nil {
		return err
	}
	if t.IsFloat() {
		if err := c.regs.Release(addr); err != nil {
			return err
		}
	}
	return c.push(entry{loc: loc.ForReg(dst), typ: t})
}

func (c *Context) emitStore(inst ir.Instruction) error {
	t := inst.Type
	v, err := c.popConcrete()
	if err != nil {
		return err
	}
	addr, err := c.popOwnedReg(ir.I32)
	if err != nil {
		return err
	}
	rec, recOff, done, err := c.memoryRecord(inst.Index)
	if err != nil {
		return err
	}
	if err := c.boundsCheck(addr, inst.Mem.Offset, t.Size(), rec, recOff); err != nil {
		return err
	}
	if err := c.addBase(addr, rec, recOff); err != nil {
		return err
	}
	if err := done(); err != nil {
		return err
	}
	if err := c.asm.Store(t, addr, inst.Mem.Offset, v.loc); err != nil {
		return err
	}
	if err := c.regs.Release(addr); err != nil {
		return err
	}
	return c.releaseLoc(v.loc)
}

func (c *Context) emitMemorySize(inst ir.Instruction) error {
	d, err := c.takeOrFree(loc.ClassInt)
	if err != nil {
		return err
	}
	rec, recOff, done, err := c.memoryRecord(inst.Index)
	if err != nil {
		return err
	}
	if err := c.asm.Load(ir.I64, loc.ForReg(d), rec, recOff+c.env.MemoryLengthOffset()); err != nil {
		return err
	}
	if err := done(); err != nil {
		return err
	}
	// Byte length to 64 KiB page count.
	if err := c.asm.ALU(masm.ALUShrU, ir.I64, loc.ForReg(d), loc.ForReg(d), loc.ForImm(ir.I64, 16, 0)); err != nil {
		return err
	}
	return c.push(entry{loc: loc.ForReg(d), typ: ir.I32})
}

func (c *Context) emitMemoryGrow(inst ir.Instruction) error {
	// The grow path runs through the runtime helper in the context vtable.
	p, err := c.takeOrFree(loc.ClassInt)
	if err != nil {
		return err
	}
	if err := c.asm.Load(ir.I64, loc.ForReg(p), abi.ContextReg, c.env.BuiltinSlot(meta.BuiltinMemoryGrow)); err != nil {
		return err
	}
	fnSlot, err := c.frame.Allocate()
	if err != nil {
		return err
	}
	if err := c.asm.Mov(ir.I64, loc.ForStack(fnSlot), loc.ForReg(p)); err != nil {
		return err
	}
	if err := c.regs.Release(p); err != nil {
		return err
	}
	sig := ir.Signature{Params: []ir.ValueType{ir.I32}, Results: []ir.ValueType{ir.I32}}
	conv, err := abi.Derive(sig, abi.KindLocal)
	if err != nil {
		return err
	}
	return c.callWithConv(conv, sig,
		nil,
		func() error { return c.asm.CallIndirect(loc.ForStack(fnSlot)) },
		func() error { return c.frame.Release(fnSlot) },
	)
}

// --- calls -----------------------------------------------------------------

// callWithConv moves the top-of-stack argument window into the derived
// convention, saves every register-resident value that survives the call,
// emits the call through doCall, and lands the results. beforeCall runs after
// the argument moves, afterCall right after the call returns; either may be
// nil.
func (c *Context) callWithConv(conv abi.CallConv, sig ir.Signature, beforeCall, doCall, afterCall func() error) error {
	n := len(sig.Params)
	win := len(c.stack) - n
	if win < 0 {
		return ErrStackUnderflow
	}
	for i := win; i < len(c.stack); i++ {
		l := c.stack[i].loc
		if l.IsCond() || (l.IsImm() && c.stack[i].typ.IsFloat()) {
			if err := c.materialize(i); err != nil {
				return err
			}
		}
	}
	// Every register is caller-saved under this convention.
	for i := 0; i < win; i++ {
		if c.stack[i].loc.IsReg() {
			if err := c.evictToSlot(i); err != nil {
				return err
			}
		}
	}

	base := c.frame.Depth()
	dsts := make([]loc.Loc, n)
	pending := make([]movePair, 0, n)
	for i := n - 1; i >= 0; i-- {
		p := conv.Params[i]
		var dst loc.Loc
		if p.IsReg() {
			dst = loc.ForReg(p.Reg())
		} else {
			dst = loc.ForStack(uint32(c.frame.NumParams()+base) + p.Slot())
		}
		dsts[i] = dst
		pending = append(pending, movePair{idx: win + i, src: c.stack[win+i].loc, dst: dst, typ: sig.Params[i]})
	}
	if err := c.resolveMoves(pending); err != nil {
		return err
	}

	if beforeCall != nil {
		if err := beforeCall(); err != nil {
			return err
		}
	}
	if conv.StackWords > 0 {
		c.asm.AdjustSP(int32(conv.StackWords))
	}
	if err := doCall(); err != nil {
		return err
	}
	if conv.StackWords > 0 {
		c.asm.AdjustSP(-int32(conv.StackWords))
	}
	if afterCall != nil {
		if err := afterCall(); err != nil {
			return err
		}
	}

	// The arguments die with the call.
	c.stack = c.stack[:win]
	for _, d := range dsts {
		if d.IsReg() {
			if err := c.regs.Release(d.Reg()); err != nil {
				return err
			}
		}
	}
	if err := c.frame.SetDepthAndFree(base); err != nil {
		return err
	}

	for i, r := range conv.Results {
		c.regs.MarkUsed(r.Reg())
		if err := c.push(entry{loc: r.Loc(), typ: sig.Results[i]}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) emitCall(inst ir.Instruction) error {
	idx := inst.Index
	nimp := uint32(len(c.module.Imports))

	if idx < nimp {
		imp := c.module.Imports[idx]
		conv, err := abi.Derive(imp.Sig, abi.KindLocal)
		if err != nil {
			return err
		}
		var ctxSave uint32
		before := func() error {
			var err error
			if ctxSave, err = c.frame.Allocate(); err != nil {
				return err
			}
			if err := c.asm.Mov(ir.I64, loc.ForStack(ctxSave), loc.ForReg(abi.ContextReg)); err != nil {
				return err
			}
			return c.asm.Load(ir.I64, loc.ForReg(abi.ContextReg), abi.ContextReg, c.env.ImportedFuncCtxOffset(idx))
		}
		call := func() error {
			c.asm.CallReloc(masm.RelocFuncCall, imp.Module+"."+imp.Name, c.pos)
			return nil
		}
		after := func() error {
			if err := c.asm.Mov(ir.I64, loc.ForReg(abi.ContextReg), loc.ForStack(ctxSave)); err != nil {
				return err
			}
			return c.frame.Release(ctxSave)
		}
		return c.callWithConv(conv, imp.Sig, before, call, after)
	}

	def := int(idx - nimp)
	if def >= len(c.module.Functions) {
		return fmt.Errorf("%w: function %d", ErrUnsupportedOp, idx)
	}
	// Defined functions are compiled against the entry convention, so local
	// calls must speak it too, caller-context lane included.
	sig := c.module.Functions[def].Sig
	conv, err := abi.Derive(sig, abi.KindEntry)
	if err != nil {
		return err
	}
	before := func() error {
		return c.asm.Mov(ir.I64, loc.ForReg(abi.CallerCtxReg), loc.ForReg(abi.ContextReg))
	}
	return c.callWithConv(conv, sig, before, func() error {
		c.asm.Call(c.funcLabels[def])
		return nil
	}, nil)
}

func (c *Context) emitCallIndirect(inst ir.Instruction) error {
	if int(inst.Index) >= len(c.module.Sigs) {
		return fmt.Errorf("%w: signature %d", ErrUnsupportedOp, inst.Index)
	}
	sig := c.module.Sigs[inst.Index]

	idx, err := c.popOwnedReg(ir.I32)
	if err != nil {
		return err
	}
	t2, err := c.takeOrFree(loc.ClassInt)
	if err != nil {
		return err
	}

	rec := abi.ContextReg
	recOff, defined := c.env.DefinedTable(0)
	var recTmp loc.Reg
	haveTmp := false
	if !defined {
		if recTmp, err = c.takeOrFree(loc.ClassInt); err != nil {
			return err
		}
		if err := c.asm.Load(ir.I64, loc.ForReg(recTmp), abi.ContextReg, c.env.ImportedTable(0)); err != nil {
			return err
		}
		rec, recOff, haveTmp = recTmp, 0, true
	}

	// Index against the live element count.
	if err := c.asm.Load(ir.I32, loc.ForReg(t2), rec, recOff+c.env.TableCountOffset()); err != nil {
		return err
	}
	if err := c.asm.Cmp(ir.I32, loc.ForReg(idx), loc.ForReg(t2)); err != nil {
		return err
	}
	c.asm.TrapIf(loc.GeU, masm.TrapTableOutOfBounds, c.pos)

	// Descriptor address = table base + index * descriptor size.
	if err := c.asm.Load(ir.I64, loc.ForReg(t2), rec, recOff+c.env.TableBaseOffset()); err != nil {
		return err
	}
	if haveTmp {
		if err := c.regs.Release(recTmp); err != nil {
			return err
		}
	}
	if err := c.asm.ALU(masm.ALUMul, ir.I64, loc.ForReg(idx), loc.ForReg(idx), loc.ForImm(ir.I64, uint64(c.env.CallTargetSize()), 0)); err != nil {
		return err
	}
	if err := c.asm.ALU(masm.ALUAdd, ir.I64, loc.ForReg(idx), loc.ForReg(idx), loc.ForReg(t2)); err != nil {
		return err
	}

	// Signature check, then null check.
	if err := c.asm.Load(ir.I32, loc.ForReg(t2), idx, c.env.CallTargetTypeIDOffset()); err != nil {
		return err
	}
	if err := c.asm.Cmp(ir.I32, loc.ForReg(t2), loc.ForImm(ir.I32, uint64(inst.Index), 0)); err != nil {
		return err
	}
	c.asm.TrapIf(loc.Ne, masm.TrapIndirectCallMismatch, c.pos)
	if err := c.asm.Load(ir.I64, loc.ForReg(t2), idx, c.env.CallTargetBodyOffset()); err != nil {
		return err
	}
	if err := c.asm.Cmp(ir.I64, loc.ForReg(t2), loc.ForImm(ir.I64, 0, 0)); err != nil {
		return err
	}
	c.asm.TrapIf(loc.Eq, masm.TrapIndirectCallNull, c.pos)

	// Park the body pointer in a slot so no scratch register survives into
	// the argument moves.
	bodySlot, err := c.frame.Allocate()
	if err != nil {
		return err
	}
	if err := c.asm.Mov(ir.I64, loc.ForStack(bodySlot), loc.ForReg(t2)); err != nil {
		return err
	}
	if err := c.regs.Release(t2); err != nil {
		return err
	}
	if err := c.regs.Release(idx); err != nil {
		return err
	}

	conv, err := abi.Derive(sig, abi.KindEntry)
	if err != nil {
		return err
	}
	before := func() error {
		// Cross-module entries receive the caller's context alongside.
		return c.asm.Mov(ir.I64, loc.ForReg(abi.CallerCtxReg), loc.ForReg(abi.ContextReg))
	}
	call := func() error { return c.asm.CallIndirect(loc.ForStack(bodySlot)) }
	after := func() error { return c.frame.Release(bodySlot) }
	return c.callWithConv(conv, sig, before, call, after)
}
