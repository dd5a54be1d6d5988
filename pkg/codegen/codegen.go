package codegen

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/glog"

	"github.com/wasmkit/windlass/pkg/abi"
	"github.com/wasmkit/windlass/pkg/frame"
	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/label"
	"github.com/wasmkit/windlass/pkg/loc"
	"github.com/wasmkit/windlass/pkg/masm"
)

// Compile emits one function body. The context's allocators and operand
// stack are reset at entry; the pre-allocated entry label for fnIndex is
// bound at the current offset, so forward and self-recursive calls resolve.
func (c *Context) Compile(fn *ir.Function, fnIndex int) error {
	c.fn = fn
	c.stack = c.stack[:0]
	c.blocks = c.blocks[:0]
	c.deadend = false
	c.regs.Reset()
	c.regs.MarkUsed(abi.ContextReg) // pinned for the whole body
	c.frame = frame.New(len(fn.Sig.Params), DefaultMaxFrameWords)
	c.labels = c.freshLabels()

	conv, err := abi.Derive(fn.Sig, abi.KindEntry)
	if err != nil {
		return err
	}
	c.fnConv = conv

	if err := c.asm.Bind(c.funcLabels[fnIndex]); err != nil {
		return err
	}
	site := c.asm.FrameSetup()

	if err := c.prologue(conv); err != nil {
		return err
	}

	skip := 0
	for _, inst := range fn.Body {
		c.pos = inst.Pos
		if c.deadend {
			switch inst.Op {
			case ir.OpBlock, ir.OpLoop:
				skip++
				continue
			case ir.OpEnd:
				if skip > 0 {
					skip--
					continue
				}
			default:
				continue
			}
		}
		if err := c.instruction(inst); err != nil {
			return fmt.Errorf("%s: %s: %w", inst.Pos, inst.Op, err)
		}
	}

	if err := c.epilogue(conv); err != nil {
		return err
	}
	return c.asm.PatchFrameWords(site, uint32(c.frame.MaxDepth()))
}

// freshLabels returns the label manager to use for this function. The
// session shares one manager across functions (it owns the entry labels);
// per-function deferred pools hang off the same manager.
func (c *Context) freshLabels() *label.Manager {
	if c.labels == nil {
		c.labels = label.NewManager()
	}
	return c.labels
}

// prologue copies register-passed parameters into their frame slots and
// zero-initializes declared locals. Stack-passed parameters already occupy
// their slots under the entry convention.
func (c *Context) prologue(conv abi.CallConv) error {
	for i, p := range conv.Params {
		if !p.IsReg() {
			continue
		}
		t := c.fn.Sig.Params[i]
		if err := c.asm.Mov(t, loc.ForStack(uint32(i)), loc.ForReg(p.Reg())); err != nil {
			return err
		}
	}
	c.localSlots = c.localSlots[:0]
	for i := range c.fn.Sig.Params {
		c.localSlots = append(c.localSlots, uint32(i))
	}
	for _, t := range c.fn.Locals {
		slot, err := c.frame.Allocate()
		if err != nil {
			return err
		}
		if err := c.asm.Mov(t, loc.ForStack(slot), loc.ForImm(t, 0, 0)); err != nil {
			return err
		}
		c.localSlots = append(c.localSlots, slot)
	}
	glog.V(1).Infof("codegen: %s: %d params, %d locals", c.fn.Name, len(c.fn.Sig.Params), len(c.fn.Locals))
	return nil
}

// epilogue moves any live results into the return convention and transfers
// to the shared pop-frame/return sequence, then drains the deferred pool.
func (c *Context) epilogue(conv abi.CallConv) error {
	if !c.deadend {
		if err := c.moveToResults(conv); err != nil {
			return err
		}
		c.asm.Br(c.labels.Deferred(label.EpilogueKey, 1))
	}
	return c.labels.Drain(func(e label.Entry) error {
		c.asm.Align(e.Align)
		if err := c.asm.Bind(e.Label); err != nil {
			return err
		}
		if e.Key.Kind == label.KeyEpilogue {
			c.asm.FrameTeardownRet(uint32(c.frame.MaxDepth()))
			return nil
		}
		c.asm.Data(constBytes(e.Key))
		return nil
	})
}

func constBytes(k label.Key) []byte {
	b := make([]byte, k.Size())
	switch k.Kind {
	case label.KeyF32:
		binary.LittleEndian.PutUint32(b, uint32(k.Bits))
	case label.KeyF64:
		binary.LittleEndian.PutUint64(b, k.Bits)
	case label.KeyV128:
		binary.LittleEndian.PutUint64(b[:8], k.Bits)
		binary.LittleEndian.PutUint64(b[8:], k.Hi)
	}
	return b
}

// moveToResults reconciles the top-of-stack values into the fixed return
// registers.
func (c *Context) moveToResults(conv abi.CallConv) error {
	n := len(conv.Results)
	win := len(c.stack) - n
	if win < 0 {
		return ErrStackUnderflow
	}
	// A value below the window parked in a return register would pin the
	// destination; relocate it first.
	for i := 0; i < win; i++ {
		if !c.stack[i].loc.IsReg() {
			continue
		}
		for _, r := range conv.Results {
			if r.IsReg() && r.Reg() == c.stack[i].loc.Reg() {
				if err := c.evictToSlot(i); err != nil {
					return err
				}
				break
			}
		}
	}
	for i := win; i < len(c.stack); i++ {
		if c.stack[i].loc.IsImm() || c.stack[i].loc.IsCond() {
			if err := c.materialize(i); err != nil {
				return err
			}
		}
	}
	pending := make([]movePair, 0, n)
	for i := n - 1; i >= 0; i-- {
		pending = append(pending, movePair{
			idx: win + i,
			src: c.stack[win+i].loc,
			dst: conv.Results[i].Loc(),
			typ: c.fn.Sig.Results[i],
		})
	}
	if err := c.resolveMoves(pending); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := c.pop(); err != nil {
			return err
		}
		// The return register reference dies with the function.
	}
	for _, r := range conv.Results {
		if err := c.releaseLoc(r.Loc()); err != nil {
			return err
		}
	}
	return nil
}

// instruction dispatches one op.
func (c *Context) instruction(inst ir.Instruction) error {
	switch inst.Op {
	case ir.OpNop:
		return nil
	case ir.OpUnreachable:
		c.asm.Trap(masm.TrapUnreachable, c.pos)
		c.deadend = true
		return nil
	case ir.OpDrop:
		return c.dropRange(0, 0)
	case ir.OpSelect:
		return c.emitSelect(inst)
	case ir.OpConst:
		return c.push(entry{loc: loc.ForImm(inst.Type, inst.Bits, inst.BitsHi), typ: inst.Type})

	case ir.OpLocalGet:
		return c.emitLocalGet(inst)
	case ir.OpLocalSet:
		return c.emitLocalSet(inst, false)
	case ir.OpLocalTee:
		return c.emitLocalSet(inst, true)
	case ir.OpGlobalGet:
		return c.emitGlobalGet(inst)
	case ir.OpGlobalSet:
		return c.emitGlobalSet(inst)

	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor,
		ir.OpShl, ir.OpShrS, ir.OpShrU:
		return c.emitBinary(inst)
	case ir.OpDivS, ir.OpDivU, ir.OpRemS, ir.OpRemU:
		return c.emitDivRem(inst)
	case ir.OpEq, ir.OpNe, ir.OpLtS, ir.OpLtU, ir.OpLeS, ir.OpLeU,
		ir.OpGtS, ir.OpGtU, ir.OpGeS, ir.OpGeU:
		return c.emitCompare(inst)

	case ir.OpBlock:
		return c.enterBlock(inst, false)
	case ir.OpLoop:
		return c.enterBlock(inst, true)
	case ir.OpEnd:
		return c.emitEnd()
	case ir.OpBr:
		return c.emitBr(inst.Depth)
	case ir.OpBrIf:
		return c.emitBrIf(inst.Depth)
	case ir.OpBrTable:
		return c.emitBrTable(inst)
	case ir.OpReturn:
		return c.emitReturn()

	case ir.OpCall:
		return c.emitCall(inst)
	case ir.OpCallIndirect:
		return c.emitCallIndirect(inst)

	case ir.OpLoad:
		return c.emitLoad(inst)
	case ir.OpStore:
		return c.emitStore(inst)
	case ir.OpMemorySize:
		return c.emitMemorySize(inst)
	case ir.OpMemoryGrow:
		return c.emitMemoryGrow(inst)
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedOp, inst.Op)
}

// enterBlock pushes a control entry. Loops bind their header label
// immediately and freeze an empty back-edge convention at the current
// depth, which re-establishes the entry state for every iteration.
func (c *Context) enterBlock(inst ir.Instruction, isLoop bool) error {
	var results []ir.ValueType
	if int(inst.Index) < len(c.fn.Blocks) {
		results = c.fn.Blocks[inst.Index].Results
	}
	if isLoop {
		// The header is reached again by every back edge, so no value below
		// the loop may live in a register or the flags: a spill emitted inside
		// the body would re-run each iteration with a clobbered source. Park
		// everything in its frame slot before the label. Immediates carry no
		// machine state and may stay.
		for i := range c.stack {
			if c.stack[i].loc.IsCond() {
				if err := c.materialize(i); err != nil {
					return err
				}
			}
		}
		for i := range c.stack {
			if c.stack[i].loc.IsReg() {
				if err := c.evictToSlot(i); err != nil {
					return err
				}
			}
		}
	}
	b := &block{
		lbl:     c.labels.NewLabel(),
		isLoop:  isLoop,
		results: results,
		base:    len(c.stack),
		depth:   c.frame.Depth(),
	}
	if isLoop {
		b.frozen = true // empty convention, fixed now
		if err := c.asm.Bind(b.lbl); err != nil {
			return err
		}
	}
	c.blocks = append(c.blocks, b)
	return nil
}

// emitEnd closes the innermost block. A live fall-through edge reconciles
// into the block's convention like any other predecessor; if the block was
// only ever reached by branches, the frozen convention is adopted wholesale.
func (c *Context) emitEnd() error {
	if len(c.blocks) == 0 {
		// Function-level end: the epilogue takes it from here.
		return nil
	}
	b := c.blocks[len(c.blocks)-1]
	c.blocks = c.blocks[:len(c.blocks)-1]

	if b.isLoop {
		// Loop results fall through; the header label was bound at entry.
		return nil
	}
	if !c.deadend {
		if err := c.reconcile(b); err != nil {
			return err
		}
		return c.bindIfUsed(b, true)
	}
	if b.frozen && b.used {
		if err := c.bindIfUsed(b, false); err != nil {
			return err
		}
		if err := c.adoptConv(b); err != nil {
			return err
		}
		c.deadend = false
		return nil
	}
	// Nothing ever reaches this merge point; stay dead.
	return nil
}

func (c *Context) bindIfUsed(b *block, fallthrough_ bool) error {
	if !b.used && !fallthrough_ {
		return nil
	}
	return c.asm.Bind(b.lbl)
}

// emitBr compiles an unconditional branch: the code after it is dead, so
// the reconciliation mutates the live state.
func (c *Context) emitBr(depth uint32) error {
	b, err := c.branchTarget(depth)
	if err != nil {
		return err
	}
	b.used = true
	if err := c.reconcile(b); err != nil {
		return err
	}
	c.asm.Br(b.lbl)
	c.deadend = true
	return nil
}

// emitBrIf compiles a conditional branch. The branch-side reconciliation
// runs under a snapshot so the fall-through path keeps its state: the
// emitted shape is an inverted conditional skip over the move sequence.
func (c *Context) emitBrIf(depth uint32) error {
	b, err := c.branchTarget(depth)
	if err != nil {
		return err
	}
	e, err := c.pop()
	if err != nil {
		return err
	}

	if e.loc.IsImm() {
		// Statically decided: taken becomes a plain br, not-taken is a nop.
		_, bits, _ := e.loc.Imm()
		if bits != 0 {
			return c.emitBr(depth)
		}
		return nil
	}

	cond := loc.Ne
	if e.loc.IsCond() {
		cond = e.loc.Cond()
	} else {
		if err := c.asm.Cmp(e.typ, e.loc, loc.ForImm(e.typ, 0, 0)); err != nil {
			return err
		}
		if err := c.releaseLoc(e.loc); err != nil {
			return err
		}
	}

	b.used = true
	skip := c.labels.NewLabel()
	c.asm.BrIf(cond.Negate(), skip)

	saved := c.save()
	if err := c.reconcile(b); err != nil {
		return err
	}
	c.asm.Br(b.lbl)
	c.restore(saved)

	return c.asm.Bind(skip)
}

// emitReturn moves the results into the return registers and jumps to the
// shared epilogue.
func (c *Context) emitReturn() error {
	if err := c.moveToResults(c.fnConv); err != nil {
		return err
	}
	c.asm.Br(c.labels.Deferred(label.EpilogueKey, 1))
	c.deadend = true
	return nil
}
