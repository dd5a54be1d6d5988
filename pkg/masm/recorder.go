package masm

import (
	"fmt"
	"strings"

	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/label"
	"github.com/wasmkit/windlass/pkg/loc"
)

// Recorder is an Assembler that records emit requests as text with
// deterministic instruction widths instead of encoding real bytes. The
// session uses it behind the same interface a real encoder would implement;
// tests assert against its op stream, and all label/offset arithmetic
// (including jump-table stub math) behaves as it would with a fixed-width
// encoding.
type Recorder struct {
	Labels *label.Manager
	Traps  TrapTable
	Relocs RelocTable

	buf []byte
	ops []recordedOp
}

type recordedOp struct {
	offset uint32
	text   string
}

// Widths of recorded instructions in bytes. Only StubWidth is
// architecturally significant; the rest just keep offsets deterministic.
const (
	opWidth       = 4
	wideOpWidth   = 8
	relocAddrSkip = 2 // patch site offset within a relocated call
)

// NewRecorder returns a Recorder issuing labels from the given manager.
func NewRecorder(labels *label.Manager) *Recorder {
	return &Recorder{Labels: labels}
}

func (r *Recorder) emit(width uint32, format string, args ...interface{}) {
	r.ops = append(r.ops, recordedOp{offset: uint32(len(r.buf)), text: fmt.Sprintf(format, args...)})
	r.buf = append(r.buf, make([]byte, width)...)
}

// Offset implements Assembler.
func (r *Recorder) Offset() uint32 { return uint32(len(r.buf)) }

// Bind implements Assembler.
func (r *Recorder) Bind(l label.Label) error {
	if err := r.Labels.Define(l, r.Offset()); err != nil {
		return err
	}
	r.ops = append(r.ops, recordedOp{offset: r.Offset(), text: fmt.Sprintf("L%d:", l)})
	return nil
}

// Align implements Assembler.
func (r *Recorder) Align(n uint32) {
	if n <= 1 {
		return
	}
	if pad := (n - r.Offset()%n) % n; pad > 0 {
		r.emit(pad, ".align %d", n)
	}
}

// Data implements Assembler.
func (r *Recorder) Data(b []byte) {
	r.ops = append(r.ops, recordedOp{offset: r.Offset(), text: fmt.Sprintf(".bytes %x", b)})
	r.buf = append(r.buf, b...)
}

// Mov implements Assembler.
func (r *Recorder) Mov(t ir.ValueType, dst, src loc.Loc) error {
	if !dst.IsConcrete() {
		return fmt.Errorf("mov destination %s is not concrete", dst)
	}
	if src.IsCond() {
		r.emit(opWidth, "set%s.%s %s", src.Cond(), t, dst)
		return nil
	}
	r.emit(opWidth, "mov.%s %s, %s", t, dst, src)
	return nil
}

// ALU implements Assembler.
func (r *Recorder) ALU(op ALUOp, t ir.ValueType, dst, lhs, rhs loc.Loc) error {
	if !dst.IsConcrete() {
		return fmt.Errorf("%s destination %s is not concrete", op, dst)
	}
	r.emit(opWidth, "%s.%s %s, %s, %s", op, t, dst, lhs, rhs)
	return nil
}

// Cmp implements Assembler.
func (r *Recorder) Cmp(t ir.ValueType, lhs, rhs loc.Loc) error {
	if lhs.IsCond() || rhs.IsCond() {
		return fmt.Errorf("cmp of condition location")
	}
	r.emit(opWidth, "cmp.%s %s, %s", t, lhs, rhs)
	return nil
}

// Br implements Assembler.
func (r *Recorder) Br(l label.Label) {
	r.emit(opWidth, "br L%d", l)
}

// BrIf implements Assembler.
func (r *Recorder) BrIf(c loc.Cond, l label.Label) {
	r.emit(opWidth, "br.%s L%d", c, l)
}

// BrTableEntry implements Assembler. Every stub is exactly StubWidth wide.
func (r *Recorder) BrTableEntry(l label.Label) {
	r.emit(StubWidth, "stub br L%d", l)
}

// ClampIndex implements Assembler.
func (r *Recorder) ClampIndex(reg loc.Reg, max uint32) {
	r.emit(wideOpWidth, "clamp %s, %d", reg, max)
}

// BrComputed implements Assembler.
func (r *Recorder) BrComputed(base label.Label, reg loc.Reg) {
	r.emit(wideOpWidth+opWidth, "br.computed L%d + %s*%d", base, reg, StubWidth)
}

// Call implements Assembler.
func (r *Recorder) Call(l label.Label) {
	r.emit(wideOpWidth, "call L%d", l)
}

// CallReloc implements Assembler.
func (r *Recorder) CallReloc(kind RelocKind, target string, pos ir.Pos) {
	r.Relocs.Add(r.Offset()+relocAddrSkip, pos, kind, target, 0)
	r.emit(wideOpWidth, "call.%s %q", kind, target)
}

// CallIndirect implements Assembler.
func (r *Recorder) CallIndirect(target loc.Loc) error {
	if !target.IsConcrete() {
		return fmt.Errorf("indirect call target %s is not concrete", target)
	}
	r.emit(wideOpWidth, "call.indirect %s", target)
	return nil
}

// Load implements Assembler.
func (r *Recorder) Load(t ir.ValueType, dst loc.Loc, base loc.Reg, offset uint32) error {
	if !dst.IsConcrete() {
		return fmt.Errorf("load destination %s is not concrete", dst)
	}
	r.emit(opWidth, "load.%s %s, [%s+%d]", t, dst, base, offset)
	return nil
}

// Store implements Assembler.
func (r *Recorder) Store(t ir.ValueType, base loc.Reg, offset uint32, src loc.Loc) error {
	if src.IsCond() {
		return fmt.Errorf("store of condition location")
	}
	r.emit(opWidth, "store.%s [%s+%d], %s", t, base, offset, src)
	return nil
}

// LoadLabel implements Assembler.
func (r *Recorder) LoadLabel(t ir.ValueType, dst loc.Loc, l label.Label) error {
	if !dst.IsConcrete() {
		return fmt.Errorf("load destination %s is not concrete", dst)
	}
	r.emit(wideOpWidth, "load.%s %s, L%d", t, dst, l)
	return nil
}

// AdjustSP implements Assembler.
func (r *Recorder) AdjustSP(delta int32) {
	if delta == 0 {
		return
	}
	r.emit(opWidth, "sp.adjust %d", delta)
}

// FrameSetup implements Assembler.
func (r *Recorder) FrameSetup() uint32 {
	site := r.Offset()
	r.emit(wideOpWidth, "frame.setup #0")
	return site
}

// PatchFrameWords implements Assembler.
func (r *Recorder) PatchFrameWords(site uint32, words uint32) error {
	for i := range r.ops {
		if r.ops[i].offset == site && strings.HasPrefix(r.ops[i].text, "frame.setup") {
			r.ops[i].text = fmt.Sprintf("frame.setup #%d", words)
			return nil
		}
	}
	return fmt.Errorf("no frame setup at offset %d", site)
}

// FrameTeardownRet implements Assembler.
func (r *Recorder) FrameTeardownRet(words uint32) {
	r.emit(wideOpWidth, "frame.ret #%d", words)
}

// Trap implements Assembler.
func (r *Recorder) Trap(kind TrapKind, pos ir.Pos) {
	r.Traps.Add(r.Offset(), pos, kind)
	r.emit(opWidth, "trap %q", kind)
}

// TrapIf implements Assembler.
func (r *Recorder) TrapIf(c loc.Cond, kind TrapKind, pos ir.Pos) {
	r.Traps.Add(r.Offset(), pos, kind)
	r.emit(wideOpWidth, "trap.%s %q", c, kind)
}

// Ops returns the recorded op texts in emission order.
func (r *Recorder) Ops() []string {
	out := make([]string, len(r.ops))
	for i, op := range r.ops {
		out[i] = op.text
	}
	return out
}

// Dump renders the op stream with offsets, one per line.
func (r *Recorder) Dump() string {
	var b strings.Builder
	for _, op := range r.ops {
		fmt.Fprintf(&b, "%6x  %s\n", op.offset, op.text)
	}
	return b.String()
}

// Bytes returns the placeholder code buffer (real bytes only for Data).
func (r *Recorder) Bytes() []byte { return r.buf }

var _ Assembler = (*Recorder)(nil)
