package masm

import (
	"strings"
	"testing"

	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/label"
	"github.com/wasmkit/windlass/pkg/loc"
)

func newRec() *Recorder {
	return NewRecorder(label.NewManager())
}

func TestOffsetGrowsMonotonically(t *testing.T) {
	r := newRec()
	prev := r.Offset()
	r.Mov(ir.I32, loc.ForReg(loc.Reg{Class: loc.ClassInt, ID: 1}), loc.ForImm(ir.I32, 7, 0))
	r.Br(r.Labels.NewLabel())
	r.Call(r.Labels.NewLabel())
	if r.Offset() <= prev {
		t.Errorf("offset did not grow: %d", r.Offset())
	}
}

func TestBindRecordsCurrentOffset(t *testing.T) {
	r := newRec()
	r.Br(r.Labels.NewLabel())
	l := r.Labels.NewLabel()
	if err := r.Bind(l); err != nil {
		t.Fatal(err)
	}
	off, ok := r.Labels.Offset(l)
	if !ok || off != r.Offset() {
		t.Errorf("bound offset = %d, want %d", off, r.Offset())
	}
}

func TestStubWidthIsFixed(t *testing.T) {
	r := newRec()
	start := r.Offset()
	for i := 0; i < 4; i++ {
		r.BrTableEntry(r.Labels.NewLabel())
	}
	if got := r.Offset() - start; got != 4*StubWidth {
		t.Errorf("4 stubs occupy %d bytes, want %d", got, 4*StubWidth)
	}
}

func TestAlignPads(t *testing.T) {
	r := newRec()
	r.Mov(ir.I32, loc.ForReg(loc.Reg{Class: loc.ClassInt, ID: 0}), loc.ForImm(ir.I32, 0, 0))
	r.Align(16)
	if r.Offset()%16 != 0 {
		t.Errorf("offset %d not 16-aligned", r.Offset())
	}
	// Aligning an aligned buffer emits nothing.
	before := r.Offset()
	r.Align(16)
	if r.Offset() != before {
		t.Error("redundant align emitted padding")
	}
}

func TestCallRelocRecordsPatchSite(t *testing.T) {
	r := newRec()
	pos := ir.Pos{Func: "f", Offset: 9}
	site := r.Offset()
	r.CallReloc(RelocFuncCall, "env.log", pos)

	recs := r.Relocs.Records()
	if len(recs) != 1 {
		t.Fatalf("reloc count = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Offset != site+relocAddrSkip || rec.Target != "env.log" || rec.Kind != RelocFuncCall || rec.Pos != pos {
		t.Errorf("reloc = %+v", rec)
	}
}

func TestTrapRecords(t *testing.T) {
	r := newRec()
	pos := ir.Pos{Func: "g", Offset: 3}
	r.Trap(TrapUnreachable, pos)
	r.TrapIf(loc.Eq, TrapDivByZero, pos)

	recs := r.Traps.Records()
	if len(recs) != 2 {
		t.Fatalf("trap count = %d, want 2", len(recs))
	}
	if recs[0].Kind != TrapUnreachable || recs[1].Kind != TrapDivByZero {
		t.Errorf("trap kinds = %v, %v", recs[0].Kind, recs[1].Kind)
	}
}

func TestMovRejectsNonConcreteDestination(t *testing.T) {
	r := newRec()
	err := r.Mov(ir.I32, loc.ForImm(ir.I32, 1, 0), loc.ForImm(ir.I32, 2, 0))
	if err == nil {
		t.Error("mov into an immediate succeeded")
	}
}

func TestCondMovLowersToFlagRead(t *testing.T) {
	r := newRec()
	dst := loc.ForReg(loc.Reg{Class: loc.ClassInt, ID: 2})
	if err := r.Mov(ir.I32, dst, loc.ForCond(loc.LtU)); err != nil {
		t.Fatal(err)
	}
	ops := r.Ops()
	if !strings.HasPrefix(ops[len(ops)-1], "setlt_u") {
		t.Errorf("last op = %q, want a setcc", ops[len(ops)-1])
	}
}

func TestPatchFrameWords(t *testing.T) {
	r := newRec()
	site := r.FrameSetup()
	r.FrameTeardownRet(0)
	if err := r.PatchFrameWords(site, 5); err != nil {
		t.Fatal(err)
	}
	if ops := r.Ops(); ops[0] != "frame.setup #5" {
		t.Errorf("patched op = %q", ops[0])
	}
	if err := r.PatchFrameWords(9999, 5); err == nil {
		t.Error("patch at bogus site succeeded")
	}
}
