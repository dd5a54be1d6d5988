package abi

import (
	"errors"
	"testing"

	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/loc"
)

func sig(params, results []ir.ValueType) ir.Signature {
	return ir.Signature{Params: params, Results: results}
}

func TestSevenIntParamsLocalKind(t *testing.T) {
	// Five integer argument registers, one reserved for the context pointer:
	// params 0-3 land in the remaining four, params 4-6 at stack slots 0,1,2.
	cc, err := Derive(sig([]ir.ValueType{ir.I32, ir.I64, ir.I32, ir.I64, ir.I32, ir.I32, ir.I64}, nil), KindLocal)
	if err != nil {
		t.Fatal(err)
	}
	if len(cc.Params) != 7 {
		t.Fatalf("param count = %d, want 7", len(cc.Params))
	}
	for i := 0; i < 4; i++ {
		if !cc.Params[i].IsReg() {
			t.Errorf("param %d = %s, want register", i, cc.Params[i])
			continue
		}
		if cc.Params[i].Reg() == ContextReg {
			t.Errorf("param %d assigned the context register", i)
		}
	}
	for i := 4; i < 7; i++ {
		if !cc.Params[i].IsStack() {
			t.Errorf("param %d = %s, want stack slot", i, cc.Params[i])
			continue
		}
		if got, want := cc.Params[i].Slot(), uint32(i-4); got != want {
			t.Errorf("param %d slot = %d, want %d", i, got, want)
		}
	}
	if cc.StackWords != 3 {
		t.Errorf("stack words = %d, want 3", cc.StackWords)
	}
}

func TestEntryKindReservesCallerContext(t *testing.T) {
	ccEntry, err := Derive(sig([]ir.ValueType{ir.I32}, nil), KindEntry)
	if err != nil {
		t.Fatal(err)
	}
	ccLocal, err := Derive(sig([]ir.ValueType{ir.I32}, nil), KindLocal)
	if err != nil {
		t.Fatal(err)
	}
	if ccEntry.Params[0] == ccLocal.Params[0] {
		t.Error("entry and local conventions agree on the first register; the caller-context lane was not reserved")
	}
}

func TestFloatParamsDisjointFromInt(t *testing.T) {
	cc, err := Derive(sig([]ir.ValueType{ir.F64, ir.I32, ir.F32, ir.I64}, nil), KindLocal)
	if err != nil {
		t.Fatal(err)
	}
	if cc.Params[0].Reg().Class != loc.ClassFloat || cc.Params[2].Reg().Class != loc.ClassFloat {
		t.Error("float params not in float registers")
	}
	if cc.Params[1].Reg().Class != loc.ClassInt || cc.Params[3].Reg().Class != loc.ClassInt {
		t.Error("int params not in int registers")
	}
	// Int and float lanes count independently.
	if cc.Params[0].Reg().ID != 0 || cc.Params[2].Reg().ID != 1 {
		t.Errorf("float lane = %s, %s, want v0, v1", cc.Params[0], cc.Params[2])
	}
}

func TestResultsFromReturnRegisters(t *testing.T) {
	cc, err := Derive(sig(nil, []ir.ValueType{ir.I64, ir.F64}), KindLocal)
	if err != nil {
		t.Fatal(err)
	}
	if !cc.Results[0].IsReg() || cc.Results[0].Reg().Class != loc.ClassInt {
		t.Errorf("int result = %s", cc.Results[0])
	}
	if !cc.Results[1].IsReg() || cc.Results[1].Reg().Class != loc.ClassFloat {
		t.Errorf("float result = %s", cc.Results[1])
	}
}

func TestTooManyResults(t *testing.T) {
	_, err := Derive(sig(nil, []ir.ValueType{ir.I32, ir.I32, ir.I32}), KindLocal)
	if !errors.Is(err, ErrTooManyResults) {
		t.Errorf("err = %v, want ErrTooManyResults", err)
	}
	// Per-class limits are independent: two ints plus two floats fit.
	if _, err := Derive(sig(nil, []ir.ValueType{ir.I32, ir.F64, ir.I32, ir.F32}), KindLocal); err != nil {
		t.Errorf("mixed results rejected: %v", err)
	}
}

func TestDeriveIsPure(t *testing.T) {
	s := sig([]ir.ValueType{ir.I32, ir.F64}, []ir.ValueType{ir.I32})
	a, _ := Derive(s, KindEntry)
	b, _ := Derive(s, KindEntry)
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			t.Fatalf("param %d differs across derivations", i)
		}
	}
}
