package loc

import (
	"errors"
	"testing"

	"github.com/wasmkit/windlass/pkg/ir"
)

func TestCondNegateIsInvolution(t *testing.T) {
	for c := Eq; c <= GeU; c++ {
		if got := c.Negate().Negate(); got != c {
			t.Errorf("%s negated twice = %s, want %s", c, got, c)
		}
		if c.Negate() == c {
			t.Errorf("%s is its own negation", c)
		}
	}
}

func TestCondNegatePairs(t *testing.T) {
	pairs := map[Cond]Cond{
		Eq:  Ne,
		LtS: GeS,
		LeS: GtS,
		LtU: GeU,
		LeU: GtU,
	}
	for c, want := range pairs {
		if got := c.Negate(); got != want {
			t.Errorf("negate(%s) = %s, want %s", c, got, want)
		}
	}
}

func TestLocClassifiers(t *testing.T) {
	cases := []struct {
		l        Loc
		kind     Kind
		concrete bool
	}{
		{ForReg(Reg{ClassInt, 3}), KindReg, true},
		{ForReg(Reg{ClassFloat, 0}), KindReg, true},
		{ForStack(7), KindStack, true},
		{ForImm(ir.I32, 42, 0), KindImm, false},
		{ForCond(LtU), KindCond, false},
	}
	for _, c := range cases {
		if c.l.Kind() != c.kind {
			t.Errorf("%s: kind = %v, want %v", c.l, c.l.Kind(), c.kind)
		}
		if c.l.IsConcrete() != c.concrete {
			t.Errorf("%s: concrete = %v, want %v", c.l, c.l.IsConcrete(), c.concrete)
		}
	}
}

func TestLocEquality(t *testing.T) {
	if ForReg(Reg{ClassInt, 2}) != ForReg(Reg{ClassInt, 2}) {
		t.Error("equal register locations compare unequal")
	}
	if ForReg(Reg{ClassInt, 2}) == ForReg(Reg{ClassFloat, 2}) {
		t.Error("registers of different classes compare equal")
	}
	if ForStack(1) == ForStack(2) {
		t.Error("distinct slots compare equal")
	}
}

func TestCallConvConversion(t *testing.T) {
	cc, err := ForReg(Reg{ClassInt, 5}).CallConv()
	if err != nil {
		t.Fatalf("register conversion failed: %v", err)
	}
	if !cc.IsReg() || cc.Reg() != (Reg{ClassInt, 5}) {
		t.Errorf("converted register = %s", cc)
	}

	cc, err = ForStack(9).CallConv()
	if err != nil {
		t.Fatalf("stack conversion failed: %v", err)
	}
	if !cc.IsStack() || cc.Slot() != 9 {
		t.Errorf("converted slot = %s", cc)
	}

	for _, bad := range []Loc{ForImm(ir.I64, 1, 0), ForCond(Eq)} {
		if _, err := bad.CallConv(); !errors.Is(err, ErrNotCallConv) {
			t.Errorf("%s: err = %v, want ErrNotCallConv", bad, err)
		}
	}
}

func TestCCLocRoundTrip(t *testing.T) {
	orig := ForStack(4)
	cc, err := orig.CallConv()
	if err != nil {
		t.Fatal(err)
	}
	if cc.Loc() != orig {
		t.Errorf("round trip = %s, want %s", cc.Loc(), orig)
	}
}

func TestClassOf(t *testing.T) {
	if ClassOf(ir.I32) != ClassInt || ClassOf(ir.I64) != ClassInt {
		t.Error("integer types must map to the int class")
	}
	if ClassOf(ir.F32) != ClassFloat || ClassOf(ir.F64) != ClassFloat || ClassOf(ir.V128) != ClassFloat {
		t.Error("float and vector types must map to the float class")
	}
}
