package regfile

import (
	"errors"
	"testing"

	"github.com/wasmkit/windlass/pkg/loc"
)

func TestTakeExhaustsClass(t *testing.T) {
	f := New()

	seen := map[loc.Reg]bool{}
	for i := 0; i < RegsPerClass; i++ {
		r, ok := f.Take(loc.ClassInt)
		if !ok {
			t.Fatalf("take %d failed with registers remaining", i)
		}
		if seen[r] {
			t.Fatalf("take returned %s twice", r)
		}
		seen[r] = true
	}
	if _, ok := f.Take(loc.ClassInt); ok {
		t.Error("take succeeded on an exhausted class")
	}
	// The float class is unaffected.
	if _, ok := f.Take(loc.ClassFloat); !ok {
		t.Error("float class exhausted by int takes")
	}
}

func TestReleaseReturnsToFreeSet(t *testing.T) {
	f := New()
	r, _ := f.Take(loc.ClassInt)

	if f.IsFree(r) {
		t.Fatalf("%s free while held", r)
	}
	if err := f.Release(r); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !f.IsFree(r) {
		t.Errorf("%s not free after release", r)
	}
	if err := f.Release(r); !errors.Is(err, ErrReleaseFree) {
		t.Errorf("double release err = %v, want ErrReleaseFree", err)
	}
}

func TestRefCountedSharing(t *testing.T) {
	f := New()
	r, _ := f.Take(loc.ClassFloat)

	// Two more references, as a pick would add.
	f.MarkUsed(r)
	f.MarkUsed(r)
	if got := f.UseCount(r); got != 3 {
		t.Fatalf("use count = %d, want 3", got)
	}

	for i := 0; i < 2; i++ {
		if err := f.Release(r); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		if f.IsFree(r) {
			t.Fatalf("%s freed with %d references outstanding", r, f.UseCount(r))
		}
	}
	if err := f.Release(r); err != nil {
		t.Fatalf("final release: %v", err)
	}
	if !f.IsFree(r) {
		t.Error("register not freed when count reached zero")
	}
}

func TestFreeSetMatchesCounts(t *testing.T) {
	// Invariant: count == 0 exactly when the register is in the free set.
	f := New()
	var held []loc.Reg
	for i := 0; i < 5; i++ {
		r, _ := f.Take(loc.ClassInt)
		held = append(held, r)
	}
	f.Release(held[2])

	for class := loc.ClassInt; class <= loc.ClassFloat; class++ {
		for id := uint8(0); id < RegsPerClass; id++ {
			r := loc.Reg{Class: class, ID: id}
			if (f.UseCount(r) == 0) != f.IsFree(r) {
				t.Errorf("%s: count %d but free=%v", r, f.UseCount(r), f.IsFree(r))
			}
		}
	}
}

func TestMarkUsedReservesFreeRegister(t *testing.T) {
	f := New()
	r := loc.Reg{Class: loc.ClassInt, ID: 7}

	f.MarkUsed(r)
	if f.IsFree(r) {
		t.Error("register still free after MarkUsed")
	}
	if got := f.UseCount(r); got != 1 {
		t.Errorf("use count = %d, want 1", got)
	}

	// It must no longer be handed out by Take.
	for i := 0; i < RegsPerClass-1; i++ {
		got, ok := f.Take(loc.ClassInt)
		if !ok {
			t.Fatalf("take %d failed", i)
		}
		if got == r {
			t.Fatalf("take handed out reserved register %s", r)
		}
	}
}

func TestReset(t *testing.T) {
	f := New()
	f.Take(loc.ClassInt)
	f.Take(loc.ClassFloat)
	f.Reset()

	if got := f.FreeCount(loc.ClassInt); got != RegsPerClass {
		t.Errorf("int free count after reset = %d, want %d", got, RegsPerClass)
	}
	if got := f.FreeCount(loc.ClassFloat); got != RegsPerClass {
		t.Errorf("float free count after reset = %d, want %d", got, RegsPerClass)
	}
}
