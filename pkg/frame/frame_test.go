package frame

import (
	"errors"
	"testing"
)

func TestAllocateGrowsAndReuses(t *testing.T) {
	s := New(2, 8)

	a, err := s.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if a != 2 || b != 3 {
		t.Fatalf("slots = %d, %d, want 2, 3 (after 2 params)", a, b)
	}
	if s.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", s.Depth())
	}

	// Releasing the older slot makes it the next allocation.
	if err := s.Release(a); err != nil {
		t.Fatal(err)
	}
	c, err := s.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Errorf("reused slot = %d, want %d", c, a)
	}
	if s.Depth() != 2 {
		t.Errorf("depth grew to %d on reuse", s.Depth())
	}
}

func TestAllocateRespectsMax(t *testing.T) {
	s := New(0, 2)
	s.Allocate()
	s.Allocate()
	if _, err := s.Allocate(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestRefCounting(t *testing.T) {
	s := New(0, 4)
	slot, _ := s.Allocate()

	if err := s.MarkUsed(slot); err != nil {
		t.Fatal(err)
	}
	n, err := s.UseCount(slot)
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v, want 2", n, err)
	}

	s.Release(slot)
	if s.IsFree(slot) {
		t.Error("slot free with one reference left")
	}
	s.Release(slot)
	if !s.IsFree(slot) {
		t.Error("slot not free at count zero")
	}
	if err := s.Release(slot); !errors.Is(err, ErrReleaseFree) {
		t.Errorf("double release err = %v, want ErrReleaseFree", err)
	}
}

func TestUseCountOfMissingSlot(t *testing.T) {
	s := New(1, 4)
	if _, err := s.UseCount(5); !errors.Is(err, ErrNoSuchSlot) {
		t.Errorf("err = %v, want ErrNoSuchSlot", err)
	}
}

func TestSetDepthShrinkFrees(t *testing.T) {
	s := New(0, 8)
	for i := 0; i < 4; i++ {
		s.Allocate()
	}
	if err := s.SetDepth(1); err != nil {
		t.Fatal(err)
	}
	if s.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", s.Depth())
	}
	// Freed region is allocatable again; high-water mark is unchanged.
	s.Allocate()
	s.Allocate()
	if s.MaxDepth() != 4 {
		t.Errorf("max depth = %d, want 4", s.MaxDepth())
	}
}

func TestSetDepthAndFree(t *testing.T) {
	s := New(2, 8)
	for i := 0; i < 3; i++ {
		s.Allocate()
	}
	if err := s.SetDepthAndFree(1); err != nil {
		t.Fatal(err)
	}
	if s.Depth() != 1 {
		t.Errorf("depth = %d, want 1", s.Depth())
	}
	if !s.IsFree(3) || !s.IsFree(4) {
		t.Error("slots beyond the new depth still live")
	}
}

func TestRealOffset(t *testing.T) {
	s := New(2, 8) // params at logical 0, 1
	s.Allocate()   // logical -2 once the next slot exists
	s.Allocate()   // logical -1

	cases := []struct {
		logical int
		want    uint32
	}{
		{0, 16},  // param 0, after saved FP and return address
		{1, 24},  // param 1
		{-1, 40}, // newest slot
		{-2, 32}, // older slot
	}
	for _, c := range cases {
		got, err := s.RealOffset(c.logical)
		if err != nil {
			t.Errorf("RealOffset(%d): %v", c.logical, err)
			continue
		}
		if got != c.want {
			t.Errorf("RealOffset(%d) = %d, want %d", c.logical, got, c.want)
		}
	}
}

func TestRealOffsetBounds(t *testing.T) {
	s := New(2, 8)
	s.Allocate()

	for _, bad := range []int{2, 7, -2, -100} {
		if _, err := s.RealOffset(bad); !errors.Is(err, ErrOffsetOutOfBounds) {
			t.Errorf("RealOffset(%d) err = %v, want ErrOffsetOutOfBounds", bad, err)
		}
	}
}

func TestOffsetsAvoidReservedWords(t *testing.T) {
	// No slot may resolve to the saved frame pointer or return address.
	s := New(3, 16)
	for i := 0; i < 16; i++ {
		s.Allocate()
	}
	for logical := -16; logical < 3; logical++ {
		off, err := s.RealOffset(logical)
		if err != nil {
			t.Fatalf("RealOffset(%d): %v", logical, err)
		}
		if off == SavedFPOffset || off == ReturnAddrOffset {
			t.Errorf("logical %d resolves to reserved offset %d", logical, off)
		}
	}
}

func TestEnsureGrowsForConventionTargets(t *testing.T) {
	s := New(1, 8)
	if err := s.Ensure(4); err != nil { // dynamic index 3
		t.Fatal(err)
	}
	if s.Depth() != 4 {
		t.Fatalf("depth = %d, want 4", s.Depth())
	}
	n, _ := s.UseCount(4)
	if n != 1 {
		t.Errorf("ensured slot count = %d, want 1", n)
	}
	// Intermediate slots exist but stay free.
	if !s.IsFree(1) || !s.IsFree(2) || !s.IsFree(3) {
		t.Error("intermediate slots unexpectedly live")
	}
}
