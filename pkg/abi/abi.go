// Package abi derives concrete calling conventions from typed signatures.
// The derivation is a pure function of the signature and the call kind: it
// allocates no resources and emits no code.
package abi

import (
	"errors"
	"fmt"

	"github.com/wasmkit/windlass/pkg/ir"
	"github.com/wasmkit/windlass/pkg/loc"
)

// CallKind selects how many implicit context lanes precede the declared
// parameters.
type CallKind uint8

const (
	// KindEntry is the convention for function entries and every call that
	// targets one, direct or indirect: the context pointer plus a caller
	// context pointer occupy the first two integer argument registers.
	KindEntry CallKind = iota
	// KindLocal drops the caller-context lane. Used for import calls and
	// runtime builtins, where that lane carries no information.
	KindLocal
)

// Fixed register assignments. r0 always carries the context pointer; r1
// doubles as the caller-context lane for KindEntry conventions.
var (
	ContextReg   = loc.Reg{Class: loc.ClassInt, ID: 0}
	CallerCtxReg = loc.Reg{Class: loc.ClassInt, ID: 1}

	intArgRegs   = []loc.Reg{{Class: loc.ClassInt, ID: 0}, {Class: loc.ClassInt, ID: 1}, {Class: loc.ClassInt, ID: 2}, {Class: loc.ClassInt, ID: 3}, {Class: loc.ClassInt, ID: 4}}
	floatArgRegs = []loc.Reg{{Class: loc.ClassFloat, ID: 0}, {Class: loc.ClassFloat, ID: 1}, {Class: loc.ClassFloat, ID: 2}, {Class: loc.ClassFloat, ID: 3}}

	intRetRegs   = []loc.Reg{{Class: loc.ClassInt, ID: 1}, {Class: loc.ClassInt, ID: 2}}
	floatRetRegs = []loc.Reg{{Class: loc.ClassFloat, ID: 0}, {Class: loc.ClassFloat, ID: 1}}
)

// ErrTooManyResults is returned when a signature declares more results than
// the fixed return-register lists can carry. Stack-based returns are not
// implemented.
var ErrTooManyResults = errors.New("too many results for return registers (stack returns unsupported)")

// CallConv is a frozen assignment of parameter and result locations.
type CallConv struct {
	Params  []loc.CCLoc
	Results []loc.CCLoc
	// StackWords is the number of parameter words passed in sequential stack
	// slots 0, 1, 2, ...
	StackWords uint32
}

// Derive assigns each parameter the next unused argument register of its
// class, overflowing integer-family parameters to sequential stack slots.
// Results come only from the fixed return-register lists.
func Derive(sig ir.Signature, kind CallKind) (CallConv, error) {
	reservedInt := 2 // context + caller context
	if kind == KindLocal {
		reservedInt = 1
	}

	var cc CallConv
	nextInt := reservedInt
	nextFloat := 0
	nextSlot := uint32(0)

	for _, t := range sig.Params {
		switch loc.ClassOf(t) {
		case loc.ClassInt:
			if nextInt < len(intArgRegs) {
				cc.Params = append(cc.Params, loc.CCReg(intArgRegs[nextInt]))
				nextInt++
				continue
			}
		case loc.ClassFloat:
			if nextFloat < len(floatArgRegs) {
				cc.Params = append(cc.Params, loc.CCReg(floatArgRegs[nextFloat]))
				nextFloat++
				continue
			}
		}
		cc.Params = append(cc.Params, loc.CCStack(nextSlot))
		nextSlot++
	}
	cc.StackWords = nextSlot

	retInt, retFloat := 0, 0
	for _, t := range sig.Results {
		switch loc.ClassOf(t) {
		case loc.ClassInt:
			if retInt >= len(intRetRegs) {
				return CallConv{}, fmt.Errorf("%w: %d integer results", ErrTooManyResults, retInt+1)
			}
			cc.Results = append(cc.Results, loc.CCReg(intRetRegs[retInt]))
			retInt++
		case loc.ClassFloat:
			if retFloat >= len(floatRetRegs) {
				return CallConv{}, fmt.Errorf("%w: %d float results", ErrTooManyResults, retFloat+1)
			}
			cc.Results = append(cc.Results, loc.CCReg(floatRetRegs[retFloat]))
			retFloat++
		}
	}
	return cc, nil
}

// ArgRegs returns the raw integer argument register list, context lane
// included. Exposed for the code generator's pinning logic.
func ArgRegs() []loc.Reg {
	out := make([]loc.Reg, len(intArgRegs))
	copy(out, intArgRegs)
	return out
}
