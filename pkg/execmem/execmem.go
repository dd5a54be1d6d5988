// Package execmem places finished machine code into executable memory.
// Pages are mapped writable, filled, then flipped to read+execute so the
// image is never writable and executable at the same time.
package execmem

import "errors"

// ErrEmpty is returned when asked to map zero bytes of code.
var ErrEmpty = errors.New("execmem: empty code image")

// Region is a live executable mapping. Release unmaps it; the code must not
// be running when Release is called.
type Region struct {
	mem []byte
}

// Base returns the first byte of the mapped code.
func (r *Region) Base() *byte {
	return &r.mem[0]
}

// Size returns the mapped length in bytes, rounded up to the page size.
func (r *Region) Size() int {
	return len(r.mem)
}

// Bytes exposes the mapped image read-only for inspection.
func (r *Region) Bytes() []byte {
	return r.mem
}
