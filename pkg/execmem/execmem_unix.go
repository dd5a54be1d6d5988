//go:build linux || darwin

package execmem

import (
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Map copies code into a fresh anonymous mapping and makes it executable.
func Map(code []byte) (*Region, error) {
	if len(code) == 0 {
		return nil, ErrEmpty
	}
	size := pageCeil(len(code))
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "mmap code region")
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, pkgerrors.Wrap(err, "mprotect rx")
	}
	return &Region{mem: mem}, nil
}

// Release unmaps the region. The Region must not be used afterwards.
func (r *Region) Release() error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	return pkgerrors.Wrap(unix.Munmap(mem), "munmap code region")
}

func pageCeil(n int) int {
	page := unix.Getpagesize()
	return (n + page - 1) &^ (page - 1)
}
