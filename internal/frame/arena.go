package frame

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// arena is the host-backed stand-in for physical RAM (SPEC_FULL §1
// "Host environment"). Since this port runs as an ordinary process
// rather than ring-0 on real hardware, "physical address" means "byte
// offset into this anonymous mapping", and Dmap-style translation is
// just pointer arithmetic into arena.mem instead of the teacher's
// recursive/direct-map page-table trick (mem.Dmap).
type arena struct {
	mem []byte // the mmap'd region itself
}

// newArena reserves size bytes of anonymous, page-aligned memory via
// mmap so that per-page protection changes (internal/cacheflush) and
// real page alignment are observable, not simulated.
func newArena(size int) (*arena, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("frame: reserve %d byte arena: %w", size, err)
	}
	return &arena{mem: b}, nil
}

// page returns the byte slice backing the page at physical address pa.
func (a *arena) page(pa Pa, pageSize int) []byte {
	off := int(pa)
	return a.mem[off : off+pageSize]
}

// close releases the backing mapping. Only used by tests; the nucleus
// itself never tears down its own arena (§3 "Address spaces ... created
// ... destroyed only when" -- the frame database, like the rest of the
// singleton memory-manager context, lives for the process's lifetime
// per §9 "Global mutable state").
func (a *arena) close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
