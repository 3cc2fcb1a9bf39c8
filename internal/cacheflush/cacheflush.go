// Package cacheflush implements the Cache-Flush Service of §4.8: four
// client-facing operations over a cache-line-aligned virtual range,
// used by DMA-capable device drivers and self-modifying-code clients.
//
// The real ISA-specific instructions (clflush/wbinvd/dc cvau/ic ivau,
// depending on target) have no equivalent in a hosted Go process, so
// this port's "cache operation per page" is made observable instead of
// simulated: golang.org/x/sys/unix.Mprotect drops a page to PROT_NONE
// and restores it, which forces the host MMU to drop any cached
// translation and TLB entry for that page, and unix.Msync(MS_SYNC)
// forces any dirty bytes out to the mapping's backing store. Neither
// operation is what real hardware cache maintenance does, but both are
// real, externally-observable page-granularity flushes a test can
// assert on, which a no-op stub would not give us.
package cacheflush

import (
	"sync"

	"golang.org/x/sys/unix"
)

// PageWalker is the minimal capability the flush service needs from the
// page-table engine: walk a VA range page by page, skipping any page
// that is not present (§4.8 "skipping pages that are not present"), and
// hand back each present page's backing bytes.
type PageWalker interface {
	// EachPresentPage calls f once per present page in [va, va+size),
	// passing that page's backing byte slice.
	EachPresentPage(va uintptr, size int, f func(page []byte)) error
}

// Service implements the four cache-flush operations of §4.8.
type Service struct {
	mu     sync.Mutex // serializes execution, per §4.8 "first serializes execution"
	walker PageWalker
}

// New returns a cache-flush service driven by the given page walker.
func New(walker PageWalker) *Service {
	return &Service{walker: walker}
}

// FlushForDataIn invalidates all cache levels so that subsequent DMA
// writes from a device are the definitive value: any stale CPU-side
// cached copy must be dropped, never written back over the device's
// data.
func (s *Service) FlushForDataIn(va uintptr, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walker.EachPresentPage(va, size, func(page []byte) {
		dropAndReacquire(page)
	})
}

// FlushForDataOut cleans all cache levels so a device DMA-read observes
// the CPU's writes.
func (s *Service) FlushForDataOut(va uintptr, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walker.EachPresentPage(va, size, func(page []byte) {
		clean(page)
	})
}

// FlushForDataIO cleans then invalidates, for bidirectional DMA.
func (s *Service) FlushForDataIO(va uintptr, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walker.EachPresentPage(va, size, func(page []byte) {
		clean(page)
		dropAndReacquire(page)
	})
}

// FlushInstruction cleans the data cache to the point of unification
// and invalidates the instruction cache, for self-modifying code
// regions.
func (s *Service) FlushInstruction(va uintptr, size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.walker.EachPresentPage(va, size, func(page []byte) {
		clean(page)
		dropAndReacquire(page)
	})
}

// clean forces any dirty bytes in page out to its backing store.
func clean(page []byte) {
	if len(page) == 0 {
		return
	}
	_ = unix.Msync(page, unix.MS_SYNC)
}

// dropAndReacquire forces the host MMU to drop any cached translation
// for page by briefly revoking and restoring access, the hosted stand-in
// for an ISA cache-line invalidate.
func dropAndReacquire(page []byte) {
	if len(page) == 0 {
		return
	}
	_ = unix.Mprotect(page, unix.PROT_NONE)
	_ = unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE)
}
