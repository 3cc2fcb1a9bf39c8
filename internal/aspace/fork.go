package aspace

import (
	"context"
	"fmt"

	"github.com/distrusted/memnucleus/internal/tlb"
)

// Fork implements §4.4's copy-on-write fork protocol: it builds a new
// address space that shares every one of as's current sections,
// read-only, with the parent, deferring the TLB shootdown the parent's
// now-read-only pages require until every section has been copied.
//
// The steps, in order:
//
//  1. Section locks: Fork holds as.mu for its entire body, so no
//     concurrent AddSection/Teardown on the parent can observe a
//     half-forked state.
//  2. Preallocate: every section's destination leaf tables are
//     installed in the child before any PTE is copied. If any section's
//     preallocation fails, the child is torn down and the whole fork
//     fails -- nothing the child holds survives a partial fork (§4.4's
//     all-or-nothing requirement).
//  3. Copy: each section is copied with ptable.CopyOnWriteRange, which
//     never allocates and so cannot fail for any reason Fork hasn't
//     already ruled out by preallocating.
//  4. Shootdown: one invalidation round per section, issued after every
//     section has been copied, not interleaved with the copy loop --
//     the parent's writable mappings are stale everywhere in between,
//     which is safe because nothing but Fork itself (holding as.mu) can
//     observe the address space mid-fork.
func (as *AddressSpace) Fork(ctx context.Context, self tlb.ParticipantID) (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	child := &AddressSpace{eng: as.eng, TLB: tlb.New()}
	root, err := as.eng.NewProcessRoot()
	if err != nil {
		return nil, fmt.Errorf("aspace: fork: allocate child root: %w", err)
	}
	child.Root = root

	for _, s := range as.Sections {
		if err := as.eng.EnsureTables(child.Root, s.VA, s.Size); err != nil {
			_ = as.eng.DestroyRoot(child.Root)
			return nil, fmt.Errorf("aspace: fork: preallocate section %#x: %w", s.VA, err)
		}
	}

	copied := make([]Section, 0, len(as.Sections))
	for _, s := range as.Sections {
		n, err := as.eng.CopyOnWriteRange(as.Root, child.Root, s.VA, s.Size)
		if err != nil {
			_ = as.eng.DestroyRoot(child.Root)
			return nil, fmt.Errorf("aspace: fork: copy section %#x: %w", s.VA, err)
		}
		child.residentCount += n
		copied = append(copied, s)
	}
	child.Sections = copied

	pageSize := as.eng.PageSize()
	for _, s := range copied {
		if err := as.TLB.Invalidate(ctx, self, s.VA, s.pages(pageSize), true); err != nil {
			return nil, fmt.Errorf("aspace: fork: shootdown section %#x: %w", s.VA, err)
		}
	}

	return child, nil
}
