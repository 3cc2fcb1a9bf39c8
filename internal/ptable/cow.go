package ptable

import "github.com/distrusted/memnucleus/internal/frame"

// CopyOnWriteRange implements the fork-support primitive named in §4.2
// and used by §4.4's fork protocol: for every present, user-writable
// page in [va, va+size) under srcRoot, it
//
//  1. clears Writable in the source PTE and marks it Cow (so the next
//     write fault on either address space knows to copy-on-write rather
//     than trusting the Writable bit it no longer has), and
//  2. installs the same read-only Cow PTE, with Dirty and Accessed
//     cleared, at the same VA under dstRoot, sharing the same physical
//     frame.
//
// It never allocates a physical frame and never allocates a table: the
// destination's leaf tables must already exist (via EnsureTables /
// preallocate_tables), so that a mid-range failure here can never leave
// the destination address space half-built for a reason other than "the
// source wasn't mapped there" (§4.4's all-or-nothing requirement is
// enforced by doing the preallocation first, not by this function).
//
// It deliberately does not touch the TLB: the fork defers its
// shootdowns until after every section has been copied.
func (e *Engine) CopyOnWriteRange(srcRoot, dstRoot frame.Pa, va uintptr, size int) (int, error) {
	pageSize := e.db.PageSize()
	count := (size + pageSize - 1) / pageSize
	copied := 0
	for i := 0; i < count; i++ {
		cva := va + uintptr(i*pageSize)
		srcLeaf, srcIdx, ok := e.walk(srcRoot, cva, false)
		if !ok {
			continue
		}
		spte := srcLeaf[srcIdx]
		if !spte.present() || spte.flags()&User == 0 {
			continue
		}

		dstLeaf, dstIdx, ok := e.walk(dstRoot, cva, false)
		if !ok {
			return copied, ErrNoTable
		}
		if dstLeaf[dstIdx].present() {
			return copied, ErrAlreadyMapped
		}

		shared := (spte.flags() &^ Writable) | cow
		srcLeaf[srcIdx] = pack(spte.frame(), shared)
		dstLeaf[dstIdx] = pack(spte.frame(), shared&^(Dirty|Accessed))
		copied++
	}
	return copied, nil
}
