package frame

import (
	"fmt"
	"time"

	"github.com/distrusted/memnucleus/internal/crash"
	"github.com/distrusted/memnucleus/internal/xutil"
)

// searchRun scans segment seg, starting at frame offset 0 (§4.1:
// "within a segment, earliest eligible offset wins"), for the first
// aligned run of count contiguous frames matching pred. Caller holds
// db.mu.
func (db *FrameDB) searchRun(seg *Segment, count, alignment int, pred func(*Frame, Pa) bool) (int, bool) {
	n := seg.frameCount()
	ps := db.cfg.PageSize
	for off := 0; off+count <= n; off++ {
		addr := seg.addrOf(ps, off)
		if int64(addr)%int64(alignment) != 0 {
			continue
		}
		ok := true
		for i := 0; i < count; i++ {
			if !pred(&seg.Frames[off+i], seg.addrOf(ps, off+i)) {
				ok = false
				break
			}
		}
		if ok {
			return off, true
		}
	}
	return 0, false
}

// rotate performs the circular, full-revolution scan of §4.1 across all
// segments for the given search kind, starting at the kind's cursor.
// Caller holds db.mu.
func (db *FrameDB) rotate(kind searchKind, count, alignment int, pred func(*Frame, Pa) bool) (Pa, *Segment, int, bool) {
	n := len(db.segments)
	if n == 0 {
		return 0, nil, 0, false
	}
	start := db.cursors[kind].segment % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		seg := db.segments[idx]
		if off, ok := db.searchRun(seg, count, alignment, pred); ok {
			db.cursors[kind].segment = (idx + 1) % n
			return seg.addrOf(db.cfg.PageSize, off), seg, off, true
		}
	}
	return 0, nil, 0, false
}

func isFree(f *Frame, _ Pa) bool { return f.state == stateFree }

// Allocate reserves a contiguous run of count frames aligned to
// alignment bytes (an alignment of zero is treated as one page, per
// §8's boundary behavior). Returned frames enter the non-paged state.
// Blocks on pager progress under pressure, escalating to a fatal
// out-of-memory crash after the configured timeout.
func (db *FrameDB) Allocate(count, alignment int) (Pa, error) {
	if count <= 0 {
		return 0, fmt.Errorf("frame: allocate: count must be positive")
	}
	if alignment <= 0 {
		alignment = db.cfg.PageSize
	}

	deadline := time.Now().Add(db.cfg.OOMTimeout)
	for {
		db.mu.Lock()
		pa, seg, off, ok := db.rotate(searchFree, count, alignment, isFree)
		if ok {
			for i := 0; i < count; i++ {
				f := &seg.Frames[off+i]
				f.state = stateNonPaged
				f.hasCache = false
				f.cacheRef = 0
			}
			seg.FreeCount -= count
			db.allocd += count
			low := db.lowWaterNeedLocked()
			prof := db.profiler
			allocd, total, fire := db.sampleLocked()
			hook := db.onPressureSample
			db.mu.Unlock()
			db.Metrics.Allocations.Add(int64(count))
			prof.record(pa, count, db.cfg.PageSize)
			if fire && hook != nil {
				hook(allocd, total)
			}
			if low > 0 && db.onLowWater != nil {
				db.onLowWater(low)
			}
			return pa, nil
		}
		need := count
		db.mu.Unlock()

		if db.onLowWater != nil {
			db.onLowWater(need)
		}
		db.Metrics.OOMWaits.Inc()

		var waitCh <-chan struct{}
		if db.progress != nil {
			waitCh = db.progress.Wait()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			crash.OOM(count, alignment, "no forward progress from pager before timeout")
		}
		timer := time.NewTimer(remaining)
		select {
		case <-waitCh:
			timer.Stop()
			continue
		case <-timer.C:
			crash.OOM(count, alignment, "timed out waiting for pager progress")
		}
	}
}

// sampleLocked increments the operation counter and reports whether
// this operation should trigger a pressure sample, per the sampling
// mask of §4.7. Caller holds db.mu.
func (db *FrameDB) sampleLocked() (allocd, total int, fire bool) {
	db.opCount++
	fire = db.sampleMask == 0 || db.opCount&db.sampleMask == 0
	return db.allocd, db.total, fire
}

// lowWaterNeedLocked returns how many frames below the configured
// minimum free watermark the database currently sits at, or 0 if above
// it. Caller holds db.mu.
func (db *FrameDB) lowWaterNeedLocked() int {
	min := (db.total * db.cfg.MinFreePercent) / 100
	free := db.total - db.allocd
	if free >= min {
		return 0
	}
	return min - free
}

// AllocateIdentity is like Allocate but additionally requires that the
// virtual address numerically equal to the physical address is
// currently unmapped in kernel space, and never blocks: it is used only
// from early-boot and cross-processor bring-up paths (§4.1).
func (db *FrameDB) AllocateIdentity(count, alignment int) (Pa, error) {
	if count <= 0 {
		return 0, fmt.Errorf("frame: allocate_identity: count must be positive")
	}
	if alignment <= 0 {
		alignment = db.cfg.PageSize
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	pred := func(f *Frame, pa Pa) bool {
		if f.state != stateFree {
			return false
		}
		if db.identity == nil {
			return true
		}
		return db.identity.Unmapped(uintptr(pa))
	}
	pa, seg, off, ok := db.rotate(searchIdentity, count, alignment, pred)
	if !ok {
		return 0, fmt.Errorf("frame: allocate_identity: no eligible run found")
	}
	for i := 0; i < count; i++ {
		f := &seg.Frames[off+i]
		f.state = stateNonPaged
		f.hasCache = false
		f.cacheRef = 0
	}
	seg.FreeCount -= count
	db.allocd += count
	db.Metrics.Allocations.Add(int64(count))
	return pa, nil
}

// Free releases count frames starting at addr. Each frame must be
// non-paged, or paged with its paging-out flag clear. A paged frame
// whose paging-out flag is set is left allocated: ownership of its
// eventual release transfers to the pager (§4.1 invariant 6; §8
// scenario 6).
func (db *FrameDB) Free(addr Pa, count int) error {
	if count <= 0 {
		return fmt.Errorf("frame: free: count must be positive")
	}
	db.mu.Lock()

	seg, idx, ok := db.frameAt(addr)
	if !ok || idx+count > seg.frameCount() {
		db.mu.Unlock()
		crash.Fatal(&crash.Record{Kind: crash.NotFound, VA: uintptr(addr), Msg: "free of unknown physical address"})
	}

	freed := 0
	for i := 0; i < count; i++ {
		f := &seg.Frames[idx+i]
		switch f.state {
		case stateFree:
			pa := seg.addrOf(db.cfg.PageSize, idx+i)
			db.mu.Unlock()
			crash.Fatal(&crash.Record{Kind: crash.NotFound, VA: uintptr(pa), Msg: "double free of physical frame"})
		case stateNonPaged:
			f.state = stateFree
			f.hasCache = false
			f.cacheRef = 0
			freed++
		case statePaged:
			if f.paging.PagingOut {
				// Ownership transfers to the pager; leave allocated.
				continue
			}
			f.state = stateFree
			f.paging = PagingDescriptor{}
			freed++
		}
	}
	seg.FreeCount += freed
	db.allocd -= freed
	allocd, total, fire := db.sampleLocked()
	hook := db.onPressureSample
	db.mu.Unlock()

	db.Metrics.Frees.Add(int64(freed))
	db.profiler.forget(addr, count, db.cfg.PageSize)
	if fire && hook != nil {
		hook(allocd, total)
	}
	return nil
}

// CompletePageOut is called by the pager coordinator once a selected
// victim frame's page-out write has succeeded: the frame's paging-out
// ownership transfer (§4.1 invariant 6) concludes and it returns to the
// free pool.
func (db *FrameDB) CompletePageOut(addr Pa) {
	db.mu.Lock()
	defer db.mu.Unlock()
	seg, idx, ok := db.frameAt(addr)
	if !ok {
		crash.Internal(0, uintptr(addr), "complete-page-out on unknown address")
	}
	f := &seg.Frames[idx]
	if f.state != statePaged || !f.paging.PagingOut {
		crash.Internal(0, uintptr(addr), "complete-page-out on frame not mid-eviction")
	}
	f.state = stateFree
	f.paging = PagingDescriptor{}
	seg.FreeCount++
	db.allocd--
	db.Metrics.Frees.Inc()
}

// AbortPageOut clears a selected victim's paging-out flag without
// freeing it, used when the pager gives up after too many consecutive
// I/O failures (§4.6): the frame remains allocated and pageable, simply
// no longer mid-eviction.
func (db *FrameDB) AbortPageOut(addr Pa) {
	db.mu.Lock()
	defer db.mu.Unlock()
	seg, idx, ok := db.frameAt(addr)
	if !ok {
		crash.Internal(0, uintptr(addr), "abort-page-out on unknown address")
	}
	f := &seg.Frames[idx]
	if f.state != statePaged || !f.paging.PagingOut {
		crash.Internal(0, uintptr(addr), "abort-page-out on frame not mid-eviction")
	}
	f.paging.PagingOut = false
}

// MarkPageable transitions count freshly-allocated non-paged frames
// into the paged state, installing one paging descriptor per frame
// (§4.1). Optionally sets each descriptor's lock count to 1.
func (db *FrameDB) MarkPageable(addr Pa, descs []PagingDescriptor, lockInitially bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	seg, idx, ok := db.frameAt(addr)
	if !ok || idx+len(descs) > seg.frameCount() {
		return fmt.Errorf("frame: mark_pageable: range not resident in one segment")
	}
	for i, d := range descs {
		f := &seg.Frames[idx+i]
		if f.state != stateNonPaged {
			return fmt.Errorf("frame: mark_pageable: frame at %#x is not non-paged", uint64(seg.addrOf(db.cfg.PageSize, idx+i)))
		}
		d.PagingOut = false
		if lockInitially {
			d.LockCount = 1
		} else {
			d.LockCount = 0
		}
		f.paging = d
		f.state = statePaged
	}
	return nil
}

// LockPages increments the lock count of count paging descriptors
// starting at addr. Fails (all-or-nothing) if any would exceed
// config.MaxLockCount, returning a surfaced ResourceInUse error (§7).
func (db *FrameDB) LockPages(addr Pa, count int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	seg, idx, ok := db.frameAt(addr)
	if !ok || idx+count > seg.frameCount() {
		return fmt.Errorf("frame: lock_pages: range not resident in one segment")
	}
	for i := 0; i < count; i++ {
		f := &seg.Frames[idx+i]
		if f.state != statePaged {
			return fmt.Errorf("frame: lock_pages: frame at %#x is not paged", uint64(seg.addrOf(db.cfg.PageSize, idx+i)))
		}
		if f.paging.LockCount >= db.cfg.MaxLockCount {
			return crash.ResourceBusy(fmt.Sprintf("lock count at frame %#x already at maximum (%d)", uint64(seg.addrOf(db.cfg.PageSize, idx+i)), db.cfg.MaxLockCount))
		}
	}
	for i := 0; i < count; i++ {
		seg.Frames[idx+i].paging.LockCount++
	}
	return nil
}

// UnlockPages decrements the lock count of count paging descriptors
// starting at addr.
func (db *FrameDB) UnlockPages(addr Pa, count int) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	seg, idx, ok := db.frameAt(addr)
	if !ok || idx+count > seg.frameCount() {
		return fmt.Errorf("frame: unlock_pages: range not resident in one segment")
	}
	for i := 0; i < count; i++ {
		f := &seg.Frames[idx+i]
		if f.state != statePaged {
			return fmt.Errorf("frame: unlock_pages: frame at %#x is not paged", uint64(seg.addrOf(db.cfg.PageSize, idx+i)))
		}
		if f.paging.LockCount == 0 {
			crash.Internal(0, uintptr(seg.addrOf(db.cfg.PageSize, idx+i)), "unlock_pages underflow")
		}
	}
	for i := 0; i < count; i++ {
		seg.Frames[idx+i].paging.LockCount--
	}
	return nil
}

// LockCount reports the current lock count of the paged frame at addr,
// for tests and the pressure monitor.
func (db *FrameDB) LockCount(addr Pa) (int, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	seg, idx, ok := db.frameAt(addr)
	if !ok || seg.Frames[idx].state != statePaged {
		return 0, false
	}
	return seg.Frames[idx].paging.LockCount, true
}

// GetPageCache returns the page-cache back-reference of the non-paged
// frame at addr (§4.1).
func (db *FrameDB) GetPageCache(addr Pa) (CacheRef, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	seg, idx, ok := db.frameAt(addr)
	if !ok || seg.Frames[idx].state != stateNonPaged {
		return 0, false
	}
	f := &seg.Frames[idx]
	return f.cacheRef, f.hasCache
}

// SetPageCache installs ref as the page-cache back-reference of the
// non-paged frame at addr.
func (db *FrameDB) SetPageCache(addr Pa, ref CacheRef) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	seg, idx, ok := db.frameAt(addr)
	if !ok || seg.Frames[idx].state != stateNonPaged {
		return fmt.Errorf("frame: set_page_cache: frame at %#x is not non-paged", uint64(addr))
	}
	seg.Frames[idx].cacheRef = ref
	seg.Frames[idx].hasCache = true
	return nil
}

// SelectVictim performs the "pageable" search of §4.1: the first single
// paged frame that is not locked and not already being paged out,
// atomically marking its paging-out flag while the physical lock is
// held so the pager owns it exclusively. Used by the pager coordinator
// (§4.6).
func (db *FrameDB) SelectVictim() (addr Pa, desc PagingDescriptor, ok bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	pred := func(f *Frame, _ Pa) bool {
		return f.state == statePaged && f.paging.LockCount == 0 && !f.paging.PagingOut
	}
	pa, seg, off, found := db.rotate(searchPageable, 1, 1, pred)
	db.Metrics.PageableScans.Inc()
	if !found {
		return 0, PagingDescriptor{}, false
	}
	seg.Frames[off].paging.PagingOut = true
	return pa, seg.Frames[off].paging, true
}

// MigrateSection serializes descriptor migration (§4.6): walking every
// frame currently paged against section `from` and repointing it at
// `to`, while holding the physical lock so the pager can never select a
// frame mid-migration and write it to the wrong backing store.
func (db *FrameDB) MigrateSection(from, to SectionID) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, seg := range db.segments {
		for i := range seg.Frames {
			f := &seg.Frames[i]
			if f.state == statePaged && f.paging.Section == from {
				f.paging.Section = to
				n++
			}
		}
	}
	return n
}

// roundedAlignment is exposed for callers that need to normalize a
// caller-supplied alignment the same way Allocate does.
func roundedAlignment(align, pageSize int) int {
	if align <= 0 {
		return pageSize
	}
	return xutil.Roundup(align, pageSize)
}
