package ptable

import (
	"testing"

	"github.com/distrusted/memnucleus/internal/config"
	"github.com/distrusted/memnucleus/internal/frame"
)

func bootTestDB(t *testing.T, pages int) *frame.FrameDB {
	t.Helper()
	cfg := config.WithDefaults(config.Config{})
	size := int64(pages * cfg.PageSize)
	db, err := frame.Boot(frame.BootParams{
		Cfg:         cfg,
		PhysicalCap: frame.Pa(size),
		Regions: []frame.BootRegion{
			{Base: 0, Length: size, Type: frame.Free},
		},
	})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	return db
}

func newTestEngine(t *testing.T, pages int) (*Engine, *frame.FrameDB) {
	t.Helper()
	db := bootTestDB(t, pages)
	eng, err := New(db)
	if err != nil {
		t.Fatalf("New engine: %v", err)
	}
	return eng, db
}

func TestMapTranslateRoundTrip(t *testing.T) {
	eng, db := newTestEngine(t, 64)
	root, err := eng.NewProcessRoot()
	if err != nil {
		t.Fatalf("NewProcessRoot: %v", err)
	}

	pa, err := db.Allocate(1, 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	const va = uintptr(0x1000)
	if err := eng.Map(root, va, pa, Present|Writable|User); err != nil {
		t.Fatalf("map: %v", err)
	}

	got, flags, err := eng.Translate(root, va+0x10)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got != pa+0x10 {
		t.Fatalf("translate: got %#x want %#x", got, pa+0x10)
	}
	if flags&Writable == 0 || flags&User == 0 {
		t.Fatalf("translate: unexpected flags %v", flags)
	}

	if err := eng.Map(root, va, pa, Present); err != ErrAlreadyMapped {
		t.Fatalf("remap over present entry: got %v, want ErrAlreadyMapped", err)
	}
}

func TestTranslateForeignMatchesOwnRoot(t *testing.T) {
	eng, db := newTestEngine(t, 64)
	root, _ := eng.NewProcessRoot()
	pa, _ := db.Allocate(1, 1)
	const va = uintptr(0x2000)
	if err := eng.Map(root, va, pa, Present|Writable); err != nil {
		t.Fatalf("map: %v", err)
	}

	got1, _, err := eng.Translate(root, va)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	got2, _, err := eng.TranslateForeign(root, va)
	if err != nil {
		t.Fatalf("translate foreign: %v", err)
	}
	if got1 != got2 {
		t.Fatalf("translate vs translate_foreign disagree: %#x != %#x", got1, got2)
	}
}

func TestUnmapTwoPassFreesAndReportsDirty(t *testing.T) {
	eng, db := newTestEngine(t, 64)
	root, _ := eng.NewProcessRoot()
	pa, _ := db.Allocate(1, 1)
	const va = uintptr(0x3000)
	if err := eng.Map(root, va, pa, Present|Writable|Dirty); err != nil {
		t.Fatalf("map: %v", err)
	}

	freeBefore := db.FreeCount()

	cleared := eng.ClearPresent(root, va, 1)
	if len(cleared) != 1 {
		t.Fatalf("ClearPresent: got %d cleared, want 1", len(cleared))
	}
	// After pass 1 but before pass 3, the PTE must read as not present
	// and the frame must not yet be back in the free pool.
	if _, _, err := eng.Translate(root, va); err != ErrNotPresent {
		t.Fatalf("translate after clear: got %v, want ErrNotPresent", err)
	}
	if db.FreeCount() != freeBefore {
		t.Fatalf("frame freed before FreeCleared ran")
	}

	dirty, err := eng.FreeCleared(cleared, true)
	if err != nil {
		t.Fatalf("FreeCleared: %v", err)
	}
	if !dirty {
		t.Fatalf("FreeCleared: expected dirty=true")
	}
	if db.FreeCount() != freeBefore+1 {
		t.Fatalf("frame not returned to pool: free=%d want=%d", db.FreeCount(), freeBefore+1)
	}
}

func TestChangeAccessReportsReduceReach(t *testing.T) {
	eng, db := newTestEngine(t, 64)
	root, _ := eng.NewProcessRoot()
	pa, _ := db.Allocate(1, 1)
	const va = uintptr(0x4000)
	if err := eng.Map(root, va, pa, Present|Writable|User); err != nil {
		t.Fatalf("map: %v", err)
	}

	reduce, err := eng.ChangeAccess(root, va, 1, 0, Writable)
	if err != nil {
		t.Fatalf("change access: %v", err)
	}
	if !reduce {
		t.Fatalf("dropping writable should report reduceReach=true")
	}

	reduce, err = eng.ChangeAccess(root, va, 1, Writable, Writable)
	if err != nil {
		t.Fatalf("change access: %v", err)
	}
	if reduce {
		t.Fatalf("granting writable should never report reduceReach")
	}
}

func TestCopyOnWriteRangeSharesFrameReadOnly(t *testing.T) {
	eng, db := newTestEngine(t, 64)
	src, _ := eng.NewProcessRoot()
	dst, _ := eng.NewProcessRoot()
	pa, _ := db.Allocate(1, 1)
	const va = uintptr(0x5000)

	if err := eng.Map(src, va, pa, Present|Writable|User); err != nil {
		t.Fatalf("map src: %v", err)
	}
	if err := eng.EnsureTables(dst, va, db.PageSize()); err != nil {
		t.Fatalf("ensure tables: %v", err)
	}

	n, err := eng.CopyOnWriteRange(src, dst, va, db.PageSize())
	if err != nil {
		t.Fatalf("cow range: %v", err)
	}
	if n != 1 {
		t.Fatalf("cow range: copied %d, want 1", n)
	}

	srcPA, srcFlags, err := eng.Translate(src, va)
	if err != nil {
		t.Fatalf("translate src: %v", err)
	}
	dstPA, dstFlags, err := eng.Translate(dst, va)
	if err != nil {
		t.Fatalf("translate dst: %v", err)
	}
	if srcPA != dstPA {
		t.Fatalf("cow frames diverged: %#x != %#x", srcPA, dstPA)
	}
	if srcFlags&Writable != 0 || dstFlags&Writable != 0 {
		t.Fatalf("cow mapping must be read-only on both sides, got src=%v dst=%v", srcFlags, dstFlags)
	}
	if srcFlags&COW == 0 || dstFlags&COW == 0 {
		t.Fatalf("cow mapping must carry the cow marker bit")
	}
}

func TestCopyOnWriteRangeRequiresPreallocatedDestination(t *testing.T) {
	eng, db := newTestEngine(t, 64)
	src, _ := eng.NewProcessRoot()
	dst, _ := eng.NewProcessRoot()
	pa, _ := db.Allocate(1, 1)
	const va = uintptr(0x6000)
	if err := eng.Map(src, va, pa, Present|Writable|User); err != nil {
		t.Fatalf("map src: %v", err)
	}

	if _, err := eng.CopyOnWriteRange(src, dst, va, db.PageSize()); err != ErrNoTable {
		t.Fatalf("cow without preallocated dst table: got %v, want ErrNoTable", err)
	}
}

func TestKernelMappingsShareAcrossRoots(t *testing.T) {
	eng, db := newTestEngine(t, 64)
	rootA, _ := eng.NewProcessRoot()
	rootB, _ := eng.NewProcessRoot()
	pa, _ := db.Allocate(1, 1)

	kva := KernelBase + 0x1000
	if err := eng.Map(rootA, kva, pa, Present|Writable); err != nil {
		t.Fatalf("map kernel va: %v", err)
	}

	gotA, _, err := eng.Translate(rootA, kva)
	if err != nil {
		t.Fatalf("translate via rootA: %v", err)
	}
	gotB, _, err := eng.Translate(rootB, kva)
	if err != nil {
		t.Fatalf("translate via rootB: %v", err)
	}
	if gotA != gotB {
		t.Fatalf("kernel mapping not shared: %#x != %#x", gotA, gotB)
	}
}

func TestSyncKernelEntrySucceedsOnlyOnce(t *testing.T) {
	eng, db := newTestEngine(t, 64)
	proc, _ := eng.NewProcessRoot()
	pa, _ := db.Allocate(1, 1)

	kva := KernelBase + 0x2000
	if err := eng.Map(eng.KernelRoot, kva, pa, Present); err != nil {
		t.Fatalf("map into kernel root: %v", err)
	}

	if !eng.SyncKernelEntry(proc, kva) {
		t.Fatalf("first sync should succeed")
	}
	if eng.SyncKernelEntry(proc, kva) {
		t.Fatalf("second sync should be a no-op once the entry is cached")
	}
}

func TestIncompatibleFlagsRejected(t *testing.T) {
	eng, db := newTestEngine(t, 64)
	root, _ := eng.NewProcessRoot()
	pa, _ := db.Allocate(1, 1)
	err := eng.Map(root, 0x7000, pa, Present|CacheDisabled|WriteThrough)
	if err != ErrIncompatibleFlags {
		t.Fatalf("got %v, want ErrIncompatibleFlags", err)
	}
}
