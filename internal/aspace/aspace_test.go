package aspace

import (
	"context"
	"testing"
	"time"

	"github.com/distrusted/memnucleus/internal/config"
	"github.com/distrusted/memnucleus/internal/frame"
	"github.com/distrusted/memnucleus/internal/ptable"
)

func newTestManagerWithConfig(t *testing.T, pages int, cfg config.Config) (*Manager, *ptable.Engine, *frame.FrameDB) {
	t.Helper()
	cfg = config.WithDefaults(cfg)
	size := int64(pages * cfg.PageSize)
	db, err := frame.Boot(frame.BootParams{
		Cfg:         cfg,
		PhysicalCap: frame.Pa(size),
		Regions:     []frame.BootRegion{{Base: 0, Length: size, Type: frame.Free}},
	})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	eng, err := ptable.New(db)
	if err != nil {
		t.Fatalf("ptable.New: %v", err)
	}
	return NewManager(eng), eng, db
}

func newTestManager(t *testing.T, pages int) (*Manager, *ptable.Engine, *frame.FrameDB) {
	t.Helper()
	return newTestManagerWithConfig(t, pages, config.Config{})
}

func TestCreateDestroyReturnsFramesToPool(t *testing.T) {
	m, _, db := newTestManager(t, 64)
	free0 := db.FreeCount()

	as, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if db.FreeCount() != free0-1 {
		t.Fatalf("create should consume exactly the root frame")
	}
	if err := as.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if db.FreeCount() != free0 {
		t.Fatalf("destroy did not return the root frame: free=%d want=%d", db.FreeCount(), free0)
	}
}

func TestForkSharesPagesReadOnly(t *testing.T) {
	m, eng, db := newTestManager(t, 64)

	parent, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	pa, err := db.Allocate(1, 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	const va = uintptr(0x1000)
	if err := eng.Map(parent.Root, va, pa, ptable.Present|ptable.Writable|ptable.User); err != nil {
		t.Fatalf("map: %v", err)
	}
	parent.AddSection(1, va, db.PageSize(), ptable.Present|ptable.Writable|ptable.User)

	child, err := parent.Fork(context.Background(), 1)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	parentPA, parentFlags, err := eng.Translate(parent.Root, va)
	if err != nil {
		t.Fatalf("translate parent: %v", err)
	}
	childPA, childFlags, err := eng.Translate(child.Root, va)
	if err != nil {
		t.Fatalf("translate child: %v", err)
	}
	if parentPA != childPA {
		t.Fatalf("fork did not share the frame: parent=%#x child=%#x", parentPA, childPA)
	}
	if parentFlags&ptable.Writable != 0 || childFlags&ptable.Writable != 0 {
		t.Fatalf("fork must leave both sides read-only, got parent=%v child=%v", parentFlags, childFlags)
	}
	if len(child.Sections) != 1 {
		t.Fatalf("child should inherit the parent's section list, got %d", len(child.Sections))
	}
	if parent.ResidentCount() != 1 {
		t.Fatalf("parent resident-set counter should be unaffected by fork, got %d", parent.ResidentCount())
	}
	if child.ResidentCount() != 1 {
		t.Fatalf("child resident-set counter should count the one page copied in, got %d", child.ResidentCount())
	}
	if parent.LeafTableCount() != child.LeafTableCount() {
		t.Fatalf("parent and child should have matching leaf-table counts, parent=%d child=%d",
			parent.LeafTableCount(), child.LeafTableCount())
	}
}

func TestForkPreallocateUnderExhaustionIsFatal(t *testing.T) {
	// A tight six-frame arena: frame 0 withheld, the kernel root, the
	// parent's own root, its one data page and that page's leaf table
	// consume five, leaving exactly one free frame -- just enough for
	// the child's root but none left for the child's leaf table. The
	// preallocate step's allocation genuinely cannot be satisfied, which
	// per §7 is a fatal out-of-memory condition, not a recoverable
	// error: it must panic rather than silently corrupt the half-built
	// child.
	m, eng, db := newTestManagerWithConfig(t, 6, config.Config{OOMTimeout: 30 * time.Millisecond})

	parent, err := m.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pa, err := db.Allocate(1, 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	const va = uintptr(0x1000)
	if err := eng.Map(parent.Root, va, pa, ptable.Present|ptable.Writable|ptable.User); err != nil {
		t.Fatalf("map: %v", err)
	}
	parent.AddSection(1, va, db.PageSize(), ptable.Present|ptable.Writable|ptable.User)

	if db.FreeCount() != 1 {
		t.Fatalf("test setup: free=%d, want exactly 1 free frame left", db.FreeCount())
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected fork to panic when preallocation cannot be satisfied")
		}
	}()
	_, _ = parent.Fork(context.Background(), 1)
	t.Fatalf("fork should not have returned normally")
}
