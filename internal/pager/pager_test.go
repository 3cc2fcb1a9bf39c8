package pager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/distrusted/memnucleus/internal/config"
	"github.com/distrusted/memnucleus/internal/frame"
)

type fakeStore struct {
	mu        sync.Mutex
	sections  []frame.SectionID
	failNext  int
	failTotal int
}

func (s *fakeStore) WriteOut(ctx context.Context, desc frame.PagingDescriptor, addr frame.Pa, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		s.failTotal++
		return errors.New("simulated backing-store write failure")
	}
	s.sections = append(s.sections, desc.Section)
	return nil
}

func bootWithPageable(t *testing.T, totalPages, pageableCount int) (*frame.FrameDB, []frame.Pa) {
	t.Helper()
	cfg := config.WithDefaults(config.Config{})
	size := int64(totalPages * cfg.PageSize)
	db, err := frame.Boot(frame.BootParams{
		Cfg:         cfg,
		PhysicalCap: frame.Pa(size),
		Regions:     []frame.BootRegion{{Base: 0, Length: size, Type: frame.Free}},
	})
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	addrs := make([]frame.Pa, 0, pageableCount)
	for i := 0; i < pageableCount; i++ {
		pa, err := db.Allocate(1, 1)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if err := db.MarkPageable(pa, []frame.PagingDescriptor{{Section: 1, Offset: int64(i)}}, false); err != nil {
			t.Fatalf("mark pageable: %v", err)
		}
		addrs = append(addrs, pa)
	}
	return db, addrs
}

func TestDrainEvictsEverythingPageable(t *testing.T) {
	db, addrs := bootWithPageable(t, 32, 5)
	store := &fakeStore{}
	c := New(db, store, config.Config{PagerBatchSize: 2, PagerMaxFailures: 10})

	freeBefore := db.FreeCount()
	c.drain(context.Background())

	if db.FreeCount() != freeBefore+len(addrs) {
		t.Fatalf("free=%d, want %d", db.FreeCount(), freeBefore+len(addrs))
	}
	if int(c.Metrics.Freed.Load()) != len(addrs) {
		t.Fatalf("freed metric = %d, want %d", c.Metrics.Freed.Load(), len(addrs))
	}
}

func TestDrainSignalsProgressEveryBatch(t *testing.T) {
	db, _ := bootWithPageable(t, 32, 4)
	store := &fakeStore{}
	c := New(db, store, config.Config{PagerBatchSize: 2, PagerMaxFailures: 10})

	ch := c.Progress().Wait()
	c.drain(context.Background())

	select {
	case <-ch:
	default:
		t.Fatalf("expected progress broadcast to have fired")
	}
	if c.Metrics.BatchSignal.Load() < 2 {
		t.Fatalf("expected at least 2 batch signals for 4 evictions at batch size 2, got %d", c.Metrics.BatchSignal.Load())
	}
}

func TestDrainGivesUpAfterMaxFailures(t *testing.T) {
	db, addrs := bootWithPageable(t, 32, 3)
	store := &fakeStore{failNext: 10}
	c := New(db, store, config.Config{PagerBatchSize: 16, PagerMaxFailures: 2})

	c.drain(context.Background())

	if c.Metrics.GivenUp.Load() != 1 {
		t.Fatalf("expected GivenUp=1, got %d", c.Metrics.GivenUp.Load())
	}
	// Every aborted victim must still be in the paged state (not freed
	// or lost by the failed page-out).
	for _, addr := range addrs {
		if _, ok := db.LockCount(addr); !ok {
			t.Fatalf("frame %#x should still be paged after an aborted page-out", addr)
		}
	}
}

func TestMigrateDescriptorsRepointsSection(t *testing.T) {
	db, _ := bootWithPageable(t, 32, 3)
	store := &fakeStore{}
	c := New(db, store, config.Config{PagerBatchSize: 16, PagerMaxFailures: 10})

	n := c.MigrateDescriptors(1, 2)
	if n != 3 {
		t.Fatalf("migrated %d descriptors, want 3", n)
	}

	c.drain(context.Background())
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, s := range store.sections {
		if s != 2 {
			t.Fatalf("victim written out under stale section %d, want 2", s)
		}
	}
}
