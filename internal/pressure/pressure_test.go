package pressure

import (
	"testing"

	"github.com/distrusted/memnucleus/internal/config"
	"github.com/distrusted/memnucleus/internal/frame"
)

func bootDB(t *testing.T, pages int, cfg config.Config) *frame.FrameDB {
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
	return db
}

func TestMonitorClimbsAndDescendsTiers(t *testing.T) {
	// SampleMaskPercent is left zero so config.WithDefaults fills in its
	// default (1%); with a 100-frame total that derives a sample mask
	// of 0, which FrameDB treats as "sample every operation" -- keeping
	// this test deterministic without needing a non-default mask.
	db := bootDB(t, 100, config.Config{
		Level2EntryPercent: 50, Level2ExitPercent: 40,
		Level1EntryPercent: 80, Level1ExitPercent: 70,
	})
	m := New(db)
	if m.Level() != None {
		t.Fatalf("initial level = %v, want None", m.Level())
	}

	var addrs []frame.Pa
	allocateTo := func(count int) {
		for len(addrs) < count {
			pa, err := db.Allocate(1, 1)
			if err != nil {
				t.Fatalf("allocate: %v", err)
			}
			addrs = append(addrs, pa)
		}
	}
	freeTo := func(count int) {
		for len(addrs) > count {
			last := addrs[len(addrs)-1]
			addrs = addrs[:len(addrs)-1]
			if err := db.Free(last, 1); err != nil {
				t.Fatalf("free: %v", err)
			}
		}
	}

	allocateTo(51) // crosses the level-2 entry count (50)
	if m.Level() != Level2 {
		t.Fatalf("level after crossing level2 entry = %v, want Level2", m.Level())
	}

	allocateTo(81) // crosses the level-1 entry count (80)
	if m.Level() != Level1 {
		t.Fatalf("level after crossing level1 entry = %v, want Level1", m.Level())
	}

	freeTo(75) // still above level1 exit (70): must stay in Level1
	if m.Level() != Level1 {
		t.Fatalf("level should not drop before level1 exit: got %v", m.Level())
	}

	freeTo(65) // below level1 exit (70), above level2 exit (40)
	if m.Level() != Level2 {
		t.Fatalf("level after dropping below level1 exit = %v, want Level2", m.Level())
	}

	freeTo(35) // below level2 exit (40)
	if m.Level() != None {
		t.Fatalf("level after dropping below level2 exit = %v, want None", m.Level())
	}
}

func TestTransitionsSignalOnlyOnChange(t *testing.T) {
	// SampleMaskPercent is left zero so config.WithDefaults fills in its
	// default (1%); with a 100-frame total that derives a sample mask
	// of 0, which FrameDB treats as "sample every operation" -- keeping
	// this test deterministic without needing a non-default mask.
	db := bootDB(t, 100, config.Config{
		Level2EntryPercent: 50, Level2ExitPercent: 40,
		Level1EntryPercent: 80, Level1ExitPercent: 70,
	})
	m := New(db)

	ch := m.Transitions().Wait()
	pa, err := db.Allocate(1, 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	_ = pa
	select {
	case <-ch:
		t.Fatalf("transition fired on a sample that didn't cross a threshold")
	default:
	}
	if m.Metrics.Samples.Load() == 0 {
		t.Fatalf("expected at least one sample to be recorded")
	}
}
