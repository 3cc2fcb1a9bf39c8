package frame

import (
	"fmt"

	"github.com/distrusted/memnucleus/internal/config"
	"github.com/distrusted/memnucleus/internal/xutil"
)

// RegionType is one record type from the boot memory map (§6).
type RegionType int

const (
	Free RegionType = iota
	Reserved
	LoaderTemporary
	LoaderPermanent
	PageTables
	MMStructures
	FirmwareTemporary
	ACPITables
)

func (t RegionType) releasable() bool { return t == Free }

// BootRegion is one {base, length, type} record from the loader's
// memory map (§6).
type BootRegion struct {
	Base   Pa
	Length int64
	Type   RegionType
}

// BootParams bounds what Boot will accept from the memory map: records
// outside [0, PhysicalCap) are rejected (§4.1 "Rejects descriptors
// outside the permitted physical range and descriptors crossing a
// configured physical cap").
type BootParams struct {
	Cfg         config.Config
	PhysicalCap Pa
	Regions     []BootRegion
}

// Boot constructs the Frame Database from a loader memory map: it
// allocates the backing arena, builds one Segment per region, marks
// every frame in a non-free region as permanently non-paged, and
// withholds physical page zero from the general pool.
func Boot(p BootParams) (*FrameDB, error) {
	cfg := config.WithDefaults(p.Cfg)
	ps := Pa(cfg.PageSize)

	var segs []*Segment
	total := 0
	for _, r := range p.Regions {
		base := r.Base
		if base%ps != 0 {
			// "Aligns down to page size with assertion if
			// misaligned" -- the loader is expected to hand out
			// page-aligned descriptors; a misaligned one here is a
			// boot-time bug, not a runtime condition to recover from.
			return nil, fmt.Errorf("frame: boot region base %#x is not page-aligned", uint64(base))
		}
		length := xutil.Rounddown(r.Length, int64(ps))
		if length <= 0 {
			continue
		}
		end := base + Pa(length)
		if p.PhysicalCap != 0 && end > p.PhysicalCap {
			continue
		}
		n := int((end - base) / ps)
		if n <= 0 {
			continue
		}
		seg := &Segment{Start: base, End: end, RegionType: r.Type, Frames: make([]Frame, n)}
		if r.Type.releasable() {
			seg.FreeCount = n
		} else {
			for i := range seg.Frames {
				seg.Frames[i].state = stateNonPaged
				seg.Frames[i].nonpaged_ = true
			}
			seg.FreeCount = 0
		}
		segs = append(segs, seg)
		total += n
	}

	arenaSize := 0
	for _, s := range segs {
		top := int(s.End)
		if top > arenaSize {
			arenaSize = top
		}
	}
	ar, err := newArena(arenaSize)
	if err != nil {
		return nil, err
	}

	db := &FrameDB{cfg: cfg, arena: ar, segments: segs, total: total}
	db.sampleMask = db.computeSampleMask()

	// Specifically reserve the first page: the all-zero address is
	// withheld from the general pool (§4.1).
	if seg, idx, ok := db.frameAt(0); ok && seg.Frames[idx].state == stateFree {
		seg.Frames[idx].state = stateNonPaged
		seg.Frames[idx].nonpaged_ = true
		seg.FreeCount--
		db.allocd++
		db.zeroWithheld = true
	}

	return db, nil
}

// WarningThresholds returns the frame counts, not percentages, at which
// the pressure monitor should enter/exit its amber and red states,
// computed from the total frame count at boot (§4.1 "computes warning
// thresholds as percentages of total frames").
func (db *FrameDB) WarningThresholds() (level2Enter, level2Exit, level1Enter, level1Exit int) {
	db.mu.Lock()
	t := db.total
	c := db.cfg
	db.mu.Unlock()
	pct := func(p int) int { return (t * p) / 100 }
	return pct(c.Level2EntryPercent), pct(c.Level2ExitPercent), pct(c.Level1EntryPercent), pct(c.Level1ExitPercent)
}

// SampleMask returns the bitmask used to decide whether the current
// operation should trigger a pressure sample: checks fire every 2^k
// operations, where 2^k is SampleMaskPercent percent of total frames
// rounded down to a power of two (§4.7).
func (db *FrameDB) SampleMask() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.sampleMask
}

// computeSampleMask derives the sampling mask from total/cfg without
// locking; only safe during Boot before db is shared.
func (db *FrameDB) computeSampleMask() uint64 {
	n := (db.total * db.cfg.SampleMaskPercent) / 100
	if n < 1 {
		return 0
	}
	p := xutil.PrevPowerOfTwo(uint64(n))
	return p - 1
}
