// Package mm is the nucleus facade: it wires the Frame Database,
// Page-Table Engine, Address-Space Manager, Pager Coordinator, and
// Pressure Monitor into one booted system, the way the teacher's
// kernel package wires proc/vm/mem together at startup.
//
// Per §9's "global mutable state" note, a booted Nucleus is meant to
// live for the process's entire lifetime -- there is deliberately no
// Shutdown/Close here. Tests that need to stop the pager goroutine
// construct the pieces directly instead of going through Boot.
package mm

import (
	"context"

	"github.com/distrusted/memnucleus/internal/aspace"
	"github.com/distrusted/memnucleus/internal/cacheflush"
	"github.com/distrusted/memnucleus/internal/config"
	"github.com/distrusted/memnucleus/internal/frame"
	"github.com/distrusted/memnucleus/internal/klog"
	"github.com/distrusted/memnucleus/internal/pager"
	"github.com/distrusted/memnucleus/internal/pressure"
	"github.com/distrusted/memnucleus/internal/ptable"
)

// BootParams bounds what Boot needs from the loader: the tunables of
// §4.9/§4.10, the physical memory map, and a backing store for the
// pager (a real nucleus wires a disk driver here; a test wires an
// in-memory fake).
type BootParams struct {
	Cfg         config.Config
	PhysicalCap frame.Pa
	Regions     []frame.BootRegion
	Store       pager.BackingStore
}

// Nucleus is every long-lived memory-management component, booted
// once and shared for the life of the process.
type Nucleus struct {
	Frames   *frame.FrameDB
	Tables   *ptable.Engine
	Spaces   *aspace.Manager
	Pager    *pager.Coordinator
	Pressure *pressure.Monitor
	Console  *klog.RingLog
}

// Boot brings up a complete nucleus: the frame database first (nothing
// else can exist without physical memory), then the page-table engine
// (which needs a frame to allocate its kernel root from), then the
// address-space manager, the pager coordinator, and the pressure
// monitor, each wired to the frame database's hook points exactly as
// §4.1/§4.6/§4.7 describe. The pager coordinator's goroutine is started
// before Boot returns, since a nucleus with no one servicing paging
// requests would deadlock its first allocation under pressure.
func Boot(ctx context.Context, p BootParams) (*Nucleus, error) {
	db, err := frame.Boot(frame.BootParams{
		Cfg:         p.Cfg,
		PhysicalCap: p.PhysicalCap,
		Regions:     p.Regions,
	})
	if err != nil {
		return nil, err
	}

	eng, err := ptable.New(db)
	if err != nil {
		return nil, err
	}
	db.SetIdentityMap(eng)

	spaces := aspace.NewManager(eng)

	store := p.Store
	if store == nil {
		store = discardStore{}
	}
	pg := pager.New(db, store, p.Cfg)

	pm := pressure.New(db)

	console, _ := klog.NewRingLog(db)

	n := &Nucleus{
		Frames:   db,
		Tables:   eng,
		Spaces:   spaces,
		Pager:    pg,
		Pressure: pm,
		Console:  console,
	}

	go pg.Run(ctx)

	return n, nil
}

// CacheFlush returns a cache-flush service (§4.8) scoped to the given
// address space's current mappings.
func (n *Nucleus) CacheFlush(as *aspace.AddressSpace) *cacheflush.Service {
	return cacheflush.New(ptable.RootWalker{Engine: n.Tables, Root: as.Root})
}

// discardStore is the pager's backing store when the caller supplies
// none: every page-out "succeeds" by discarding the data. Only
// appropriate for a nucleus whose pageable sections are all
// reconstructible without their contents (e.g. pure demand-zero), and
// otherwise only useful as a placeholder so Boot never silently fails
// to start the pager.
type discardStore struct{}

func (discardStore) WriteOut(ctx context.Context, desc frame.PagingDescriptor, addr frame.Pa, data []byte) error {
	return nil
}
