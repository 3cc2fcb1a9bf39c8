// Package pager implements the Pager Coordinator of §4.6: a single
// dedicated goroutine that sleeps on a request event, wakes to select
// and evict pageable frames in round-robin order, and periodically
// announces progress so blocked allocators can retry.
//
// Grounded on the teacher's oommsg package, which wires exactly this
// shape -- a goroutine blocked on an event, woken by an allocator under
// pressure, replying with a broadcast once it has made room -- except
// oommsg is a single unicast resume signal per waiter where §4.6 needs
// a genuine broadcast (every blocked allocator must see the same
// progress events), which this port gets from internal/event instead.
package pager

import (
	"context"
	"sync"

	"github.com/distrusted/memnucleus/internal/config"
	"github.com/distrusted/memnucleus/internal/event"
	"github.com/distrusted/memnucleus/internal/frame"
	"github.com/distrusted/memnucleus/internal/metrics"
)

// BackingStore is the minimal capability the pager needs of whatever
// backs a pageable section: write one victim frame's contents out
// before its physical frame is reused. A real nucleus backs this with a
// disk or network block device; tests back it with an in-memory map.
type BackingStore interface {
	WriteOut(ctx context.Context, desc frame.PagingDescriptor, addr frame.Pa, data []byte) error
}

// Coordinator is the Pager Coordinator of §4.6.
type Coordinator struct {
	db    *frame.FrameDB
	store BackingStore
	cfg   config.Config

	request  *event.Broadcast
	progress *event.Broadcast

	// migrateMu serializes descriptor migration against victim
	// selection (§4.6): a frame must never be selected with a stale
	// Section in its captured descriptor while a migration is
	// in-flight.
	migrateMu sync.Mutex

	Metrics struct {
		Freed       metrics.Counter
		Failures    metrics.Counter
		GivenUp     metrics.Counter
		BatchSignal metrics.Counter
	}
}

// New constructs a pager coordinator over db, wiring its progress event
// in as db's pager-progress broadcast and its request event as db's
// low-water hook, so Allocate's blocking path and the pager's wakeup
// path share the same two events the spec names.
func New(db *frame.FrameDB, store BackingStore, cfg config.Config) *Coordinator {
	c := &Coordinator{
		db:       db,
		store:    store,
		cfg:      config.WithDefaults(cfg),
		request:  event.New(),
		progress: event.New(),
	}
	db.SetProgressEvent(c.progress)
	db.SetLowWaterHook(func(need int) { c.request.Signal() })
	return c
}

// Progress returns the broadcast event the pager signals after every
// batch, so other components (the pressure monitor, tests) can observe
// forward progress without going through FrameDB.
func (c *Coordinator) Progress() *event.Broadcast { return c.progress }

// Wake manually signals the pager's request event, e.g. from a client
// that wants paging to happen proactively rather than waiting for the
// allocator's low-water hook.
func (c *Coordinator) Wake() { c.request.Signal() }

// Run blocks, repeatedly waiting for a request signal and draining one
// eviction pass, until ctx is canceled. It is meant to run in its own
// goroutine for the life of the nucleus.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		wait := c.request.Wait()
		select {
		case <-ctx.Done():
			return
		case <-wait:
			c.drain(ctx)
		}
	}
}

// drain repeatedly selects and evicts victim frames until none remain
// pageable, signaling progress every PagerBatchSize successful
// evictions (§4.6), and gives up -- but still signals progress, so
// blocked allocators get a chance to re-observe the state rather than
// hang forever -- after PagerMaxFailures consecutive I/O failures.
func (c *Coordinator) drain(ctx context.Context) {
	freedSinceSignal := 0
	failures := 0

	for {
		c.migrateMu.Lock()
		addr, desc, ok := c.db.SelectVictim()
		c.migrateMu.Unlock()
		if !ok {
			break
		}

		data := c.db.Bytes(addr)
		if err := c.store.WriteOut(ctx, desc, addr, data); err != nil {
			failures++
			c.Metrics.Failures.Inc()
			c.db.AbortPageOut(addr)
			if failures >= c.cfg.PagerMaxFailures {
				c.Metrics.GivenUp.Inc()
				c.progress.Signal()
				return
			}
			continue
		}

		failures = 0
		c.db.CompletePageOut(addr)
		c.Metrics.Freed.Inc()
		freedSinceSignal++
		if freedSinceSignal >= c.cfg.PagerBatchSize {
			c.Metrics.BatchSignal.Inc()
			c.progress.Signal()
			freedSinceSignal = 0
		}
	}

	if freedSinceSignal > 0 {
		c.Metrics.BatchSignal.Inc()
		c.progress.Signal()
	}
}

// MigrateDescriptors repoints every frame currently in the paged state
// against section from to section to (§4.6 descriptor migration), serialized
// against victim selection so the pager never captures a descriptor
// mid-migration.
func (c *Coordinator) MigrateDescriptors(from, to frame.SectionID) int {
	c.migrateMu.Lock()
	defer c.migrateMu.Unlock()
	return c.db.MigrateSection(from, to)
}
