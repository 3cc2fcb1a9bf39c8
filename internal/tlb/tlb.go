// Package tlb implements TLB Coherence (§4.5): per-address-space
// participant tracking, the local-invalidation rule that decides
// whether a mapping change needs any invalidation at all, and
// cross-processor shootdown for the cases that do.
//
// A hosted Go process has no real TLB, so there is nothing here to
// literally flush; what this package gives a correct implementation is
// the same obligation a real one has -- every participant that might
// hold a stale translation for a changed range is notified, and is
// known to have been notified, before the caller is allowed to treat
// the range as settled (reuse the frame, finish a fork, etc). Each
// simulated CPU is a goroutine with its own registered invalidation
// callback; shootdown fans out to all of them concurrently with
// golang.org/x/sync/errgroup and waits for every one to acknowledge,
// the same structural pattern the teacher's proc package uses for its
// inter-goroutine signaling, generalized here to errgroup because the
// fan-out needs to propagate the first participant's error rather than
// silently racing ahead.
package tlb

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/distrusted/memnucleus/internal/metrics"
)

// ParticipantID identifies one simulated CPU (goroutine) that may hold
// cached translations for an address space.
type ParticipantID int

// Handler is a participant's local invalidate routine: "drop any cached
// translation you hold for this range".
type Handler func(ctx context.Context, va uintptr, pages int) error

// Coherence tracks one address space's participation set and serializes
// shootdowns against membership changes.
type Coherence struct {
	mu           sync.Mutex
	participants map[ParticipantID]Handler

	Metrics struct {
		LocalInvalidates metrics.Counter
		Shootdowns       metrics.Counter
		SkippedSingle    metrics.Counter
	}
}

// New returns an empty participation set.
func New() *Coherence {
	return &Coherence{participants: make(map[ParticipantID]Handler)}
}

// Join registers a participant and its local-invalidate callback.
func (c *Coherence) Join(id ParticipantID, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[id] = h
}

// Leave removes a participant, e.g. when a thread exits or migrates to
// another address space.
func (c *Coherence) Leave(id ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.participants, id)
}

// Count reports the current participant count.
func (c *Coherence) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

// NeedsInvalidate applies the local-invalidation rule of §4.5: a
// mapping change requires invalidation only when it removes presence or
// narrows access (present -> absent, or writable -> read-only).
// Transitions that only extend reach (absent -> present, read-only ->
// writable) or touch only accessed/dirty bookkeeping never do.
func NeedsInvalidate(reduceReach bool) bool { return reduceReach }

// Invalidate performs the invalidation required for one mapping change
// over [va, va+pages*pageSize) on behalf of caller self (which has
// already updated its own local state and need not be re-notified).
//
// If the range is entirely user-space and no participant other than
// self is joined, the single-threaded shortcut of §4.5 applies and no
// cross-processor shootdown is issued at all -- there is no other
// observer who could hold a stale translation.
func (c *Coherence) Invalidate(ctx context.Context, self ParticipantID, va uintptr, pages int, userOnly bool) error {
	c.Metrics.LocalInvalidates.Inc()

	c.mu.Lock()
	targets := make(map[ParticipantID]Handler, len(c.participants))
	for id, h := range c.participants {
		if id == self {
			continue
		}
		targets[id] = h
	}
	c.mu.Unlock()

	if userOnly && len(targets) == 0 {
		c.Metrics.SkippedSingle.Inc()
		return nil
	}

	c.Metrics.Shootdowns.Inc()
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range targets {
		h := h
		g.Go(func() error { return h(gctx, va, pages) })
	}
	return g.Wait()
}
