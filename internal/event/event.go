// Package event implements the one broadcast-event primitive the spec
// names three times over: the pager's request event (§4.6), its
// progress event (§4.6, §4.1), and the pressure monitor's single
// state-transition event (§4.7). All three have the same shape --
// "signal every waiter, let each recheck its own condition" -- so one
// type serves all three call sites instead of three bespoke ones.
//
// Grounded on the teacher's oommsg.Oommsg_t, which uses a channel to
// wake a blocked allocator when the system is out of memory. oommsg's
// channel is consumed once per message and paired with a private
// Resume channel for a single waiter; the spec instead wants every
// blocked allocator woken and re-checking (a broadcast, not a unicast),
// so Broadcast uses the standard "close and replace the channel" Go
// broadcast idiom, still exposed as a channel so callers can select on
// it alongside a timeout the way oommsg's caller selects on Resume.
package event

import "sync"

// Broadcast is an edge-triggered wakeup: Signal wakes every goroutine
// currently blocked in Wait, and any Wait call made after Signal sees a
// fresh, not-yet-signaled channel.
type Broadcast struct {
	mu sync.Mutex
	ch chan struct{}
}

// New returns a ready Broadcast.
func New() *Broadcast {
	return &Broadcast{ch: make(chan struct{})}
}

// Wait returns a channel that closes the next time Signal is called.
func (b *Broadcast) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Signal wakes every current waiter.
func (b *Broadcast) Signal() {
	b.mu.Lock()
	ch := b.ch
	b.ch = make(chan struct{})
	b.mu.Unlock()
	close(ch)
}
