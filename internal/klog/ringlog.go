package klog

import "sync"

// PageSource is the minimal capability RingLog needs from the physical
// allocator: hand over one page-sized byte buffer and a way to return
// it. Adapted from the teacher's circbuf.Circbuf_t, which backs a
// single-daemon circular buffer with a physical page obtained through
// the mem.Page_i interface rather than a heap allocation -- a kernel
// log ring lives in a real frame, not GC-managed memory, so it survives
// independently of the allocator that built it and can be dumped during
// a crash while other allocation paths may be wedged.
//
// RingLog intentionally depends only on this interface, not on the
// frame package directly, so klog carries no dependency on the
// allocator.
type PageSource interface {
	// TakePage returns a zeroed page-sized buffer and a release
	// function the caller must invoke when done with it.
	TakePage() (buf []byte, release func(), ok bool)
}

// RingLog is a circular log buffer backed by one physical page. Write
// and String both take the same lock, so writes do not interleave byte
// by byte and a crash handler on another goroutine can safely drain it.
type RingLog struct {
	mu       sync.Mutex
	buf      []byte
	release  func()
	head     int
	wrapped  bool
	lastLine []byte
}

// NewRingLog allocates a page from src and wraps it as a ring log.
// Returns false if src has no pages to spare -- a dmesg ring is a
// diagnostic nicety, never a reason to fail boot.
func NewRingLog(src PageSource) (*RingLog, bool) {
	buf, release, ok := src.TakePage()
	if !ok {
		return nil, false
	}
	return &RingLog{buf: buf, release: release}, true
}

// Close returns the backing page to its source.
func (r *RingLog) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// Write appends line to the ring, wrapping over the oldest bytes once
// full. It satisfies io.Writer so it can be composed with fmt.Fprintf.
func (r *RingLog) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range p {
		r.buf[r.head] = b
		r.head++
		if r.head == len(r.buf) {
			r.head = 0
			r.wrapped = true
		}
	}
	return len(p), nil
}

// String renders the ring contents in chronological order (oldest
// first).
func (r *RingLog) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.wrapped {
		return string(r.buf[:r.head])
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.head]...)
	return string(out)
}
