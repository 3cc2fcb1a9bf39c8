// Package diag captures allocation-site call stacks for the frame
// database's leak/usage profiler.
//
// Adapted from the teacher's caller.Callerdump / caller.Distinct_caller_t
// (caller/caller.go): the original walks runtime.Caller in a loop to
// print an ad hoc stack trace and de-duplicates repeat call chains with
// a poor-man's hash over the raw PCs. This port keeps the PC-hash
// de-duplication idea (PathTracker.Distinct) but records the stack as a
// []uintptr, suitable for github.com/google/pprof/profile.Location
// construction, rather than formatting it immediately -- the nucleus's
// frame profiler wants the raw PCs so it can build one pprof sample per
// tracked frame, each carrying its allocation-site stack, not a printed
// string.
package diag

import "runtime"

const maxDepth = 32

// CaptureStack returns up to maxDepth program counters for the call
// chain, suitable as a pprof sample location list. skip counts frames
// from CaptureStack's own: 0 starts the chain at CaptureStack, 1 at its
// caller, and so on.
func CaptureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(skip+1, pcs)
	return pcs[:n]
}

// pcHash is the teacher's "poor-man's hash" over a PC slice
// (caller._pchash), used to deduplicate identical call chains cheaply
// without hashing symbol names.
func pcHash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// PathTracker records which call chains have already been seen, so a
// caller can log (or attribute) only the first occurrence of each
// distinct allocation site.
type PathTracker struct {
	seen map[uintptr]bool
}

// NewPathTracker returns an empty tracker.
func NewPathTracker() *PathTracker {
	return &PathTracker{seen: make(map[uintptr]bool)}
}

// Distinct reports whether pcs is a call chain not seen before by this
// tracker, recording it if so.
func (t *PathTracker) Distinct(pcs []uintptr) bool {
	h := pcHash(pcs)
	if t.seen[h] {
		return false
	}
	t.seen[h] = true
	return true
}

// Symbolize renders pcs as a human-readable stack, one function name per
// line (innermost first, later frames prefixed "<- "); file and line are
// not included.
func Symbolize(pcs []uintptr) string {
	frames := runtime.CallersFrames(pcs)
	s := ""
	for {
		fr, more := frames.Next()
		if s == "" {
			s = fr.Function
		} else {
			s += "\n\t<- " + fr.Function
		}
		_ = fr.File
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return s
}
