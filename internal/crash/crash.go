// Package crash implements the error taxonomy of §7: every kind of
// failure the memory nucleus can produce, and the disposition (local,
// surfaced, or fatal) that goes with it.
//
// Invariant violations are not a normal Go error: a corrupted frame
// database cannot be safely continued (§7 "Fatal"), so the fatal kinds
// are delivered as a panic carrying a structured record, in the
// teacher's panic("wut") / panic("no") idiom for invariant breaks
// (mem.go), just spelled out instead of a bare string so a recovering
// supervisor (or a test) can inspect what failed.
package crash

import (
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Kind enumerates the error taxonomy of spec §7.
type Kind int

const (
	// OutOfMemory: no free frames after pager wakeup. Allocator blocks,
	// then crashes after the configured timeout. Fatal.
	OutOfMemory Kind = iota
	// InvalidAddress: unmapped VA referenced on a non-fault path. Fatal
	// assertion.
	InvalidAddress
	// ResourceInUse: a lock-count is already at its maximum. Surfaced
	// to the caller, not fatal.
	ResourceInUse
	// NotFound: free() of a physical address the frame database does
	// not recognize. Fatal assertion.
	NotFound
	// TooLate: the early/boot allocator was used after the normal
	// allocator came online. Fatal in debug builds, graceful failure
	// in release builds -- this port always returns it as a surfaced
	// error and lets the caller decide, since Go has no separate
	// debug/release build mode for a library.
	TooLate
	// InternalError: a general memory-manager invariant violation, not
	// covered by a more specific kind above. Fatal.
	InternalError
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "OutOfMemory"
	case InvalidAddress:
		return "InvalidAddress"
	case ResourceInUse:
		return "ResourceInUse"
	case NotFound:
		return "NotFound"
	case TooLate:
		return "TooLate"
	case InternalError:
		return "InternalError"
	default:
		return "UnknownKind"
	}
}

// Fatal reports whether k's disposition is "fatal" per §7 -- the caller
// must not attempt to continue past it.
func (k Kind) Fatal() bool {
	switch k {
	case ResourceInUse, TooLate:
		return false
	default:
		return true
	}
}

// Record is a structured crash record as named in §6: out-of-memory
// carries the frame count and alignment requested; mm-internal-error
// carries the offending address space and VA. Kind has no
// thread-state-error value, so no Record of that kind is produced.
type Record struct {
	Kind Kind
	// Count and Alignment are populated for OutOfMemory.
	Count     int
	Alignment int
	// Space and VA are populated for InternalError / InvalidAddress.
	Space uintptr
	VA    uintptr
	// Msg is a short human-readable description.
	Msg string
}

// Error satisfies the error interface for Record, used for surfaced
// kinds (ResourceInUse, TooLate).
func (r *Record) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Msg)
}

var printer = message.NewPrinter(language.English)

// Format renders r the way a human staring at a crash dump wants to read
// it: frame counts and byte totals get thousand separators via
// golang.org/x/text/message, the one place in the nucleus where a crash
// record is meant to be read under pressure rather than parsed by a
// test.
func (r *Record) Format() string {
	switch r.Kind {
	case OutOfMemory:
		return printer.Sprintf("out of memory: could not satisfy allocation of %d frame(s) aligned to %d bytes (%s)",
			r.Count, r.Alignment, r.Msg)
	case InternalError, InvalidAddress:
		return printer.Sprintf("memory-manager internal error in address space %#x at va %#x: %s",
			r.Space, r.VA, r.Msg)
	default:
		return printer.Sprintf("%s: %s", r.Kind, r.Msg)
	}
}

// Fatal panics with a formatted Record. Call it for any of the fatal
// kinds in the taxonomy; it never returns.
func Fatal(r *Record) {
	panic(r.Format())
}

// OOM builds and raises an OutOfMemory crash record after the pager has
// made no forward progress within the configured timeout.
func OOM(count, alignment int, reason string) {
	Fatal(&Record{Kind: OutOfMemory, Count: count, Alignment: alignment, Msg: reason})
}

// Internal builds and raises an InternalError crash record for an
// invariant violation discovered while mutating the given address
// space / VA.
func Internal(space, va uintptr, msg string) {
	Fatal(&Record{Kind: InternalError, Space: space, VA: va, Msg: msg})
}

// ResourceBusy returns a surfaced (non-fatal) ResourceInUse error, e.g.
// from lock_pages at saturation.
func ResourceBusy(msg string) error {
	return &Record{Kind: ResourceInUse, Msg: msg}
}

// TooLateErr returns a surfaced TooLate error for use of the early
// allocator after the normal allocator is online.
func TooLateErr(msg string) error {
	return &Record{Kind: TooLate, Msg: msg}
}
