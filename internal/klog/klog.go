// Package klog is the nucleus's console logger. Grounded on the
// teacher's habit of fmt.Printf for kernel output (mem.Phys_init's
// "Reserved %v pages (%vMB)\n", ufs's diagnostics): no external
// structured-logging framework is adopted because nothing in the
// corpus reaches for one -- the kernel writes lines, with a level
// prefix, to its console, serialized by one mutex so concurrent CPUs
// don't interleave a line.
package klog

import (
	"fmt"
	"os"
	"sync"
)

var mu sync.Mutex

func line(level, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "["+level+"] "+format+"\n", args...)
}

// Info logs a routine informational line (pager wakeups, pressure
// transitions, boot progress).
func Info(format string, args ...interface{}) { line("info", format, args...) }

// Warn logs a recoverable abnormal condition (pager I/O failure,
// pressure escalation).
func Warn(format string, args ...interface{}) { line("warn", format, args...) }

// Fatal logs the line and then panics; callers needing a structured
// crash.Record should call crash.Fatal directly instead.
func Fatal(format string, args ...interface{}) {
	line("fatal", format, args...)
	panic(fmt.Sprintf(format, args...))
}
