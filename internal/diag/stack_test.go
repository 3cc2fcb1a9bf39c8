package diag

import (
	"strings"
	"testing"
)

func captureHere() []uintptr { return CaptureStack(1) }

func TestCaptureStackReturnsNonEmptyChain(t *testing.T) {
	pcs := captureHere()
	if len(pcs) == 0 {
		t.Fatalf("expected a non-empty call chain")
	}
}

func TestSymbolizeIncludesCallerFunctionName(t *testing.T) {
	pcs := captureHere()
	s := Symbolize(pcs)
	if !strings.Contains(s, "captureHere") {
		t.Fatalf("symbolized stack %q does not mention the capturing function", s)
	}
}

func TestPathTrackerDistinctOnlyOnce(t *testing.T) {
	tr := NewPathTracker()
	pcs := captureHere()
	if !tr.Distinct(pcs) {
		t.Fatalf("first observation of a call chain should be distinct")
	}
	if tr.Distinct(pcs) {
		t.Fatalf("second observation of the same call chain should not be distinct")
	}
}
