package metrics

import (
	"strings"
	"testing"
)

func TestCounterIncAddLoad(t *testing.T) {
	var c Counter
	c.Inc()
	c.Add(4)
	if got := c.Load(); got != 5 {
		t.Fatalf("Load() = %d, want 5", got)
	}
}

func TestGaugeSet(t *testing.T) {
	var g Gauge
	g.Set(42)
	if got := g.Load(); got != 42 {
		t.Fatalf("Load() = %d, want 42", got)
	}
}

func TestDumpRendersOnlyCounterFields(t *testing.T) {
	var st struct {
		Allocations Counter
		Frees       Counter
		Name        string
	}
	st.Allocations.Add(3)
	st.Frees.Add(1)
	st.Name = "ignored"

	out := Dump(&st)
	if !strings.Contains(out, "#Allocations: 3") {
		t.Fatalf("dump missing Allocations: %q", out)
	}
	if !strings.Contains(out, "#Frees: 1") {
		t.Fatalf("dump missing Frees: %q", out)
	}
	if strings.Contains(out, "Name") {
		t.Fatalf("dump should not render non-Counter fields: %q", out)
	}
}
