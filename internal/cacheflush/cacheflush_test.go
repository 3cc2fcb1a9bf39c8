package cacheflush

import "testing"

// fakeWalker records which pages were visited and lets a test mark some
// addresses as not present, mirroring ptable.RootWalker.EachPresentPage's
// "skip pages that are not present" contract.
type fakeWalker struct {
	pageSize int
	present  map[uintptr]bool
	visited  []uintptr
}

func (w *fakeWalker) EachPresentPage(va uintptr, size int, f func(page []byte)) error {
	for off := 0; off < size; off += w.pageSize {
		p := va + uintptr(off)
		if !w.present[p] {
			continue
		}
		w.visited = append(w.visited, p)
		f(make([]byte, w.pageSize))
	}
	return nil
}

func TestFlushOperationsSkipNonPresentPages(t *testing.T) {
	w := &fakeWalker{
		pageSize: 4096,
		present:  map[uintptr]bool{0x1000: true, 0x3000: true},
	}
	s := New(w)

	if err := s.FlushForDataOut(0x1000, 3*4096); err != nil {
		t.Fatalf("flush for data out: %v", err)
	}
	if len(w.visited) != 2 || w.visited[0] != 0x1000 || w.visited[1] != 0x3000 {
		t.Fatalf("visited = %v, want [0x1000 0x3000] (0x2000 skipped as not present)", w.visited)
	}
}

func TestAllFourFlushOperationsDriveTheWalker(t *testing.T) {
	w := &fakeWalker{pageSize: 4096, present: map[uintptr]bool{0x2000: true}}
	s := New(w)

	ops := []func(uintptr, int) error{
		s.FlushForDataIn, s.FlushForDataOut, s.FlushForDataIO, s.FlushInstruction,
	}
	for i, op := range ops {
		w.visited = nil
		if err := op(0x2000, 4096); err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
		if len(w.visited) != 1 {
			t.Fatalf("op %d: visited %v, want exactly one page", i, w.visited)
		}
	}
}
