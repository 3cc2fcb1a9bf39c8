// Package aspace implements the Address-Space Manager of §4.3: the
// lifecycle of one process's virtual-memory view (create, destroy,
// switch, pre-allocate its page tables, tear it down) and, in fork.go,
// the copy-on-write fork protocol of §4.4.
//
// Grounded on the teacher's vm package -- an AddressSpace here plays the
// role vm.Vm_t plays there (owning a root page-table frame plus the
// list of mapped regions), generalized from the teacher's x86-specific
// Pmap/Vmregion types onto the ptable.Engine and frame.SectionID
// abstractions this port built those on top of.
package aspace

import (
	"fmt"
	"sync"

	"github.com/distrusted/memnucleus/internal/crash"
	"github.com/distrusted/memnucleus/internal/frame"
	"github.com/distrusted/memnucleus/internal/ptable"
	"github.com/distrusted/memnucleus/internal/tlb"
)

// Section is one mapped, uniformly-backed VA range within an address
// space -- the address-space manager's only view of what the pager
// calls a section: an opaque SectionID, a VA range, and the page
// attributes every page in the range shares.
type Section struct {
	ID    frame.SectionID
	VA    uintptr
	Size  int
	Flags ptable.Flag
}

func (s Section) pages(pageSize int) int {
	return (s.Size + pageSize - 1) / pageSize
}

// AddressSpace is one process's virtual-memory view: a page-table root
// plus the sections currently mapped into it, and the TLB participation
// set tracking which simulated CPUs might be running inside it.
//
// residentCount mirrors §3's "resident-set counter" and §8 invariant 4
// ("equals the number of present user PTEs reachable from its root"):
// it is maintained incrementally (AddSection counts in what the caller
// just mapped, CopyOnWriteRange's return counts what Fork shared into a
// child, ClearPresent's return counts what Teardown cleared) rather
// than recomputed by a directory walk on every query.
type AddressSpace struct {
	mu   sync.Mutex
	eng  *ptable.Engine
	Root frame.Pa

	Sections      []Section
	TLB           *tlb.Coherence
	residentCount int
}

// Manager creates and tracks address spaces against one shared
// page-table engine.
type Manager struct {
	eng *ptable.Engine

	mu      sync.Mutex
	current map[tlb.ParticipantID]*AddressSpace
}

// NewManager returns an address-space manager driven by eng.
func NewManager(eng *ptable.Engine) *Manager {
	return &Manager{eng: eng, current: make(map[tlb.ParticipantID]*AddressSpace)}
}

// Create allocates a fresh, empty address space (§4.3 create).
func (m *Manager) Create() (*AddressSpace, error) {
	root, err := m.eng.NewProcessRoot()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{eng: m.eng, Root: root, TLB: tlb.New()}, nil
}

// SwitchTo records as as the address space active for simulated CPU
// self (§4.3 switch_to). A hosted process has no CR3 to reload -- every
// address space's tables live in the same process VA space already, so
// the only real effect of "switching" here is bookkeeping: which
// participant set a subsequent Invalidate should exclude as "self", and
// which AddressSpace Current reports for diagnostics.
func (m *Manager) SwitchTo(self tlb.ParticipantID, as *AddressSpace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[self] = as
}

// Current reports the address space simulated CPU self last switched
// to, or nil if it never has.
func (m *Manager) Current(self tlb.ParticipantID) *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[self]
}

// AddSection records that [va, va+size) is now mapped with the given
// attributes, after the caller has already installed the PTEs via
// Map. The address-space manager does not itself decide what backs a
// section -- that's the pager's job -- it only tracks the range so
// Teardown and Fork know what to walk.
func (as *AddressSpace) AddSection(id frame.SectionID, va uintptr, size int, flags ptable.Flag) {
	as.mu.Lock()
	defer as.mu.Unlock()
	s := Section{ID: id, VA: va, Size: size, Flags: flags}
	as.Sections = append(as.Sections, s)
	as.residentCount += s.pages(as.eng.PageSize())
}

// ResidentCount reports the number of present user-VA PTEs reachable
// from this address space's root (§3 data model "resident-set
// counter"; §8 invariant 4).
func (as *AddressSpace) ResidentCount() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.residentCount
}

// LeafTableCount reports how many leaf tables are currently installed
// under this address space's root (§3 data model "count of leaf tables
// allocated").
func (as *AddressSpace) LeafTableCount() int {
	as.mu.Lock()
	root := as.Root
	as.mu.Unlock()
	return as.eng.CountLeafTables(root)
}

// PreallocateTables ensures every leaf table spanning [va, va+size)
// exists, without installing any PTE (§4.2 ensure_tables via §4.3
// preallocate_tables). Used before a non-allocating bulk operation --
// most notably fork's copy-on-write step -- needs a guaranteed-present
// destination table.
func (as *AddressSpace) PreallocateTables(va uintptr, size int) error {
	return as.eng.EnsureTables(as.Root, va, size)
}

// Teardown clears every present PTE the address space's tracked
// sections still hold and releases the address space's user-half leaf
// tables; the root stays allocated until Destroy. It does not free the data frames a section's PTEs pointed at:
// a frame shared via copy-on-write, or owned by a pager-managed
// section, has a lifetime the higher section/pager layer tracks, not
// the address-space manager (§9: back-pointers run section -> frame,
// never the reverse). Callers that know a section's frames are
// privately owned free them explicitly via the frame database before
// calling Teardown.
func (as *AddressSpace) Teardown() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.teardownLocked()
}

func (as *AddressSpace) teardownLocked() error {
	pageSize := as.eng.PageSize()
	for _, s := range as.Sections {
		cleared := as.eng.ClearPresent(as.Root, s.VA, s.pages(pageSize))
		as.residentCount -= len(cleared)
	}
	as.Sections = nil

	_, err := as.eng.FreeLeafTables(as.Root)
	return err
}

// Destroy tears the address space down (if Teardown wasn't already
// called), asserts the leaf-table count and resident-set counter both
// hit zero -- as §4.3 destroy requires -- and frees the root.
func (as *AddressSpace) Destroy() error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if err := as.teardownLocked(); err != nil {
		return err
	}
	if as.residentCount != 0 {
		crash.Internal(uintptr(as.Root), 0, "destroy: resident-set counter is not zero after teardown")
	}
	if n := as.eng.CountLeafTables(as.Root); n != 0 {
		crash.Internal(uintptr(as.Root), 0, "destroy: leaf-table count is not zero after teardown")
	}
	return as.eng.FreeRoot(as.Root)
}

// FindSection returns the tracked section containing va, if any.
func (as *AddressSpace) FindSection(va uintptr) (Section, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, s := range as.Sections {
		if va >= s.VA && va < s.VA+uintptr(s.Size) {
			return s, nil
		}
	}
	return Section{}, errSectionNotFound
}

var errSectionNotFound = fmt.Errorf("aspace: no section covers the requested range")
