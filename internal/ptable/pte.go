// Package ptable implements the Page-Table Engine of §4.2: a generic
// two-level (directory -> leaf) hierarchy whose contracts -- map, unmap,
// translate, translate_foreign, change_access, copy_on_write_range,
// ensure_tables -- hold regardless of which concrete architecture a
// port targets (§1 Non-goals: "No architecture beyond a generic
// two-level page-table description").
//
// Grounded on the teacher's mem.go/dmap.go bit layout (PTE_P, PTE_W,
// PTE_U, PTE_G, PTE_PCD, PTE_PS, PTE_ADDR) and vm/as.go's COW bits
// (PTE_COW, PTE_WASCOW): this port keeps the same "pack flags into the
// low bits of a page-aligned physical address" encoding (mem.go's
// Pa_t), adds the dirty/accessed/write-through/execute bits the spec
// names in §4.2 and §3 that the teacher's 32-bit layout didn't carry,
// and reads/writes table pages through the frame database's arena
// bytes with the same unsafe-pointer-cast idiom as the teacher's
// pg2pmap, rather than a byte-by-byte encoding/binary walk.
package ptable

import (
	"unsafe"

	"github.com/distrusted/memnucleus/internal/frame"
)

// Flag is a PTE attribute bitmask. Twelve bits are defined, matching
// the twelve low bits a 4096-byte page alignment leaves free in a
// packed 64-bit entry.
type Flag uint64

const (
	Present       Flag = 1 << 0
	Writable      Flag = 1 << 1
	User          Flag = 1 << 2
	WriteThrough  Flag = 1 << 3
	CacheDisabled Flag = 1 << 4
	Accessed      Flag = 1 << 5
	Dirty         Flag = 1 << 6
	LargePage     Flag = 1 << 7
	Global        Flag = 1 << 8
	Execute       Flag = 1 << 9
	// cow marks a present, intentionally-read-only user PTE whose
	// backing frame may need to be copied on the next write fault
	// (teacher: PTE_COW).
	cow Flag = 1 << 10
	// wasCOW marks a PTE that resolved a COW fault by claiming the
	// existing frame outright rather than copying it (teacher:
	// PTE_WASCOW) -- used only by the fault-handling layer above this
	// package; carried here so it round-trips through map/translate.
	wasCOW Flag = 1 << 11
)

const flagMask = Flag(1<<12 - 1)

// COW and WasCOW expose the internal cow/wasCOW bits for callers
// (address-space fault handling) that need to test or set them without
// reaching into package-private constants.
const (
	COW    = cow
	WasCOW = wasCOW
)

// entriesPerTable matches the teacher's 512-entry Pmap_t convention (9
// VA bits per level).
const entriesPerTable = 512

// Reduced-width two-level layout: 12 bits page offset + 9 bits leaf
// index + 9 bits directory index = 30 bits of VA space (1 GiB),
// sufficient for a hosted/test environment and faithful to the spec's
// explicit non-goal of not committing to any particular architecture's
// full address width.
const (
	pageShift = 12
	leafShift = pageShift + 9
	dirShift  = leafShift + 9
)

// KernelBase splits the address space: VAs at or above KernelBase are
// kernel space (identical across every address space, §3 invariant 4);
// below it is private per-process user space.
const KernelBase = uintptr(1) << 29

func split(va uintptr) (dirIdx, leafIdx, pageOff int) {
	pageOff = int(va) & (1<<pageShift - 1)
	leafIdx = int(va>>pageShift) & (entriesPerTable - 1)
	dirIdx = int(va>>leafShift) & (entriesPerTable - 1)
	return
}

// entry is one packed PTE: the upper bits are a page-aligned frame.Pa,
// the low 12 bits are Flag.
type entry uint64

func pack(pa frame.Pa, f Flag) entry {
	return entry(uint64(pa)&^uint64(flagMask) | uint64(f&flagMask))
}

func (e entry) frame() frame.Pa { return frame.Pa(uint64(e) &^ uint64(flagMask)) }
func (e entry) flags() Flag     { return Flag(uint64(e)) & flagMask }
func (e entry) present() bool   { return e.flags()&Present != 0 }

// table is a 512-entry directory or leaf page, viewed directly over a
// frame's backing bytes the same way the teacher's pg2pmap overlays
// Pmap_t onto a *Pg_t.
type table [entriesPerTable]entry

func viewTable(b []byte) *table {
	return (*table)(unsafe.Pointer(&b[0]))
}
