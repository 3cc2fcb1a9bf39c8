package ptable

import (
	"errors"
	"sync"

	"github.com/distrusted/memnucleus/internal/frame"
)

var (
	// ErrNotPresent is returned by Translate/TranslateForeign when the
	// walked VA has no present mapping.
	ErrNotPresent = errors.New("ptable: address not present")
	// ErrAlreadyMapped is returned by Map when a present PTE already
	// occupies va: map never silently replaces a live mapping (§4.2 --
	// callers that mean to replace an existing mapping unmap first, so
	// the two-pass unmap/shootdown discipline is never bypassed).
	ErrAlreadyMapped = errors.New("ptable: address already mapped")
	// ErrNoTable is returned by operations that require a leaf table to
	// already exist (CopyOnWriteRange) and find none.
	ErrNoTable = errors.New("ptable: no table present for address")
	// ErrIncompatibleFlags is returned when Map is asked to install a
	// cache-disabled and write-through PTE simultaneously.
	ErrIncompatibleFlags = errors.New("ptable: cache-disabled and write-through are mutually exclusive")
)

// Engine is the Page-Table Engine of §4.2. One Engine serves every
// address space in the nucleus; each address space supplies its own
// root directory frame to every call.
//
// There is no separate self-map or per-CPU scratch-VA mechanism here:
// the frame database already exposes every physical frame's bytes
// directly through FrameDB.Bytes (the same "direct map" idea as the
// teacher's mem.Physmem_t.Dmap), so translate_foreign walks a foreign
// root exactly the way translate walks the current one, and the raised
// "no preemption" section §4.2 describes for translate_foreign is
// represented here by holding tableLock for the duration of the walk
// rather than by an actual scratch mapping.
type Engine struct {
	db *frame.FrameDB

	// tableLock serializes leaf/directory-table creation and
	// TranslateForeign's walk; it is not "the physical lock" (that belongs to
	// FrameDB) but a second, higher-level lock the way the teacher's
	// Vm_t.lock sits above Physmem_t's.
	tableLock sync.Mutex

	KernelRoot frame.Pa
}

// New creates a Page-Table Engine backed by db, with a freshly
// allocated, zeroed kernel root directory.
func New(db *frame.FrameDB) (*Engine, error) {
	root, err := db.Allocate(1, 1)
	if err != nil {
		return nil, err
	}
	zero(db, root)
	return &Engine{db: db, KernelRoot: root}, nil
}

// PageSize returns the page size the underlying frame database uses.
func (e *Engine) PageSize() int { return e.db.PageSize() }

// NewProcessRoot allocates a fresh, zeroed directory frame for a new
// address space. The kernel half is populated lazily by
// SyncKernelEntry on first fault, per §4.2's "lazy per-process
// directory synchronized against a single authoritative kernel
// directory".
func (e *Engine) NewProcessRoot() (frame.Pa, error) {
	root, err := e.db.Allocate(1, 1)
	if err != nil {
		return 0, err
	}
	zero(e.db, root)
	return root, nil
}

// userDirEntries is the directory index one past the last user-half
// slot (§3 invariant 4's kernel/user split, KernelBase).
func userDirEntries() int {
	n, _, _ := split(KernelBase)
	return n
}

// CountLeafTables reports how many leaf (second-level) tables are
// currently installed under root's user half -- the "count of leaf
// tables allocated" §3's address-space data model names, and the value
// Destroy asserts is zero before it frees the root (§4.3 destroy).
func (e *Engine) CountLeafTables(root frame.Pa) int {
	dir := viewTable(e.db.Bytes(root))
	n := 0
	for i := 0; i < userDirEntries(); i++ {
		if dir[i].present() {
			n++
		}
	}
	return n
}

// FreeLeafTables implements §4.3 teardown's "walks the user-space
// directory, frees every leaf table it points to, and zeros the
// directory slot." The kernel half and the root frame itself are left
// untouched; root remains usable (with an empty user half) until
// FreeRoot is called.
func (e *Engine) FreeLeafTables(root frame.Pa) (freed int, err error) {
	dir := viewTable(e.db.Bytes(root))
	for i := 0; i < userDirEntries(); i++ {
		d := dir[i]
		if !d.present() {
			continue
		}
		if ferr := e.db.Free(d.frame(), 1); ferr != nil {
			return freed, ferr
		}
		dir[i] = entry(0)
		freed++
	}
	return freed, nil
}

// FreeRoot frees root's own directory frame. Callers must have already
// freed every leaf table it referenced (FreeLeafTables) -- this is the
// second half of §4.3's destroy(space), which "asserts the leaf-table
// count is zero" before it runs.
func (e *Engine) FreeRoot(root frame.Pa) error {
	return e.db.Free(root, 1)
}

// DestroyRoot is the one-call convenience of FreeLeafTables followed by
// FreeRoot, for callers (fork's rollback path) that want to discard a
// whole process root without going through the separate
// teardown/destroy steps §4.3 names at the address-space layer.
func (e *Engine) DestroyRoot(root frame.Pa) error {
	if _, err := e.FreeLeafTables(root); err != nil {
		return err
	}
	return e.FreeRoot(root)
}

func zero(db *frame.FrameDB, pa frame.Pa) {
	b := db.Bytes(pa)
	for i := range b {
		b[i] = 0
	}
}

// walk locates the leaf entry for va under root. If create is true and
// an intervening directory entry is absent, a fresh leaf table is
// allocated and installed; if create is false, a missing directory
// entry yields ok=false.
//
// Kernel VAs (va >= KernelBase) are handled by walkKernel: kernel
// mappings are process-independent (§3 invariant 4), so there is
// exactly one authoritative kernel directory, and every process root
// only ever holds a lazily-synchronized copy of its entries (see
// SyncKernelEntry, which walkKernel calls on a miss).
func (e *Engine) walk(root frame.Pa, va uintptr, create bool) (leaf *table, idx int, ok bool) {
	if va >= KernelBase {
		return e.walkKernel(root, va, create)
	}
	dirIdx, leafIdx, _ := split(va)
	dir := viewTable(e.db.Bytes(root))
	d := dir[dirIdx]
	if !d.present() {
		if !create {
			return nil, 0, false
		}
		e.tableLock.Lock()
		d = dir[dirIdx] // re-check under lock
		if !d.present() {
			leafPa, err := e.db.Allocate(1, 1)
			if err != nil {
				e.tableLock.Unlock()
				return nil, 0, false
			}
			zero(e.db, leafPa)
			// Directory entries are maximally permissive; the leaf
			// entry is where access is actually restricted.
			d = pack(leafPa, Present|Writable|User)
			dir[dirIdx] = d
		}
		e.tableLock.Unlock()
	}
	return viewTable(e.db.Bytes(d.frame())), leafIdx, true
}

// walkKernel resolves a kernel-half VA (§4.2's lazily-synchronized
// directory contract): it first consults root's own directory entry,
// which SyncKernelEntry may already have cached from a previous fault,
// and only falls back to the single authoritative KernelRoot -- and,
// on that fall-back path, calls SyncKernelEntry to cache the result
// back into root -- when root's own copy is still absent. A caller
// that passes root == KernelRoot is operating on the authoritative
// directory directly and never needs syncing.
func (e *Engine) walkKernel(root frame.Pa, va uintptr, create bool) (leaf *table, idx int, ok bool) {
	dirIdx, leafIdx, _ := split(va)

	if root != e.KernelRoot {
		pdir := viewTable(e.db.Bytes(root))
		if !pdir[dirIdx].present() {
			e.SyncKernelEntry(root, va)
		}
		if d := pdir[dirIdx]; d.present() {
			return viewTable(e.db.Bytes(d.frame())), leafIdx, true
		}
	}

	kdir := viewTable(e.db.Bytes(e.KernelRoot))
	kd := kdir[dirIdx]
	if !kd.present() {
		if !create {
			return nil, 0, false
		}
		e.tableLock.Lock()
		kd = kdir[dirIdx] // re-check under lock
		if !kd.present() {
			leafPa, err := e.db.Allocate(1, 1)
			if err != nil {
				e.tableLock.Unlock()
				return nil, 0, false
			}
			zero(e.db, leafPa)
			kd = pack(leafPa, Present|Writable|User)
			kdir[dirIdx] = kd
		}
		e.tableLock.Unlock()
		if root != e.KernelRoot {
			e.SyncKernelEntry(root, va)
		}
	}
	return viewTable(e.db.Bytes(kd.frame())), leafIdx, true
}

// Map installs a PTE at va mapping it to pa with the given attributes
// (§4.2). It is an error to map over an already-present entry; callers
// that intend to replace a mapping unmap it first, which preserves the
// two-pass discipline Unmap exists to enforce.
func (e *Engine) Map(root frame.Pa, va uintptr, pa frame.Pa, flags Flag) error {
	if flags&(CacheDisabled|WriteThrough) == CacheDisabled|WriteThrough {
		return ErrIncompatibleFlags
	}
	leaf, idx, ok := e.walk(root, va, true)
	if !ok {
		return errors.New("ptable: failed to establish leaf table")
	}
	if leaf[idx].present() {
		return ErrAlreadyMapped
	}
	leaf[idx] = pack(pa, flags|Present)
	return nil
}

// Translate resolves va to its backing physical address and current
// attributes under root.
func (e *Engine) Translate(root frame.Pa, va uintptr) (frame.Pa, Flag, error) {
	return e.translate(root, va)
}

// TranslateForeign resolves va against a different address space's
// root than the currently active one. Per the package doc, this is the
// same walk as Translate: there is no separate scratch-mapping step to
// perform first.
func (e *Engine) TranslateForeign(foreignRoot frame.Pa, va uintptr) (frame.Pa, Flag, error) {
	e.tableLock.Lock()
	defer e.tableLock.Unlock()
	return e.translate(foreignRoot, va)
}

func (e *Engine) translate(root frame.Pa, va uintptr) (frame.Pa, Flag, error) {
	_, _, pageOff := split(va)
	leaf, idx, ok := e.walk(root, va, false)
	if !ok {
		return 0, 0, ErrNotPresent
	}
	pte := leaf[idx]
	if !pte.present() {
		return 0, 0, ErrNotPresent
	}
	return pte.frame() + frame.Pa(pageOff), pte.flags(), nil
}

// ClearedPTE is one entry cleared by pass 1 of Unmap, carried forward
// so the caller can run shootdown and then FreeCleared.
type ClearedPTE struct {
	VA    uintptr
	Frame frame.Pa
	Flags Flag
}

// ClearPresent is pass 1 of the two-pass unmap described in §4.2 and
// §5: it clears the present bit and the frame index of the live PTE,
// keeping its other flag bits (the frame index is carried in the
// returned record instead) for
// every present page in [va, va+count*pageSize), without touching the
// TLB and without freeing or reporting anything. The caller is
// responsible for invalidation (locally, or a cross-processor
// shootdown if other address-space participants might still hold a
// stale translation) before calling FreeCleared, because "observers on
// other CPUs must stop using the frame before anyone reuses it."
func (e *Engine) ClearPresent(root frame.Pa, va uintptr, count int) []ClearedPTE {
	pageSize := uintptr(e.db.PageSize())
	out := make([]ClearedPTE, 0, count)
	for i := 0; i < count; i++ {
		cva := va + uintptr(i)*pageSize
		leaf, idx, ok := e.walk(root, cva, false)
		if !ok {
			continue
		}
		pte := leaf[idx]
		if !pte.present() {
			continue
		}
		out = append(out, ClearedPTE{VA: cva, Frame: pte.frame(), Flags: pte.flags()})
		leaf[idx] = pack(0, pte.flags() &^ Present)
	}
	return out
}

// FreeCleared is pass 2/3 of unmap: after the caller has ensured no
// stale translation for any ClearedPTE survives on any observer,
// FreeCleared optionally returns each cleared frame to the physical
// allocator and reports whether any cleared entry was dirty (so the
// caller can decide whether the range needs writeback before the
// frames are reused).
func (e *Engine) FreeCleared(cleared []ClearedPTE, freePhysical bool) (dirtyAny bool, err error) {
	for _, c := range cleared {
		if c.Flags&Dirty != 0 {
			dirtyAny = true
		}
		if freePhysical {
			if ferr := e.db.Free(c.Frame, 1); ferr != nil {
				err = ferr
			}
		}
	}
	return dirtyAny, err
}

// Unmap is the common case of ClearPresent+FreeCleared with no
// intervening shootdown decision: used where the caller already knows
// (single-threaded address space, or range entirely non-user) that no
// cross-CPU invalidation is needed.
func (e *Engine) Unmap(root frame.Pa, va uintptr, count int, freePhysical bool) (dirtyAny bool, err error) {
	cleared := e.ClearPresent(root, va, count)
	return e.FreeCleared(cleared, freePhysical)
}

// ChangeAccess bulk-updates the flags named by mask to the values in
// newFlags, over count pages starting at va, without altering presence.
// It reports reduceReach=true when the change narrows what the mapping
// permits (dropping Writable, or adding CacheDisabled) -- §4.5's rule
// that only reach-reducing transitions need a local invalidate;
// reach-extending transitions (e.g. read-only -> writable) and
// dirty/accessed bit updates never do.
func (e *Engine) ChangeAccess(root frame.Pa, va uintptr, count int, newFlags, mask Flag) (reduceReach bool, err error) {
	mask &^= Present // presence is never touched by ChangeAccess
	pageSize := uintptr(e.db.PageSize())
	for i := 0; i < count; i++ {
		cva := va + uintptr(i)*pageSize
		leaf, idx, ok := e.walk(root, cva, false)
		if !ok {
			continue
		}
		pte := leaf[idx]
		if !pte.present() {
			continue
		}
		old := pte.flags()
		updated := (old &^ mask) | (newFlags & mask)
		if mask&Writable != 0 && old&Writable != 0 && updated&Writable == 0 {
			reduceReach = true
		}
		if mask&CacheDisabled != 0 && old&CacheDisabled == 0 && updated&CacheDisabled != 0 {
			reduceReach = true
		}
		leaf[idx] = pack(pte.frame(), updated)
	}
	return reduceReach, nil
}

// EnsureTables pre-installs every leaf table spanning [va, va+size)
// without installing any PTEs, so a subsequent non-allocating operation
// (CopyOnWriteRange) is guaranteed to find a table already in place
// (§4.2 ensure_tables; §4.4 preallocate_tables).
//
// Kernel VAs are ensured against KernelRoot regardless of which root is
// passed, matching walk's kernel-redirect rule.
func (e *Engine) EnsureTables(root frame.Pa, va uintptr, size int) error {
	pageSize := e.db.PageSize()
	leafSpan := uintptr(pageSize) * entriesPerTable
	end := va + uintptr(size)
	for cur := va - (va % leafSpan); cur < end; cur += leafSpan {
		if _, _, ok := e.walk(root, cur, true); !ok {
			return errors.New("ptable: failed to preallocate table")
		}
	}
	return nil
}

// SyncKernelEntry implements the lazy directory-sync step of §4.2: on a
// page fault for a kernel VA whose per-process directory entry is
// absent, the fault handler calls this to copy the authoritative kernel
// directory entry into the faulting process's root and retry the
// access, rather than treating the fault as a real page-not-present
// condition.
func (e *Engine) SyncKernelEntry(procRoot frame.Pa, va uintptr) bool {
	if va < KernelBase || procRoot == e.KernelRoot {
		return false
	}
	dirIdx, _, _ := split(va)
	kdir := viewTable(e.db.Bytes(e.KernelRoot))
	kd := kdir[dirIdx]
	if !kd.present() {
		return false
	}
	pdir := viewTable(e.db.Bytes(procRoot))
	if pdir[dirIdx].present() {
		return false
	}
	pdir[dirIdx] = kd
	return true
}

// eachPresentPage backs RootWalker.EachPresentPage.
func (e *Engine) eachPresentPage(root frame.Pa, va uintptr, size int, f func(page []byte)) error {
	pageSize := e.db.PageSize()
	count := (size + pageSize - 1) / pageSize
	for i := 0; i < count; i++ {
		cva := va + uintptr(i*pageSize)
		leaf, idx, ok := e.walk(root, cva, false)
		if !ok {
			continue
		}
		pte := leaf[idx]
		if !pte.present() {
			continue
		}
		f(e.db.Bytes(pte.frame()))
	}
	return nil
}

// RootWalker adapts one address space's root directory to
// cacheflush.PageWalker: the cache-flush service only ever operates
// against whichever address space is current, so it needs a walker
// bound to a single root rather than the multi-root Engine itself.
type RootWalker struct {
	Engine *Engine
	Root   frame.Pa
}

// EachPresentPage implements cacheflush.PageWalker.
func (w RootWalker) EachPresentPage(va uintptr, size int, f func(page []byte)) error {
	return w.Engine.eachPresentPage(w.Root, va, size, f)
}

// Unmapped implements frame.IdentityMap: reports whether va has no
// present mapping in the kernel address space, for allocate_identity's
// probe step (§4.1).
func (e *Engine) Unmapped(va uintptr) bool {
	_, _, err := e.translate(e.KernelRoot, va)
	return err == ErrNotPresent
}
