// Package mem manages one guest process's 4 GiB address space: the
// contiguous host reservation, the per-page flag table, commit and
// protection transitions, and the guest load/store paths.
//
// Guest and native page state have exactly one point of truth here.
// Every host protection change is derived from the flag table at the
// moment it is applied, so the two can never diverge.
package mem

import "sync"
import "sync/atomic"

import "github.com/sirupsen/logrus"
import "golang.org/x/sys/unix"

import "github.com/Phoenix597/Boxedwine/defs"

var log = logrus.WithField("subsystem", "mem")

/// Clearcode_t is installed by the translation cache. It retires every
/// chunk translated from the given native page range. The thread id
/// names the caller for the cache's recursive executable mutex, so the
/// hook may be reached by a thread that already holds it (lock order:
/// executable mutex before page mutex).
type Clearcode_t func(tid defs.Tid_t, page uint32, count uint32)

/// Memory_t owns a guest process's address space. PageMu serializes
/// page allocation and protection; the executable memory mutex that
/// orders code mutation lives with the translation cache and is
/// acquired first.
type Memory_t struct {
	/// Id is the region base; its low 32 bits are zero so host
	/// addresses are Id|guest32.
	Id uintptr

	host      []uint8 /// the whole 4 GiB reservation
	flags     []defs.Gf_t
	native    []defs.Nf_t
	strikes   []uint8 /// dynamic-code strike counter per page
	allocated uint64  /// committed bytes

	/// PageMu serializes page allocation and protection transitions.
	PageMu sync.Mutex

	clearcode Clearcode_t
	hostpages map[uint32][]uint8 /// MAPPED_HOST backing, keyed by page

	refs int32
}

/// MkMemory reserves a fresh 4 GiB region through the reserver and
/// returns a memory object with every page unallocated.
func MkMemory(r *Reserver_t) *Memory_t {
	base, host := r.reserveNext4GB()
	m := &Memory_t{
		Id:        base,
		host:      host,
		flags:     make([]defs.Gf_t, defs.K_NUMBER_OF_PAGES),
		native:    make([]defs.Nf_t, defs.K_NUMBER_OF_PAGES),
		strikes:   make([]uint8, defs.K_NUMBER_OF_PAGES),
		hostpages: make(map[uint32][]uint8),
		refs:      1,
	}
	log.WithField("base", base).Debug("reserved guest region")
	return m
}

/// SetClearcode installs the chunk invalidation hook.
func (m *Memory_t) SetClearcode(f Clearcode_t) {
	m.clearcode = f
}

/// IncRef adds a reference. A memory object may be shared across an
/// execve transition.
func (m *Memory_t) IncRef() {
	atomic.AddInt32(&m.refs, 1)
}

/// DecRef drops a reference and releases the region when it was the
/// last one. It returns the remaining count.
func (m *Memory_t) DecRef(tid defs.Tid_t) int32 {
	c := atomic.AddInt32(&m.refs, -1)
	if c < 0 {
		panic("memory ref underflow")
	}
	if c == 0 {
		m.release(tid)
	}
	return c
}

/// RefCount returns the current reference count.
func (m *Memory_t) RefCount() int32 {
	return atomic.LoadInt32(&m.refs)
}

func (m *Memory_t) pageslice(page, count uint32) []uint8 {
	off := uintptr(page) << defs.PGSHIFT
	return m.host[off : off+uintptr(count)<<defs.PGSHIFT]
}

// host protection implied by the flag table for one page. EXEC implies
// host READ (the translator reads code through the fetch path); a
// write-protected code page loses host WRITE regardless of guest
// flags.
func (m *Memory_t) hostprot(page uint32) int {
	gf := m.flags[page]
	nf := m.native[page]
	if nf&defs.NATIVE_FLAG_COMMITTED == 0 {
		return unix.PROT_NONE
	}
	prot := unix.PROT_NONE
	if gf&(defs.PAGE_READ|defs.PAGE_EXEC) != 0 {
		prot |= unix.PROT_READ
	}
	if gf&defs.PAGE_WRITE != 0 && nf&defs.NATIVE_FLAG_CODEPAGE_READONLY == 0 {
		prot |= unix.PROT_WRITE
	}
	return prot
}

func (m *Memory_t) mprotect(page, count uint32, prot int) {
	if err := unix.Mprotect(m.pageslice(page, count), prot); err != nil {
		defs.Kpanic("mprotect page %#x count %d failed: %v", page, count, err)
	}
}

// apply the flag-implied protection to each page in range, coalescing
// runs with equal protection.
func (m *Memory_t) syncprot(page, count uint32) {
	run := uint32(0)
	runprot := 0
	runstart := page
	for p := page; p < page+count; p++ {
		prot := m.hostprot(p)
		if run != 0 && prot == runprot {
			run++
			continue
		}
		if run != 0 {
			m.mprotect(runstart, run, runprot)
		}
		runstart, run, runprot = p, 1, prot
	}
	if run != 0 {
		m.mprotect(runstart, run, runprot)
	}
}

/// AllocPages commits count pages starting at page with the given
/// guest flags. The backing is zeroed through a transient RW mapping
/// and then downgraded to what the flags request.
func (m *Memory_t) AllocPages(page, count uint32, gf defs.Gf_t) {
	if count == 0 {
		return
	}
	m.PageMu.Lock()
	defer m.PageMu.Unlock()

	m.mprotect(page, count, unix.PROT_READ|unix.PROT_WRITE)
	span := m.pageslice(page, count)
	clear(span)
	for i := uint32(0); i < count; i++ {
		m.flags[page+i] = gf | defs.PAGE_ALLOCATED
		m.native[page+i] |= defs.NATIVE_FLAG_COMMITTED
	}
	m.allocated += uint64(count) << defs.PGSHIFT
	m.syncprot(page, count)
}

/// FreePages decommits count pages starting at page. Code pages are
/// first cleared from the translation cache.
func (m *Memory_t) FreePages(tid defs.Tid_t, page, count uint32) {
	for i := uint32(0); i < count; i++ {
		if m.native[page+i]&defs.NATIVE_FLAG_CODEPAGE_READONLY != 0 {
			if m.clearcode != nil {
				m.clearcode(tid, page+i, 1)
			}
			m.native[page+i] &^= defs.NATIVE_FLAG_CODEPAGE_READONLY
		}
	}
	m.PageMu.Lock()
	defer m.PageMu.Unlock()
	for i := uint32(0); i < count; i++ {
		if m.native[page+i]&defs.NATIVE_FLAG_COMMITTED != 0 {
			m.native[page+i] &^= defs.NATIVE_FLAG_COMMITTED
			m.mprotect(page+i, 1, unix.PROT_NONE)
			m.allocated -= uint64(defs.PGSIZE)
		}
		m.flags[page+i] = 0
		delete(m.hostpages, page+i)
	}
}

/// Protect changes the guest permissions of count pages and mirrors
/// the change to the host mapping.
func (m *Memory_t) Protect(page, count uint32, gf defs.Gf_t) defs.Err_t {
	m.PageMu.Lock()
	defer m.PageMu.Unlock()
	for i := uint32(0); i < count; i++ {
		if m.flags[page+i]&defs.PAGE_ALLOCATED == 0 {
			return -defs.ENOMEM
		}
	}
	for i := uint32(0); i < count; i++ {
		keep := m.flags[page+i] & (defs.PAGE_ALLOCATED | defs.PAGE_SHARED | defs.PAGE_MAPPED_HOST)
		m.flags[page+i] = keep | (gf &^ (defs.PAGE_ALLOCATED | defs.PAGE_SHARED | defs.PAGE_MAPPED_HOST))
	}
	m.syncprot(page, count)
	return 0
}

/// MapHost backs count pages with caller-provided host memory (file
/// mappings shared with the host). The pages become allocated with the
/// given flags plus PAGE_MAPPED_HOST.
func (m *Memory_t) MapHost(page, count uint32, backing []uint8, gf defs.Gf_t) {
	if len(backing) != int(count)<<defs.PGSHIFT {
		panic("bad host backing size")
	}
	m.PageMu.Lock()
	defer m.PageMu.Unlock()
	for i := uint32(0); i < count; i++ {
		m.flags[page+i] = gf | defs.PAGE_ALLOCATED | defs.PAGE_MAPPED_HOST
		m.native[page+i] |= defs.NATIVE_FLAG_COMMITTED
		m.hostpages[page+i] = backing[int(i)<<defs.PGSHIFT : int(i+1)<<defs.PGSHIFT]
	}
}

/// MakeCodePageReadOnly write-protects a page so a future code patch
/// traps. It is called immediately before a chunk translated from the
/// page becomes live. Calling it on a saturated dynamic page is a bug;
/// the translator checks the strike counter first.
func (m *Memory_t) MakeCodePageReadOnly(page uint32) {
	m.PageMu.Lock()
	defer m.PageMu.Unlock()
	if m.native[page]&defs.NATIVE_FLAG_CODEPAGE_READONLY != 0 {
		return
	}
	if m.strikes[page] == defs.MAX_DYNAMIC_CODE_PAGE_COUNT {
		defs.Kpanic("MakeCodePageReadOnly: page %#x is dynamic", page)
	}
	m.native[page] |= defs.NATIVE_FLAG_CODEPAGE_READONLY
	m.syncprot(page, 1)
}

/// ClearCodePageReadOnly reverses MakeCodePageReadOnly and reports
/// whether the flag was previously set. Clearing an unprotected page
/// is a no-op.
func (m *Memory_t) ClearCodePageReadOnly(page uint32) bool {
	m.PageMu.Lock()
	defer m.PageMu.Unlock()
	if m.native[page]&defs.NATIVE_FLAG_CODEPAGE_READONLY == 0 {
		return false
	}
	m.native[page] &^= defs.NATIVE_FLAG_CODEPAGE_READONLY
	m.syncprot(page, 1)
	return true
}

/// CodePageReadOnly reports whether a page is write-protected for code
/// patch detection.
func (m *Memory_t) CodePageReadOnly(page uint32) bool {
	return m.native[page]&defs.NATIVE_FLAG_CODEPAGE_READONLY != 0
}

/// Strikes returns the dynamic-code strike counter of a page.
func (m *Memory_t) Strikes(page uint32) uint8 {
	return m.strikes[page]
}

/// Strike increments the strike counter of a page up to saturation and
/// returns the new value. A saturated page is permanently dynamic.
func (m *Memory_t) Strike(page uint32) uint8 {
	if m.strikes[page] < defs.MAX_DYNAMIC_CODE_PAGE_COUNT {
		m.strikes[page]++
	}
	return m.strikes[page]
}

/// Dynamic reports whether the page has saturated its strike counter.
func (m *Memory_t) Dynamic(page uint32) bool {
	return m.strikes[page] == defs.MAX_DYNAMIC_CODE_PAGE_COUNT
}

/// Flags returns the guest flags of a page.
func (m *Memory_t) Flags(page uint32) defs.Gf_t {
	return m.flags[page]
}

/// NativeFlags returns the host-side flags of a page.
func (m *Memory_t) NativeFlags(page uint32) defs.Nf_t {
	return m.native[page]
}

/// NativePage maps an emulated page to its native page. The
/// contiguous-reservation build is the identity; the per-page-object
/// build maps through its page table.
func (m *Memory_t) NativePage(page uint32) uint32 {
	return page
}

/// Allocated returns the committed byte count.
func (m *Memory_t) Allocated() uint64 {
	return m.allocated
}

/// IsValidReadAddress reports whether len bytes at addr are readable
/// by the guest.
func (m *Memory_t) IsValidReadAddress(addr uint32, length uint32) bool {
	if length == 0 {
		return false
	}
	first := addr >> defs.PGSHIFT
	last := (addr + length - 1) >> defs.PGSHIFT
	for p := first; p <= last; p++ {
		gf := m.flags[p]
		if gf&defs.PAGE_ALLOCATED == 0 || gf&defs.PAGE_READ == 0 {
			return false
		}
	}
	return true
}

// release unmaps the region. Called when the last reference drops; any
// page still write-protected as code is first cleared through the
// cache hook.
func (m *Memory_t) release(tid defs.Tid_t) {
	if m.clearcode != nil {
		for p := uint32(0); p < uint32(defs.K_NUMBER_OF_PAGES); p++ {
			if m.native[p]&defs.NATIVE_FLAG_CODEPAGE_READONLY != 0 {
				m.clearcode(tid, p, 1)
			}
		}
	}
	clear(m.flags)
	clear(m.native)
	m.allocated = 0
	unmapRegion(m.Id)
	m.host = nil
	log.WithField("base", m.Id).Debug("released guest region")
}
