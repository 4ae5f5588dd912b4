package mem

import "github.com/Phoenix597/Boxedwine/defs"

// Guest load/store paths. Every access checks the flag table before
// touching backing memory and reproduces exactly the fault the host
// MMU would have raised for the mapping the flags imply. The fault's
// HostIp is filled in by the dispatcher, which knows where the access
// came from.

func mapfault(addr uint32, read bool) *defs.Fault_t {
	return &defs.Fault_t{Kind: defs.FAULT_ACCESS, Addr: addr, Read: read, Mapper: true}
}

func accfault(addr uint32, read bool) *defs.Fault_t {
	return &defs.Fault_t{Kind: defs.FAULT_ACCESS, Addr: addr, Read: read, Mapper: false}
}

// backing returns the byte slice of one page: the contiguous region
// normally, the host mapping for PAGE_MAPPED_HOST pages.
func (m *Memory_t) backing(page uint32) []uint8 {
	if m.flags[page]&defs.PAGE_MAPPED_HOST != 0 {
		return m.hostpages[page]
	}
	return m.pageslice(page, 1)
}

func (m *Memory_t) chkread(addr uint32) *defs.Fault_t {
	page := addr >> defs.PGSHIFT
	gf := m.flags[page]
	if gf&defs.PAGE_ALLOCATED == 0 || m.native[page]&defs.NATIVE_FLAG_COMMITTED == 0 {
		return mapfault(addr, true)
	}
	if gf&defs.PAGE_READ == 0 {
		return accfault(addr, true)
	}
	return nil
}

func (m *Memory_t) chkwrite(addr uint32) *defs.Fault_t {
	page := addr >> defs.PGSHIFT
	gf := m.flags[page]
	if gf&defs.PAGE_ALLOCATED == 0 || m.native[page]&defs.NATIVE_FLAG_COMMITTED == 0 {
		return mapfault(addr, false)
	}
	if m.native[page]&defs.NATIVE_FLAG_CODEPAGE_READONLY != 0 {
		// the host mapping is read-only to trap code patches
		return accfault(addr, false)
	}
	if gf&defs.PAGE_WRITE == 0 {
		return accfault(addr, false)
	}
	return nil
}

func (m *Memory_t) chkfetch(addr uint32) *defs.Fault_t {
	page := addr >> defs.PGSHIFT
	gf := m.flags[page]
	if gf&defs.PAGE_ALLOCATED == 0 || m.native[page]&defs.NATIVE_FLAG_COMMITTED == 0 {
		return mapfault(addr, true)
	}
	if gf&(defs.PAGE_READ|defs.PAGE_EXEC) == 0 {
		return accfault(addr, true)
	}
	return nil
}

/// ReadB loads one byte from the guest address space.
func (m *Memory_t) ReadB(addr uint32) (uint8, *defs.Fault_t) {
	if f := m.chkread(addr); f != nil {
		return 0, f
	}
	return m.backing(addr>>defs.PGSHIFT)[addr&defs.PGOFFSET], nil
}

/// ReadW loads a 16-bit value.
func (m *Memory_t) ReadW(addr uint32) (uint16, *defs.Fault_t) {
	if addr&defs.PGOFFSET <= uint32(defs.PGSIZE)-2 {
		if f := m.chkread(addr); f != nil {
			return 0, f
		}
		pg := m.backing(addr >> defs.PGSHIFT)
		off := addr & defs.PGOFFSET
		return uint16(pg[off]) | uint16(pg[off+1])<<8, nil
	}
	lo, f := m.ReadB(addr)
	if f != nil {
		return 0, f
	}
	hi, f := m.ReadB(addr + 1)
	if f != nil {
		return 0, f
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

/// ReadD loads a 32-bit value.
func (m *Memory_t) ReadD(addr uint32) (uint32, *defs.Fault_t) {
	if addr&defs.PGOFFSET <= uint32(defs.PGSIZE)-4 {
		if f := m.chkread(addr); f != nil {
			return 0, f
		}
		pg := m.backing(addr >> defs.PGSHIFT)
		off := addr & defs.PGOFFSET
		return uint32(pg[off]) | uint32(pg[off+1])<<8 |
			uint32(pg[off+2])<<16 | uint32(pg[off+3])<<24, nil
	}
	var v uint32
	for i := uint32(0); i < 4; i++ {
		b, f := m.ReadB(addr + i)
		if f != nil {
			return 0, f
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

/// WriteB stores one byte.
func (m *Memory_t) WriteB(addr uint32, v uint8) *defs.Fault_t {
	if f := m.chkwrite(addr); f != nil {
		return f
	}
	m.backing(addr>>defs.PGSHIFT)[addr&defs.PGOFFSET] = v
	return nil
}

/// WriteW stores a 16-bit value.
func (m *Memory_t) WriteW(addr uint32, v uint16) *defs.Fault_t {
	if addr&defs.PGOFFSET <= uint32(defs.PGSIZE)-2 {
		if f := m.chkwrite(addr); f != nil {
			return f
		}
		pg := m.backing(addr >> defs.PGSHIFT)
		off := addr & defs.PGOFFSET
		pg[off] = uint8(v)
		pg[off+1] = uint8(v >> 8)
		return nil
	}
	if f := m.WriteB(addr, uint8(v)); f != nil {
		return f
	}
	return m.WriteB(addr+1, uint8(v>>8))
}

/// WriteD stores a 32-bit value.
func (m *Memory_t) WriteD(addr uint32, v uint32) *defs.Fault_t {
	if addr&defs.PGOFFSET <= uint32(defs.PGSIZE)-4 {
		if f := m.chkwrite(addr); f != nil {
			return f
		}
		pg := m.backing(addr >> defs.PGSHIFT)
		off := addr & defs.PGOFFSET
		pg[off] = uint8(v)
		pg[off+1] = uint8(v >> 8)
		pg[off+2] = uint8(v >> 16)
		pg[off+3] = uint8(v >> 24)
		return nil
	}
	for i := uint32(0); i < 4; i++ {
		if f := m.WriteB(addr+i, uint8(v>>(8*i))); f != nil {
			return f
		}
	}
	return nil
}

/// Fetch loads one code byte. EXEC or READ suffices; the host mapping
/// permits READ for either.
func (m *Memory_t) Fetch(addr uint32) (uint8, *defs.Fault_t) {
	if f := m.chkfetch(addr); f != nil {
		return 0, f
	}
	return m.backing(addr>>defs.PGSHIFT)[addr&defs.PGOFFSET], nil
}

/// ReadBytes fills buf from the guest address space.
func (m *Memory_t) ReadBytes(addr uint32, buf []uint8) *defs.Fault_t {
	for i := range buf {
		b, f := m.ReadB(addr + uint32(i))
		if f != nil {
			return f
		}
		buf[i] = b
	}
	return nil
}

/// KWriteBytes is the kernel-side store path: a write that lands on a
/// write-protected code page clears the page's cached code first, the
/// same way a guest store would through the fault path.
func (m *Memory_t) KWriteBytes(tid defs.Tid_t, addr uint32, src []uint8) *defs.Fault_t {
	if len(src) == 0 {
		return nil
	}
	first := addr >> defs.PGSHIFT
	last := (addr + uint32(len(src)) - 1) >> defs.PGSHIFT
	for p := first; p <= last; p++ {
		if m.native[p]&defs.NATIVE_FLAG_CODEPAGE_READONLY != 0 {
			if m.clearcode == nil {
				defs.Kpanic("kernel write to code page %#x with no cache", p)
			}
			m.clearcode(tid, p, 1)
		}
	}
	for i, b := range src {
		if f := m.WriteB(addr+uint32(i), b); f != nil {
			return f
		}
	}
	return nil
}
