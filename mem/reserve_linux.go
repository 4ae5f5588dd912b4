package mem

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"unsafe"
)

import "golang.org/x/sys/unix"

import "github.com/Phoenix597/Boxedwine/defs"

const regionBytes = uintptr(1) << 32

/// Reserver_t hands out 4 GiB-aligned host regions. The candidate
/// counter is owned by the emulator root object; it only ever grows, so
/// released regions are not reused within one process run.
type Reserver_t struct {
	nextId uintptr
}

/// MkReserver returns a reserver starting above the host program's own
/// low mappings.
func MkReserver() *Reserver_t {
	return &Reserver_t{nextId: 2}
}

// reports whether any current host mapping overlaps [addr, addr+len).
// /proc/self/maps lines look like "559f8000-559fa000 r--p ...".
func isAddressRangeInUse(addr, length uintptr) bool {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		defs.Kpanic("cannot open /proc/self/maps: %v", err)
	}
	defer f.Close()

	end := addr + length
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rng, _, ok := strings.Cut(sc.Text(), " ")
		if !ok {
			continue
		}
		lo, hi, ok := strings.Cut(rng, "-")
		if !ok {
			continue
		}
		start, err1 := strconv.ParseUint(lo, 16, 64)
		stop, err2 := strconv.ParseUint(hi, 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if uintptr(start) < end && uintptr(stop) > addr {
			return true
		}
	}
	return false
}

// probes 4 GiB-aligned candidates until a fixed, anonymous, non-readable
// reservation succeeds. The base has its low 32 bits zero so host
// addresses are base|guest32.
func (r *Reserver_t) reserveNext4GB() (uintptr, []uint8) {
	for {
		r.nextId++
		base := r.nextId << 32
		if base == 0 {
			defs.Kpanic("guest region candidates exhausted")
		}
		if isAddressRangeInUse(base, regionBytes) {
			continue
		}
		p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(base), regionBytes,
			unix.PROT_NONE,
			unix.MAP_ANONYMOUS|unix.MAP_PRIVATE|unix.MAP_FIXED_NOREPLACE)
		if err != nil {
			continue
		}
		if uintptr(p) != base {
			// the kernel placed it elsewhere; give the candidate up
			unix.MunmapPtr(p, regionBytes)
			continue
		}
		return base, unsafe.Slice((*uint8)(p), regionBytes)
	}
}

func unmapRegion(base uintptr) {
	if err := unix.MunmapPtr(unsafe.Pointer(base), regionBytes); err != nil {
		defs.Kpanic("munmap of guest region %#x failed: %v", base, err)
	}
}
