package bt

import "sync"

import mmap "github.com/edsrzf/mmap-go"

import "github.com/Phoenix597/Boxedwine/defs"
import "github.com/Phoenix597/Boxedwine/limits"

const poolSegBytes = 1 << 18

// pool_t carves chunk buffers out of executable mapped segments. A
// span returns to the free list only when the owning chunk's last
// reference drops, so a stale host address always lands either on the
// span's sentinel bytes or inside a chunk the cache still knows about.
type pool_t struct {
	sync.Mutex
	segs   []mmap.MMap
	cur    []uint8
	free   map[int][][]uint8
	lim    *limits.Syslimit_t
	mapped int
}

func mkPool(lim *limits.Syslimit_t) *pool_t {
	return &pool_t{free: make(map[int][][]uint8), lim: lim}
}

func (p *pool_t) alloc(n int) []uint8 {
	if n <= 0 || n > poolSegBytes {
		defs.Kpanic("bad chunk size %d", n)
	}
	p.Lock()
	defer p.Unlock()

	if l := p.free[n]; len(l) > 0 {
		b := l[len(l)-1]
		p.free[n] = l[:len(l)-1]
		return b
	}
	if len(p.cur) < n {
		if !p.lim.Poolbytes.Taken(uint(poolSegBytes)) {
			defs.Kpanic("executable pool limit exceeded")
		}
		seg, err := mmap.MapRegion(nil, poolSegBytes, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
		if err != nil {
			defs.Kpanic("cannot map executable pool segment: %v", err)
		}
		p.segs = append(p.segs, seg)
		p.cur = seg
		p.mapped += poolSegBytes
	}
	b := p.cur[:n:n]
	p.cur = p.cur[n:]
	return b
}

func (p *pool_t) freeSpan(b []uint8) {
	p.Lock()
	p.free[len(b)] = append(p.free[len(b)], b)
	p.Unlock()
}

func (p *pool_t) releaseAll() {
	p.Lock()
	defer p.Unlock()
	for _, seg := range p.segs {
		if err := seg.Unmap(); err != nil {
			defs.Kpanic("cannot unmap pool segment: %v", err)
		}
		p.lim.Poolbytes.Given(uint(poolSegBytes))
	}
	p.segs = nil
	p.cur = nil
	p.free = make(map[int][][]uint8)
	p.mapped = 0
}
