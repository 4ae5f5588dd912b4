package bt

import "sort"
import "sync/atomic"
import "unsafe"

import "github.com/Phoenix597/Boxedwine/defs"
import "github.com/Phoenix597/Boxedwine/stats"

/// Eipmap_t maps one guest instruction to its host cell span.
type Eipmap_t struct {
	Eip  uint32 /// code-segment adjusted guest address
	Off  int32  /// host byte offset within the chunk
	Len  int32  /// host byte length
	Glen uint8  /// guest instruction byte length
	Sown int32  /// offset of the instruction's source bytes in src
}

// linkreq_t is an outgoing cross-chunk branch of a chunk.
type linkreq_t struct {
	destEip uint32
	cellOff int32
}

// linksite_t is a call site somewhere that branches to destEip.
type linksite_t struct {
	ch      *Chunk_t
	cellOff int32
	destEip uint32
}

/// Chunk_t is one translation unit: an owned span of executable host
/// memory plus the bidirectional map between the guest eip range and
/// host byte offsets. Once committed it is immutable except for
/// single-cell retranslation on dynamic-aware chunks and whole-chunk
/// retirement.
type Chunk_t struct {
	buf      []uint8
	hostBase uintptr

	eipStart uint32 /// code-segment adjusted
	eipLen   uint32

	mapping []Eipmap_t
	src     []uint8 /// original guest bytes, kept for self-checks

	/// DynamicAware marks a chunk translated from a saturated page:
	/// its cells verify their source bytes inline instead of relying
	/// on write protection.
	DynamicAware bool

	links    []linkreq_t
	incoming []linksite_t

	refs    int32
	retired int32
	exec    stats.Counter_t

	cache *Cache_t
}

func mkChunk(cache *Cache_t, buf []uint8) *Chunk_t {
	return &Chunk_t{
		buf:      buf,
		hostBase: uintptr(unsafe.Pointer(&buf[0])),
		refs:     1, // the cache's reference
		cache:    cache,
	}
}

/// HostEntry returns the host address of the chunk's first cell.
func (ch *Chunk_t) HostEntry() uintptr {
	return ch.hostBase
}

/// EipStart returns the first guest address the chunk translates.
func (ch *Chunk_t) EipStart() uint32 {
	return ch.eipStart
}

/// EipLen returns the guest byte length the chunk translates.
func (ch *Chunk_t) EipLen() uint32 {
	return ch.eipLen
}

/// Retired reports whether the chunk has been poisoned.
func (ch *Chunk_t) Retired() bool {
	return atomic.LoadInt32(&ch.retired) != 0
}

/// Retain adds an observer reference; an executing thread holds one
/// while it runs inside the chunk.
func (ch *Chunk_t) Retain() {
	if atomic.AddInt32(&ch.refs, 1) <= 1 {
		defs.Kpanic("retain of freed chunk")
	}
}

/// Release drops a reference. The buffer returns to the pool only when
/// the retired chunk's last observer lets go; until then it keeps the
/// sentinel bytes.
func (ch *Chunk_t) Release(tid defs.Tid_t) {
	c := atomic.AddInt32(&ch.refs, -1)
	if c < 0 {
		defs.Kpanic("chunk ref underflow")
	}
	if c == 0 {
		if !ch.Retired() {
			defs.Kpanic("freeing a live chunk")
		}
		ch.cache.dropChunk(tid, ch)
	}
}

/// ContainsHost reports whether the host address lies in the chunk's
/// buffer.
func (ch *Chunk_t) ContainsHost(host uintptr) bool {
	return host >= ch.hostBase && host < ch.hostBase+uintptr(len(ch.buf))
}

/// HostAddressOf returns the host address of the cell translated from
/// the guest instruction starting at the adjusted address eip.
func (ch *Chunk_t) HostAddressOf(eip uint32) (uintptr, bool) {
	i := sort.Search(len(ch.mapping), func(i int) bool {
		return ch.mapping[i].Eip >= eip
	})
	if i < len(ch.mapping) && ch.mapping[i].Eip == eip {
		return ch.hostBase + uintptr(ch.mapping[i].Off), true
	}
	return 0, false
}

/// EipForHost recovers the guest instruction a host address belongs
/// to. Fault recovery depends on it: the handler resumes the guest at
/// exactly this eip.
func (ch *Chunk_t) EipForHost(host uintptr) (uint32, bool) {
	if !ch.ContainsHost(host) {
		return 0, false
	}
	off := int32(host - ch.hostBase)
	i := sort.Search(len(ch.mapping), func(i int) bool {
		return ch.mapping[i].Off > off
	})
	if i == 0 {
		return 0, false
	}
	e := &ch.mapping[i-1]
	if off >= e.Off+e.Len {
		// inside a terminator cell that belongs to no guest op
		return e.Eip, true
	}
	return e.Eip, true
}

func (ch *Chunk_t) mapIndexForHost(host uintptr) int {
	off := int32(host - ch.hostBase)
	i := sort.Search(len(ch.mapping), func(i int) bool {
		return ch.mapping[i].Off > off
	})
	return i - 1
}

/// IntersectsPages reports whether the chunk translates any byte of
/// the given guest page range.
func (ch *Chunk_t) IntersectsPages(page, count uint32) bool {
	lo := uint64(page) << defs.PGSHIFT
	hi := uint64(page+count) << defs.PGSHIFT
	s := uint64(ch.eipStart)
	e := s + uint64(ch.eipLen)
	return s < hi && e > lo
}

/// SrcBytes returns the recorded guest bytes of mapping entry i.
func (ch *Chunk_t) SrcBytes(i int) []uint8 {
	e := &ch.mapping[i]
	return ch.src[e.Sown : e.Sown+int32(e.Glen)]
}

// poison the buffer. Any thread still inside will read the sentinel as
// its next host opcode and trap to the illegal-instruction handler.
func (ch *Chunk_t) fillSentinel() {
	for i := range ch.buf {
		ch.buf[i] = defs.SENTINEL
	}
	atomic.StoreInt32(&ch.retired, 1)
}
