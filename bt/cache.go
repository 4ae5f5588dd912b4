package bt

import "sort"

import "github.com/sirupsen/logrus"

import "github.com/Phoenix597/Boxedwine/caller"
import "github.com/Phoenix597/Boxedwine/defs"
import "github.com/Phoenix597/Boxedwine/hashtable"
import "github.com/Phoenix597/Boxedwine/ksync"
import "github.com/Phoenix597/Boxedwine/limits"
import "github.com/Phoenix597/Boxedwine/mem"
import "github.com/Phoenix597/Boxedwine/stats"

var log = logrus.WithField("subsystem", "bt")

/// Cache_t is the per-memory translation cache: the eip to chunk map,
/// the host-interval chunk list, the pending cross-chunk links, and
/// the executable pool. Every mutation happens under ExecMu, which is
/// recursive because fault recovery re-enters code-cache mutation
/// while already holding it.
type Cache_t struct {
	Mem    *mem.Memory_t
	ExecMu *ksync.Rmutex_t

	eipToChunk *hashtable.Hashtable_t
	chunks     []*Chunk_t /// sorted by host base; live and retired-but-referenced
	pending    map[uint32][]linksite_t
	pool       *pool_t

	lim *limits.Syslimit_t
	st  *stats.Translator_t

	// one warning per distinct host path that declares a page dynamic
	dc caller.Distinct_caller_t
}

/// MkCache builds the cache for one memory object and installs the
/// code invalidation hook on it.
func MkCache(m *mem.Memory_t, lim *limits.Syslimit_t, st *stats.Translator_t) *Cache_t {
	c := &Cache_t{
		Mem:        m,
		ExecMu:     ksync.MkRmutex(),
		eipToChunk: hashtable.MkHash(4096),
		pending:    make(map[uint32][]linksite_t),
		pool:       mkPool(lim),
		lim:        lim,
		st:         st,
	}
	c.dc.Enabled = true
	m.SetClearcode(func(tid defs.Tid_t, page, count uint32) {
		c.ClearHostCodeForWriting(tid, page, count)
	})
	return c
}

/// GetExistingHostAddress returns the host entry for the adjusted
/// guest address, or 0 when no live chunk covers it.
func (c *Cache_t) GetExistingHostAddress(tid defs.Tid_t, eip uint32) uintptr {
	c.ExecMu.Lock(tid)
	defer c.ExecMu.Unlock(tid)
	return c.existingLocked(eip)
}

func (c *Cache_t) existingLocked(eip uint32) uintptr {
	v, ok := c.eipToChunk.Get(eip)
	if !ok {
		return 0
	}
	ch := v.(*Chunk_t)
	if ch.Retired() {
		return 0
	}
	host, ok := ch.HostAddressOf(eip)
	if !ok {
		return 0
	}
	return host
}

/// GetCodeChunkContainingHostAddress returns the chunk whose buffer
/// contains the host address. A nil return after a lookup that should
/// hit indicates either a race-retired chunk that was already freed or
/// a bug; callers decide which.
func (c *Cache_t) GetCodeChunkContainingHostAddress(tid defs.Tid_t, host uintptr) *Chunk_t {
	c.ExecMu.Lock(tid)
	defer c.ExecMu.Unlock(tid)
	return c.chunkForHostLocked(host)
}

func (c *Cache_t) chunkForHostLocked(host uintptr) *Chunk_t {
	i := sort.Search(len(c.chunks), func(i int) bool {
		return c.chunks[i].hostBase > host
	})
	if i == 0 {
		return nil
	}
	ch := c.chunks[i-1]
	if !ch.ContainsHost(host) {
		return nil
	}
	return ch
}

// insert the committed chunk: claim its instruction eips, enter the
// host interval list, resolve links in both directions.
func (c *Cache_t) commitLocked(ch *Chunk_t) {
	if !c.lim.Chunks.Take() {
		defs.Kpanic("live chunk limit exceeded")
	}
	i := sort.Search(len(c.chunks), func(i int) bool {
		return c.chunks[i].hostBase > ch.hostBase
	})
	c.chunks = append(c.chunks, nil)
	copy(c.chunks[i+1:], c.chunks[i:])
	c.chunks[i] = ch

	for k := range ch.mapping {
		// an overlapping chunk may already claim this eip; the first
		// claim wins and retirement only drops owned entries
		c.eipToChunk.Set(ch.mapping[k].Eip, ch)
	}

	// resolve this chunk's outgoing branches against live chunks
	for _, lr := range ch.links {
		if host := c.existingLocked(lr.destEip); host != 0 {
			cput64(ch.buf, int(lr.cellOff), coLinked, uint64(host))
			dst := c.chunkForHostLocked(host)
			dst.incoming = append(dst.incoming, linksite_t{ch: ch, cellOff: lr.cellOff, destEip: lr.destEip})
		} else {
			c.pending[lr.destEip] = append(c.pending[lr.destEip],
				linksite_t{ch: ch, cellOff: lr.cellOff, destEip: lr.destEip})
		}
	}

	// patch call sites in previously committed chunks that were
	// waiting for an entry this chunk now provides
	for k := range ch.mapping {
		eip := ch.mapping[k].Eip
		sites := c.pending[eip]
		if len(sites) == 0 {
			continue
		}
		host := ch.hostBase + uintptr(ch.mapping[k].Off)
		for _, s := range sites {
			if s.ch.Retired() {
				continue
			}
			cput64(s.ch.buf, int(s.cellOff), coLinked, uint64(host))
			ch.incoming = append(ch.incoming, s)
		}
		delete(c.pending, eip)
	}
	c.st.Chunks.Inc()
}

// retire poisons the chunk and removes it from the live maps. Callers
// hold ExecMu.
func (c *Cache_t) retireLocked(tid defs.Tid_t, ch *Chunk_t) {
	if ch.Retired() {
		return
	}
	ch.fillSentinel()

	for k := range ch.mapping {
		eip := ch.mapping[k].Eip
		if v, ok := c.eipToChunk.Get(eip); ok && v.(*Chunk_t) == ch {
			c.eipToChunk.Del(eip)
		}
	}

	// drop this chunk's unresolved outgoing links
	for _, lr := range ch.links {
		sites := c.pending[lr.destEip]
		out := sites[:0]
		for _, s := range sites {
			if s.ch != ch {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			delete(c.pending, lr.destEip)
		} else {
			c.pending[lr.destEip] = out
		}
	}

	// sites that branch into this chunk go back to the trap path and
	// re-queue for the replacement translation
	for _, s := range ch.incoming {
		if s.ch.Retired() {
			continue
		}
		cput64(s.ch.buf, int(s.cellOff), coLinked, 0)
		c.pending[s.destEip] = append(c.pending[s.destEip], s)
	}
	ch.incoming = nil

	c.st.Retired.Inc()
	ch.Release(tid) // the cache's reference
}

// dropChunk returns the buffer span to the pool once the last
// observer is gone.
func (c *Cache_t) dropChunk(tid defs.Tid_t, ch *Chunk_t) {
	c.ExecMu.Lock(tid)
	for i, x := range c.chunks {
		if x == ch {
			c.chunks = append(c.chunks[:i], c.chunks[i+1:]...)
			break
		}
	}
	c.ExecMu.Unlock(tid)
	c.pool.freeSpan(ch.buf)
	c.lim.Chunks.Give()
}

/// ClearHostCodeForWriting is the self-modifying-code entry point: a
/// guest write hit a write-protected code page. Every chunk whose
/// guest range intersects the page range is retired, and each page in
/// the range that was CODEPAGE_READONLY loses the flag and takes a
/// dynamic-code strike; pages that were not protected take no strike.
func (c *Cache_t) ClearHostCodeForWriting(tid defs.Tid_t, page, count uint32) {
	c.ExecMu.Lock(tid)
	defer c.ExecMu.Unlock(tid)

	victims := make([]*Chunk_t, 0, 4)
	for _, ch := range c.chunks {
		if !ch.Retired() && ch.IntersectsPages(page, count) {
			victims = append(victims, ch)
		}
	}
	for _, ch := range victims {
		c.retireLocked(tid, ch)
	}
	for p := page; p < page+count; p++ {
		if c.Mem.ClearCodePageReadOnly(p) {
			n := c.Mem.Strike(p)
			if n == defs.MAX_DYNAMIC_CODE_PAGE_COUNT {
				if first, stack := c.dc.Distinct(); first {
					log.WithField("page", p).Warnf("page declared dynamic from a new path:\n%s", stack)
				} else {
					log.WithField("page", p).Debug("page declared dynamic")
				}
			}
		}
	}
}

/// LiveChunks returns a snapshot of the live chunks, hottest first,
/// for the profile export.
func (c *Cache_t) LiveChunks(tid defs.Tid_t) []stats.Chunksample_t {
	c.ExecMu.Lock(tid)
	defer c.ExecMu.Unlock(tid)
	out := make([]stats.Chunksample_t, 0, len(c.chunks))
	for _, ch := range c.chunks {
		if ch.Retired() {
			continue
		}
		out = append(out, stats.Chunksample_t{
			Eip:   ch.eipStart,
			Count: ch.exec.Load(),
			Bytes: int64(len(ch.buf)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

/// ReleaseAll retires every chunk and unmaps the executable pool. The
/// owning memory object is about to go away.
func (c *Cache_t) ReleaseAll(tid defs.Tid_t) {
	c.ExecMu.Lock(tid)
	victims := append([]*Chunk_t(nil), c.chunks...)
	for _, ch := range victims {
		if !ch.Retired() {
			c.retireLocked(tid, ch)
		}
	}
	c.eipToChunk.Clear()
	c.pending = make(map[uint32][]linksite_t)
	c.ExecMu.Unlock(tid)
	c.pool.releaseAll()
}
