package bt

import "golang.org/x/arch/x86/x86asm"

import "github.com/Phoenix597/Boxedwine/decoder"
import "github.com/Phoenix597/Boxedwine/defs"

// maxChunkOps caps one translation unit; long straightline runs split
// into linked chunks.
const maxChunkOps = 128

// jumprec_t records an intra-chunk branch for the pre-link check.
type jumprec_t struct {
	opIndex   int
	destEip   uint32
	sameChunk bool
	found     bool
}

// btdata_t is the working state of one translation pass.
type btdata_t struct {
	ip      uint32 // raw eip, advances as ops decode
	startIp uint32
	cs      uint32

	// second pass: total guest length computed by the first pass, so
	// intra-chunk branch targets have known bounds
	calculatedEipLen uint32
	first            *btdata_t

	// retry support: stop translating after this op index, -1 if unset
	stopAfterInstruction int
	forceFar             bool

	ipAddress []uint32 // full address of each op start
	cells     []uint8
	mapping   []Eipmap_t
	src       []uint8
	todoJump  []jumprec_t
	links     []linkreq_t

	dynamicAware bool
	fellThrough  bool // chunk ended without a control transfer
	fault        *defs.Fault_t
}

func (d *btdata_t) startAddr() uint32 {
	return d.startIp + d.cs
}

func mkdata(cpu *Cpu_t, ip uint32) *btdata_t {
	return &btdata_t{
		ip:                   ip,
		startIp:              ip,
		cs:                   cpu.Seg[SEG_CS].Addr,
		stopAfterInstruction: -1,
	}
}

// does the op end the translation unit, and can control fall past it?
func opEnds(op *decoder.Op_t) (bool, bool) {
	if op.Invalid || op.Inst.Op == 0 {
		return true, false
	}
	switch op.Inst.Op {
	case x86asm.JMP, x86asm.RET, x86asm.LRET, x86asm.CALL,
		x86asm.INT, x86asm.HLT, x86asm.IRET, x86asm.IRETD:
		return true, false
	}
	return false, false
}

// translateData is one pass over the guest code: decode forward from
// d.ip until an unconditional transfer out of the chunk, the retry
// stop, or the length cap. The second pass (d.first set) also emits
// cells.
func (cpu *Cpu_t) translateData(d *btdata_t) {
	opsize := 32
	if !cpu.Big {
		opsize = 16
	}
	for opIndex := 0; ; opIndex++ {
		if opIndex == maxChunkOps {
			d.fellThrough = true
			break
		}
		full := d.ip + d.cs
		if !cpu.Big {
			full = (d.ip & 0xFFFF) + d.cs
		}
		op, f := cpu.dec.Decode(cpu.mem, full, opsize)
		if op == nil {
			// the guest ran into unreadable memory; an empty chunk
			// surfaces the fault, a partial one ends here and faults
			// when control reaches the fallthrough
			d.fault = f
			d.fellThrough = opIndex > 0
			break
		}
		d.ipAddress = append(d.ipAddress, full)
		if d.first != nil {
			cpu.emitOp(d, op, opIndex)
		}
		d.ip += op.Len
		if d.stopAfterInstruction == opIndex {
			_, fall := opEnds(op)
			d.fellThrough = fall || !isTransfer(op)
			break
		}
		if ends, fall := opEnds(op); ends {
			d.fellThrough = fall
			break
		}
	}
	if d.first != nil && d.fellThrough {
		// terminator: transfer to the next untranslated eip
		c := cell_t{hop: hopEnd, target: d.ip + d.cs}
		off := int32(len(d.cells))
		d.links = append(d.links, linkreq_t{destEip: c.target, cellOff: off})
		d.cells = append(d.cells, make([]uint8, cellBytes)...)
		c.encode(d.cells, int(off))
	}
}

func isTransfer(op *decoder.Op_t) bool {
	ends, _ := opEnds(op)
	return ends
}

/// PreLinkCheck verifies every intra-chunk branch resolved to a
/// materialised target. It returns the index of the first offending
/// jump, or -1 when all are resolvable.
func (cpu *Cpu_t) PreLinkCheck(d *btdata_t) int {
	for _, j := range d.todoJump {
		if !j.sameChunk {
			continue
		}
		found := false
		for _, ip := range d.ipAddress {
			if ip == j.destEip {
				found = true
				break
			}
		}
		if !found {
			return j.opIndex
		}
	}
	return -1
}

// translateChunk runs the two-pass translation for the raw eip.
// Callers hold the executable memory mutex.
func (cpu *Cpu_t) translateChunk(tid defs.Tid_t, ip uint32) (*Chunk_t, *defs.Fault_t) {
	runPasses := func(stopAfter int) *btdata_t {
		first := mkdata(cpu, ip)
		first.stopAfterInstruction = stopAfter
		cpu.translateData(first)
		if len(first.ipAddress) == 0 {
			return first
		}
		second := mkdata(cpu, ip)
		second.stopAfterInstruction = stopAfter
		second.calculatedEipLen = first.ip - first.startIp
		second.first = first
		cpu.translateData(second)
		return second
	}

	d := runPasses(-1)
	if len(d.ipAddress) == 0 {
		return nil, d.fault
	}
	if failedJumpOpIndex := cpu.PreLinkCheck(d); failedJumpOpIndex != -1 {
		d = runPasses(failedJumpOpIndex)
	}

	cache := cpu.cache()
	buf := cache.pool.alloc(len(d.cells))
	copy(buf, d.cells)
	ch := mkChunk(cache, buf)
	ch.eipStart = d.startAddr()
	ch.eipLen = d.ip - d.startIp
	ch.mapping = d.mapping
	ch.src = d.src
	ch.links = d.links
	ch.DynamicAware = d.dynamicAware
	cache.commitLocked(ch)

	cpu.markCodePages(d)
	return ch, nil
}

// markCodePages queues the chunk's guest pages for read-only
// promotion before control returns to the loop.
func (cpu *Cpu_t) markCodePages(d *btdata_t) {
	pageStart := d.startAddr() >> defs.PGSHIFT
	if pageStart == 0 {
		return
	}
	pageEnd := (d.startAddr() + (d.ip - d.startIp) - 1) >> defs.PGSHIFT
	for p := pageStart; p <= pageEnd; p++ {
		cpu.pendingCodePages = append(cpu.pendingCodePages, p)
	}
}

// makePendingCodePagesReadOnly promotes every queued page unless it
// has been declared dynamic. This is the moment self-modifying writes
// start faulting.
func (cpu *Cpu_t) makePendingCodePagesReadOnly() {
	for _, p := range cpu.pendingCodePages {
		// the chunk could cross a page and be a mix of dynamic and
		// non dynamic code
		if !cpu.mem.Dynamic(p) {
			cpu.mem.MakeCodePageReadOnly(p)
		}
	}
	cpu.pendingCodePages = cpu.pendingCodePages[:0]
}

/// TranslateEip returns the host entry for the raw guest eip,
/// translating a fresh chunk on a miss. Before control returns, every
/// page the new chunk reads from is promoted to read-only unless it has
/// been declared dynamic.
func (cpu *Cpu_t) TranslateEip(tid defs.Tid_t, ip uint32) (uintptr, *defs.Fault_t) {
	if !cpu.Big {
		ip &= 0xFFFF
	}
	full := ip + cpu.Seg[SEG_CS].Addr
	cache := cpu.cache()
	cache.ExecMu.Lock(tid)
	defer cache.ExecMu.Unlock(tid)

	host := cache.existingLocked(full)
	if host == 0 {
		ch, f := cpu.translateChunk(tid, ip)
		if f != nil {
			return 0, f
		}
		host, _ = ch.HostAddressOf(full)
		if host == 0 {
			defs.Kpanic("translated chunk does not contain its own entry %#x", full)
		}
	}
	cpu.makePendingCodePagesReadOnly()
	return host, nil
}

// getOp decodes the guest instruction at the raw eip. With existing
// set, it only decodes when a live translation covers the address.
func (cpu *Cpu_t) getOp(tid defs.Tid_t, eip uint32, existing bool) *decoder.Op_t {
	full := eip + cpu.Seg[SEG_CS].Addr
	if !cpu.Big {
		full = (eip & 0xFFFF) + cpu.Seg[SEG_CS].Addr
	}
	if existing && cpu.cache().GetExistingHostAddress(tid, full) == 0 {
		return nil
	}
	opsize := 32
	if !cpu.Big {
		opsize = 16
	}
	op, _ := cpu.dec.Decode(cpu.mem, full, opsize)
	return op
}

// handleStringOp reports whether the op is re-enterable as a string
// operation: the dispatcher advances the index registers only after
// each completed element, so the registers already point at the start
// of the element to retry.
func (cpu *Cpu_t) handleStringOp(op *decoder.Op_t) bool {
	return op.IsStringOp()
}

// getIpFromEip resolves the current guest eip to a host address,
// translating if needed. Failure here is an invariant violation.
func (cpu *Cpu_t) getIpFromEip(tid defs.Tid_t) uintptr {
	a := cpu.EipAddress()
	host := cpu.cache().GetExistingHostAddress(tid, a)
	if host == 0 {
		var f *defs.Fault_t
		host, f = cpu.TranslateEip(tid, cpu.Eip)
		if f != nil || host == 0 {
			defs.Kpanic("getIpFromEip failed to translate %#x", a)
		}
	}
	return host
}

// retranslateSingleInstruction regenerates the one guest instruction
// at the host address, provided the new encoding fits the originally
// reserved slot. Callers hold the executable memory mutex.
func (cpu *Cpu_t) retranslateSingleInstruction(tid defs.Tid_t, ch *Chunk_t, host uintptr) bool {
	idx := ch.mapIndexForHost(host)
	if idx < 0 || idx >= len(ch.mapping) {
		return false
	}
	e := &ch.mapping[idx]
	opsize := 32
	if !cpu.Big {
		opsize = 16
	}
	op, _ := cpu.dec.Decode(cpu.mem, e.Eip, opsize)
	if op == nil {
		return false
	}
	if uint8(op.Len) != e.Glen {
		// the replacement crosses the old instruction boundary; the
		// caller retires the whole chunk instead
		return false
	}
	tmp := mkdata(cpu, e.Eip-cpu.Seg[SEG_CS].Addr)
	tmp.forceFar = true
	tmp.first = tmp
	cpu.emitOp(tmp, op, 0)
	if len(tmp.cells) != cellBytes {
		return false
	}
	tmp.cells[coInfo] |= infoSelfChk
	copy(ch.buf[e.Off:e.Off+cellBytes], tmp.cells)
	copy(ch.src[e.Sown:], op.Bytes)
	return true
}
