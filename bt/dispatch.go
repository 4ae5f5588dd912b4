package bt

import "github.com/Phoenix597/Boxedwine/defs"

// The dispatcher runs translated host cells. It is the only code that
// touches guest memory on behalf of translated code, so every access
// fault carries the host address of the faulting cell, exactly like a
// host MMU fault would. Translated code never suspends: it either runs
// to a chunk boundary or produces a fault for the execution loop.

func illegal(hostIp uintptr, b uint8) *defs.Fault_t {
	return &defs.Fault_t{Kind: defs.FAULT_ILLEGAL, HostIp: hostIp, Byte: b}
}

func (cpu *Cpu_t) effAddr(b []uint8, off int) uint32 {
	a := cget32(b, off, coDisp)
	if r := b[off+coBase]; r != regNone {
		a += cpu.Regs[r]
	}
	if r := b[off+coIdx]; r != regNone {
		a += cpu.Regs[r] * uint32(b[off+coScale])
	}
	return a
}

func (cpu *Cpu_t) readMem(addr uint32, width uint8) (uint32, *defs.Fault_t) {
	switch width {
	case 1:
		v, f := cpu.mem.ReadB(addr)
		return uint32(v), f
	case 2:
		v, f := cpu.mem.ReadW(addr)
		return uint32(v), f
	}
	return cpu.mem.ReadD(addr)
}

func (cpu *Cpu_t) writeMem(addr uint32, width uint8, v uint32) *defs.Fault_t {
	switch width {
	case 1:
		return cpu.mem.WriteB(addr, uint8(v))
	case 2:
		return cpu.mem.WriteW(addr, uint16(v))
	}
	return cpu.mem.WriteD(addr, v)
}

// source operand: immediate, memory, or register per the info bits
func (cpu *Cpu_t) readSrc(b []uint8, off int, width uint8) (uint32, *defs.Fault_t) {
	info := b[off+coInfo]
	if info&infoSrcImm != 0 {
		return cget32(b, off, coImm) & widthMask(width), nil
	}
	if info&infoSrcMem != 0 {
		return cpu.readMem(cpu.effAddr(b, off), width)
	}
	return cpu.readReg(b[off+coSrc], width), nil
}

func (cpu *Cpu_t) readDstOperand(b []uint8, off int, width uint8) (uint32, *defs.Fault_t) {
	if b[off+coInfo]&infoDstMem != 0 {
		return cpu.readMem(cpu.effAddr(b, off), width)
	}
	return cpu.readReg(b[off+coDst], width), nil
}

func (cpu *Cpu_t) writeDstOperand(b []uint8, off int, width uint8, v uint32) *defs.Fault_t {
	if b[off+coInfo]&infoDstMem != 0 {
		return cpu.writeMem(cpu.effAddr(b, off), width, v)
	}
	cpu.writeReg(b[off+coDst], width, v)
	return nil
}

func (cpu *Cpu_t) push32(v uint32) *defs.Fault_t {
	sp := cpu.Regs[rESP] - 4
	if f := cpu.mem.WriteD(sp+cpu.Seg[SEG_SS].Addr, v); f != nil {
		return f
	}
	cpu.Regs[rESP] = sp
	return nil
}

func (cpu *Cpu_t) pop32() (uint32, *defs.Fault_t) {
	v, f := cpu.mem.ReadD(cpu.Regs[rESP] + cpu.Seg[SEG_SS].Addr)
	if f != nil {
		return 0, f
	}
	cpu.Regs[rESP] += 4
	return v, nil
}

func (cpu *Cpu_t) bailout() bool {
	return cpu.ExitToLoop() || cpu.thread.Note.Doomed()
}

/// exec enters translated code at the host address and runs until the
/// thread must leave the loop (returns nil) or a fault needs recovery.
func (cpu *Cpu_t) exec(host uintptr) *defs.Fault_t {
	tid := cpu.thread.Id
	cur := cpu.cache().GetCodeChunkContainingHostAddress(tid, host)
	if cur == nil {
		// the chunk was retired and its span freed while this thread
		// held the entry address; relocate like any stale branch
		return illegal(host, defs.SENTINEL)
	}
	cur.Retain()
	cur.exec.Inc()
	defer func() {
		cur.Release(tid)
	}()

	b := cur.buf
	off := int(host - cur.hostBase)
	cs := cpu.Seg[SEG_CS].Addr

	// cross-chunk transfer; returns false when the loop must exit or a
	// fault was produced
	var pendingFault *defs.Fault_t
	far := func(cellAddr uintptr, dest uint32, linked uint64) bool {
		cpu.Eip = dest - cs
		if cpu.bailout() {
			return false
		}
		if linked == 0 {
			cpu.DestEip = dest
			pendingFault = &defs.Fault_t{Kind: defs.FAULT_MISSING_CODE, HostIp: cellAddr, DestEip: dest}
			return false
		}
		nch := cpu.cache().GetCodeChunkContainingHostAddress(tid, uintptr(linked))
		if nch == nil {
			// no chunk holds the target address any more; treat as a
			// stale branch
			pendingFault = illegal(uintptr(linked), defs.SENTINEL)
			return false
		}
		nch.Retain()
		nch.exec.Inc()
		cur.Release(tid)
		cur = nch
		b = cur.buf
		off = int(uintptr(linked) - cur.hostBase)
		return true
	}

	for {
		if off < 0 || off+cellBytes > len(b) {
			defs.Kpanic("host ip %#x outside chunk bounds", cur.hostBase+uintptr(off))
		}
		cellAddr := cur.hostBase + uintptr(off)
		hop := b[off+coHop]
		if hop == defs.SENTINEL || hop == defs.SENTINEL_RETRANS {
			return illegal(cellAddr, hop)
		}
		info := b[off+coInfo]
		width := b[off+coWidth]
		glen := uint32(b[off+coGlen])

		if info&infoSelfChk != 0 {
			if f := cpu.selfCheck(cur, cellAddr); f != nil {
				return f
			}
		}

		switch hop {
		case hopNop, hopCld:
			if hop == hopCld {
				cpu.df = b[off+coSub] == 1
			}

		case hopMov:
			v, f := cpu.readSrc(b, off, width)
			if f == nil {
				f = cpu.writeDstOperand(b, off, width, v)
			}
			if f != nil {
				f.HostIp = cellAddr
				return f
			}

		case hopLea:
			cpu.Regs[b[off+coDst]] = cpu.effAddr(b, off)

		case hopXchg:
			dv := cpu.readReg(b[off+coDst], width)
			sv, f := cpu.readSrc(b, off, width)
			if f != nil {
				f.HostIp = cellAddr
				return f
			}
			if info&infoSrcMem != 0 {
				if f := cpu.writeMem(cpu.effAddr(b, off), width, dv); f != nil {
					f.HostIp = cellAddr
					return f
				}
			} else {
				cpu.writeReg(b[off+coSrc], width, dv)
			}
			cpu.writeReg(b[off+coDst], width, sv)

		case hopAlu:
			sub := b[off+coSub]
			a, f := cpu.readDstOperand(b, off, width)
			if f != nil {
				f.HostIp = cellAddr
				return f
			}
			var sv uint32
			if sub < aluInc {
				sv, f = cpu.readSrc(b, off, width)
				if f != nil {
					f.HostIp = cellAddr
					return f
				}
			}
			r, wb := cpu.aluOp(sub, a, sv, width)
			if wb {
				if f := cpu.writeDstOperand(b, off, width, r); f != nil {
					f.HostIp = cellAddr
					return f
				}
			}

		case hopShift:
			a, f := cpu.readDstOperand(b, off, width)
			if f != nil {
				f.HostIp = cellAddr
				return f
			}
			n := uint32(cget32(b, off, coImm))
			if info&infoCountCL != 0 {
				n = cpu.Regs[rECX] & 0xFF
			}
			r, wb := cpu.shiftOp(b[off+coSub], a, n, width)
			if wb {
				if f := cpu.writeDstOperand(b, off, width, r); f != nil {
					f.HostIp = cellAddr
					return f
				}
			}

		case hopPush:
			v, f := cpu.readSrc(b, off, 4)
			if f == nil {
				f = cpu.push32(v)
			}
			if f != nil {
				f.HostIp = cellAddr
				return f
			}

		case hopPop:
			v, f := cpu.pop32()
			if f != nil {
				f.HostIp = cellAddr
				return f
			}
			if info&infoDstMem != 0 {
				if f := cpu.writeMem(cpu.effAddr(b, off), 4, v); f != nil {
					cpu.Regs[rESP] -= 4 // undo for a clean retry
					f.HostIp = cellAddr
					return f
				}
			} else {
				cpu.writeReg(b[off+coDst], 4, v)
			}

		case hopString:
			if f := cpu.stringOp(b, off, width); f != nil {
				f.HostIp = cellAddr
				return f
			}

		case hopMulDiv:
			if f := cpu.mulDiv(b, off, width); f != nil {
				f.HostIp = cellAddr
				return f
			}

		case hopJmp:
			if cpu.bailout() {
				return nil
			}
			cpu.Eip = cget32(b, off, coImm) - cs
			off = int(cget32(b, off, coTarget))
			continue

		case hopJcc:
			if cpu.cond(b[off+coCc]) {
				if cpu.bailout() {
					return nil
				}
				cpu.Eip = cget32(b, off, coImm) - cs
				off = int(cget32(b, off, coTarget))
				continue
			}

		case hopJmpFar, hopEnd:
			if !far(cellAddr, cget32(b, off, coTarget), cget64(b, off, coLinked)) {
				return pendingFault
			}
			continue

		case hopJccFar:
			if cpu.cond(b[off+coCc]) {
				if !far(cellAddr, cget32(b, off, coTarget), cget64(b, off, coLinked)) {
					return pendingFault
				}
				continue
			}

		case hopCall:
			if f := cpu.push32(cpu.Eip + glen); f != nil {
				f.HostIp = cellAddr
				return f
			}
			if !far(cellAddr, cget32(b, off, coTarget), cget64(b, off, coLinked)) {
				return pendingFault
			}
			continue

		case hopCallInd, hopJmpInd:
			dest, f := cpu.readSrc(b, off, 4)
			if f != nil {
				f.HostIp = cellAddr
				return f
			}
			if hop == hopCallInd {
				if f := cpu.push32(cpu.Eip + glen); f != nil {
					f.HostIp = cellAddr
					return f
				}
			}
			cpu.Eip = dest
			if cpu.bailout() {
				return nil
			}
			cpu.DestEip = dest + cs
			return &defs.Fault_t{Kind: defs.FAULT_MISSING_CODE, HostIp: cellAddr, DestEip: dest + cs}

		case hopRet:
			v, f := cpu.pop32()
			if f != nil {
				f.HostIp = cellAddr
				return f
			}
			cpu.Regs[rESP] += cget32(b, off, coImm)
			cpu.Eip = v
			if cpu.bailout() {
				return nil
			}
			cpu.DestEip = v + cs
			return &defs.Fault_t{Kind: defs.FAULT_MISSING_CODE, HostIp: cellAddr, DestEip: v + cs}

		case hopInt:
			cpu.Eip += glen
			cpu.thread.proc.Hooks.Interrupt(cpu.thread, int(cget32(b, off, coImm)))
			if cpu.bailout() {
				return nil
			}
			cpu.DestEip = cpu.EipAddress()
			return &defs.Fault_t{Kind: defs.FAULT_MISSING_CODE, HostIp: cellAddr, DestEip: cpu.DestEip}

		case hopHlt, hopInvalid:
			cpu.thread.proc.Hooks.PrepareException(cpu.thread, defs.EXCEPTION_INVALID, 0)
			if cpu.bailout() {
				return nil
			}
			cpu.DestEip = cpu.EipAddress()
			return &defs.Fault_t{Kind: defs.FAULT_MISSING_CODE, HostIp: cellAddr, DestEip: cpu.DestEip}

		default:
			return illegal(cellAddr, hop)
		}

		cpu.Eip += glen
		off += cellBytes
	}
}

// selfCheck compares the cell's recorded guest bytes with what the
// guest page holds now. Dynamic pages are not write-protected, so this
// inline check is the only way a patch is noticed.
func (cpu *Cpu_t) selfCheck(ch *Chunk_t, cellAddr uintptr) *defs.Fault_t {
	idx := ch.mapIndexForHost(cellAddr)
	if idx < 0 {
		defs.Kpanic("self-check cell with no mapping")
	}
	e := &ch.mapping[idx]
	src := ch.SrcBytes(idx)
	for i, want := range src {
		got, f := cpu.mem.Fetch(e.Eip + uint32(i))
		if f != nil {
			f.HostIp = cellAddr
			return f
		}
		if got != want {
			return illegal(cellAddr, defs.SENTINEL_RETRANS)
		}
	}
	return nil
}

func (cpu *Cpu_t) stringOp(b []uint8, off int, width uint8) *defs.Fault_t {
	sub := b[off+coSub]
	rep := b[off+coInfo]&(infoRep|infoRepne) != 0
	if rep && cpu.Regs[rECX] == 0 {
		return nil
	}
	delta := uint32(width)
	if cpu.df {
		delta = -delta
	}
	for {
		switch sub {
		case strMovs:
			v, f := cpu.readMem(cpu.Regs[rESI], width)
			if f != nil {
				return f
			}
			if f := cpu.writeMem(cpu.Regs[rEDI], width, v); f != nil {
				return f
			}
			cpu.Regs[rESI] += delta
			cpu.Regs[rEDI] += delta
		case strStos:
			if f := cpu.writeMem(cpu.Regs[rEDI], width, cpu.readReg(rEAX, width)); f != nil {
				return f
			}
			cpu.Regs[rEDI] += delta
		case strLods:
			v, f := cpu.readMem(cpu.Regs[rESI], width)
			if f != nil {
				return f
			}
			cpu.writeReg(rEAX, width, v)
			cpu.Regs[rESI] += delta
		}
		if !rep {
			return nil
		}
		cpu.Regs[rECX]--
		if cpu.Regs[rECX] == 0 {
			return nil
		}
	}
}
