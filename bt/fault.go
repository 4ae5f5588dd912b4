package bt

import "github.com/Phoenix597/Boxedwine/defs"

// Fault recovery. Each handler returns the host address to resume at,
// or 0 when the thread must leave the execution loop. Handlers that
// deliver a guest segmentation fault call up into the SegMapper or
// SegAccess hook, which never returns: it unwinds to the loop anchor.
// The FPU path delivers through PrepareException, which does return.

func (cpu *Cpu_t) handleFault(f *defs.Fault_t) uintptr {
	if cpu.thread.Note.Doomed() {
		return 0
	}
	switch f.Kind {
	case defs.FAULT_ACCESS:
		return cpu.handleAccessException(f)
	case defs.FAULT_ILLEGAL:
		return cpu.handleIllegalInstruction(f)
	case defs.FAULT_MISSING_CODE:
		cpu.cache().st.MissingCode.Inc()
		return cpu.handleMissingCode(f)
	case defs.FAULT_FPU:
		return cpu.handleFpuException(f.Code)
	}
	defs.Kpanic("unclassifiable fault %+v", f)
	return 0
}

// deliver a guest segmentation fault through the kernel hooks. The
// hooks unwind through the loop anchor; a return is a broken contract.
func (cpu *Cpu_t) segDeliver(f *defs.Fault_t, fromHandler bool) {
	t := cpu.thread
	cpu.InException = true
	if f.Mapper {
		t.proc.Hooks.SegMapper(t, f.Addr, f.Read, !f.Read, fromHandler)
	} else {
		t.proc.Hooks.SegAccess(t, f.Addr, f.Read, !f.Read, fromHandler)
	}
	defs.Kpanic("segment fault hook returned")
}

// handleAccessException classifies a guest-region MMU fault: grow the
// stack, recover a self-modifying-code write, or deliver the fault to
// the guest.
func (cpu *Cpu_t) handleAccessException(f *defs.Fault_t) uintptr {
	t := cpu.thread
	tid := t.Id
	if cpu.InException {
		// a second fault while delivering an exception goes straight
		// to the segment fault hooks
		cpu.segDeliver(f, true)
	}
	m := cpu.mem
	page := f.Addr >> defs.PGSHIFT
	c := cpu.cache()
	c.ExecMu.Lock(tid)
	defer c.ExecMu.Unlock(tid)

	// do we need to dynamically grow the stack?
	if t.inStackWindow(page) && m.Flags(page)&defs.PAGE_ALLOCATED == 0 {
		t.growStack()
		c.st.StackGrows.Inc()
		return f.HostIp // the faulting instruction re-executes
	}

	if ch := c.chunkForHostLocked(f.HostIp); ch != nil {
		if eip, ok := ch.EipForHost(f.HostIp); ok {
			cpu.Eip = eip - cpu.Seg[SEG_CS].Addr
		}
	}
	if !f.Read && m.CodePageReadOnly(m.NativePage(page)) {
		c.st.CodePatches.Inc()
		return cpu.handleCodePatch(tid, f)
	}
	cpu.segDeliver(f, false)
	return 0
}

// handleCodePatch recovers from a guest write to a write-protected
// code page: every chunk translated from the written range is retired,
// the pages lose their protection and take a strike, and the guest
// resumes at the same instruction, which retranslates on demand.
func (cpu *Cpu_t) handleCodePatch(tid defs.Tid_t, f *defs.Fault_t) uintptr {
	c := cpu.cache()
	// only one thread at a time can update the host code pages and the
	// maps that describe them
	c.ExecMu.Lock(tid)
	defer c.ExecMu.Unlock(tid)
	m := cpu.mem

	nativePage := m.NativePage(f.Addr >> defs.PGSHIFT)
	ch := c.chunkForHostLocked(f.HostIp)
	if ch == nil {
		defs.Kpanic("code patch from host %#x with no chunk", f.HostIp)
	}
	eip, ok := ch.EipForHost(f.HostIp)
	if !ok {
		defs.Kpanic("threw an exception from a host location that doesn't map to an emulated instruction")
	}
	cpu.Eip = eip - cpu.Seg[SEG_CS].Addr

	// make sure it wasn't cleared before we got the lock
	if !m.CodePageReadOnly(nativePage) {
		return cpu.getIpFromEip(tid)
	}

	op := cpu.getOp(tid, cpu.Eip, true)
	if op == nil {
		defs.Kpanic("code patch op at %#x did not decode", cpu.EipAddress())
	}
	addressStart := f.Addr
	width := uint32(op.WriteMemWidth() / 8)
	length := width
	if length == 0 {
		length = 1
	}
	if cpu.handleStringOp(op) {
		// the index registers still point at the element to retry, so
		// the patched range starts there
		if op.HasRep() || op.HasRepne() {
			length = width * cpu.Regs[rECX]
		}
		if !cpu.df {
			addressStart = cpu.Regs[rEDI] + cpu.Seg[SEG_ES].Addr
		} else {
			addressStart = cpu.Regs[rEDI] + cpu.Seg[SEG_ES].Addr + width - length
		}
	}
	startPage := m.NativePage(addressStart >> defs.PGSHIFT)
	endPage := m.NativePage((addressStart + length - 1) >> defs.PGSHIFT)
	c.ClearHostCodeForWriting(tid, startPage, endPage-startPage+1)
	return cpu.getIpFromEip(tid)
}

// handleIllegalInstruction classifies an illegal host byte at the
// fault address.
func (cpu *Cpu_t) handleIllegalInstruction(f *defs.Fault_t) uintptr {
	tid := cpu.thread.Id
	if f.Byte == defs.SENTINEL_RETRANS {
		return cpu.handleChangedUnpatchedCode(tid, f.HostIp)
	}
	if f.Byte == defs.SENTINEL {
		// retired chunks are filled with the sentinel; another thread
		// replaced the code while this one was jumping into it
		cpu.cache().st.StaleBranches.Inc()
		host := cpu.cache().GetExistingHostAddress(tid, cpu.EipAddress())
		if host != 0 {
			return host
		}
		host, f2 := cpu.TranslateEip(tid, cpu.Eip)
		if f2 != nil {
			cpu.segDeliver(f2, false)
		}
		if host == 0 {
			defs.Kpanic("tried to run code in a free'd chunk")
		}
		return host
	}
	defs.Kpanic("illegal host instruction %#x not handled", f.Byte)
	return 0
}

// handleChangedUnpatchedCode regenerates code on a dynamic page whose
// source bytes no longer match: one instruction in place when it fits,
// the whole chunk otherwise.
func (cpu *Cpu_t) handleChangedUnpatchedCode(tid defs.Tid_t, rip uintptr) uintptr {
	c := cpu.cache()
	// only one thread at a time can update the host code pages and the
	// maps that describe them
	c.ExecMu.Lock(tid)
	defer c.ExecMu.Unlock(tid)
	c.st.DynamicCode.Inc()

	ch := c.chunkForHostLocked(rip)
	if ch == nil {
		defs.Kpanic("handleChangedUnpatchedCode: could not find chunk")
	}
	startOfEip, ok := ch.EipForHost(rip)
	if !ok {
		defs.Kpanic("handleChangedUnpatchedCode: host %#x maps to no eip", rip)
	}
	if !ch.DynamicAware || !cpu.retranslateSingleInstruction(tid, ch, rip) {
		c.retireLocked(tid, ch)
	}
	host := c.existingLocked(startOfEip)
	if host == 0 {
		var f *defs.Fault_t
		host, f = cpu.TranslateEip(tid, startOfEip-cpu.Seg[SEG_CS].Addr)
		if f != nil {
			cpu.segDeliver(f, false)
		}
	}
	if host == 0 {
		defs.Kpanic("handleChangedUnpatchedCode failed to translate code in exception")
	}
	return host
}

// handleMissingCode resolves a sentinel branch trap: the guest eip
// moved to a register-held value with no translation yet.
func (cpu *Cpu_t) handleMissingCode(f *defs.Fault_t) uintptr {
	tid := cpu.thread.Id
	dest := f.DestEip
	if !cpu.mem.IsValidReadAddress(dest, 1) {
		cpu.segDeliver(&defs.Fault_t{
			Kind: defs.FAULT_ACCESS, Addr: dest, Read: true, Mapper: true,
		}, false)
	}
	cpu.Eip = dest - cpu.Seg[SEG_CS].Addr
	host, f2 := cpu.TranslateEip(tid, cpu.Eip)
	if f2 != nil {
		cpu.segDeliver(f2, false)
	}
	if host == 0 {
		defs.Kpanic("handleMissingCode failed to translate %#x", dest)
	}
	return host
}

// handleFpuException lifts a host arithmetic trap into the guest
// DIVIDE or FPU exception. The current chunk stays intact; only the
// handler's entry is translated anew.
func (cpu *Cpu_t) handleFpuException(code int) uintptr {
	t := cpu.thread
	switch code {
	case defs.K_FPE_INTDIV:
		t.proc.Hooks.PrepareException(t, defs.EXCEPTION_DIVIDE, 0)
	case defs.K_FPE_INTOVF:
		t.proc.Hooks.PrepareException(t, defs.EXCEPTION_DIVIDE, 1)
	default:
		t.proc.Hooks.PrepareException(t, defs.EXCEPTION_FPU, code)
	}
	if cpu.bailout() {
		return 0
	}
	host, f := cpu.TranslateEip(t.Id, cpu.Eip)
	if f != nil {
		cpu.segDeliver(f, false)
	}
	if host == 0 {
		defs.Kpanic("handleFpuException failed to translate code")
	}
	return host
}
