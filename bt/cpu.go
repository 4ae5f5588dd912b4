package bt

import "sync/atomic"

import "github.com/Phoenix597/Boxedwine/decoder"
import "github.com/Phoenix597/Boxedwine/defs"
import "github.com/Phoenix597/Boxedwine/mem"

// general purpose register indexes, x86 encoding order
const (
	rEAX = iota
	rECX
	rEDX
	rEBX
	rESP
	rEBP
	rESI
	rEDI
)

// segment register indexes, x86 encoding order
const (
	SEG_ES = iota
	SEG_CS
	SEG_SS
	SEG_DS
	SEG_FS
	SEG_GS
)

/// Seg_t is one segment register. Only the resolved base address
/// matters to the translator.
type Seg_t struct {
	Addr uint32
}

/// Cpu_t is the per-guest-thread CPU state: the register file, the
/// latches the execution loop examines, and the translator scratch
/// state.
type Cpu_t struct {
	Regs [8]uint32
	Eip  uint32
	Seg  [6]Seg_t

	// arithmetic flags; only the consumers the translated subset needs
	cf, zf, sf, of bool
	df             bool

	Big bool /// 32-bit code segment

	/// InException latches while a guest exception is being delivered,
	/// so a second fault during delivery goes straight to the segment
	/// fault hooks (SegMapper or SegAccess, by fault kind).
	InException bool
	exitToLoop  int32 /// set cross-thread; atomic

	/// DestEip latches the destination of a sentinel branch trap.
	DestEip uint32

	thread *Thread_t
	mem    *mem.Memory_t
	dec    *decoder.Decoder_t

	pendingCodePages []uint32
}

func mkCpu(t *Thread_t) *Cpu_t {
	c := &Cpu_t{thread: t, Big: true, dec: decoder.MkDecoder()}
	return c
}

/// EipAddress returns the code-segment adjusted instruction address.
func (cpu *Cpu_t) EipAddress() uint32 {
	return cpu.Eip + cpu.Seg[SEG_CS].Addr
}

/// ExitToLoop reports the exit latch, which another thread may set.
func (cpu *Cpu_t) ExitToLoop() bool {
	return atomic.LoadInt32(&cpu.exitToLoop) != 0
}

/// SetExitToLoop raises or clears the exit latch.
func (cpu *Cpu_t) SetExitToLoop(v bool) {
	n := int32(0)
	if v {
		n = 1
	}
	atomic.StoreInt32(&cpu.exitToLoop, n)
}

/// Mem returns the memory object the CPU currently runs against.
func (cpu *Cpu_t) Mem() *mem.Memory_t {
	return cpu.mem
}

func (cpu *Cpu_t) cache() *Cache_t {
	return cpu.thread.proc.Cache
}

// register file access by width. 8-bit registers use the x86 encoding:
// 0-3 are AL CL DL BL, 4-7 are AH CH DH BH.
func (cpu *Cpu_t) readReg(r uint8, width uint8) uint32 {
	switch width {
	case 4:
		return cpu.Regs[r]
	case 2:
		return cpu.Regs[r] & 0xFFFF
	case 1:
		if r < 4 {
			return cpu.Regs[r] & 0xFF
		}
		return (cpu.Regs[r-4] >> 8) & 0xFF
	}
	defs.Kpanic("readReg bad width %d", width)
	return 0
}

func (cpu *Cpu_t) writeReg(r uint8, width uint8, v uint32) {
	switch width {
	case 4:
		cpu.Regs[r] = v
	case 2:
		cpu.Regs[r] = cpu.Regs[r]&0xFFFF0000 | v&0xFFFF
	case 1:
		if r < 4 {
			cpu.Regs[r] = cpu.Regs[r]&0xFFFFFF00 | v&0xFF
		} else {
			cpu.Regs[r-4] = cpu.Regs[r-4]&0xFFFF00FF | (v&0xFF)<<8
		}
	default:
		defs.Kpanic("writeReg bad width %d", width)
	}
}

/// Eflags packs the implemented arithmetic flags into the x86 layout.
func (cpu *Cpu_t) Eflags() uint32 {
	f := uint32(0x2)
	if cpu.cf {
		f |= 0x001
	}
	if cpu.zf {
		f |= 0x040
	}
	if cpu.sf {
		f |= 0x080
	}
	if cpu.df {
		f |= 0x400
	}
	if cpu.of {
		f |= 0x800
	}
	return f
}

/// SetEflags loads the implemented flags from the x86 layout.
func (cpu *Cpu_t) SetEflags(f uint32) {
	cpu.cf = f&0x001 != 0
	cpu.zf = f&0x040 != 0
	cpu.sf = f&0x080 != 0
	cpu.df = f&0x400 != 0
	cpu.of = f&0x800 != 0
}

// condition evaluation, tttn encoding
func (cpu *Cpu_t) cond(cc uint8) bool {
	var r bool
	switch cc >> 1 {
	case 0: // O
		r = cpu.of
	case 1: // B
		r = cpu.cf
	case 2: // E
		r = cpu.zf
	case 3: // BE
		r = cpu.cf || cpu.zf
	case 4: // S
		r = cpu.sf
	case 5: // P: not tracked by the translated subset
		defs.Kpanic("parity condition in translated code")
	case 6: // L
		r = cpu.sf != cpu.of
	case 7: // LE
		r = cpu.zf || cpu.sf != cpu.of
	}
	if cc&1 != 0 {
		r = !r
	}
	return r
}

func widthMask(width uint8) uint32 {
	switch width {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	}
	return 0xFFFFFFFF
}

func widthSign(width uint8) uint32 {
	switch width {
	case 1:
		return 0x80
	case 2:
		return 0x8000
	}
	return 0x80000000
}
