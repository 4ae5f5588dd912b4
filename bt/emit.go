package bt

import "golang.org/x/arch/x86/x86asm"

import "github.com/Phoenix597/Boxedwine/decoder"
import "github.com/Phoenix597/Boxedwine/defs"

// cell_t is the in-progress form of one host cell before encoding.
type cell_t struct {
	hop, width, dst, src, base, idx, scale, info uint8
	disp, imm                                    int32
	target                                       uint32
	glen, cc, sub                                uint8
}

func (c *cell_t) encode(out []uint8, off int) {
	out[off+coHop] = c.hop
	out[off+coWidth] = c.width
	out[off+coDst] = c.dst
	out[off+coSrc] = c.src
	out[off+coBase] = c.base
	out[off+coIdx] = c.idx
	out[off+coScale] = c.scale
	out[off+coInfo] = c.info
	cput32(out, off, coDisp, uint32(c.disp))
	cput32(out, off, coImm, uint32(c.imm))
	cput32(out, off, coTarget, c.target)
	cput64(out, off, coLinked, 0)
	out[off+coGlen] = c.glen
	out[off+coCc] = c.cc
	out[off+coSub] = c.sub
}

// regnum maps an x86asm register to (index, width). Segment, control
// and FPU registers are not general purpose and fail the mapping.
func regnum(r x86asm.Reg) (uint8, uint8, bool) {
	switch r {
	case x86asm.EAX, x86asm.ECX, x86asm.EDX, x86asm.EBX,
		x86asm.ESP, x86asm.EBP, x86asm.ESI, x86asm.EDI:
		return uint8(r - x86asm.EAX), 4, true
	case x86asm.AX, x86asm.CX, x86asm.DX, x86asm.BX,
		x86asm.SP, x86asm.BP, x86asm.SI, x86asm.DI:
		return uint8(r - x86asm.AX), 2, true
	case x86asm.AL, x86asm.CL, x86asm.DL, x86asm.BL,
		x86asm.AH, x86asm.CH, x86asm.DH, x86asm.BH:
		return uint8(r - x86asm.AL), 1, true
	}
	return 0, 0, false
}

// setMem fills the cell's memory operand fields. Only flat segments
// are supported; an FS/GS override falls back to the invalid path.
func (c *cell_t) setMem(m x86asm.Mem) bool {
	switch m.Segment {
	case 0, x86asm.DS, x86asm.ES, x86asm.SS, x86asm.CS:
	default:
		return false
	}
	c.base, c.idx, c.scale = regNone, regNone, 1
	if m.Base != 0 {
		r, w, ok := regnum(m.Base)
		if !ok || w != 4 {
			return false
		}
		c.base = r
	}
	if m.Index != 0 {
		r, w, ok := regnum(m.Index)
		if !ok || w != 4 {
			return false
		}
		c.idx = r
		c.scale = m.Scale
		if c.scale == 0 {
			c.scale = 1
		}
	}
	c.disp = int32(m.Disp)
	return true
}

// classify a two-operand instruction's destination and source into the
// cell fields. Returns false when the form is outside the translated
// subset.
func (c *cell_t) setOperands(op *decoder.Op_t) bool {
	dst := op.Inst.Args[0]
	src := op.Inst.Args[1]
	if dst == nil || src == nil {
		return false
	}
	c.dst, c.src = regNone, regNone
	switch d := dst.(type) {
	case x86asm.Reg:
		r, w, ok := regnum(d)
		if !ok {
			return false
		}
		c.dst, c.width = r, w
	case x86asm.Mem:
		if !c.setMem(d) {
			return false
		}
		c.info |= infoDstMem
		c.width = uint8(op.Inst.MemBytes)
		if c.width != 1 && c.width != 2 && c.width != 4 {
			return false
		}
	default:
		return false
	}
	switch s := src.(type) {
	case x86asm.Reg:
		r, w, ok := regnum(s)
		if !ok {
			return false
		}
		if c.info&infoDstMem == 0 && w != c.width {
			return false
		}
		c.src = r
		if c.info&infoDstMem != 0 {
			c.width = w
		}
	case x86asm.Imm:
		c.info |= infoSrcImm
		c.imm = int32(s)
	case x86asm.Mem:
		if c.info&infoDstMem != 0 {
			return false
		}
		if !c.setMem(s) {
			return false
		}
		c.info |= infoSrcMem
	default:
		return false
	}
	return true
}

// setUnary classifies a one-operand destination.
func (c *cell_t) setUnary(arg x86asm.Arg, memBytes int) bool {
	c.dst, c.src = regNone, regNone
	switch d := arg.(type) {
	case x86asm.Reg:
		r, w, ok := regnum(d)
		if !ok {
			return false
		}
		c.dst, c.width = r, w
		return true
	case x86asm.Mem:
		if !c.setMem(d) {
			return false
		}
		c.info |= infoDstMem
		c.width = uint8(memBytes)
		return c.width == 1 || c.width == 2 || c.width == 4
	}
	return false
}

var ccFor = map[x86asm.Op]uint8{
	x86asm.JO: 0, x86asm.JNO: 1,
	x86asm.JB: 2, x86asm.JAE: 3,
	x86asm.JE: 4, x86asm.JNE: 5,
	x86asm.JBE: 6, x86asm.JA: 7,
	x86asm.JS: 8, x86asm.JNS: 9,
	x86asm.JL: 12, x86asm.JGE: 13,
	x86asm.JLE: 14, x86asm.JG: 15,
}

var aluFor = map[x86asm.Op]uint8{
	x86asm.ADD: aluAdd, x86asm.OR: aluOr, x86asm.ADC: aluAdc,
	x86asm.SBB: aluSbb, x86asm.AND: aluAnd, x86asm.SUB: aluSub,
	x86asm.XOR: aluXor, x86asm.CMP: aluCmp, x86asm.TEST: aluTest,
}

// emitOp translates one decoded guest instruction into exactly one
// host cell appended to d. Forms outside the subset become hopInvalid,
// which delivers the guest invalid-opcode exception when reached.
func (cpu *Cpu_t) emitOp(d *btdata_t, op *decoder.Op_t, opIndex int) {
	c := cell_t{glen: uint8(op.Len), width: 4}
	cellOff := int32(len(d.cells))

	if cpu.mem.Dynamic(op.Eip >> defs.PGSHIFT) {
		c.info |= infoSelfChk
		d.dynamicAware = true
	}

	ok := true
	switch op.Inst.Op {
	case 0:
		ok = false // undecodable bytes
	case x86asm.NOP:
		c.hop = hopNop
	case x86asm.MOV:
		c.hop = hopMov
		ok = c.setOperands(op)
	case x86asm.LEA:
		c.hop = hopLea
		dst, okd := op.Inst.Args[0].(x86asm.Reg)
		m, okm := op.Inst.Args[1].(x86asm.Mem)
		if !okd || !okm {
			ok = false
			break
		}
		r, w, okr := regnum(dst)
		if !okr || w != 4 || !c.setMem(m) {
			ok = false
			break
		}
		c.dst = r
	case x86asm.ADD, x86asm.OR, x86asm.ADC, x86asm.SBB, x86asm.AND,
		x86asm.SUB, x86asm.XOR, x86asm.CMP, x86asm.TEST:
		c.hop = hopAlu
		c.sub = aluFor[op.Inst.Op]
		ok = c.setOperands(op)
	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		c.hop = hopAlu
		switch op.Inst.Op {
		case x86asm.INC:
			c.sub = aluInc
		case x86asm.DEC:
			c.sub = aluDec
		case x86asm.NEG:
			c.sub = aluNeg
		case x86asm.NOT:
			c.sub = aluNot
		}
		ok = c.setUnary(op.Inst.Args[0], op.Inst.MemBytes)
	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		c.hop = hopShift
		switch op.Inst.Op {
		case x86asm.SHL:
			c.sub = shiftShl
		case x86asm.SHR:
			c.sub = shiftShr
		case x86asm.SAR:
			c.sub = shiftSar
		}
		if !c.setUnary(op.Inst.Args[0], op.Inst.MemBytes) {
			ok = false
			break
		}
		switch cnt := op.Inst.Args[1].(type) {
		case x86asm.Imm:
			c.imm = int32(cnt)
		case x86asm.Reg:
			if cnt != x86asm.CL {
				ok = false
				break
			}
			c.info |= infoCountCL
		default:
			ok = false
		}
	case x86asm.PUSH:
		c.hop = hopPush
		switch a := op.Inst.Args[0].(type) {
		case x86asm.Reg:
			r, w, okr := regnum(a)
			if !okr || w != 4 {
				ok = false
				break
			}
			c.src = r
		case x86asm.Imm:
			c.info |= infoSrcImm
			c.imm = int32(a)
		case x86asm.Mem:
			if !c.setMem(a) {
				ok = false
				break
			}
			c.info |= infoSrcMem
		default:
			ok = false
		}
	case x86asm.POP:
		c.hop = hopPop
		ok = c.setUnary(op.Inst.Args[0], 4) && c.width == 4
	case x86asm.XCHG:
		c.hop = hopXchg
		a0, a1 := op.Inst.Args[0], op.Inst.Args[1]
		if _, isM := a0.(x86asm.Mem); isM {
			a0, a1 = a1, a0
		}
		r, w, okr := regnum2(a0)
		if !okr {
			ok = false
			break
		}
		c.dst, c.width = r, w
		switch s := a1.(type) {
		case x86asm.Reg:
			r2, w2, ok2 := regnum(s)
			if !ok2 || w2 != w {
				ok = false
				break
			}
			c.src = r2
		case x86asm.Mem:
			if !c.setMem(s) {
				ok = false
				break
			}
			c.info |= infoSrcMem
		default:
			ok = false
		}
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD:
		c.hop = hopString
		switch op.Inst.Op {
		case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD:
			c.sub = strMovs
		case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD:
			c.sub = strStos
		default:
			c.sub = strLods
		}
		switch op.Inst.Op {
		case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB:
			c.width = 1
		case x86asm.MOVSW, x86asm.STOSW, x86asm.LODSW:
			c.width = 2
		default:
			c.width = 4
		}
		if op.HasRep() {
			c.info |= infoRep
		}
		if op.HasRepne() {
			c.info |= infoRepne
		}
	case x86asm.MUL, x86asm.IMUL, x86asm.DIV, x86asm.IDIV:
		c.hop = hopMulDiv
		if op.Inst.Op == x86asm.IMUL && op.Inst.Args[1] != nil {
			if op.Inst.Args[2] != nil {
				ok = false // 3-operand imul
				break
			}
			c.sub = mdImul2
			ok = c.setOperands(op)
			break
		}
		switch op.Inst.Op {
		case x86asm.MUL:
			c.sub = mdMul
		case x86asm.IMUL:
			c.sub = mdImul1
		case x86asm.DIV:
			c.sub = mdDiv
		case x86asm.IDIV:
			c.sub = mdIdiv
		}
		ok = c.setUnary(op.Inst.Args[0], op.Inst.MemBytes)
		if ok && c.info&infoDstMem == 0 {
			c.src, c.dst = c.dst, regNone
		} else if ok {
			c.info &^= infoDstMem
			c.info |= infoSrcMem
		}
	case x86asm.CALL:
		switch a := op.Inst.Args[0].(type) {
		case x86asm.Rel:
			c.hop = hopCall
			c.target = op.Eip + op.Len + uint32(int32(a))
			d.links = append(d.links, linkreq_t{destEip: c.target, cellOff: cellOff})
		case x86asm.Reg:
			r, w, okr := regnum(a)
			if !okr || w != 4 {
				ok = false
				break
			}
			c.hop = hopCallInd
			c.src = r
		case x86asm.Mem:
			if !c.setMem(a) {
				ok = false
				break
			}
			c.hop = hopCallInd
			c.info |= infoSrcMem
		default:
			ok = false
		}
	case x86asm.RET:
		c.hop = hopRet
		if imm, isI := op.Inst.Args[0].(x86asm.Imm); isI {
			c.imm = int32(imm)
		}
	case x86asm.JMP:
		switch a := op.Inst.Args[0].(type) {
		case x86asm.Rel:
			dest := op.Eip + op.Len + uint32(int32(a))
			cpu.emitBranch(d, &c, dest, 0xFF, opIndex, cellOff)
		case x86asm.Reg:
			r, w, okr := regnum(a)
			if !okr || w != 4 {
				ok = false
				break
			}
			c.hop = hopJmpInd
			c.src = r
		case x86asm.Mem:
			if !c.setMem(a) {
				ok = false
				break
			}
			c.hop = hopJmpInd
			c.info |= infoSrcMem
		default:
			ok = false
		}
	case x86asm.JO, x86asm.JNO, x86asm.JB, x86asm.JAE, x86asm.JE,
		x86asm.JNE, x86asm.JBE, x86asm.JA, x86asm.JS, x86asm.JNS,
		x86asm.JL, x86asm.JGE, x86asm.JLE, x86asm.JG:
		a, isRel := op.Inst.Args[0].(x86asm.Rel)
		if !isRel {
			ok = false
			break
		}
		dest := op.Eip + op.Len + uint32(int32(a))
		cpu.emitBranch(d, &c, dest, ccFor[op.Inst.Op], opIndex, cellOff)
	case x86asm.INT:
		c.hop = hopInt
		if imm, isI := op.Inst.Args[0].(x86asm.Imm); isI {
			c.imm = int32(imm)
		} else {
			ok = false
		}
	case x86asm.HLT:
		c.hop = hopHlt
	case x86asm.CLD:
		c.hop = hopCld
		c.sub = 0
	case x86asm.STD:
		c.hop = hopCld
		c.sub = 1
	default:
		ok = false
	}
	if !ok {
		c = cell_t{hop: hopInvalid, glen: uint8(op.Len)}
		if cpu.mem.Dynamic(op.Eip >> defs.PGSHIFT) {
			c.info |= infoSelfChk
		}
	}

	d.cells = append(d.cells, make([]uint8, cellBytes)...)
	c.encode(d.cells, int(cellOff))
	d.mapping = append(d.mapping, Eipmap_t{
		Eip:  op.Eip,
		Off:  cellOff,
		Len:  cellBytes,
		Glen: uint8(op.Len),
		Sown: int32(len(d.src)),
	})
	d.src = append(d.src, op.Bytes...)
}

func regnum2(a x86asm.Arg) (uint8, uint8, bool) {
	r, isR := a.(x86asm.Reg)
	if !isR {
		return 0, 0, false
	}
	return regnum(r)
}

// emitBranch decides whether a direct branch stays inside the chunk.
// The forced-far case is the pre-link retry: the branch at the failing
// index becomes a cross-chunk thunk.
func (cpu *Cpu_t) emitBranch(d *btdata_t, c *cell_t, dest uint32, cc uint8, opIndex int, cellOff int32) {
	sameChunk := d.first != nil && !d.forceFar &&
		dest >= d.startAddr() && dest < d.startAddr()+d.calculatedEipLen &&
		opIndex != d.stopAfterInstruction
	cond := cc != 0xFF
	if sameChunk {
		if cond {
			c.hop = hopJcc
			c.cc = cc
		} else {
			c.hop = hopJmp
		}
		c.imm = int32(dest)
		c.target = 0xFFFFFFFF
		found := false
		for i, ip := range d.first.ipAddress {
			if ip == dest {
				c.target = uint32(i) * cellBytes
				found = true
				break
			}
		}
		d.todoJump = append(d.todoJump, jumprec_t{
			opIndex: opIndex, destEip: dest, sameChunk: true, found: found,
		})
		return
	}
	if cond {
		c.hop = hopJccFar
		c.cc = cc
	} else {
		c.hop = hopJmpFar
	}
	c.target = dest
	d.links = append(d.links, linkreq_t{destEip: dest, cellOff: cellOff})
}
