// Package decoder produces structured op descriptions from guest code
// bytes. It is stateless with respect to guest memory: bytes are
// fetched through the guest access path, so a fetch that the guest
// could not perform surfaces as the same fault the MMU would raise.
package decoder

import "golang.org/x/arch/x86/x86asm"

import "github.com/Phoenix597/Boxedwine/defs"
import "github.com/Phoenix597/Boxedwine/mem"

/// MAX_INSTRUCTION_LEN is the longest legal IA-32 instruction.
const MAX_INSTRUCTION_LEN = 15

/// Op_t is one decoded guest instruction. The translator consumes it
/// read-only.
type Op_t struct {
	Inst    x86asm.Inst
	Eip     uint32 /// guest address the instruction was fetched from
	Len     uint32 /// instruction byte length
	Invalid bool   /// bytes did not decode; deliver #UD when executed
	Bytes   []uint8
}

/// IsStringOp reports whether the op is a string instruction whose
/// index registers advance as it runs.
func (op *Op_t) IsStringOp() bool {
	switch op.Inst.Op {
	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD,
		x86asm.LODSB, x86asm.LODSW, x86asm.LODSD,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD,
		x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD:
		return true
	}
	return false
}

/// WriteMemWidth returns the bits one element of the op writes to
/// memory: the element size for MOVS/STOS, otherwise the size of a
/// memory first operand (also for ops such as CMP that only read it),
/// and 0 when the first operand is not memory. Implicit stack writes
/// (PUSH, CALL) report 0. Fault recovery uses it to size the patched
/// range of a code write.
func (op *Op_t) WriteMemWidth() int {
	switch op.Inst.Op {
	case x86asm.MOVSB, x86asm.STOSB:
		return 8
	case x86asm.MOVSW, x86asm.STOSW:
		return 16
	case x86asm.MOVSD, x86asm.STOSD:
		return 32
	}
	if len(op.Inst.Args) > 0 {
		if _, ok := op.Inst.Args[0].(x86asm.Mem); ok {
			if op.Inst.MemBytes > 0 {
				return op.Inst.MemBytes * 8
			}
		}
	}
	return 0
}

/// HasRep reports a REP/REPE prefix.
func (op *Op_t) HasRep() bool {
	return op.hasPrefix(0xF3)
}

/// HasRepne reports a REPNE prefix.
func (op *Op_t) HasRepne() bool {
	return op.hasPrefix(0xF2)
}

func (op *Op_t) hasPrefix(b uint8) bool {
	for _, p := range op.Inst.Prefix {
		if p == 0 {
			break
		}
		if uint8(p&0xFF) == b {
			return true
		}
	}
	return false
}

/// Decoder_t decodes instructions into a reused scratch op. One
/// decoder belongs to one thread, and the returned op must be consumed
/// before the next Decode call on the same decoder.
type Decoder_t struct {
	op  Op_t
	buf [MAX_INSTRUCTION_LEN]uint8
}

/// MkDecoder allocates a decoder with its scratch block.
func MkDecoder() *Decoder_t {
	return &Decoder_t{}
}

/// Decode fetches and decodes the instruction at eip. operandSize is
/// 32 for flat code segments, 16 for legacy ones. A fetch the guest
/// cannot perform returns the access fault; bytes that fetch but do
/// not decode return an op with Invalid set.
func (d *Decoder_t) Decode(m *mem.Memory_t, eip uint32, operandSize int) (*Op_t, *defs.Fault_t) {
	n := 0
	var ffault *defs.Fault_t
	for ; n < MAX_INSTRUCTION_LEN; n++ {
		b, f := m.Fetch(eip + uint32(n))
		if f != nil {
			ffault = f
			break
		}
		d.buf[n] = b
	}
	if n == 0 {
		return nil, ffault
	}
	inst, err := x86asm.Decode(d.buf[:n], operandSize)
	if err != nil {
		if ffault != nil {
			// the instruction may continue into an unmapped page
			return nil, ffault
		}
		d.op = Op_t{Eip: eip, Len: 1, Invalid: true, Bytes: d.buf[:1]}
		return &d.op, nil
	}
	d.op = Op_t{Inst: inst, Eip: eip, Len: uint32(inst.Len), Bytes: d.buf[:inst.Len]}
	return &d.op, nil
}
