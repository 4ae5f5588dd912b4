// Package bt is the binary translator: code chunks, the translation
// cache, the two-pass translator, the dispatcher that runs translated
// host code, and the per-thread execution loop with its fault
// recovery.
package bt

import "encoding/binary"

// Translated host code is a stream of fixed-width 32-byte cells, one
// per guest instruction, living in executable pool memory. The first
// byte of a cell is the host opcode. 0xCD and 0xCE are never valid
// host opcodes: a retired chunk is filled with 0xCD, so stale control
// transfers trap instead of silently running dead code. A failed
// self-check on a dynamic-aware cell raises the illegal-instruction
// fault with 0xCE as its byte; the cell itself is not rewritten.
const cellBytes = 32

// cell field offsets
const (
	coHop    = 0  // host opcode
	coWidth  = 1  // operand width in bytes: 1, 2, 4
	coDst    = 2  // destination register, regNone if none
	coSrc    = 3  // source register, regNone if none
	coBase   = 4  // memory base register
	coIdx    = 5  // memory index register
	coScale  = 6  // memory index scale: 1, 2, 4, 8
	coInfo   = 7  // info bits
	coDisp   = 8  // int32 displacement
	coImm    = 12 // int32 immediate
	coTarget = 16 // intra-chunk host offset, or full destination guest address
	coLinked = 20 // uint64 linked host address for cross-chunk branches
	coGlen   = 28 // guest instruction byte length
	coCc     = 29 // condition code for hopJcc/hopJccFar
	coSub    = 30 // sub-operation selector
)

// host opcodes
const (
	hopNop     = 0x01
	hopMov     = 0x02
	hopLea     = 0x03
	hopAlu     = 0x04
	hopShift   = 0x05
	hopPush    = 0x06
	hopPop     = 0x07
	hopJmp     = 0x08 // intra-chunk unconditional
	hopJcc     = 0x09 // intra-chunk conditional
	hopJmpFar  = 0x0A // cross-chunk direct
	hopJccFar  = 0x0B
	hopCall    = 0x0C
	hopJmpInd  = 0x0E // register/memory-driven branch: traps to the handler
	hopCallInd = 0x0F
	hopRet     = 0x10
	hopString  = 0x11
	hopMulDiv  = 0x12
	hopInt     = 0x13
	hopHlt     = 0x14
	hopCld     = 0x15
	hopEnd     = 0x16 // chunk fallthrough: cross-chunk transfer to the next eip
	hopXchg    = 0x17
	hopInvalid = 0x18 // guest bytes did not decode; deliver #UD
)

// info bits
const (
	infoRep     = 0x01
	infoRepne   = 0x02
	infoSelfChk = 0x04 // verify guest bytes before running (dynamic pages)
	infoSrcMem  = 0x08
	infoSrcImm  = 0x10
	infoDstMem  = 0x20
	infoCountCL = 0x40 // shift count comes from CL
)

// alu sub-operations
const (
	aluAdd = iota
	aluOr
	aluAdc
	aluSbb
	aluAnd
	aluSub
	aluXor
	aluCmp
	aluTest
	aluInc
	aluDec
	aluNeg
	aluNot
)

// shift sub-operations
const (
	shiftShl = iota
	shiftShr
	shiftSar
)

// string sub-operations
const (
	strMovs = iota
	strStos
	strLods
)

// mul/div sub-operations
const (
	mdMul = iota
	mdImul1
	mdImul2
	mdDiv
	mdIdiv
)

const regNone = 0xFF

func cget32(b []uint8, off int, fo int) uint32 {
	return binary.LittleEndian.Uint32(b[off+fo:])
}

func cget64(b []uint8, off int, fo int) uint64 {
	return binary.LittleEndian.Uint64(b[off+fo:])
}

func cput32(b []uint8, off int, fo int, v uint32) {
	binary.LittleEndian.PutUint32(b[off+fo:], v)
}

func cput64(b []uint8, off int, fo int, v uint64) {
	binary.LittleEndian.PutUint64(b[off+fo:], v)
}
