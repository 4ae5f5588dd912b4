package decoder

import "testing"

import "github.com/stretchr/testify/require"
import "golang.org/x/arch/x86/x86asm"

import "github.com/Phoenix597/Boxedwine/defs"
import "github.com/Phoenix597/Boxedwine/mem"

func mkcode(t *testing.T, page uint32, code []uint8) *mem.Memory_t {
	t.Helper()
	m := mem.MkMemory(mem.MkReserver())
	t.Cleanup(func() { m.DecRef(0) })
	m.AllocPages(page, 1, defs.PAGE_READ|defs.PAGE_WRITE|defs.PAGE_EXEC)
	require.Nil(t, m.KWriteBytes(0, page<<defs.PGSHIFT, code))
	return m
}

func TestDecodeMovImm(t *testing.T) {
	m := mkcode(t, 1, []uint8{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3})
	d := MkDecoder()

	op, f := d.Decode(m, 0x1000, 32)
	require.Nil(t, f)
	require.False(t, op.Invalid)
	require.Equal(t, x86asm.MOV, op.Inst.Op)
	require.Equal(t, uint32(5), op.Len)
	require.Equal(t, x86asm.EAX, op.Inst.Args[0])
	require.Equal(t, x86asm.Imm(42), op.Inst.Args[1])

	op, f = d.Decode(m, 0x1005, 32)
	require.Nil(t, f)
	require.Equal(t, x86asm.RET, op.Inst.Op)
	require.Equal(t, uint32(1), op.Len)
}

func TestDecodeRepString(t *testing.T) {
	m := mkcode(t, 1, []uint8{0xF3, 0xAA})
	d := MkDecoder()
	op, f := d.Decode(m, 0x1000, 32)
	require.Nil(t, f)
	require.Equal(t, x86asm.STOSB, op.Inst.Op)
	require.True(t, op.IsStringOp())
	require.True(t, op.HasRep())
	require.False(t, op.HasRepne())
	require.Equal(t, 8, op.WriteMemWidth())
}

func TestDecodeWriteWidth(t *testing.T) {
	// mov dword [eax], 1
	m := mkcode(t, 1, []uint8{0xC7, 0x00, 0x01, 0x00, 0x00, 0x00})
	d := MkDecoder()
	op, f := d.Decode(m, 0x1000, 32)
	require.Nil(t, f)
	require.Equal(t, 32, op.WriteMemWidth())
}

func TestDecodeInvalidBytes(t *testing.T) {
	m := mkcode(t, 1, []uint8{0x0F, 0x04, 0x90})
	d := MkDecoder()
	op, f := d.Decode(m, 0x1000, 32)
	require.Nil(t, f)
	require.True(t, op.Invalid)
	require.Equal(t, uint32(1), op.Len)
}

func TestDecodeUnmappedFaults(t *testing.T) {
	m := mkcode(t, 1, []uint8{0x90})
	d := MkDecoder()
	op, f := d.Decode(m, 0x5000, 32)
	require.Nil(t, op)
	require.NotNil(t, f)
	require.True(t, f.Mapper)
}

func TestDecodeRunsIntoUnmappedPage(t *testing.T) {
	m := mkcode(t, 1, nil)
	// a mov immediate whose bytes continue past the mapped page
	require.Nil(t, m.KWriteBytes(0, 0x1FFF, []uint8{0xB8}))
	d := MkDecoder()
	op, f := d.Decode(m, 0x1FFF, 32)
	require.Nil(t, op)
	require.NotNil(t, f)
	require.Equal(t, uint32(0x2000), f.Addr)
}

func TestExecOnlyFetch(t *testing.T) {
	m := mem.MkMemory(mem.MkReserver())
	t.Cleanup(func() { m.DecRef(0) })
	m.AllocPages(1, 1, defs.PAGE_READ|defs.PAGE_WRITE)
	require.Nil(t, m.KWriteBytes(0, 0x1000, []uint8{0x90}))
	// drop READ, keep EXEC: fetch must still work
	require.Equal(t, defs.Err_t(0), m.Protect(1, 1, defs.PAGE_EXEC))
	d := MkDecoder()
	op, f := d.Decode(m, 0x1000, 32)
	require.Nil(t, f)
	require.Equal(t, x86asm.NOP, op.Inst.Op)
}
