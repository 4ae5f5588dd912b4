package mem

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

import "github.com/stretchr/testify/require"

import "github.com/Phoenix597/Boxedwine/defs"

func mkmem(t *testing.T) *Memory_t {
	t.Helper()
	m := MkMemory(MkReserver())
	t.Cleanup(func() {
		if m.RefCount() > 0 {
			m.DecRef(0)
		}
	})
	return m
}

// effective host permission of one guest page, read back from the
// kernel's own view of the mapping
func hostPerms(t *testing.T, m *Memory_t, page uint32) string {
	t.Helper()
	data, err := os.ReadFile("/proc/self/maps")
	require.NoError(t, err)
	target := uint64(m.Id) + uint64(page)<<defs.PGSHIFT
	for _, line := range strings.Split(string(data), "\n") {
		rng, rest, ok := strings.Cut(line, " ")
		if !ok || len(rest) < 3 {
			continue
		}
		lo, hi, ok := strings.Cut(rng, "-")
		if !ok {
			continue
		}
		start, err1 := strconv.ParseUint(lo, 16, 64)
		end, err2 := strconv.ParseUint(hi, 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if target >= start && target < end {
			return rest[:3]
		}
	}
	t.Fatalf("guest page %#x is not mapped at all", page)
	return ""
}

func TestReserveBaseAligned(t *testing.T) {
	m1 := mkmem(t)
	m2 := mkmem(t)
	require.Zero(t, m1.Id&0xFFFFFFFF)
	require.Zero(t, m2.Id&0xFFFFFFFF)
	require.NotEqual(t, m1.Id, m2.Id)
	require.Equal(t, "---", hostPerms(t, m1, 0))
}

// the final host-side permission of a page equals what its guest
// flags imply, minus write when CODEPAGE_READONLY is set
func TestPermissionMirroring(t *testing.T) {
	m := mkmem(t)
	cases := []struct {
		gf   defs.Gf_t
		want string
	}{
		{defs.PAGE_READ, "r--"},
		{defs.PAGE_READ | defs.PAGE_WRITE, "rw-"},
		{defs.PAGE_READ | defs.PAGE_WRITE | defs.PAGE_EXEC, "rw-"},
		{defs.PAGE_EXEC, "r--"},
		{defs.PAGE_WRITE, "-w-"},
	}
	for i, c := range cases {
		page := uint32(0x100 + i)
		m.AllocPages(page, 1, c.gf)
		require.Equal(t, c.want, hostPerms(t, m, page), "flags %#x", c.gf)
	}

	// protect transitions re-derive from the single point of truth
	require.Equal(t, defs.Err_t(0), m.Protect(0x100, 1, defs.PAGE_READ|defs.PAGE_WRITE))
	require.Equal(t, "rw-", hostPerms(t, m, 0x100))
	require.Equal(t, defs.Err_t(0), m.Protect(0x100, 1, defs.PAGE_READ))
	require.Equal(t, "r--", hostPerms(t, m, 0x100))

	m.FreePages(0, 0x100, 8)
	require.Equal(t, "---", hostPerms(t, m, 0x100))
	require.Zero(t, m.Flags(0x100))
}

func TestCodePagePromotion(t *testing.T) {
	m := mkmem(t)
	m.AllocPages(0x10, 1, defs.PAGE_READ|defs.PAGE_WRITE|defs.PAGE_EXEC)

	// promoting twice has the same effect as once
	m.MakeCodePageReadOnly(0x10)
	m.MakeCodePageReadOnly(0x10)
	require.True(t, m.CodePageReadOnly(0x10))
	require.Equal(t, "r--", hostPerms(t, m, 0x10))

	// demoting returns whether the flag was set; demoting an
	// un-promoted page is a no-op that returns false
	require.True(t, m.ClearCodePageReadOnly(0x10))
	require.False(t, m.ClearCodePageReadOnly(0x10))
	require.Equal(t, "rw-", hostPerms(t, m, 0x10))
}

func TestStrikeSaturation(t *testing.T) {
	m := mkmem(t)
	m.AllocPages(0x20, 1, defs.PAGE_READ|defs.PAGE_WRITE|defs.PAGE_EXEC)
	for i := 0; i < 40; i++ {
		m.Strike(0x20)
	}
	require.Equal(t, defs.MAX_DYNAMIC_CODE_PAGE_COUNT, m.Strikes(0x20))
	require.True(t, m.Dynamic(0x20))
	// a saturated page must never be write-protected again
	require.Panics(t, func() { m.MakeCodePageReadOnly(0x20) })
}

func TestAccessChecks(t *testing.T) {
	m := mkmem(t)

	_, f := m.ReadB(0x5000)
	require.NotNil(t, f)
	require.True(t, f.Mapper)
	require.True(t, f.Read)

	m.AllocPages(5, 1, defs.PAGE_WRITE)
	_, f = m.ReadB(0x5000)
	require.NotNil(t, f)
	require.False(t, f.Mapper)

	require.Nil(t, m.WriteB(0x5000, 0xAB))

	m.AllocPages(6, 1, defs.PAGE_READ)
	f = m.WriteB(0x6000, 1)
	require.NotNil(t, f)
	require.False(t, f.Mapper)
	require.False(t, f.Read)
}

func TestCodePageWriteFaults(t *testing.T) {
	m := mkmem(t)
	m.AllocPages(7, 1, defs.PAGE_READ|defs.PAGE_WRITE|defs.PAGE_EXEC)
	require.Nil(t, m.WriteB(0x7000, 1))
	m.MakeCodePageReadOnly(7)
	f := m.WriteB(0x7000, 2)
	require.NotNil(t, f)
	require.False(t, f.Read)
	require.False(t, f.Mapper)
	// reads still work; EXEC/READ imply host READ
	v, rf := m.ReadB(0x7000)
	require.Nil(t, rf)
	require.Equal(t, uint8(1), v)
}

func TestPageCrossingAccess(t *testing.T) {
	m := mkmem(t)
	m.AllocPages(8, 2, defs.PAGE_READ|defs.PAGE_WRITE)
	addr := uint32(0x8FFE)
	require.Nil(t, m.WriteD(addr, 0x11223344))
	v, f := m.ReadD(addr)
	require.Nil(t, f)
	require.Equal(t, uint32(0x11223344), v)

	w, f := m.ReadW(0x8FFF)
	require.Nil(t, f)
	require.Equal(t, uint16(0x2233), w)
}

func TestKWriteBytesClearsCode(t *testing.T) {
	m := mkmem(t)
	m.AllocPages(9, 1, defs.PAGE_READ|defs.PAGE_WRITE|defs.PAGE_EXEC)
	m.MakeCodePageReadOnly(9)

	var cleared []uint32
	m.SetClearcode(func(tid defs.Tid_t, page, count uint32) {
		for i := uint32(0); i < count; i++ {
			cleared = append(cleared, page+i)
			m.ClearCodePageReadOnly(page + i)
		}
	})
	require.Nil(t, m.KWriteBytes(0, 0x9010, []uint8{1, 2, 3}))
	require.Equal(t, []uint32{9}, cleared)
	v, f := m.ReadB(0x9012)
	require.Nil(t, f)
	require.Equal(t, uint8(3), v)
}

func TestIsValidReadAddress(t *testing.T) {
	m := mkmem(t)
	m.AllocPages(0x30, 1, defs.PAGE_READ)
	require.True(t, m.IsValidReadAddress(0x30000, 1))
	require.True(t, m.IsValidReadAddress(0x30FFF, 1))
	require.False(t, m.IsValidReadAddress(0x30FFF, 2))
	require.False(t, m.IsValidReadAddress(0x31000, 1))
	require.False(t, m.IsValidReadAddress(0x30000, 0))
}

func TestMapHost(t *testing.T) {
	m := mkmem(t)
	backing := make([]uint8, defs.PGSIZE)
	backing[5] = 0x77
	m.MapHost(0x40, 1, backing, defs.PAGE_READ|defs.PAGE_WRITE)
	v, f := m.ReadB(0x40005)
	require.Nil(t, f)
	require.Equal(t, uint8(0x77), v)
	require.Nil(t, m.WriteB(0x40006, 0x88))
	require.Equal(t, uint8(0x88), backing[6])
}
