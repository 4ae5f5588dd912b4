package bt

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"
)

import "github.com/stretchr/testify/require"

import "github.com/Phoenix597/Boxedwine/defs"
import "github.com/Phoenix597/Boxedwine/mem"

// testHooks_t records delivered exceptions and terminates the thread
// on any software interrupt, the way the scenarios expect.
type testHooks_t struct {
	defaultHooks_t
	sync.Mutex
	exceptions [][2]int
	interrupts []int
}

func (h *testHooks_t) PrepareException(t *Thread_t, exception int, code int) {
	h.Lock()
	h.exceptions = append(h.exceptions, [2]int{exception, code})
	h.Unlock()
	t.Note.Kill()
	t.Cpu.SetExitToLoop(true)
}

func (h *testHooks_t) Interrupt(t *Thread_t, vector int) {
	h.Lock()
	h.interrupts = append(h.interrupts, vector)
	h.Unlock()
	t.Note.Kill()
	t.Cpu.SetExitToLoop(true)
}

type env_t struct {
	sys   *System_t
	p     *Process_t
	hooks *testHooks_t
}

func mkenv(t *testing.T) *env_t {
	t.Helper()
	sys := MkSystem()
	hooks := &testHooks_t{}
	p := sys.MkProcess(hooks)
	t.Cleanup(func() {
		p.Cache.ReleaseAll(0)
		if p.Memory.RefCount() > 0 {
			p.Memory.DecRef(0)
		}
	})
	return &env_t{sys: sys, p: p, hooks: hooks}
}

const exitStub = uint32(0x2000) // CD 80 at a fixed page

func (e *env_t) load(t *testing.T, page uint32, code []uint8) {
	t.Helper()
	e.p.Memory.AllocPages(page, 1, defs.PAGE_READ|defs.PAGE_WRITE|defs.PAGE_EXEC)
	require.Nil(t, e.p.Memory.KWriteBytes(0, page<<defs.PGSHIFT, code))
}

func (e *env_t) loadExitStub(t *testing.T) {
	e.load(t, exitStub>>defs.PGSHIFT, []uint8{0xCD, 0x80})
}

// a thread with a committed stack whose top holds a return address
// into the exit stub
func (e *env_t) newThread(t *testing.T, eip uint32) *Thread_t {
	t.Helper()
	th := e.p.NewThread()
	th.SetupStack(0x300, 0x40, 2)
	e.pushD(t, th, exitStub)
	th.Cpu.Eip = eip
	return th
}

func (e *env_t) pushD(t *testing.T, th *Thread_t, v uint32) {
	t.Helper()
	var b [4]uint8
	binary.LittleEndian.PutUint32(b[:], v)
	sp := th.Cpu.Regs[rESP] - 4
	require.Nil(t, e.p.Memory.KWriteBytes(0, sp, b[:]))
	th.Cpu.Regs[rESP] = sp
}

func join(t *testing.T, th *Thread_t) {
	t.Helper()
	select {
	case <-th.done:
	case <-time.After(10 * time.Second):
		t.Fatal("thread did not terminate")
	}
}

func (e *env_t) runToExit(t *testing.T, eip uint32) *Thread_t {
	t.Helper()
	th := e.newThread(t, eip)
	th.Start()
	join(t, th)
	return th
}

// S1 — code patch: run, patch one byte, run again, observe the new
// result, one strike, and the page write-protected again.
func TestScenarioCodePatch(t *testing.T) {
	e := mkenv(t)
	e.loadExitStub(t)
	e.load(t, 1, []uint8{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}) // mov eax,42; ret
	m := e.p.Memory

	th := e.runToExit(t, 0x1000)
	require.Equal(t, uint32(42), th.Cpu.Regs[rEAX])
	// the loop ended right after the exit stub's interrupt
	require.Equal(t, exitStub+2, th.Cpu.Eip)
	require.True(t, m.CodePageReadOnly(1))
	require.Equal(t, uint8(0), m.Strikes(1))

	require.Nil(t, m.KWriteBytes(0, 0x1001, []uint8{0x2B}))
	require.Equal(t, uint8(1), m.Strikes(1))
	require.False(t, m.CodePageReadOnly(1))

	th = e.runToExit(t, 0x1000)
	require.Equal(t, uint32(43), th.Cpu.Regs[rEAX])
	require.True(t, m.CodePageReadOnly(1))
	require.Equal(t, uint8(1), m.Strikes(1))
}

// After retirement, no live chunk intersects the page and every
// previously covered host byte decodes to the sentinel.
func TestRetirementPoisonsChunk(t *testing.T) {
	e := mkenv(t)
	e.loadExitStub(t)
	e.load(t, 1, []uint8{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3})

	e.runToExit(t, 0x1000)
	host := e.p.Cache.GetExistingHostAddress(0, 0x1000)
	require.NotZero(t, host)
	ch := e.p.Cache.GetCodeChunkContainingHostAddress(0, host)
	require.NotNil(t, ch)
	ch.Retain()
	defer ch.Release(0)

	require.Nil(t, e.p.Memory.KWriteBytes(0, 0x1001, []uint8{0x2B}))
	require.True(t, ch.Retired())
	for _, b := range ch.buf {
		require.Equal(t, defs.SENTINEL, b)
	}
	e.p.Cache.ExecMu.Lock(0)
	for _, live := range e.p.Cache.chunks {
		if !live.Retired() {
			require.False(t, live.IntersectsPages(1, 1))
		}
	}
	e.p.Cache.ExecMu.Unlock(0)
	require.Zero(t, e.p.Cache.GetExistingHostAddress(0, 0x1000))
}

// S2 — stack grow: a push below the committed window commits the
// reserved pages and the loop returns normally.
func TestScenarioStackGrow(t *testing.T) {
	e := mkenv(t)
	e.load(t, 1, []uint8{0x50, 0xCD, 0x80}) // push eax; int 0x80
	m := e.p.Memory

	th := e.p.NewThread()
	th.SetupStack(0x100, 0x100, 1) // only page 0x1FF committed
	th.Cpu.Regs[rESP] = 0x1FE*uint32(defs.PGSIZE) + 8
	th.Cpu.Regs[rEAX] = 0xDEADBEEF
	th.Cpu.Eip = 0x1000
	th.Start()
	join(t, th)

	for p := uint32(0x100); p < 0x1FF; p++ {
		require.NotZero(t, m.Flags(p)&defs.PAGE_ALLOCATED, "page %#x", p)
	}
	v, f := m.ReadD(0x1FE004)
	require.Nil(t, f)
	require.Equal(t, uint32(0xDEADBEEF), v)
	require.Equal(t, uint32(0x1FE004), th.Cpu.Regs[rESP])
	require.Equal(t, int64(1), e.sys.St.StackGrows.Load())
}

// S3 — dynamic declaration: enough patches saturate the strike
// counter; after that the page is never write-protected again and the
// self-check path handles further patches in place.
func TestScenarioDynamicDeclaration(t *testing.T) {
	e := mkenv(t)
	e.loadExitStub(t)
	e.load(t, 1, []uint8{0xB8, 0x00, 0x00, 0x00, 0x00, 0xC3})
	m := e.p.Memory

	for i := uint8(1); i <= defs.MAX_DYNAMIC_CODE_PAGE_COUNT; i++ {
		th := e.runToExit(t, 0x1000)
		require.Equal(t, uint32(i-1), th.Cpu.Regs[rEAX])
		require.True(t, m.CodePageReadOnly(1))
		require.Nil(t, m.KWriteBytes(0, 0x1001, []uint8{i}))
		require.Equal(t, i, m.Strikes(1))
	}
	require.True(t, m.Dynamic(1))

	th := e.runToExit(t, 0x1000)
	require.Equal(t, uint32(defs.MAX_DYNAMIC_CODE_PAGE_COUNT), th.Cpu.Regs[rEAX])
	// the page stays writable: the chunk carries inline checks instead
	require.False(t, m.CodePageReadOnly(1))
	host := e.p.Cache.GetExistingHostAddress(0, 0x1000)
	ch := e.p.Cache.GetCodeChunkContainingHostAddress(0, host)
	require.True(t, ch.DynamicAware)

	// a direct write no longer faults anything and the stale source
	// bytes are caught by the self-check, retranslated in place
	require.Nil(t, m.WriteB(0x1001, 0x63))
	require.Equal(t, defs.MAX_DYNAMIC_CODE_PAGE_COUNT, m.Strikes(1))
	th = e.runToExit(t, 0x1000)
	require.Equal(t, uint32(0x63), th.Cpu.Regs[rEAX])
}

// S4 — retired chunk race: a thread holding a stale entry host
// address is redirected through the sentinel and observes the patched
// result.
func TestScenarioRetiredChunkRace(t *testing.T) {
	e := mkenv(t)
	e.loadExitStub(t)
	e.load(t, 1, []uint8{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3})

	e.runToExit(t, 0x1000)
	// thread A pauses holding the entry host address
	host := e.p.Cache.GetExistingHostAddress(0, 0x1000)
	require.NotZero(t, host)

	// thread B patches the code and finishes
	require.Nil(t, e.p.Memory.KWriteBytes(0, 0x1001, []uint8{0x2B}))

	// A resumes at the stale address: it must not crash, and must see
	// the value after B's write
	thA := e.newThread(t, 0x1000)
	f := thA.Cpu.exec(host)
	require.NotNil(t, f)
	require.Equal(t, defs.FAULT_ILLEGAL, f.Kind)
	require.Equal(t, defs.SENTINEL, f.Byte)

	next := thA.Cpu.handleFault(f)
	for next != 0 {
		f = thA.Cpu.exec(next)
		if f == nil {
			break
		}
		next = thA.Cpu.handleFault(f)
	}
	require.Equal(t, uint32(43), thA.Cpu.Regs[rEAX])
}

// S5 — register branch: jmp eax traps to the handler, which
// translates the destination and resumes there.
func TestScenarioRegisterBranch(t *testing.T) {
	e := mkenv(t)
	e.load(t, 1, []uint8{
		0xB8, 0x00, 0x30, 0x00, 0x00, // mov eax, 0x3000
		0xFF, 0xE0, // jmp eax
	})
	e.load(t, 3, []uint8{
		0xBB, 0x07, 0x00, 0x00, 0x00, // mov ebx, 7
		0xCD, 0x80,
	})

	th := e.runToExit(t, 0x1000)
	require.Equal(t, uint32(7), th.Cpu.Regs[rEBX])
	require.NotZero(t, e.p.Cache.GetExistingHostAddress(0, 0x3000))
	require.Greater(t, e.sys.St.MissingCode.Load(), int64(0))
}

// S6 — termination: a thread spinning in a translated loop leaves the
// execution loop within one chunk boundary of the terminate request.
func TestScenarioTermination(t *testing.T) {
	e := mkenv(t)
	e.load(t, 1, []uint8{0xEB, 0xFE}) // jmp $

	th := e.p.NewThread()
	th.SetupStack(0x300, 0x40, 2)
	th.Cpu.Eip = 0x1000
	th.Start()
	time.Sleep(50 * time.Millisecond)

	doneWaiting := make(chan struct{})
	go func() {
		TerminateOtherThread(e.p, th.Id)
		close(doneWaiting)
	}()
	select {
	case <-doneWaiting:
	case <-time.After(10 * time.Second):
		t.Fatal("TerminateOtherThread never observed removal")
	}
	join(t, th)
	require.Nil(t, e.p.GetThreadById(th.Id))
	require.Zero(t, e.sys.ThreadCount())
	require.True(t, e.sys.ShuttingDown())
}

// an intra-chunk branch into the middle of an instruction forces the
// pre-link retry: the chunk truncates and the branch becomes a
// cross-chunk thunk
func TestPreLinkRetry(t *testing.T) {
	e := mkenv(t)
	e.load(t, 1, []uint8{
		0xB8, 0x90, 0x90, 0x90, 0x90, // mov eax, 0x90909090
		0x74, 0xFA, // je 0x1001 (into the mov's immediate)
		0xCD, 0x80,
	})

	th := e.runToExit(t, 0x1000)
	require.Equal(t, uint32(0x90909090), th.Cpu.Regs[rEAX])

	host := e.p.Cache.GetExistingHostAddress(0, 0x1000)
	ch := e.p.Cache.GetCodeChunkContainingHostAddress(0, host)
	require.NotNil(t, ch)
	// the chunk stops right after the branch, which was emitted as a
	// cross-chunk conditional
	require.Equal(t, uint32(7), ch.EipLen())
	require.Equal(t, uint8(hopJccFar), ch.buf[1*cellBytes+coHop])
}

// a rep stos writing over a code page takes the code-patch path and
// re-enters cleanly at the same element
func TestStringOpCodePatch(t *testing.T) {
	e := mkenv(t)
	e.loadExitStub(t)
	// make page 5 a live code page first
	e.load(t, 5, []uint8{0xB8, 0x05, 0x00, 0x00, 0x00, 0xC3})
	e.runToExit(t, 0x5000)
	require.True(t, e.p.Memory.CodePageReadOnly(5))

	e.load(t, 1, []uint8{
		0xB9, 0x10, 0x00, 0x00, 0x00, // mov ecx, 0x10
		0xBF, 0x00, 0x50, 0x00, 0x00, // mov edi, 0x5000
		0xB8, 0x90, 0x00, 0x00, 0x00, // mov eax, 0x90
		0xF3, 0xAA, // rep stosb
		0xCD, 0x80,
	})
	th := e.runToExit(t, 0x1000)
	require.Equal(t, uint32(0), th.Cpu.Regs[rECX])
	require.Equal(t, uint32(0x5010), th.Cpu.Regs[rEDI])
	for i := uint32(0); i < 0x10; i++ {
		v, f := e.p.Memory.ReadB(0x5000 + i)
		require.Nil(t, f)
		require.Equal(t, uint8(0x90), v)
	}
	require.Equal(t, uint8(1), e.p.Memory.Strikes(5))
	require.False(t, e.p.Memory.CodePageReadOnly(5))
}

// integer divide by zero lifts into the guest DIVIDE exception with
// the chunk left intact
func TestDivideFault(t *testing.T) {
	e := mkenv(t)
	e.load(t, 1, []uint8{
		0xB8, 0x0A, 0x00, 0x00, 0x00, // mov eax, 10
		0x31, 0xC9, // xor ecx, ecx
		0x31, 0xD2, // xor edx, edx
		0xF7, 0xF1, // div ecx
		0xCD, 0x80,
	})
	th := e.runToExit(t, 0x1000)
	require.Equal(t, uint32(10), th.Cpu.Regs[rEAX])
	e.hooks.Lock()
	defer e.hooks.Unlock()
	require.Contains(t, e.hooks.exceptions, [2]int{defs.EXCEPTION_DIVIDE, 0})
}

// guest segfault delivery: a store to an unmapped page reaches the
// mapper hook with the faulting address
func TestSegfaultDelivery(t *testing.T) {
	e := mkenv(t)
	e.load(t, 1, []uint8{
		0xC7, 0x05, 0x00, 0x90, 0x00, 0x00, // mov dword [0x9000], 1
		0x01, 0x00, 0x00, 0x00,
		0xCD, 0x80,
	})
	faulted := make(chan uint32, 1)
	e.p.Hooks = &segHooks_t{faulted: faulted}

	th := e.p.NewThread()
	th.SetupStack(0x300, 0x40, 2)
	th.Cpu.Eip = 0x1000
	th.Start()
	join(t, th)
	select {
	case a := <-faulted:
		require.Equal(t, uint32(0x9000), a)
	default:
		t.Fatal("mapper hook never ran")
	}
}

type segHooks_t struct {
	defaultHooks_t
	faulted chan uint32
}

func (h *segHooks_t) SegMapper(t *Thread_t, address uint32, wasRead, wasWrite, fromHandler bool) {
	h.faulted <- address
	t.Note.Kill()
	t.Cpu.SetExitToLoop(true)
	t.Unwind()
}

// cross-chunk call/ret round trip through direct links and the
// sentinel branch trap
func TestCallRet(t *testing.T) {
	e := mkenv(t)
	e.load(t, 1, []uint8{
		0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0xE8, 0xF6, 0x2F, 0x00, 0x00, // call 0x4000
		0x01, 0xD8, // add eax, ebx
		0xCD, 0x80,
	})
	e.load(t, 4, []uint8{
		0xBB, 0x02, 0x00, 0x00, 0x00, // mov ebx, 2
		0xC3, // ret
	})
	th := e.runToExit(t, 0x1000)
	require.Equal(t, uint32(7), th.Cpu.Regs[rEAX])
	require.Equal(t, uint32(2), th.Cpu.Regs[rEBX])
}

// an execve-like transition keeps the outgoing memory until the first
// loop pass of the new code, then releases it
func TestPreviousMemoryRelease(t *testing.T) {
	e := mkenv(t)
	e.load(t, 1, []uint8{0xCD, 0x80})
	old := e.p.Memory

	th := e.p.NewThread()
	th.SetupStack(0x300, 0x40, 2)
	th.Cpu.Eip = 0x1000

	m2 := mem.MkMemory(e.sys.Reserver)
	e.p.ReplaceMemory(m2)
	e.p.Memory.AllocPages(1, 1, defs.PAGE_READ|defs.PAGE_WRITE|defs.PAGE_EXEC)
	require.Nil(t, e.p.Memory.KWriteBytes(0, 0x1000, []uint8{0x90, 0xCD, 0x80}))
	th.Cpu.SetExitToLoop(true)

	// drive the loop inline: the first pass notices exitToLoop and
	// drops the previous memory
	th.Cpu.mem = e.p.Memory
	th.runSlice()
	th.dropPreviousMemory()
	require.Nil(t, e.p.PreviousMemory)
	require.Zero(t, old.RefCount())
}
