package bt

import "sync"
import "sync/atomic"

import "github.com/Phoenix597/Boxedwine/defs"
import "github.com/Phoenix597/Boxedwine/ksync"
import "github.com/Phoenix597/Boxedwine/limits"
import "github.com/Phoenix597/Boxedwine/mem"
import "github.com/Phoenix597/Boxedwine/stats"
import "github.com/Phoenix597/Boxedwine/tinfo"

/// System_t is the emulator root object. The mutable process-wide
/// counters live here rather than as ambient globals.
type System_t struct {
	Reserver *mem.Reserver_t
	Lim      *limits.Syslimit_t
	St       stats.Translator_t

	threadCount  int32
	shuttingDown int32
}

/// MkSystem builds the emulator root.
func MkSystem() *System_t {
	return &System_t{
		Reserver: mem.MkReserver(),
		Lim:      limits.MkSysLimit(),
	}
}

/// ShuttingDown reports whether the last guest thread has exited.
func (sys *System_t) ShuttingDown() bool {
	return atomic.LoadInt32(&sys.shuttingDown) != 0
}

/// ThreadCount returns the number of live guest threads.
func (sys *System_t) ThreadCount() int32 {
	return atomic.LoadInt32(&sys.threadCount)
}

/// Process_t is one guest process: its memory, its translation cache,
/// its threads, and the hook surface into the kernel emulation. During
/// an execve transition the outgoing memory is kept as PreviousMemory
/// until the first loop pass of the new code succeeds.
type Process_t struct {
	Sys   *System_t
	Hooks Hooks_i

	Memory         *mem.Memory_t
	Cache          *Cache_t
	PreviousMemory *mem.Memory_t
	previousCache  *Cache_t

	Tinfo tinfo.Threadinfo_t
	/// ThreadRemoved signals each time a thread leaves the process.
	ThreadRemoved *ksync.Cond_t

	sync.Mutex // protects threads and nextTid
	threads    map[defs.Tid_t]*Thread_t
	nextTid    defs.Tid_t
}

/// MkProcess creates a process with a fresh 4 GiB region. A nil hooks
/// argument installs the terminate-on-fault defaults.
func (sys *System_t) MkProcess(hooks Hooks_i) *Process_t {
	if hooks == nil {
		hooks = defaultHooks_t{}
	}
	m := mem.MkMemory(sys.Reserver)
	p := &Process_t{
		Sys:           sys,
		Hooks:         hooks,
		Memory:        m,
		Cache:         MkCache(m, sys.Lim, &sys.St),
		ThreadRemoved: ksync.MkCond("threadRemoved"),
		threads:       make(map[defs.Tid_t]*Thread_t),
		nextTid:       1,
	}
	p.Tinfo.Init()
	return p
}

/// ReplaceMemory swaps in a fresh memory object for an execve-like
/// transition. The outgoing one stays referenced until the first step
/// of the new code succeeds.
func (p *Process_t) ReplaceMemory(m *mem.Memory_t) {
	p.PreviousMemory = p.Memory
	p.previousCache = p.Cache
	p.Memory = m
	p.Cache = MkCache(m, p.Sys.Lim, &p.Sys.St)
}

/// GetThreadById returns the live thread with the given id.
func (p *Process_t) GetThreadById(tid defs.Tid_t) *Thread_t {
	p.Lock()
	defer p.Unlock()
	return p.threads[tid]
}

func (p *Process_t) deleteThread(t *Thread_t) {
	p.Lock()
	delete(p.threads, t.Id)
	p.Unlock()
	p.Tinfo.Del(t.Id)
	p.ThreadRemoved.SignalAll()
}

/// Thread_t is one guest thread: its CPU state, its termination note,
/// and its reserved stack window.
type Thread_t struct {
	Id   defs.Tid_t
	Cpu  *Cpu_t
	Note *tinfo.Tnote_t

	proc *Process_t

	/// StackPageStart is the lowest page of the reserved stack window;
	/// StackPageSize pages at the top are committed.
	StackPageStart uint32
	StackPageCount uint32
	StackPageSize  uint32

	waitMu  sync.Mutex
	waiting *ksync.Cond_t

	done chan struct{}
}

/// NewThread allocates a thread with a fresh CPU state.
func (p *Process_t) NewThread() *Thread_t {
	p.Lock()
	defer p.Unlock()
	if len(p.threads) >= p.Sys.Lim.Threads {
		defs.Kpanic("thread limit exceeded")
	}
	t := &Thread_t{
		Id:   p.nextTid,
		proc: p,
		done: make(chan struct{}),
	}
	p.nextTid++
	t.Cpu = mkCpu(t)
	t.Cpu.mem = p.Memory
	t.Note = p.Tinfo.Add(t.Id)
	p.threads[t.Id] = t
	return t
}

/// Proc returns the owning process.
func (t *Thread_t) Proc() *Process_t {
	return t.proc
}

/// SetupStack reserves a stack window of pageCount pages starting at
/// startPage, commits the top commitPages of it, and points ESP at the
/// top.
func (t *Thread_t) SetupStack(startPage, pageCount, commitPages uint32) {
	t.StackPageStart = startPage
	t.StackPageCount = pageCount
	t.StackPageSize = commitPages
	if commitPages > 0 {
		t.proc.Memory.AllocPages(startPage+pageCount-commitPages, commitPages,
			defs.PAGE_READ|defs.PAGE_WRITE)
	}
	t.Cpu.Regs[rESP] = (startPage + pageCount) << defs.PGSHIFT
}

func (t *Thread_t) inStackWindow(page uint32) bool {
	return page >= t.StackPageStart && page < t.StackPageStart+t.StackPageCount
}

// growStack commits the reserved window between its start and the
// current committed bottom. The faulting push then re-executes against
// committed pages.
func (t *Thread_t) growStack() {
	oldBottom := t.StackPageStart + t.StackPageCount - t.StackPageSize
	count := oldBottom - t.StackPageStart
	if count == 0 {
		return
	}
	t.proc.Memory.AllocPages(t.StackPageStart, count, defs.PAGE_READ|defs.PAGE_WRITE)
	t.StackPageSize += count
}

/// Unwind transfers control back to the execution loop anchor. Only
/// hook implementations call it.
func (t *Thread_t) Unwind() {
	panic(&Unwind_t{})
}

/// WaitOn blocks the thread on a guest condition, registering it so a
/// terminator can wake it. The caller holds c; ms of 0 waits forever.
/// Spurious wakeups are permitted either way.
func (t *Thread_t) WaitOn(c *ksync.Cond_t, ms uint32) bool {
	t.waitMu.Lock()
	t.waiting = c
	t.waitMu.Unlock()
	defer func() {
		t.waitMu.Lock()
		t.waiting = nil
		t.waitMu.Unlock()
	}()
	if ms == 0 {
		c.Wait()
		return true
	}
	return c.WaitTimeout(ms)
}

func (t *Thread_t) wakeIfWaiting() {
	t.waitMu.Lock()
	c := t.waiting
	t.waitMu.Unlock()
	if c != nil {
		c.SignalAll()
	}
}

/// Start runs the thread's execution loop on its own host thread.
func (t *Thread_t) Start() {
	sys := t.proc.Sys
	atomic.AddInt32(&sys.threadCount, 1)
	go func() {
		t.run()
		t.proc.deleteThread(t)
		if atomic.AddInt32(&sys.threadCount, -1) == 0 {
			atomic.StoreInt32(&sys.shuttingDown, 1)
		}
		close(t.done)
	}()
}

/// Join blocks until the thread has left the execution loop and been
/// removed from its process.
func (t *Thread_t) Join() {
	<-t.done
}

// run is the outer execution loop: enter translated code, let faults
// unwind to the anchor, observe the latches, repeat.
func (t *Thread_t) run() {
	cpu := t.Cpu
	for {
		cpu.mem = t.proc.Memory
		cpu.SetExitToLoop(false)
		t.runSlice()
		if t.Note.Doomed() {
			break
		}
		if cpu.ExitToLoop() {
			t.dropPreviousMemory()
			cpu.SetExitToLoop(false)
		}
		if cpu.InException {
			cpu.InException = false
		}
	}
}

// runSlice is one pass under the fastjump anchor: any hook unwind
// lands here.
func (t *Thread_t) runSlice() {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*Unwind_t); ok {
				return
			}
			panic(r)
		}
	}()
	cpu := t.Cpu
	if t.Note.Doomed() {
		return
	}
	host, f := cpu.TranslateEip(t.Id, cpu.Eip)
	if f != nil {
		cpu.segDeliver(f, false)
	}
	for {
		fault := cpu.exec(host)
		if fault == nil {
			return
		}
		host = cpu.handleFault(fault)
		if host == 0 {
			return
		}
	}
}

// the first successful pass of post-execve code releases the outgoing
// memory; if it is still shared only the reference count drops.
func (t *Thread_t) dropPreviousMemory() {
	p := t.proc
	prev := p.PreviousMemory
	if prev == nil {
		return
	}
	if prev.RefCount() == 1 {
		p.previousCache.ReleaseAll(t.Id)
	}
	prev.DecRef(t.Id)
	p.PreviousMemory = nil
	p.previousCache = nil
}

/// TerminateOtherThread flags the victim, wakes whatever it is waiting
/// on, and blocks until the thread object is removed from the process.
func TerminateOtherThread(p *Process_t, tid defs.Tid_t) {
	if t := p.GetThreadById(tid); t != nil {
		t.Note.Kill()
		t.Cpu.SetExitToLoop(true)
		t.wakeIfWaiting()
	}
	for {
		p.ThreadRemoved.Lock()
		if p.GetThreadById(tid) == nil {
			p.ThreadRemoved.Unlock()
			break
		}
		p.ThreadRemoved.WaitTimeout(1000)
		p.ThreadRemoved.Unlock()
	}
}

/// TerminateCurrentThread only sets the latches; the thread observes
/// them on its next loop iteration.
func TerminateCurrentThread(t *Thread_t) {
	t.Note.Kill()
	t.Cpu.SetExitToLoop(true)
}
