package bt

/// Hooks_i is the guest kernel surface the translator calls up into.
/// SegMapper and SegAccess never return: they deliver the fault to the
/// guest and unwind through the execution loop's anchor (Unwind).
/// PrepareException and Interrupt return after updating the CPU state;
/// the dispatcher re-enters translation at the possibly-changed eip.
type Hooks_i interface {
	SegMapper(t *Thread_t, address uint32, wasRead, wasWrite, fromHandler bool)
	SegAccess(t *Thread_t, address uint32, wasRead, wasWrite, fromHandler bool)
	PrepareException(t *Thread_t, exception int, code int)
	Interrupt(t *Thread_t, vector int)
}

/// Unwind_t is the panic value that carries control back to the
/// execution loop anchor. Only hooks raise it, via Thread_t.Unwind.
type Unwind_t struct{}

// defaultHooks_t stands in when no kernel emulation is attached: any
// guest-visible fault terminates the thread.
type defaultHooks_t struct{}

func (defaultHooks_t) SegMapper(t *Thread_t, address uint32, wasRead, wasWrite, fromHandler bool) {
	log.WithField("tid", t.Id).WithField("address", address).
		Error("unhandled guest segfault (no mapping)")
	t.Note.Kill()
	t.Cpu.SetExitToLoop(true)
	t.Unwind()
}

func (defaultHooks_t) SegAccess(t *Thread_t, address uint32, wasRead, wasWrite, fromHandler bool) {
	log.WithField("tid", t.Id).WithField("address", address).
		Error("unhandled guest segfault (access)")
	t.Note.Kill()
	t.Cpu.SetExitToLoop(true)
	t.Unwind()
}

func (defaultHooks_t) PrepareException(t *Thread_t, exception int, code int) {
	log.WithField("tid", t.Id).WithField("exception", exception).
		WithField("code", code).Error("unhandled guest exception")
	t.Note.Kill()
	t.Cpu.SetExitToLoop(true)
}

func (defaultHooks_t) Interrupt(t *Thread_t, vector int) {
	// with no kernel attached, any software interrupt ends the thread
	t.Note.Kill()
	t.Cpu.SetExitToLoop(true)
}
