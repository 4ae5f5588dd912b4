// Package tinfo tracks per-guest-thread notes: the latches the
// execution loop polls and the registry termination waits on.
package tinfo

import "sync"

import "github.com/Phoenix597/Boxedwine/defs"

/// Tnote_t stores per-thread state observed by the execution loop.
type Tnote_t struct {
	State interface{}
	Alive bool
	/// Killed is the terminating latch. It is only ever set; the
	/// victim observes it at its next fault-recovery or chunk-boundary
	/// exit.
	Killed bool
	// protects Alive and Killed, and is a leaf lock
	sync.Mutex
}

/// Doomed reports whether the thread is marked for termination.
func (t *Tnote_t) Doomed() bool {
	t.Lock()
	ret := t.Killed
	t.Unlock()
	return ret
}

/// Kill sets the terminating latch.
func (t *Tnote_t) Kill() {
	t.Lock()
	t.Killed = true
	t.Unlock()
}

/// Threadinfo_t tracks all thread notes of one process.
type Threadinfo_t struct {
	Notes map[defs.Tid_t]*Tnote_t
	sync.Mutex
}

/// Init initializes the thread info map.
func (t *Threadinfo_t) Init() {
	t.Notes = make(map[defs.Tid_t]*Tnote_t)
}

/// Add registers a live note for tid.
func (t *Threadinfo_t) Add(tid defs.Tid_t) *Tnote_t {
	n := &Tnote_t{Alive: true}
	t.Lock()
	t.Notes[tid] = n
	t.Unlock()
	return n
}

/// Get returns the note for tid, nil when the thread is gone.
func (t *Threadinfo_t) Get(tid defs.Tid_t) *Tnote_t {
	t.Lock()
	n := t.Notes[tid]
	t.Unlock()
	return n
}

/// Del removes the note for tid and marks it dead.
func (t *Threadinfo_t) Del(tid defs.Tid_t) {
	t.Lock()
	if n, ok := t.Notes[tid]; ok {
		n.Lock()
		n.Alive = false
		n.Unlock()
		delete(t.Notes, tid)
	}
	t.Unlock()
}

/// Len returns the number of live threads.
func (t *Threadinfo_t) Len() int {
	t.Lock()
	ret := len(t.Notes)
	t.Unlock()
	return ret
}
