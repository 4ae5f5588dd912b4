package ksync

import "sync"
import "testing"
import "time"

import "github.com/stretchr/testify/require"

import "github.com/Phoenix597/Boxedwine/defs"

func TestRmutexRecursion(t *testing.T) {
	r := MkRmutex()
	tid := defs.Tid_t(1)
	r.Lock(tid)
	r.Lock(tid)
	require.True(t, r.Holding(tid))
	r.Unlock(tid)
	require.True(t, r.Holding(tid))
	r.Unlock(tid)
	require.False(t, r.Holding(tid))
}

func TestRmutexExcludesOtherThread(t *testing.T) {
	r := MkRmutex()
	r.Lock(1)
	acquired := make(chan bool)
	go func() {
		r.Lock(2)
		acquired <- true
		r.Unlock(2)
	}()
	select {
	case <-acquired:
		t.Fatal("thread 2 acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}
	r.Unlock(1)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("thread 2 never acquired the lock")
	}
}

func TestRmutexUnlockByNonOwnerPanics(t *testing.T) {
	r := MkRmutex()
	r.Lock(1)
	require.Panics(t, func() { r.Unlock(2) })
	r.Unlock(1)
}

func TestCondSignal(t *testing.T) {
	c := MkCond("test")
	var wg sync.WaitGroup
	woke := false
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Lock()
		for !woke {
			c.Wait()
		}
		c.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)
	c.Lock()
	woke = true
	c.Unlock()
	c.Signal()
	wg.Wait()
}

func TestCondWaitTimeout(t *testing.T) {
	c := MkCond("test")
	c.Lock()
	start := time.Now()
	ok := c.WaitTimeout(30)
	c.Unlock()
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestCondTimedWaitSignaled(t *testing.T) {
	c := MkCond("test")
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Signal()
	}()
	c.Lock()
	ok := c.WaitTimeout(5000)
	c.Unlock()
	require.True(t, ok)
}

func TestCondSignalAll(t *testing.T) {
	c := MkCond("test")
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Lock()
			c.Wait()
			c.Unlock()
		}()
	}
	time.Sleep(30 * time.Millisecond)
	c.SignalAll()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SignalAll left waiters blocked")
	}
}
