package hashtable

import "sync"
import "testing"

import "github.com/stretchr/testify/require"

func TestSetGetDel(t *testing.T) {
	ht := MkHash(64)
	for i := uint32(0); i < 1000; i++ {
		_, inserted := ht.Set(i, int(i*3))
		require.True(t, inserted)
	}
	require.Equal(t, 1000, ht.Size())

	v, ok := ht.Get(500)
	require.True(t, ok)
	require.Equal(t, 1500, v.(int))

	old, inserted := ht.Set(500, 0)
	require.False(t, inserted)
	require.Equal(t, 1500, old.(int))

	ht.Del(500)
	_, ok = ht.Get(500)
	require.False(t, ok)
}

func TestDelMissingPanics(t *testing.T) {
	ht := MkHash(8)
	require.Panics(t, func() { ht.Del(42) })
}

func TestClear(t *testing.T) {
	ht := MkHash(8)
	for i := uint32(0); i < 100; i++ {
		ht.Set(i, i)
	}
	ht.Clear()
	require.Equal(t, 0, ht.Size())
}

func TestIter(t *testing.T) {
	ht := MkHash(8)
	for i := uint32(0); i < 10; i++ {
		ht.Set(i, i)
	}
	n := 0
	ht.Iter(func(k uint32, v interface{}) bool {
		n++
		return false
	})
	require.Equal(t, 10, n)
}

// readers race with a writer; Get must stay safe without locks
func TestConcurrentReaders(t *testing.T) {
	ht := MkHash(256)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for i := uint32(0); i < 512; i++ {
					if v, ok := ht.Get(i); ok {
						require.Equal(t, i, v.(uint32))
					}
				}
			}
		}()
	}
	for i := uint32(0); i < 512; i++ {
		ht.Set(i, i)
	}
	close(stop)
	wg.Wait()
}
