package escrow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		counter = map[string]int{}
		guard   sync.Mutex
	)
	for i := 0; i < 50; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				unlock := k.Lock(key)
				defer unlock()
				guard.Lock()
				counter[key]++
				guard.Unlock()
			}(key)
		}
	}
	wg.Wait()

	require.Equal(t, 50, counter["a"])
	require.Equal(t, 50, counter["b"])
	require.Zero(t, k.size())
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	require.Equal(t, 2, k.size())
	unlockA()
	require.Equal(t, 1, k.size())
	unlockB()
	require.Zero(t, k.size())
}
