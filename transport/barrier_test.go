package transport

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBarrierRounds(t *testing.T) {
	const parties = 4
	const rounds = 5

	b := NewBarrier(parties)
	var counter int64
	var wg sync.WaitGroup

	for p := 0; p < parties; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				atomic.AddInt64(&counter, 1)
				b.Await()
				// All parties of this round have incremented by now.
				assert.Equal(t, int64(parties*(r+1)), atomic.LoadInt64(&counter))
				b.Await()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(parties*rounds), counter)
}

func TestBarrierSingleParty(t *testing.T) {
	b := NewBarrier(1)
	for i := 0; i < 10; i++ {
		b.Await()
	}
}
