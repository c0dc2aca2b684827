package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type ping struct{ N int }
type pong struct{ S string }

func TestBus_DeliversAfterSwap(t *testing.T) {
	b := NewBus()
	var got []int
	Subscribe(b, func(p ping) { got = append(got, p.N) })

	Emit(b, ping{1})
	Emit(b, pong{"ignored"})
	assert.Equal(t, 2, b.Pending())
	assert.Zero(t, b.Dispatch(), "nothing is delivered before a swap")

	b.Swap()
	assert.Zero(t, b.Pending())
	assert.Equal(t, 2, b.Dispatch())
	assert.Equal(t, []int{1}, got)

	b.Swap()
	assert.Zero(t, b.Dispatch())
}

func TestBus_EmitFromHandlerWaitsForNextSwap(t *testing.T) {
	b := NewBus()
	var pongs int
	Subscribe(b, func(p ping) { Emit(b, pong{"reply"}) })
	Subscribe(b, func(pong) { pongs++ })

	Emit(b, ping{})
	b.Swap()
	b.Dispatch()
	assert.Zero(t, pongs)
	b.Swap()
	b.Dispatch()
	assert.Equal(t, 1, pongs)
}

func TestBus_ConcurrentEmit(t *testing.T) {
	b := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Emit(b, ping{j})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, b.Pending())
	b.Swap()
	assert.Equal(t, 800, b.Dispatch())
}
