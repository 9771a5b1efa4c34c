package delivery

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Enqueue(Item{TaskID: "p1", Event: fmt.Sprintf("e%d", i)})
	}
	require.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		item, ok := q.TryDequeue()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("e%d", i), item.Event)
	}
	_, ok := q.TryDequeue()
	require.False(t, ok)
	require.Equal(t, 0, q.Len())
}

func TestQueueTryDequeueEmpty(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	_, ok := q.TryDequeue()
	require.False(t, ok)
}

func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(Item{TaskID: fmt.Sprintf("task-%d", p), Event: fmt.Sprintf("e%d", i)})
			}
		}(p)
	}
	wg.Wait()

	require.Equal(t, producers*perProducer, q.Len())

	// Per-producer order survives interleaving: the single consumer sees
	// each producer's items in the order that producer enqueued them.
	lastSeen := make(map[string]int, producers)
	for {
		item, ok := q.TryDequeue()
		if !ok {
			break
		}
		var n int
		_, err := fmt.Sscanf(item.Event, "e%d", &n)
		require.NoError(t, err)
		last, seen := lastSeen[item.TaskID]
		if seen {
			require.Greater(t, n, last)
		}
		lastSeen[item.TaskID] = n
	}
	require.Len(t, lastSeen, producers)
}
