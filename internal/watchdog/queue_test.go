package watchdog_test

import (
	"sync"
	"testing"

	"github.com/openbenchlab/psuwatch/internal/watchdog"
	"github.com/stretchr/testify/require"
)

func TestActionQueueFIFO(t *testing.T) {
	q := watchdog.NewActionQueue()

	actions := make([]watchdog.Action, 5)
	for i := range actions {
		actions[i] = watchdog.ToggleOutputAction(i + 1)
		q.Push(actions[i])
	}
	require.Equal(t, 5, q.Len())

	batch := q.DrainUpTo(10)
	require.Len(t, batch, 5)
	for i, a := range batch {
		require.Equal(t, actions[i].ID, a.ID)
	}
	require.Zero(t, q.Len())
}

func TestActionQueueDrainBound(t *testing.T) {
	q := watchdog.NewActionQueue()
	for i := 0; i < 25; i++ {
		q.Push(watchdog.SetVIAction(1, float64(i), 0))
	}

	first := q.DrainUpTo(10)
	require.Len(t, first, 10)
	require.Equal(t, 15, q.Len())

	// Deferred actions keep their order across batches.
	second := q.DrainUpTo(10)
	require.Len(t, second, 10)
	require.Equal(t, 10.0, second[0].Voltage)

	third := q.DrainUpTo(10)
	require.Len(t, third, 5)
	require.Equal(t, 24.0, third[4].Voltage)

	require.Nil(t, q.DrainUpTo(10))
}

func TestActionQueueConcurrentPush(t *testing.T) {
	q := watchdog.NewActionQueue()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				q.Push(watchdog.ToggleOutputAction(1))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 400, q.Len())
	drained := 0
	for {
		batch := q.DrainUpTo(64)
		if batch == nil {
			break
		}
		drained += len(batch)
	}
	require.Equal(t, 400, drained)
}
