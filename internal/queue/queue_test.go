package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestFIFO(t *testing.T) {
	q := New[string]()
	q.Put("a")
	q.Put("b")

	ctx := context.Background()
	got, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", got)

	got, err = q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", got)
	require.Equal(t, 0, q.Len())
	require.Equal(t, 2, q.Pending())
}

func TestJoinOnEmptyQueueReturnsImmediately(t *testing.T) {
	q := New[int]()
	require.NoError(t, q.Join(context.Background()))
}

func TestJoinWaitsForDone(t *testing.T) {
	q := New[int]()
	q.Put(1)

	ctx := context.Background()
	item, err := q.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, item)

	// dequeued but not acknowledged: not drained
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Join(short), context.DeadlineExceeded)

	q.Done()
	require.NoError(t, q.Join(ctx))
}

func TestGetHonoursCancellation(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDoneWithoutPutPanics(t *testing.T) {
	q := New[int]()
	require.Panics(t, q.Done)
}

func TestConcurrentConsumersSeeEveryItemOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	const items = 500
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]int)
		n    atomic.Int64
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Get(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[item]++
				mu.Unlock()
				n.Add(1)
				q.Done()
			}
		}()
	}

	for i := 0; i < items; i++ {
		q.Put(i)
	}

	require.NoError(t, q.Join(context.Background()))
	cancel()
	wg.Wait()

	require.Equal(t, int64(items), n.Load())
	require.Len(t, seen, items)
	for _, count := range seen {
		require.Equal(t, 1, count)
	}
}
