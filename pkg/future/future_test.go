package future

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFuture_CompleteOnce(t *testing.T) {
	f := New[int]()
	require.False(t, f.IsDone())

	require.True(t, f.Complete(1, nil))
	require.False(t, f.Complete(2, errors.New("late")))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestFuture_ListenBeforeAndAfterCompletion(t *testing.T) {
	f := New[string]()
	var calls atomic.Int32

	f.Listen(func(v string, err error) {
		require.Equal(t, "ok", v)
		calls.Add(1)
	})
	f.Complete("ok", nil)

	// Registered after completion: runs synchronously.
	f.Listen(func(v string, err error) {
		require.Equal(t, "ok", v)
		calls.Add(1)
	})
	require.Equal(t, int32(2), calls.Load())
}

func TestFuture_GetHonoursContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFuture_ConcurrentComplete(t *testing.T) {
	f := New[int]()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.Complete(i, nil) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	<-f.Done()
}

func TestFuture_Completed(t *testing.T) {
	boom := errors.New("boom")
	f := Completed(0, boom)
	require.True(t, f.IsDone())
	_, err := f.Get(context.Background())
	require.ErrorIs(t, err, boom)
}
