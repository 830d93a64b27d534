package looper

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLooper_RunsInPostOrder(t *testing.T) {
	l := New(testLogger())
	l.Start(context.Background())
	defer l.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Flush(context.Background()))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestLooper_SerialisesConcurrentPosts(t *testing.T) {
	l := New(testLogger())
	l.Start(context.Background())
	defer l.Stop()

	// counter is only touched on the looper goroutine; the race detector
	// flags it if posts ever run in parallel.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, 1000, counter)
}

func TestLooper_PostAfterStop(t *testing.T) {
	l := New(testLogger())
	l.Start(context.Background())

	ran := make(chan struct{})
	require.True(t, l.Post(func() { close(ran) }))
	l.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued work was not drained on stop")
	}

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Flush(context.Background()), ErrStopped)
	l.Stop()
}

func TestLooper_RecoversFromPanic(t *testing.T) {
	l := New(testLogger())
	l.Start(context.Background())
	defer l.Stop()

	l.Post(func() { panic("boom") })
	done := false
	l.Post(func() { done = true })
	require.NoError(t, l.Flush(context.Background()))
	assert.True(t, done)
}

func TestLooper_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := New(testLogger())
	l.Start(ctx)
	cancel()

	require.Eventually(t, func() bool { return !l.Post(func() {}) }, time.Second, 5*time.Millisecond)
	l.Stop()
}
