package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissThenHit(t *testing.T) {
	c, err := New[string](4)
	require.NoError(t, err)

	var loads atomic.Int32
	load := func(_ context.Context, key string) (string, error) {
		loads.Add(1)
		return "v-" + key, nil
	}

	v, hit, err := c.Get(context.Background(), "a", load)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "v-a", v)

	v, hit, err = c.Get(context.Background(), "a", load)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "v-a", v)
	assert.EqualValues(t, 1, loads.Load())
}

func TestGetErrorNotCached(t *testing.T) {
	c, err := New[int](4)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, _, err = c.Get(context.Background(), "k", func(context.Context, string) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	v, hit, err := c.Get(context.Background(), "k", func(context.Context, string) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 7, v)
}

func TestGetEvictsOldest(t *testing.T) {
	c, err := New[int](2)
	require.NoError(t, err)
	load := func(_ context.Context, key string) (int, error) { return len(key), nil }

	for _, k := range []string{"a", "bb", "ccc"} {
		_, _, err := c.Get(context.Background(), k, load)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())

	_, hit, err := c.Get(context.Background(), "a", load)
	require.NoError(t, err)
	assert.False(t, hit, "a should have been evicted")
}

func TestGetConcurrent(t *testing.T) {
	c, err := New[int](4)
	require.NoError(t, err)

	var loads atomic.Int32
	load := func(context.Context, string) (int, error) {
		loads.Add(1)
		return 42, nil
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.Get(context.Background(), "x", load)
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	wg.Wait()

	n := loads.Load()
	assert.True(t, n >= 1 && n <= 10, "loads = %d", n)
}

func TestGetCancelledCallerDoesNotFailOthers(t *testing.T) {
	c, err := New[int](4)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context, _ string) (int, error) {
		close(started)
		select {
		case <-release:
			return 42, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, _, err := c.Get(ctxA, "red dress", load)
		errA <- err
	}()
	<-started

	type result struct {
		v   int
		err error
	}
	resB := make(chan result, 1)
	go func() {
		v, _, err := c.Get(context.Background(), "red dress", load)
		resB <- result{v, err}
	}()

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, 42, b.v)
	assert.Equal(t, 1, c.Len())
}
