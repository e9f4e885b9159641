package xcache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestLoadWithRefresh_MissStoresDoubleInterval(t *testing.T) {
	store, mr := newTestStore(t)
	l := newTestLoader(t, store)

	fn, calls := countingLoad("v", 0)
	v, err := l.LoadWithRefresh(context.Background(), "r", fn, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 60*time.Second, mr.TTL("r"))
}

func TestLoadWithRefresh_HitNearExpiryRefreshes(t *testing.T) {
	store, mr := newTestStore(t)
	l := newTestLoader(t, store)
	ctx := context.Background()

	// 剩余 10s < interval/2 = 15s
	require.NoError(t, mr.Set("r", "old"))
	mr.SetTTL("r", 10*time.Second)

	fn, calls := countingLoad("new", 0)
	v, err := l.LoadWithRefresh(ctx, "r", fn, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "old", string(v), "hit returns cached value immediately")

	require.Eventually(t, func() bool {
		got, _ := mr.Get("r")
		return got == "new"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 60*time.Second, mr.TTL("r"))

	s := l.Stats()
	assert.Equal(t, uint64(1), s.RefreshScheduled)
	assert.Equal(t, uint64(1), s.RefreshRuns)
}

func TestLoadWithRefresh_HitFreshSkips(t *testing.T) {
	store, mr := newTestStore(t)
	l := newTestLoader(t, store)

	require.NoError(t, mr.Set("r", "fresh"))
	mr.SetTTL("r", 50*time.Second)

	fn, calls := countingLoad("new", 0)
	_, err := l.LoadWithRefresh(context.Background(), "r", fn, 30*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return l.Stats().RefreshSkipped == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestLoadWithRefresh_NoExpiryNotRefreshed(t *testing.T) {
	store, mr := newTestStore(t)
	l := newTestLoader(t, store)

	require.NoError(t, mr.Set("r", "pinned"))

	fn, calls := countingLoad("new", 0)
	_, err := l.LoadWithRefresh(context.Background(), "r", fn, 30*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return l.Stats().RefreshSkipped == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestLoadWithRefresh_Dedup(t *testing.T) {
	store, mr := newTestStore(t)
	l := newTestLoader(t, store, WithRefreshPool(2, 16))
	ctx := context.Background()

	require.NoError(t, mr.Set("hot", "old"))
	mr.SetTTL("hot", time.Second)

	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("new"), nil
	}

	for range 20 {
		v, err := l.LoadWithRefresh(ctx, "hot", fn, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "old", string(v))
	}
	close(release)

	require.Eventually(t, func() bool {
		got, _ := mr.Get("hot")
		return got == "new"
	}, 2*time.Second, 10*time.Millisecond)

	s := l.Stats()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), s.RefreshScheduled)
	assert.Equal(t, uint64(19), s.RefreshDeduped)
}

func TestLoadWithRefresh_FailureSwallowed(t *testing.T) {
	store, mr := newTestStore(t)
	l := newTestLoader(t, store)

	require.NoError(t, mr.Set("r", "old"))
	mr.SetTTL("r", time.Second)

	fn := func(context.Context) ([]byte, error) { return nil, errors.New("source down") }
	v, err := l.LoadWithRefresh(context.Background(), "r", fn, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "old", string(v))

	require.Eventually(t, func() bool {
		return l.Stats().RefreshFailures == 1
	}, 2*time.Second, 10*time.Millisecond)
	got, _ := mr.Get("r")
	assert.Equal(t, "old", got)
}

func TestLoadWithRefresh_VanishedKeyReloaded(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockStore(ctrl)
	l := newTestLoader(t, store)

	refreshed := make(chan struct{})
	store.EXPECT().Get(gomock.Any(), "r").Return([]byte("old"), nil)
	store.EXPECT().TTL(gomock.Any(), "r").Return(time.Duration(0), ErrNotFound)
	store.EXPECT().Set(gomock.Any(), "r", []byte("new"), 20*time.Second).
		DoAndReturn(func(context.Context, string, []byte, time.Duration) error {
			close(refreshed)
			return nil
		})

	fn, _ := countingLoad("new", 0)
	v, err := l.LoadWithRefresh(context.Background(), "r", fn, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "old", string(v))

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not run")
	}
}

func TestLoadWithRefresh_InvalidInterval(t *testing.T) {
	store, _ := newTestStore(t)
	l := newTestLoader(t, store)

	fn, _ := countingLoad("v", 0)
	_, err := l.LoadWithRefresh(context.Background(), "r", fn, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadWithRefresh_QueueFullDrops(t *testing.T) {
	store, mr := newTestStore(t)
	l := newTestLoader(t, store, WithRefreshPool(1, 1))
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	fn := func(context.Context) ([]byte, error) {
		started <- struct{}{}
		<-release
		return []byte("new"), nil
	}

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, mr.Set(k, "old"))
		mr.SetTTL(k, time.Second)
	}

	_, err := l.LoadWithRefresh(ctx, "a", fn, time.Minute)
	require.NoError(t, err)
	<-started // worker 占用中

	_, err = l.LoadWithRefresh(ctx, "b", fn, time.Minute) // 入队
	require.NoError(t, err)
	_, err = l.LoadWithRefresh(ctx, "c", fn, time.Minute) // 队列满
	require.NoError(t, err)

	assert.Equal(t, uint64(1), l.Stats().RefreshDropped)
	close(release)
}

func TestLoader_CloseStopsRefresh(t *testing.T) {
	store, mr := newTestStore(t)
	l, err := NewLoader(store)
	require.NoError(t, err)

	require.NoError(t, l.Close(context.Background()))
	require.NoError(t, l.Close(context.Background()))

	require.NoError(t, mr.Set("r", "v"))
	fn, _ := countingLoad("v", 0)
	_, err = l.LoadWithRefresh(context.Background(), "r", fn, time.Minute)
	assert.ErrorIs(t, err, ErrClosed)
}
