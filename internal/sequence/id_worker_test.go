package sequence

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorker(t *testing.T) (*miniredis.Miniredis, *redis.Client, *IDWorker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client, NewIDWorker(client)
}

func TestNextIDLayout(t *testing.T) {
	_, client, w := newWorker(t)
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	w.WithClock(func() time.Time { return now })

	id, err := w.NextID(context.Background(), "order")
	require.NoError(t, err)

	assert.Equal(t, now.Unix()-BeginTimestamp, id>>CountBits)
	assert.Equal(t, int64(1), id&maxCount)
	assert.Equal(t, now, Timestamp(id))

	val, err := client.Get(context.Background(), "seq:order:2026-10-19").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

func TestNextIDConcurrentDistinct(t *testing.T) {
	_, _, w := newWorker(t)

	const n = 1000
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := w.NextID(context.Background(), "order")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, n)
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)

	// 同一秒内序列号严格递增，跨秒由时间戳位保证递增
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < n; i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
}

func TestNextIDMonotonicAcrossDays(t *testing.T) {
	_, _, w := newWorker(t)
	day1 := time.Date(2026, 10, 19, 23, 59, 59, 0, time.UTC)
	day2 := day1.Add(time.Second)
	ctx := context.Background()

	w.WithClock(func() time.Time { return day1 })
	for i := 0; i < 5; i++ {
		_, err := w.NextID(ctx, "order")
		require.NoError(t, err)
	}
	last, err := w.NextID(ctx, "order")
	require.NoError(t, err)

	w.WithClock(func() time.Time { return day2 })
	next, err := w.NextID(ctx, "order")
	require.NoError(t, err)

	assert.Equal(t, int64(1), next&maxCount, "counter restarts for the new day")
	assert.Greater(t, next, last)
}

func TestNextIDNamespacesIndependent(t *testing.T) {
	_, _, w := newWorker(t)
	ctx := context.Background()

	a, err := w.NextID(ctx, "order")
	require.NoError(t, err)
	b, err := w.NextID(ctx, "refund")
	require.NoError(t, err)

	assert.Equal(t, int64(1), a&maxCount)
	assert.Equal(t, int64(1), b&maxCount)
}

func TestNextIDCounterExhausted(t *testing.T) {
	mr, _, w := newWorker(t)
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	w.WithClock(func() time.Time { return now })
	require.NoError(t, mr.Set(CounterKey("order", now), "4294967295"))

	_, err := w.NextID(context.Background(), "order")
	assert.True(t, errors.Is(err, ErrCounterExhausted))
}

func TestNextIDStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err = NewIDWorker(client).NextID(context.Background(), "order")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrSequenceUnavailable))
}
