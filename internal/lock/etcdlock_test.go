package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type etcdKey struct {
	value string
	lease clientv3.LeaseID
}

// memEtcd 内存版etcd：键绑定租约，租约到期或撤销时键随之删除
type memEtcd struct {
	mu      sync.Mutex
	now     time.Time
	nextID  clientv3.LeaseID
	leases  map[clientv3.LeaseID]time.Time
	keys    map[string]etcdKey
	revoked int
	closed  bool
	err     error
}

func newMemEtcd() *memEtcd {
	return &memEtcd{
		now:    time.Unix(1760000000, 0),
		leases: make(map[clientv3.LeaseID]time.Time),
		keys:   make(map[string]etcdKey),
	}
}

func (m *memEtcd) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	for id, deadline := range m.leases {
		if !m.now.Before(deadline) {
			m.dropLease(id)
		}
	}
}

func (m *memEtcd) dropLease(id clientv3.LeaseID) {
	delete(m.leases, id)
	for path, k := range m.keys {
		if k.lease == id {
			delete(m.keys, path)
		}
	}
}

func (m *memEtcd) Grant(ctx context.Context, ttl int64) (clientv3.LeaseID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.nextID++
	m.leases[m.nextID] = m.now.Add(time.Duration(ttl) * time.Second)
	return m.nextID, nil
}

func (m *memEtcd) PutIfAbsent(ctx context.Context, path, value string, lease clientv3.LeaseID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.keys[path]; ok {
		return false, nil
	}
	m.keys[path] = etcdKey{value: value, lease: lease}
	return true, nil
}

func (m *memEtcd) DeleteIfValue(ctx context.Context, path, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	k, ok := m.keys[path]
	if !ok || k.value != value {
		return false, nil
	}
	delete(m.keys, path)
	return true, nil
}

func (m *memEtcd) Revoke(ctx context.Context, lease clientv3.LeaseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked++
	m.dropLease(lease)
	return nil
}

func (m *memEtcd) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memEtcd) value(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[path]
	return k.value, ok
}

func (m *memEtcd) liveLeases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

func TestEtcdLockExclusive(t *testing.T) {
	ctx := context.Background()
	store := newMemEtcd()
	l := newEtcdLock(store, zerolog.Nop())

	ok, err := l.TryAcquire(ctx, "order:1:2", "a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryAcquire(ctx, "order:1:2", "b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, store.liveLeases(), "losing attempt revokes its lease")

	v, held := store.value(lockPath("order:1:2"))
	require.True(t, held)
	assert.Equal(t, "a", v)

	ok, err = l.TryAcquire(ctx, "order:1:3", "b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "different key is independent")
}

func TestEtcdLockReleaseRequiresOwnerToken(t *testing.T) {
	ctx := context.Background()
	store := newMemEtcd()
	l := newEtcdLock(store, zerolog.Nop())

	ok, err := l.TryAcquire(ctx, "k", "owner", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := l.Release(ctx, "k", "intruder")
	require.NoError(t, err)
	assert.False(t, released)
	_, held := store.value(lockPath("k"))
	assert.True(t, held)

	released, err = l.Release(ctx, "k", "owner")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Zero(t, store.liveLeases())

	ok, err = l.TryAcquire(ctx, "k", "next", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEtcdLockLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	store := newMemEtcd()
	l := newEtcdLock(store, zerolog.Nop())

	ok, err := l.TryAcquire(ctx, "k", "a", 1500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	store.advance(time.Second)
	ok, err = l.TryAcquire(ctx, "k", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "lease rounded up to 2s still alive")

	store.advance(time.Second)
	ok, err = l.TryAcquire(ctx, "k", "b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err := l.Release(ctx, "k", "a")
	require.NoError(t, err)
	assert.False(t, released, "expired holder cannot release the new holder")
	v, _ := store.value(lockPath("k"))
	assert.Equal(t, "b", v)
}

func TestEtcdLockUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newMemEtcd()
	l := newEtcdLock(store, zerolog.Nop())
	store.err = errors.New("etcdserver: request timed out")

	ok, err := l.TryAcquire(ctx, "k", "a", time.Second)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errs.ErrLockUnavailable))

	_, err = l.Release(ctx, "k", "a")
	assert.True(t, errors.Is(err, errs.ErrLockUnavailable))
}

func TestEtcdLockCloseRevokesHeldLeases(t *testing.T) {
	ctx := context.Background()
	store := newMemEtcd()
	l := newEtcdLock(store, zerolog.Nop())

	for _, key := range []string{"k1", "k2"} {
		ok, err := l.TryAcquire(ctx, key, "a", 10*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, l.Close())
	assert.True(t, store.closed)
	assert.Zero(t, store.liveLeases())
	_, held := store.value(lockPath("k1"))
	assert.False(t, held)
}

func TestLeaseTTL(t *testing.T) {
	assert.Equal(t, int64(1), leaseTTL(0))
	assert.Equal(t, int64(1), leaseTTL(300*time.Millisecond))
	assert.Equal(t, int64(10), leaseTTL(10*time.Second))
	assert.Equal(t, int64(11), leaseTTL(10*time.Second+time.Millisecond))
	assert.Equal(t, "/locks/lock:order:1:2", lockPath("order:1:2"))
}
