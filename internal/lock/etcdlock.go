package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/config"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdStore 锁依赖的etcd原语
type etcdStore interface {
	Grant(ctx context.Context, ttl int64) (clientv3.LeaseID, error)
	// PutIfAbsent 键不存在时写入并绑定租约
	PutIfAbsent(ctx context.Context, path, value string, lease clientv3.LeaseID) (bool, error)
	// DeleteIfValue 键的值等于 value 时删除
	DeleteIfValue(ctx context.Context, path, value string) (bool, error)
	Revoke(ctx context.Context, lease clientv3.LeaseID) error
	Close() error
}

// clientStore 基于 clientv3 的事务实现
type clientStore struct {
	cli *clientv3.Client
}

func (s *clientStore) Grant(ctx context.Context, ttl int64) (clientv3.LeaseID, error) {
	resp, err := s.cli.Grant(ctx, ttl)
	if err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (s *clientStore) PutIfAbsent(ctx context.Context, path, value string, lease clientv3.LeaseID) (bool, error) {
	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, value, clientv3.WithLease(lease))).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (s *clientStore) DeleteIfValue(ctx context.Context, path, value string) (bool, error) {
	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(path), "=", value)).
		Then(clientv3.OpDelete(path)).
		Commit()
	if err != nil {
		return false, err
	}
	return resp.Succeeded, nil
}

func (s *clientStore) Revoke(ctx context.Context, lease clientv3.LeaseID) error {
	_, err := s.cli.Revoke(ctx, lease)
	return err
}

func (s *clientStore) Close() error {
	return s.cli.Close()
}

// EtcdLock 基于租约和事务的etcd锁
type EtcdLock struct {
	store etcdStore
	log   zerolog.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // 锁路径+令牌 -> 租约
}

func NewEtcdLock(cfg config.ETCDConfig, log zerolog.Logger) (*EtcdLock, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create etcd client")
	}

	return NewEtcdLockFromClient(cli, log), nil
}

func NewEtcdLockFromClient(cli *clientv3.Client, log zerolog.Logger) *EtcdLock {
	return newEtcdLock(&clientStore{cli: cli}, log)
}

func newEtcdLock(store etcdStore, log zerolog.Logger) *EtcdLock {
	return &EtcdLock{
		store:  store,
		log:    log,
		leases: make(map[string]clientv3.LeaseID),
	}
}

func lockPath(key string) string {
	return fmt.Sprintf("/locks/%s%s", KeyPrefix, key)
}

// leaseTTL etcd租约以秒为单位，向上取整且至少1秒
func leaseTTL(lease time.Duration) int64 {
	ttl := int64((lease + time.Second - 1) / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

// TryAcquire 键不存在时写入令牌并绑定租约，租约到期后锁自动释放
func (el *EtcdLock) TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	path := lockPath(key)

	leaseID, err := el.store.Grant(ctx, leaseTTL(lease))
	if err != nil {
		return false, errs.Mark(err, errs.ErrLockUnavailable, "grant etcd lease")
	}

	ok, err := el.store.PutIfAbsent(ctx, path, token, leaseID)
	if err != nil {
		el.revoke(leaseID)
		return false, errs.Mark(err, errs.ErrLockUnavailable, "acquire etcd lock "+path)
	}
	if !ok {
		el.revoke(leaseID)
		return false, nil
	}

	el.mu.Lock()
	el.leases[path+"/"+token] = leaseID
	el.mu.Unlock()
	return true, nil
}

// Release 键的值等于令牌时删除并撤销租约
func (el *EtcdLock) Release(ctx context.Context, key, token string) (bool, error) {
	path := lockPath(key)

	ok, err := el.store.DeleteIfValue(ctx, path, token)
	if err != nil {
		return false, errs.Mark(err, errs.ErrLockUnavailable, "release etcd lock "+path)
	}

	el.mu.Lock()
	leaseID, held := el.leases[path+"/"+token]
	delete(el.leases, path+"/"+token)
	el.mu.Unlock()
	if held {
		el.revoke(leaseID)
	}

	return ok, nil
}

// Close 撤销仍持有的租约并关闭客户端
func (el *EtcdLock) Close() error {
	el.mu.Lock()
	leases := el.leases
	el.leases = make(map[string]clientv3.LeaseID)
	el.mu.Unlock()

	for _, id := range leases {
		el.revoke(id)
	}
	return el.store.Close()
}

func (el *EtcdLock) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := el.store.Revoke(ctx, id); err != nil {
		el.log.Warn().Err(err).Int64("lease", int64(id)).Msg("revoke etcd lease failed")
	}
}
