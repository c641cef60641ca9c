package lock

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littleseckill/config"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/rs/zerolog"
)

// 只删除自己持有的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisLock 基于 SET NX PX 的Redis锁。配置多个独立节点时按多数派（Redlock）判定。
type RedisLock struct {
	clients []*redis.Client
	addrs   []string
	quorum  int
	log     zerolog.Logger
}

// NewRedisLock 连接锁节点，未配置锁节点时使用数据节点
func NewRedisLock(ctx context.Context, cfg config.RedisConfig, log zerolog.Logger) (*RedisLock, error) {
	addrs := cfg.LockAddresses
	if len(addrs) == 0 {
		addrs = []string{cfg.DataAddress}
	}

	var clients []*redis.Client
	for _, addr := range addrs {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			MaxRetries:   cfg.MaxRetries,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		})

		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				c.Close()
			}
			client.Close()
			return nil, errors.Wrapf(err, "ping redis lock node %s", addr)
		}

		clients = append(clients, client)
	}

	return newRedisLock(clients, addrs, log), nil
}

// NewRedisLockFromClients 使用已有客户端创建锁
func NewRedisLockFromClients(clients []*redis.Client, log zerolog.Logger) *RedisLock {
	addrs := make([]string, len(clients))
	for i, c := range clients {
		addrs[i] = c.Options().Addr
	}
	return newRedisLock(clients, addrs, log)
}

func newRedisLock(clients []*redis.Client, addrs []string, log zerolog.Logger) *RedisLock {
	return &RedisLock{
		clients: clients,
		addrs:   addrs,
		quorum:  len(clients)/2 + 1,
		log:     log,
	}
}

// TryAcquire 在所有节点上尝试 SET NX PX，多数派成功且租约未耗尽才算获取成功
func (r *RedisLock) TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	name := KeyPrefix + key
	start := time.Now()

	success, failed := 0, 0
	var lastErr error
	for i, client := range r.clients {
		ok, err := client.SetNX(ctx, name, token, lease).Result()
		if err != nil {
			r.log.Warn().Err(err).Str("node", r.addrs[i]).Str("key", name).Msg("acquire lock on node failed")
			failed++
			lastErr = err
			continue
		}
		if ok {
			success++
		}
	}

	validity := lease - time.Since(start)
	if success >= r.quorum && validity > 0 {
		return true, nil
	}

	// 未达到多数派，撤销已经拿到的部分
	if success > 0 {
		r.unlockAll(ctx, name, token)
	}

	if len(r.clients)-failed < r.quorum {
		return false, errs.Mark(lastErr, errs.ErrLockUnavailable, "acquire lock "+name)
	}
	return false, nil
}

// Release 在所有节点上按令牌删除锁
func (r *RedisLock) Release(ctx context.Context, key, token string) (bool, error) {
	name := KeyPrefix + key
	released, failed := r.unlockAll(ctx, name, token)

	if released >= r.quorum {
		return true, nil
	}
	if failed > 0 && len(r.clients)-failed < r.quorum {
		return false, errs.Mark(errors.Newf("%d of %d lock nodes failed", failed, len(r.clients)),
			errs.ErrLockUnavailable, "release lock "+name)
	}
	return false, nil
}

func (r *RedisLock) unlockAll(ctx context.Context, name, token string) (released, failed int) {
	for i, client := range r.clients {
		n, err := unlockScript.Run(ctx, client, []string{name}, token).Int64()
		if err != nil {
			r.log.Warn().Err(err).Str("node", r.addrs[i]).Str("key", name).Msg("release lock on node failed")
			failed++
			continue
		}
		if n == 1 {
			released++
		}
	}
	return released, failed
}

// Close 关闭所有锁节点连接
func (r *RedisLock) Close() error {
	var result error
	for i, client := range r.clients {
		if err := client.Close(); err != nil {
			r.log.Warn().Err(err).Str("node", r.addrs[i]).Msg("close redis lock client failed")
			result = errors.CombineErrors(result, err)
		}
	}
	return result
}
