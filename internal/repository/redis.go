package repository

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littleseckill/config"
)

// RedisRepository 封装数据节点客户端和预加载的Lua脚本
type RedisRepository struct {
	client *redis.Client

	mu      sync.RWMutex
	sources map[string]string // 脚本名 -> 脚本内容
	hashes  map[string]string // 脚本名 -> SHA1
}

// NewRedisRepository 创建Redis数据节点连接
func NewRedisRepository(ctx context.Context, cfg config.RedisConfig) (*RedisRepository, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.DataAddress,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis data node %s", cfg.DataAddress)
	}

	return NewRedisRepositoryFromClient(client), nil
}

// NewRedisRepositoryFromClient 使用已有客户端创建仓库
func NewRedisRepositoryFromClient(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client:  client,
		sources: make(map[string]string),
		hashes:  make(map[string]string),
	}
}

// Client 返回底层客户端
func (r *RedisRepository) Client() *redis.Client {
	return r.client
}

// LoadScript 预加载Lua脚本并以 name 注册
func (r *RedisRepository) LoadScript(ctx context.Context, name, src string) error {
	sha1, err := r.client.ScriptLoad(ctx, src).Result()
	if err != nil {
		return errors.Wrapf(err, "load script %s", name)
	}

	r.mu.Lock()
	r.sources[name] = src
	r.hashes[name] = sha1
	r.mu.Unlock()
	return nil
}

// RunScript 使用EVALSHA执行已注册的脚本，脚本缓存被清空时重新加载后再执行一次
func (r *RedisRepository) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	r.mu.RLock()
	sha1, ok := r.hashes[name]
	src := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("script %s not loaded", name)
	}

	result, err := r.client.EvalSha(ctx, sha1, keys, args...).Result()
	if err == nil || !isNoScript(err) {
		return result, err
	}

	if err := r.LoadScript(ctx, name, src); err != nil {
		return nil, err
	}

	r.mu.RLock()
	sha1 = r.hashes[name]
	r.mu.RUnlock()
	return r.client.EvalSha(ctx, sha1, keys, args...).Result()
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}

func isNoScript(err error) bool {
	return strings.HasPrefix(err.Error(), "NOSCRIPT")
}
