package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix 所有锁键的统一前缀
const KeyPrefix = "lock:"

// Lock 非阻塞、带所有者令牌和租约的分布式锁
type Lock interface {
	// TryAcquire 尝试获取锁，锁已被持有时立即返回 false
	// 返回值：bool表示是否获取成功，error只在锁服务不可用时返回
	TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error)

	// Release 释放锁，只有令牌与持有者一致时才会删除
	// 返回值：bool表示是否由本次调用释放
	Release(ctx context.Context, key, token string) (bool, error)

	// Close 关闭分布式锁客户端
	Close() error
}

// NewToken 生成锁的所有者令牌
func NewToken() string {
	return uuid.NewString()
}
