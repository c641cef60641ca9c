// Package sequence 生成全局唯一、按时间递增的订单号。
//
// 订单号布局：1位符号位 + 31位相对纪元的秒数 + 32位按命名空间、按天计数的序列号。
// 序列号来自Redis的 INCR，多实例、重启后都不会重复。
package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
)

const (
	// BeginTimestamp 2022-01-01T00:00:00Z
	BeginTimestamp int64 = 1640995200
	// CountBits 序列号位数
	CountBits = 32

	maxCount = int64(1)<<CountBits - 1

	// 计数键保留两天，跨零点的请求仍能命中前一天的键
	counterTTL = 48 * time.Hour
)

// ErrCounterExhausted 单日序列号超过 CountBits 能表示的范围
var ErrCounterExhausted = errors.New("daily sequence counter exhausted")

// IDWorker 基于Redis自增计数的ID生成器
type IDWorker struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewIDWorker 创建ID生成器
func NewIDWorker(client redis.Cmdable) *IDWorker {
	return &IDWorker{client: client, now: time.Now}
}

// WithClock 替换时钟
func (w *IDWorker) WithClock(now func() time.Time) *IDWorker {
	w.now = now
	return w
}

// CounterKey 返回命名空间在某天的计数键，例如 seq:order:2026-10-19
func CounterKey(namespace string, day time.Time) string {
	return fmt.Sprintf("seq:%s:%s", namespace, day.UTC().Format("2006-01-02"))
}

// NextID 生成下一个ID
func (w *IDWorker) NextID(ctx context.Context, namespace string) (int64, error) {
	now := w.now().UTC()
	timestamp := now.Unix() - BeginTimestamp
	if timestamp < 0 {
		return 0, errors.Newf("clock %s is before sequence epoch", now)
	}

	key := CounterKey(namespace, now)
	pipe := w.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errs.Mark(err, errs.ErrSequenceUnavailable, "increment sequence counter")
	}

	count := incr.Val()
	if count > maxCount {
		return 0, errors.Wrapf(ErrCounterExhausted, "namespace %s reached %d", namespace, count)
	}

	return timestamp<<CountBits | count, nil
}

// Timestamp 从ID中解析生成时间（秒精度）
func Timestamp(id int64) time.Time {
	return time.Unix(id>>CountBits+BeginTimestamp, 0).UTC()
}
