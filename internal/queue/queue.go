// Package queue 定义准入队列：同步准入链路写入准入记录，异步落库消费者按"至少一次"语义领取并确认。
//
// 两种实现：
//   - MemoryQueue 进程内有界队列，只适用于单进程部署，进程崩溃时未落库的记录会丢失
//   - StreamQueue 基于Redis Stream消费组，未确认的记录在消费者重启后可被重新领取
package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/internal/model"
)

// ErrClosed 队列已关闭
var ErrClosed = errors.New("admission queue closed")

// Delivery 一次投递
type Delivery struct {
	ID     string
	Record model.AdmissionRecord
	// Attempts 包括本次在内的投递次数
	Attempts int64
}

// Queue 至少一次投递、基于确认的准入队列
type Queue interface {
	// Enqueue 写入准入记录，队列满或不可用时返回 errs.ErrQueueUnavailable
	Enqueue(ctx context.Context, rec model.AdmissionRecord) error

	// Claim 领取最多 max 条记录，没有记录时最多阻塞一个领取周期后返回空
	Claim(ctx context.Context, max int) ([]Delivery, error)

	// Ack 确认投递，记录不会再被投递
	Ack(ctx context.Context, id string) error

	// Nack 放弃投递，记录保持可重新投递
	Nack(ctx context.Context, id string) error

	// Recover 重新领取本消费者此前领取但未确认的记录
	Recover(ctx context.Context) ([]Delivery, error)

	// Reclaim 领取任意消费者名下空闲时间不少于 minIdle 的未确认记录
	Reclaim(ctx context.Context, minIdle time.Duration) ([]Delivery, error)

	Close() error
}

// StreamBacked 由Redis Stream承载的队列，预占和入队可以在同一个脚本内完成
type StreamBacked interface {
	StreamKey() string
}
