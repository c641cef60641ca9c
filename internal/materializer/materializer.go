// Package materializer 异步消费准入记录，在分布式锁保护下把订单写入持久化存储。
//
// 每条记录的状态流转：
//
//	Claimed -> Locked -> Verified -> Committed -> Acknowledged
//	Claimed -> LockFailed（不确认，等待重新投递）
//	Claimed -> Locked -> DuplicateDetected -> Acknowledged
//
// 确认之前的任何失败都保持记录可重新投递；提交后确认前崩溃导致的重复投递由事务内的一人一单复查变为空操作。
package materializer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/config"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/lock"
	"github.com/lvdashuaibi/littleseckill/internal/metrics"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/lvdashuaibi/littleseckill/internal/queue"
	"github.com/lvdashuaibi/littleseckill/internal/repository"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome 单次处理的结果
type Outcome string

const (
	OutcomeCommitted    Outcome = "committed"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeLockFailed   Outcome = "lock_failed"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// 死信原因
const (
	ReasonMaxDeliveries  = "max_deliveries_exceeded"
	ReasonStockExhausted = "durable_stock_exhausted"
)

// errStockExhausted 持久化库存已为0，说明账本和数据库出现了分歧
var errStockExhausted = errors.New("durable stock exhausted")

// Store 订单持久化存储
type Store interface {
	InTx(ctx context.Context, fn func(tx repository.OrderTx) error) error
}

// DeadLetterSink 死信出口
type DeadLetterSink interface {
	Publish(ctx context.Context, dl model.DeadLetter) error
}

// Options 消费者参数
type Options struct {
	Workers         int
	BatchSize       int
	LockLease       time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
	MaxDeliveries   int64
}

// OptionsFromConfig 从秒杀配置读取消费者参数
func OptionsFromConfig(cfg config.SeckillConfig) Options {
	return Options{
		Workers:         cfg.Workers,
		BatchSize:       cfg.BatchSize,
		LockLease:       cfg.LockLease,
		ReclaimInterval: cfg.ReclaimInterval,
		ReclaimMinIdle:  cfg.ReclaimMinIdle,
		MaxDeliveries:   cfg.MaxDeliveries,
	}
}

// Materializer 订单落库消费者
type Materializer struct {
	queue   queue.Queue
	lock    lock.Lock
	store   Store
	sink    DeadLetterSink
	metrics *metrics.Metrics
	log     zerolog.Logger
	tracer  trace.Tracer
	opts    Options
	now     func() time.Time
}

func New(q queue.Queue, l lock.Lock, store Store, sink DeadLetterSink, m *metrics.Metrics, log zerolog.Logger, opts Options) *Materializer {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	return &Materializer{
		queue:   q,
		lock:    l,
		store:   store,
		sink:    sink,
		metrics: m,
		log:     log,
		tracer:  otel.Tracer("materializer"),
		opts:    opts,
		now:     time.Now,
	}
}

// LockKey 每个用户每张秒杀券一把锁
func LockKey(rec model.AdmissionRecord) string {
	return fmt.Sprintf("order:%d:%d", rec.UserID, rec.VoucherID)
}

// Run 先恢复本消费者未确认的记录，然后启动 worker 和定时回收，ctx 取消或队列关闭后返回
func (m *Materializer) Run(ctx context.Context) error {
	recovered, err := m.queue.Recover(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("recover pending admission records failed")
	}
	if len(recovered) > 0 {
		m.log.Info().Int("count", len(recovered)).Msg("recovered pending admission records")
		m.metrics.Reclaimed.Add(float64(len(recovered)))
	}
	for _, d := range recovered {
		m.Process(ctx, d)
	}

	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.work(ctx, id)
		}(i)
	}

	if m.opts.ReclaimInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.reclaimLoop(ctx)
		}()
	}

	m.log.Info().Int("workers", m.opts.Workers).Msg("materializer started")
	wg.Wait()
	m.log.Info().Msg("materializer stopped")
	return nil
}

func (m *Materializer) work(ctx context.Context, id int) {
	log := m.log.With().Int("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		ds, err := m.queue.Claim(ctx, m.opts.BatchSize)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("claim admission records failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, d := range ds {
			m.Process(ctx, d)
		}
	}
}

func (m *Materializer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 出错时已领取的部分仍需处理
			ds, err := m.queue.Reclaim(ctx, m.opts.ReclaimMinIdle)
			if err != nil {
				m.log.Warn().Err(err).Int("claimed", len(ds)).Msg("reclaim idle admission records failed")
			}
			if len(ds) > 0 {
				m.log.Info().Int("count", len(ds)).Msg("reclaimed idle admission records")
				m.metrics.Reclaimed.Add(float64(len(ds)))
			}
			for _, d := range ds {
				m.Process(ctx, d)
			}
		}
	}
}

// Process 处理一次投递
func (m *Materializer) Process(ctx context.Context, d queue.Delivery) Outcome {
	rec := d.Record
	ctx, span := m.tracer.Start(ctx, "materializer.Process", trace.WithAttributes(
		attribute.String("delivery.id", d.ID),
		attribute.Int64("order.id", rec.OrderID),
		attribute.Int64("user.id", rec.UserID),
		attribute.Int64("voucher.id", rec.VoucherID),
		attribute.Int64("delivery.attempts", d.Attempts),
	))
	defer span.End()

	log := m.log.With().
		Str("delivery_id", d.ID).
		Int64("order_id", rec.OrderID).
		Int64("user_id", rec.UserID).
		Int64("voucher_id", rec.VoucherID).
		Int64("attempt", d.Attempts).
		Logger()

	outcome := m.process(ctx, d, log)
	m.metrics.Materializations.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome == OutcomeFailed || outcome == OutcomeLockFailed {
		span.SetStatus(codes.Error, string(outcome))
	}
	return outcome
}

func (m *Materializer) process(ctx context.Context, d queue.Delivery, log zerolog.Logger) Outcome {
	if m.opts.MaxDeliveries > 0 && d.Attempts > m.opts.MaxDeliveries {
		return m.deadLetter(ctx, d, ReasonMaxDeliveries, log)
	}

	key := LockKey(d.Record)
	token := lock.NewToken()
	ok, err := m.lock.TryAcquire(ctx, key, token, m.opts.LockLease)
	if err != nil || !ok {
		if err != nil {
			log.Warn().Err(err).Msg("acquire order lock failed")
		} else {
			log.Debug().Msg("order lock held by another consumer")
		}
		m.nack(ctx, d, log)
		return OutcomeLockFailed
	}

	outcome, err := m.commit(ctx, d.Record)

	if released, relErr := m.lock.Release(ctx, key, token); relErr != nil {
		log.Warn().Err(relErr).Msg("release order lock failed")
	} else if !released {
		log.Warn().Msg("order lock expired before release")
	}

	switch {
	case err == nil:
		if outcome == OutcomeDuplicate {
			log.Info().Msg("order already exists, acknowledging duplicate delivery")
		}
		m.ack(ctx, d, log)
		return outcome
	case errors.Is(err, errStockExhausted):
		return m.deadLetter(ctx, d, ReasonStockExhausted, log)
	default:
		log.Error().Err(errs.Mark(err, errs.ErrDurableWriteFailed, "materialize order")).Msg("durable write failed, awaiting redelivery")
		m.nack(ctx, d, log)
		return OutcomeFailed
	}
}

// commit 在独立事务中复查一人一单，然后条件扣减库存并写入订单
func (m *Materializer) commit(ctx context.Context, rec model.AdmissionRecord) (Outcome, error) {
	outcome := OutcomeCommitted
	err := m.store.InTx(ctx, func(tx repository.OrderTx) error {
		count, err := tx.CountExistingOrder(ctx, rec.VoucherID, rec.UserID)
		if err != nil {
			return err
		}
		if count > 0 {
			outcome = OutcomeDuplicate
			return nil
		}

		inserted, err := tx.ConditionalDecrementAndInsert(ctx, rec.ToOrder())
		if err != nil {
			return err
		}
		if !inserted {
			return errStockExhausted
		}
		return nil
	})

	// 唯一索引冲突说明订单已由并发的投递写入
	if errors.Is(err, repository.ErrDuplicateOrder) {
		return OutcomeDuplicate, nil
	}
	return outcome, err
}

func (m *Materializer) deadLetter(ctx context.Context, d queue.Delivery, reason string, log zerolog.Logger) Outcome {
	dl := model.DeadLetter{
		Record:     d.Record,
		DeliveryID: d.ID,
		Attempts:   d.Attempts,
		Reason:     reason,
		FailedAt:   m.now(),
	}
	if err := m.sink.Publish(ctx, dl); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("publish dead letter failed, awaiting redelivery")
		m.nack(ctx, d, log)
		return OutcomeFailed
	}

	m.metrics.DeadLetters.WithLabelValues(reason).Inc()
	log.Error().Str("reason", reason).Msg("admission record dead-lettered")
	m.ack(ctx, d, log)
	return OutcomeDeadLettered
}

func (m *Materializer) ack(ctx context.Context, d queue.Delivery, log zerolog.Logger) {
	if err := m.queue.Ack(ctx, d.ID); err != nil {
		log.Warn().Err(err).Msg("ack admission record failed")
	}
}

func (m *Materializer) nack(ctx context.Context, d queue.Delivery, log zerolog.Logger) {
	if err := m.queue.Nack(ctx, d.ID); err != nil {
		log.Warn().Err(err).Msg("nack admission record failed")
	}
}
