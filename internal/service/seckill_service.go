package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/ledger"
	"github.com/lvdashuaibi/littleseckill/internal/metrics"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/lvdashuaibi/littleseckill/internal/queue"
	"github.com/lvdashuaibi/littleseckill/internal/sequence"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidCampaign 秒杀券参数不合法
var ErrInvalidCampaign = errors.New("invalid seckill voucher")

// errReservationUnknown 重试前的调用结果未知
var errReservationUnknown = errors.New("reservation outcome unknown after retry")

// Store 活动和订单的持久化存储
type Store interface {
	SaveCampaign(ctx context.Context, c *model.Campaign) error
	GetCampaign(ctx context.Context, voucherID int64) (*model.Campaign, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
}

type SeckillService struct {
	guard     *ledger.Guard
	ids       *sequence.IDWorker
	queue     queue.Queue
	store     Store
	metrics   *metrics.Metrics
	log       zerolog.Logger
	tracer    trace.Tracer
	namespace string
	now       func() time.Time
}

func NewSeckillService(
	guard *ledger.Guard,
	ids *sequence.IDWorker,
	q queue.Queue,
	store Store,
	m *metrics.Metrics,
	log zerolog.Logger,
	namespace string,
) *SeckillService {
	return &SeckillService{
		guard:     guard,
		ids:       ids,
		queue:     q,
		store:     store,
		metrics:   m,
		log:       log,
		tracer:    otel.Tracer("service"),
		namespace: namespace,
		now:       time.Now,
	}
}

// WithClock 替换时钟
func (s *SeckillService) WithClock(now func() time.Time) *SeckillService {
	s.now = now
	return s
}

// PlaceOrder 秒杀下单。只做账本预占和入队，在订单落库之前返回订单号。
func (s *SeckillService) PlaceOrder(ctx context.Context, voucherID, userID int64) (orderID int64, err error) {
	ctx, span := s.tracer.Start(ctx, "seckill.PlaceOrder", trace.WithAttributes(
		attribute.Int64("voucher.id", voucherID),
		attribute.Int64("user.id", userID),
	))
	defer func() {
		result := admissionResult(err)
		s.metrics.Admissions.WithLabelValues(result).Inc()
		span.SetAttributes(attribute.String("result", result))
		if err != nil && !errs.IsTerminal(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		span.End()
	}()

	log := s.log.With().Int64("voucher_id", voucherID).Int64("user_id", userID).Logger()

	// 1. 活动时间窗口
	campaign, err := s.guard.Campaign(ctx, voucherID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if !campaign.Started(now) {
		return 0, errs.ErrCampaignNotStarted
	}
	if campaign.Ended(now) {
		return 0, errs.ErrCampaignEnded
	}

	// 2. 订单号
	orderID, err = s.ids.NextID(ctx, s.namespace)
	if err != nil {
		return 0, err
	}
	rec := model.AdmissionRecord{
		OrderID:   orderID,
		UserID:    userID,
		VoucherID: voucherID,
		CreatedAt: now,
	}

	// 3. 预占并入队
	if err := s.admit(ctx, rec, log); err != nil {
		return 0, err
	}

	span.SetAttributes(attribute.Int64("order.id", orderID))
	log.Debug().Int64("order_id", orderID).Msg("admission accepted")
	return orderID, nil
}

func (s *SeckillService) admit(ctx context.Context, rec model.AdmissionRecord, log zerolog.Logger) error {
	// Stream队列：预占和写入Stream在同一个脚本内完成
	if sb, ok := s.queue.(queue.StreamBacked); ok {
		res, err := retryOnce(func() (ledger.Result, error) {
			return s.guard.ReserveAndPublish(ctx, rec, sb.StreamKey())
		})
		if err != nil {
			return err
		}
		return res.Err()
	}

	res, err := retryOnce(func() (ledger.Result, error) {
		return s.guard.Reserve(ctx, rec.VoucherID, rec.UserID)
	})
	if err != nil {
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}

	if err := s.queue.Enqueue(ctx, rec); err != nil {
		s.compensate(ctx, rec, log)
		return errs.Mark(err, errs.ErrQueueUnavailable, "enqueue admission record")
	}
	return nil
}

// compensate 入队失败时归还预占，避免库存泄漏
func (s *SeckillService) compensate(ctx context.Context, rec model.AdmissionRecord, log zerolog.Logger) {
	released, err := s.guard.Release(ctx, rec.VoucherID, rec.UserID)
	if err != nil {
		log.Error().Err(err).Int64("order_id", rec.OrderID).Msg("release reservation after enqueue failure failed, stock leaked")
		return
	}
	if released {
		s.metrics.Compensations.Inc()
		log.Warn().Int64("order_id", rec.OrderID).Msg("reservation released after enqueue failure")
	}
}

// retryOnce 账本调用遇到瞬时错误时立即重试一次。
// 失败的首次调用可能已在Redis执行成功，重试得到的"已预占"无法与更早的购买区分，按瞬时错误返回。
func retryOnce(fn func() (ledger.Result, error)) (ledger.Result, error) {
	res, err := fn()
	if err == nil || !errs.IsTransient(err) {
		return res, err
	}

	res, err = fn()
	if err == nil && res == ledger.ResultAlreadyReserved {
		return res, errs.Mark(errReservationUnknown, errs.ErrLedgerUnavailable, "retry ledger call")
	}
	return res, err
}

func admissionResult(err error) string {
	switch {
	case err == nil:
		return "admitted"
	case errors.Is(err, errs.ErrCampaignNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrCampaignNotStarted):
		return "not_started"
	case errors.Is(err, errs.ErrCampaignEnded):
		return "ended"
	case errors.Is(err, errs.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, errs.ErrAlreadyPurchased):
		return "already_purchased"
	case errs.IsTransient(err):
		return "unavailable"
	default:
		return "error"
	}
}

// SeedCampaign 创建秒杀券：写入数据库后初始化账本
func (s *SeckillService) SeedCampaign(ctx context.Context, c *model.Campaign) error {
	if c.VoucherID <= 0 {
		return errors.Wrap(ErrInvalidCampaign, "voucher id must be positive")
	}
	if c.Stock < 0 {
		return errors.Wrap(ErrInvalidCampaign, "stock must not be negative")
	}
	if !c.EndTime.After(c.BeginTime) {
		return errors.Wrap(ErrInvalidCampaign, "end time must be after begin time")
	}

	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return err
	}
	if err := s.guard.SeedCampaign(ctx, c); err != nil {
		return err
	}

	s.log.Info().
		Int64("voucher_id", c.VoucherID).
		Int("stock", c.Stock).
		Time("begin_time", c.BeginTime).
		Time("end_time", c.EndTime).
		Msg("seckill voucher seeded")
	return nil
}

// GetOrder 查询已落库的订单
func (s *SeckillService) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	return s.store.GetOrder(ctx, orderID)
}

// GetCampaign 查询秒杀券及持久化库存
func (s *SeckillService) GetCampaign(ctx context.Context, voucherID int64) (*model.Campaign, error) {
	return s.store.GetCampaign(ctx, voucherID)
}
