package queue

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/rs/zerolog"
)

// StreamOptions Stream队列参数
type StreamOptions struct {
	Key      string
	Group    string
	Consumer string
	Block    time.Duration
	// ReclaimBatch 扫描待确认列表时每页的条数
	ReclaimBatch int64
}

// StreamQueue 基于Redis Stream消费组的持久化队列
type StreamQueue struct {
	client *redis.Client
	opts   StreamOptions
	log    zerolog.Logger
}

// NewStreamQueue 创建队列并确保消费组存在
func NewStreamQueue(ctx context.Context, client *redis.Client, opts StreamOptions, log zerolog.Logger) (*StreamQueue, error) {
	if opts.ReclaimBatch <= 0 {
		opts.ReclaimBatch = 100
	}
	q := &StreamQueue{client: client, opts: opts, log: log}
	if err := q.EnsureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// EnsureGroup 创建消费组，Stream不存在时一并创建
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Key, q.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return errs.Mark(err, errs.ErrQueueUnavailable, "create consumer group "+q.opts.Group)
	}
	return nil
}

func (q *StreamQueue) StreamKey() string {
	return q.opts.Key
}

func (q *StreamQueue) Enqueue(ctx context.Context, rec model.AdmissionRecord) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Key,
		Values: recordValues(rec),
	}).Err()
	if err != nil {
		return errs.Mark(err, errs.ErrQueueUnavailable, "append admission record")
	}
	return nil
}

// Claim XREADGROUP GROUP g c COUNT max BLOCK block STREAMS key >
func (q *StreamQueue) Claim(ctx context.Context, max int) ([]Delivery, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Key, ">"},
		Count:    int64(max),
		Block:    q.opts.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Mark(err, errs.ErrQueueUnavailable, "read consumer group")
	}

	var out []Delivery
	for _, s := range streams {
		for _, msg := range s.Messages {
			if d, ok := q.toDelivery(ctx, msg, 1); ok {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

func (q *StreamQueue) Ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.opts.Key, q.opts.Group, id).Err(); err != nil {
		return errs.Mark(err, errs.ErrQueueUnavailable, "ack "+id)
	}
	return nil
}

// Nack 记录保留在待确认列表中，由 Reclaim 在空闲超时后重新领取
func (q *StreamQueue) Nack(ctx context.Context, id string) error {
	return nil
}

// Recover 领取本消费者名下所有未确认记录，用于重启后的恢复
func (q *StreamQueue) Recover(ctx context.Context) ([]Delivery, error) {
	return q.claimPending(ctx, q.opts.Consumer, 0)
}

// Reclaim 领取所有消费者名下空闲超过 minIdle 的未确认记录
func (q *StreamQueue) Reclaim(ctx context.Context, minIdle time.Duration) ([]Delivery, error) {
	return q.claimPending(ctx, "", minIdle)
}

// claimPending 分页扫描待确认列表，每页领取空闲时间达到 minIdle 的记录，直到扫描完整个列表
func (q *StreamQueue) claimPending(ctx context.Context, consumer string, minIdle time.Duration) ([]Delivery, error) {
	var out []Delivery
	start := "-"
	for {
		pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream:   q.opts.Key,
			Group:    q.opts.Group,
			Start:    start,
			End:      "+",
			Count:    q.opts.ReclaimBatch,
			Consumer: consumer,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, errs.Mark(err, errs.ErrQueueUnavailable, "list pending entries")
		}
		// 空的待确认列表可能以 nil 回复返回
		if len(pending) == 0 {
			return out, nil
		}

		ds, err := q.claimIdle(ctx, pending, minIdle)
		out = append(out, ds...)
		if err != nil {
			return out, err
		}

		if int64(len(pending)) < q.opts.ReclaimBatch {
			return out, nil
		}
		next, err := nextStreamID(pending[len(pending)-1].ID)
		if err != nil {
			return out, err
		}
		start = next
	}
}

func (q *StreamQueue) claimIdle(ctx context.Context, pending []redis.XPendingExt, minIdle time.Duration) ([]Delivery, error) {
	retries := make(map[string]int64, len(pending))
	var ids []string
	for _, p := range pending {
		if p.Idle < minIdle {
			continue
		}
		retries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.opts.Key,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, errs.Mark(err, errs.ErrQueueUnavailable, "claim pending entries")
	}

	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		if d, ok := q.toDelivery(ctx, msg, retries[msg.ID]+1); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// nextStreamID 返回紧随 id 之后的最小Stream ID，用作下一页的起点
func nextStreamID(id string) (string, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", errors.Newf("malformed stream id %q", id)
	}
	msN, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return "", errors.Wrapf(err, "parse stream id %q", id)
	}
	seqN, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", errors.Wrapf(err, "parse stream id %q", id)
	}
	if seqN == math.MaxUint64 {
		return strconv.FormatUint(msN+1, 10) + "-0", nil
	}
	return ms + "-" + strconv.FormatUint(seqN+1, 10), nil
}

// toDelivery 无法解析的记录永远无法落库，记录日志后直接确认
func (q *StreamQueue) toDelivery(ctx context.Context, msg redis.XMessage, attempts int64) (Delivery, bool) {
	rec, err := parseRecord(msg.Values)
	if err != nil {
		q.log.Error().Err(err).Str("delivery_id", msg.ID).Interface("values", msg.Values).Msg("drop malformed admission record")
		if ackErr := q.Ack(ctx, msg.ID); ackErr != nil {
			q.log.Warn().Err(ackErr).Str("delivery_id", msg.ID).Msg("ack malformed admission record failed")
		}
		return Delivery{}, false
	}
	return Delivery{ID: msg.ID, Record: rec, Attempts: attempts}, true
}

func (q *StreamQueue) Close() error {
	return nil
}

func recordValues(rec model.AdmissionRecord) map[string]interface{} {
	return map[string]interface{}{
		"orderId":   rec.OrderID,
		"userId":    rec.UserID,
		"voucherId": rec.VoucherID,
		"createdAt": rec.CreatedAt.UnixMilli(),
	}
}

func parseRecord(values map[string]interface{}) (model.AdmissionRecord, error) {
	var rec model.AdmissionRecord
	var err error
	if rec.OrderID, err = int64Field(values, "orderId"); err != nil {
		return rec, err
	}
	if rec.UserID, err = int64Field(values, "userId"); err != nil {
		return rec, err
	}
	if rec.VoucherID, err = int64Field(values, "voucherId"); err != nil {
		return rec, err
	}
	// 缺少 createdAt 时使用当前时间
	if _, ok := values["createdAt"]; ok {
		ms, err := int64Field(values, "createdAt")
		if err != nil {
			return rec, err
		}
		rec.CreatedAt = time.UnixMilli(ms)
	} else {
		rec.CreatedAt = time.Now()
	}
	return rec, nil
}

func int64Field(values map[string]interface{}, name string) (int64, error) {
	raw, ok := values[name]
	if !ok {
		return 0, errors.Newf("missing field %s", name)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, errors.Newf("field %s has type %T", name, raw)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse field %s", name)
	}
	return n, nil
}
