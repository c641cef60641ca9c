package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/config"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// DeadLetterHandler 处理一条死信
type DeadLetterHandler func(ctx context.Context, dl *model.DeadLetter) error

// DeadLetterConsumer 以消费组方式读取死信主题
type DeadLetterConsumer struct {
	reader messageReader
	log    zerolog.Logger
	retry  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDeadLetterConsumer(cfg config.KafkaConfig, log zerolog.Logger) *DeadLetterConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.DeadLetterTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return newDeadLetterConsumer(reader, log)
}

func newDeadLetterConsumer(r messageReader, log zerolog.Logger) *DeadLetterConsumer {
	return &DeadLetterConsumer{reader: r, log: log, retry: time.Second}
}

// Start 启动消费协程
func (c *DeadLetterConsumer) Start(ctx context.Context, handler DeadLetterHandler) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx, handler)
	}()
	c.log.Info().Msg("dead letter consumer started")
}

func (c *DeadLetterConsumer) consume(ctx context.Context, handler DeadLetterHandler) {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Warn().Err(err).Msg("read dead letter failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retry):
			}
			continue
		}

		var dl model.DeadLetter
		if err := json.Unmarshal(m.Value, &dl); err != nil {
			c.log.Error().Err(err).Int("partition", m.Partition).Int64("offset", m.Offset).Msg("decode dead letter failed")
			continue
		}

		if err := handler(ctx, &dl); err != nil {
			c.log.Error().Err(err).Str("delivery_id", dl.DeliveryID).Msg("handle dead letter failed")
		}
	}
}

// Stop 停止消费并关闭reader
func (c *DeadLetterConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return errors.Wrap(err, "close dead letter reader")
	}
	c.log.Info().Msg("dead letter consumer stopped")
	return nil
}
