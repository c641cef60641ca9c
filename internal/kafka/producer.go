package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/config"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterProducer 把无法落库的准入记录写入死信主题
type DeadLetterProducer struct {
	writer messageWriter
	topic  string
}

func NewDeadLetterProducer(cfg config.KafkaConfig) *DeadLetterProducer {
	// 使用Hash分区器，同一用户同一秒杀券的死信进入同一分区
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.DeadLetterTopic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newDeadLetterProducer(writer, cfg.DeadLetterTopic)
}

func newDeadLetterProducer(w messageWriter, topic string) *DeadLetterProducer {
	return &DeadLetterProducer{writer: w, topic: topic}
}

// Publish 发送死信
func (p *DeadLetterProducer) Publish(ctx context.Context, dl model.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return errors.Wrap(err, "marshal dead letter")
	}

	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d:%d", dl.Record.VoucherID, dl.Record.UserID)),
		Value: data,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write dead letter to %s", p.topic)
	}
	return nil
}

// Close 关闭Kafka生产者
func (p *DeadLetterProducer) Close() error {
	return p.writer.Close()
}
