package materializer

import (
	"context"

	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/rs/zerolog"
)

// LogSink 未配置Kafka时的死信出口，只记录日志
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, dl model.DeadLetter) error {
	s.log.Error().
		Str("delivery_id", dl.DeliveryID).
		Int64("order_id", dl.Record.OrderID).
		Int64("user_id", dl.Record.UserID).
		Int64("voucher_id", dl.Record.VoucherID).
		Int64("attempt", dl.Attempts).
		Str("reason", dl.Reason).
		Time("failed_at", dl.FailedAt).
		Msg("dead letter")
	return nil
}
