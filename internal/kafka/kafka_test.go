package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type fakeReader struct {
	msgs   chan kafka.Message
	closed bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func deadLetter() model.DeadLetter {
	return model.DeadLetter{
		Record: model.AdmissionRecord{
			OrderID:   99,
			UserID:    7,
			VoucherID: 3,
			CreatedAt: time.UnixMilli(1760000000000).UTC(),
		},
		DeliveryID: "1-0",
		Attempts:   6,
		Reason:     "max deliveries exceeded",
		FailedAt:   time.UnixMilli(1760000001000).UTC(),
	}
}

func TestPublishDeadLetter(t *testing.T) {
	w := &fakeWriter{}
	p := newDeadLetterProducer(w, "seckill.order.dlt")

	require.NoError(t, p.Publish(context.Background(), deadLetter()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "3:7", string(w.msgs[0].Key))

	var got model.DeadLetter
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, deadLetter(), got)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishDeadLetterWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newDeadLetterProducer(w, "seckill.order.dlt")

	err := p.Publish(context.Background(), deadLetter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seckill.order.dlt")
}

func TestDeadLetterConsumer(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 2)}
	c := newDeadLetterConsumer(r, zerolog.Nop())

	data, err := json.Marshal(deadLetter())
	require.NoError(t, err)
	r.msgs <- kafka.Message{Value: []byte("{broken")}
	r.msgs <- kafka.Message{Value: data}

	got := make(chan *model.DeadLetter, 1)
	c.Start(context.Background(), func(ctx context.Context, dl *model.DeadLetter) error {
		got <- dl
		return nil
	})

	select {
	case dl := <-got:
		assert.Equal(t, "1-0", dl.DeliveryID)
		assert.Equal(t, int64(7), dl.Record.UserID)
	case <-time.After(time.Second):
		t.Fatal("dead letter not handled")
	}

	require.NoError(t, c.Stop())
	assert.True(t, r.closed)
}
