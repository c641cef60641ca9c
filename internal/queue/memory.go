package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/model"
)

// ErrQueueFull 进程内队列已满
var ErrQueueFull = errors.New("admission queue is full")

type inflight struct {
	delivery  Delivery
	claimedAt time.Time
}

// MemoryQueue 进程内有界队列
type MemoryQueue struct {
	capacity int
	block    time.Duration
	now      func() time.Time

	mu      sync.Mutex
	ready   []Delivery
	pending map[string]*inflight
	seq     uint64
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewMemoryQueue 创建容量为 capacity 的队列，block 为 Claim 的最长等待时间
func NewMemoryQueue(capacity int, block time.Duration) *MemoryQueue {
	return &MemoryQueue{
		capacity: capacity,
		block:    block,
		now:      time.Now,
		pending:  make(map[string]*inflight),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, rec model.AdmissionRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errs.Mark(ErrClosed, errs.ErrQueueUnavailable, "enqueue admission record")
	}
	if len(q.ready) >= q.capacity {
		return errs.Mark(ErrQueueFull, errs.ErrQueueUnavailable, "enqueue admission record")
	}

	q.seq++
	q.ready = append(q.ready, Delivery{ID: strconv.FormatUint(q.seq, 10), Record: rec})
	q.signal()
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, max int) ([]Delivery, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.ready) > 0 {
			out := q.take(max)
			if len(q.ready) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return out, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// take 调用方持有 q.mu
func (q *MemoryQueue) take(max int) []Delivery {
	n := len(q.ready)
	if max > 0 && n > max {
		n = max
	}

	out := make([]Delivery, 0, n)
	now := q.now()
	for _, d := range q.ready[:n] {
		d.Attempts++
		q.pending[d.ID] = &inflight{delivery: d, claimedAt: now}
		out = append(out, d)
	}
	q.ready = append(q.ready[:0:0], q.ready[n:]...)
	return out
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	delete(q.pending, id)
	q.mu.Unlock()
	return nil
}

// Nack 把记录放回队首，等待下一次领取
func (q *MemoryQueue) Nack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	p, ok := q.pending[id]
	if !ok {
		return nil
	}
	delete(q.pending, id)
	q.ready = append([]Delivery{p.delivery}, q.ready...)
	q.signal()
	return nil
}

func (q *MemoryQueue) Recover(ctx context.Context) ([]Delivery, error) {
	return q.Reclaim(ctx, 0)
}

func (q *MemoryQueue) Reclaim(ctx context.Context, minIdle time.Duration) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []Delivery
	for _, p := range q.pending {
		if now.Sub(p.claimedAt) < minIdle {
			continue
		}
		p.delivery.Attempts++
		p.claimedAt = now
		out = append(out, p.delivery)
	}
	return out, nil
}

// Len 等待领取的记录数
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Pending 已领取未确认的记录数
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}
