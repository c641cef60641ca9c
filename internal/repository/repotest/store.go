// Package repotest 提供内存版订单存储，语义与 MySQLRepository 的事务一致。
package repotest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/lvdashuaibi/littleseckill/internal/repository"
)

type userVoucher struct {
	userID, voucherID int64
}

// Store 内存订单存储，事务串行执行
type Store struct {
	mu        sync.Mutex
	campaigns map[int64]model.Campaign
	stock     map[int64]int
	orders    map[int64]model.Order
	byUser    map[userVoucher]int64

	// FailTx 非空时 InTx 直接返回该错误
	FailTx error
	// SkipCount 为 true 时 CountExistingOrder 总是返回0，模拟一人一单检查被绕过
	SkipCount bool
}

func New() *Store {
	return &Store{
		campaigns: make(map[int64]model.Campaign),
		stock:     make(map[int64]int),
		orders:    make(map[int64]model.Order),
		byUser:    make(map[userVoucher]int64),
	}
}

// SetStock 设置持久化库存
func (s *Store) SetStock(voucherID int64, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[voucherID] = stock
}

// Stock 返回持久化库存
func (s *Store) Stock(voucherID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[voucherID]
}

// Orders 返回所有订单
func (s *Store) Orders() []model.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

// SaveCampaign 保存活动并覆盖持久化库存
func (s *Store) SaveCampaign(ctx context.Context, c *model.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[c.VoucherID] = *c
	s.stock[c.VoucherID] = c.Stock
	return nil
}

// GetCampaign 查询活动，库存取当前持久化库存
func (s *Store) GetCampaign(ctx context.Context, voucherID int64) (*model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[voucherID]
	if !ok {
		return nil, errs.ErrCampaignNotFound
	}
	c.Stock = s.stock[voucherID]
	return &c, nil
}

// GetOrder 按订单号查询
func (s *Store) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	return &o, nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx repository.OrderTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailTx != nil {
		return s.FailTx
	}

	tx := &memTx{store: s, stock: make(map[int64]int)}
	if err := fn(tx); err != nil {
		return err
	}

	for id, n := range tx.stock {
		s.stock[id] = n
	}
	for _, o := range tx.inserted {
		s.orders[o.OrderID] = o
		s.byUser[userVoucher{o.UserID, o.VoucherID}] = o.OrderID
	}
	return nil
}

type memTx struct {
	store    *Store
	stock    map[int64]int
	inserted []model.Order
}

func (t *memTx) CountExistingOrder(ctx context.Context, voucherID, userID int64) (int64, error) {
	if t.store.SkipCount {
		return 0, nil
	}
	if _, ok := t.store.byUser[userVoucher{userID, voucherID}]; ok {
		return 1, nil
	}
	return 0, nil
}

func (t *memTx) ConditionalDecrementAndInsert(ctx context.Context, order model.Order) (bool, error) {
	stock, ok := t.stock[order.VoucherID]
	if !ok {
		stock = t.store.stock[order.VoucherID]
	}
	if stock <= 0 {
		return false, nil
	}

	if _, dup := t.store.byUser[userVoucher{order.UserID, order.VoucherID}]; dup {
		return false, errors.Mark(errors.New("duplicate entry for uk_user_voucher"), repository.ErrDuplicateOrder)
	}
	if _, dup := t.store.orders[order.OrderID]; dup {
		return false, errors.Mark(errors.New("duplicate entry for primary key"), repository.ErrDuplicateOrder)
	}

	t.stock[order.VoucherID] = stock - 1
	t.inserted = append(t.inserted, order)
	return true, nil
}
