package model

import (
	"time"
)

// Campaign 秒杀券活动
type Campaign struct {
	VoucherID int64     `json:"voucherId"`
	Stock     int       `json:"stock"`
	BeginTime time.Time `json:"beginTime"`
	EndTime   time.Time `json:"endTime"`
}

// Started 判断活动在 now 时刻是否已开始
func (c *Campaign) Started(now time.Time) bool {
	return !now.Before(c.BeginTime)
}

// Ended 判断活动在 now 时刻是否已结束
func (c *Campaign) Ended(now time.Time) bool {
	return now.After(c.EndTime)
}

// AdmissionRecord 下单准入记录，由同步准入链路生成，交给异步消费者落库
type AdmissionRecord struct {
	OrderID   int64     `json:"orderId"`
	UserID    int64     `json:"userId"`
	VoucherID int64     `json:"voucherId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Order 持久化的秒杀订单
type Order struct {
	OrderID   int64     `json:"orderId"`
	UserID    int64     `json:"userId"`
	VoucherID int64     `json:"voucherId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToOrder 由准入记录生成订单
func (r AdmissionRecord) ToOrder() Order {
	return Order{
		OrderID:   r.OrderID,
		UserID:    r.UserID,
		VoucherID: r.VoucherID,
		CreatedAt: r.CreatedAt,
	}
}

// DeadLetter 超过重试上限或无法落库的准入记录
type DeadLetter struct {
	Record     AdmissionRecord `json:"record"`
	DeliveryID string          `json:"deliveryId"`
	Attempts   int64           `json:"attempts"`
	Reason     string          `json:"reason"`
	FailedAt   time.Time       `json:"failedAt"`
}

// PlaceOrderResponse 下单接口响应
type PlaceOrderResponse struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"orderId,string,omitempty"`
	Message string `json:"message"`
}
