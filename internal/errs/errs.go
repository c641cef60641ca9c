// Package errs 定义秒杀链路的错误分类。
//
// 终态错误对用户可见且不应重试；瞬时错误表示基础设施不可用，调用方可稍后重试；
// ErrDurableWriteFailed 只在异步落库侧出现，不会返回给下单请求方。
package errs

import (
	"github.com/cockroachdb/errors"
)

// 终态错误
var (
	ErrCampaignNotFound   = errors.New("seckill voucher not found")
	ErrCampaignNotStarted = errors.New("seckill campaign has not started")
	ErrCampaignEnded      = errors.New("seckill campaign has ended")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrAlreadyPurchased   = errors.New("user has already purchased this voucher")
)

// 瞬时错误
var (
	ErrLedgerUnavailable   = errors.New("stock ledger unavailable")
	ErrQueueUnavailable    = errors.New("admission queue unavailable")
	ErrLockUnavailable     = errors.New("distributed lock unavailable")
	ErrSequenceUnavailable = errors.New("sequence generator unavailable")
)

// ErrDurableWriteFailed 订单落库失败
var ErrDurableWriteFailed = errors.New("durable write failed")

var terminal = []error{
	ErrCampaignNotFound,
	ErrCampaignNotStarted,
	ErrCampaignEnded,
	ErrInsufficientStock,
	ErrAlreadyPurchased,
}

var transient = []error{
	ErrLedgerUnavailable,
	ErrQueueUnavailable,
	ErrLockUnavailable,
	ErrSequenceUnavailable,
}

// Mark 包装 err 并打上分类标记，errors.Is(result, kind) 成立且保留原始错误链
func Mark(err error, kind error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), kind)
}

// IsTerminal 是否为终态业务拒绝
func IsTerminal(err error) bool {
	return errors.IsAny(err, terminal...)
}

// IsTransient 是否为可重试的基础设施错误
func IsTransient(err error) bool {
	return errors.IsAny(err, transient...)
}

// Message 返回面向用户的提示
func Message(err error) string {
	switch {
	case err == nil:
		return "下单成功"
	case errors.Is(err, ErrCampaignNotFound):
		return "秒杀券不存在"
	case errors.Is(err, ErrCampaignNotStarted):
		return "秒杀尚未开始"
	case errors.Is(err, ErrCampaignEnded):
		return "秒杀已经结束"
	case errors.Is(err, ErrInsufficientStock):
		return "库存不足"
	case errors.Is(err, ErrAlreadyPurchased):
		return "不能重复下单"
	case IsTransient(err):
		return "系统繁忙，请稍后重试"
	default:
		return "下单失败"
	}
}
