// Package ledger 实现秒杀准入闸门：在Redis中以单次原子脚本完成库存校验、一人一单校验和预占。
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/lvdashuaibi/littleseckill/internal/repository"
)

// Result 预占脚本返回码
type Result int64

const (
	ResultReserved        Result = 0
	ResultInsufficient    Result = 1
	ResultAlreadyReserved Result = 2
)

func (r Result) String() string {
	switch r {
	case ResultReserved:
		return "reserved"
	case ResultInsufficient:
		return "insufficient_stock"
	case ResultAlreadyReserved:
		return "already_reserved"
	default:
		return "unknown"
	}
}

// Err 把拒绝结果转换为业务错误，预占成功返回 nil
func (r Result) Err() error {
	switch r {
	case ResultReserved:
		return nil
	case ResultInsufficient:
		return errs.ErrInsufficientStock
	case ResultAlreadyReserved:
		return errs.ErrAlreadyPurchased
	default:
		return errors.Newf("unknown ledger result %d", int64(r))
	}
}

// StockKey 秒杀库存键
func StockKey(voucherID int64) string {
	return fmt.Sprintf("seckill:stock:{%d}", voucherID)
}

// OrderSetKey 已预占用户集合键
func OrderSetKey(voucherID int64) string {
	return fmt.Sprintf("seckill:order:{%d}", voucherID)
}

// CampaignKey 活动元数据键
func CampaignKey(voucherID int64) string {
	return fmt.Sprintf("seckill:campaign:{%d}", voucherID)
}

// Guard 库存账本闸门。账本只能通过这里的原子脚本修改。
type Guard struct {
	repo *repository.RedisRepository
}

// NewGuard 创建闸门并预加载脚本
func NewGuard(ctx context.Context, repo *repository.RedisRepository) (*Guard, error) {
	scripts := map[string]string{
		reserveScriptName:           reserveScript,
		reserveAndPublishScriptName: reserveAndPublishScript,
		releaseScriptName:           releaseScript,
	}
	for name, src := range scripts {
		if err := repo.LoadScript(ctx, name, src); err != nil {
			return nil, errs.Mark(err, errs.ErrLedgerUnavailable, "preload ledger scripts")
		}
	}
	return &Guard{repo: repo}, nil
}

// Reserve 原子地校验库存>0、用户未预占，两者都满足时扣减库存并记录用户
func (g *Guard) Reserve(ctx context.Context, voucherID, userID int64) (Result, error) {
	keys := []string{StockKey(voucherID), OrderSetKey(voucherID)}
	res, err := g.repo.RunScript(ctx, reserveScriptName, keys, userID)
	if err != nil {
		return 0, errs.Mark(err, errs.ErrLedgerUnavailable, "run reserve script")
	}
	return parseResult(res)
}

// ReserveAndPublish 同 Reserve，成功时在同一脚本内把准入记录写入 streamKey
func (g *Guard) ReserveAndPublish(ctx context.Context, rec model.AdmissionRecord, streamKey string) (Result, error) {
	keys := []string{StockKey(rec.VoucherID), OrderSetKey(rec.VoucherID), streamKey}
	res, err := g.repo.RunScript(ctx, reserveAndPublishScriptName, keys,
		rec.UserID, rec.OrderID, rec.VoucherID, rec.CreatedAt.UnixMilli())
	if err != nil {
		return 0, errs.Mark(err, errs.ErrLedgerUnavailable, "run reserve-and-publish script")
	}
	return parseResult(res)
}

// Release 归还用户的预占，用于入队失败后的补偿
func (g *Guard) Release(ctx context.Context, voucherID, userID int64) (bool, error) {
	keys := []string{StockKey(voucherID), OrderSetKey(voucherID)}
	res, err := g.repo.RunScript(ctx, releaseScriptName, keys, userID)
	if err != nil {
		return false, errs.Mark(err, errs.ErrLedgerUnavailable, "run release script")
	}
	n, ok := res.(int64)
	if !ok {
		return false, errors.Newf("unexpected release result type %T", res)
	}
	return n == 1, nil
}

// SeedCampaign 初始化活动库存，清空已预占用户并写入活动时间窗口
func (g *Guard) SeedCampaign(ctx context.Context, c *model.Campaign) error {
	pipe := g.repo.Client().TxPipeline()
	pipe.Set(ctx, StockKey(c.VoucherID), c.Stock, 0)
	pipe.Del(ctx, OrderSetKey(c.VoucherID))
	pipe.HSet(ctx, CampaignKey(c.VoucherID),
		"beginTime", c.BeginTime.UnixMilli(),
		"endTime", c.EndTime.UnixMilli(),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Mark(err, errs.ErrLedgerUnavailable, "seed campaign")
	}
	return nil
}

// Campaign 读取账本中的活动元数据和剩余库存
func (g *Guard) Campaign(ctx context.Context, voucherID int64) (*model.Campaign, error) {
	client := g.repo.Client()

	pipe := client.Pipeline()
	metaCmd := pipe.HGetAll(ctx, CampaignKey(voucherID))
	stockCmd := pipe.Get(ctx, StockKey(voucherID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, errs.Mark(err, errs.ErrLedgerUnavailable, "read campaign")
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return nil, errs.ErrCampaignNotFound
	}

	begin, err := parseMillis(meta["beginTime"])
	if err != nil {
		return nil, errors.Wrap(err, "parse campaign begin time")
	}
	end, err := parseMillis(meta["endTime"])
	if err != nil {
		return nil, errors.Wrap(err, "parse campaign end time")
	}

	stock, _ := strconv.Atoi(stockCmd.Val())
	return &model.Campaign{
		VoucherID: voucherID,
		Stock:     stock,
		BeginTime: begin,
		EndTime:   end,
	}, nil
}

// Reserved 查询用户是否已预占
func (g *Guard) Reserved(ctx context.Context, voucherID, userID int64) (bool, error) {
	ok, err := g.repo.Client().SIsMember(ctx, OrderSetKey(voucherID), userID).Result()
	if err != nil {
		return false, errs.Mark(err, errs.ErrLedgerUnavailable, "check reservation")
	}
	return ok, nil
}

func parseResult(res interface{}) (Result, error) {
	code, ok := res.(int64)
	if !ok {
		return 0, errors.Newf("unexpected ledger result type %T", res)
	}
	switch r := Result(code); r {
	case ResultReserved, ResultInsufficient, ResultAlreadyReserved:
		return r, nil
	default:
		return 0, errors.Newf("unknown ledger result code %d", code)
	}
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
