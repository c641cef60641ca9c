package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/littleseckill/config"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/rs/zerolog"
)

const mysqlErrDuplicateEntry = 1062

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("order already exists for user and voucher")
)

const (
	createSeckillVoucherTable = `CREATE TABLE IF NOT EXISTS tb_seckill_voucher (
		voucher_id  BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		stock       INT NOT NULL,
		begin_time  DATETIME(3) NOT NULL,
		end_time    DATETIME(3) NOT NULL,
		create_time DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3),
		update_time DATETIME(3) NOT NULL DEFAULT CURRENT_TIMESTAMP(3) ON UPDATE CURRENT_TIMESTAMP(3)
	)`
	createVoucherOrderTable = `CREATE TABLE IF NOT EXISTS tb_voucher_order (
		id          BIGINT NOT NULL PRIMARY KEY,
		user_id     BIGINT UNSIGNED NOT NULL,
		voucher_id  BIGINT UNSIGNED NOT NULL,
		create_time DATETIME(3) NOT NULL,
		UNIQUE KEY uk_user_voucher (user_id, voucher_id)
	)`
)

// OrderTx 单个落库事务内可用的操作
type OrderTx interface {
	// CountExistingOrder 查询用户在该秒杀券下已有的订单数
	CountExistingOrder(ctx context.Context, voucherID, userID int64) (int64, error)
	// ConditionalDecrementAndInsert 库存大于0时扣减库存并写入订单，库存不足返回 false
	ConditionalDecrementAndInsert(ctx context.Context, order model.Order) (bool, error)
}

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository(ctx context.Context, cfg config.MySQLConfig, log zerolog.Logger) (*MySQLRepository, error) {
	masterDB, err := openDB(ctx, cfg.Master, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect master database")
	}

	slaveDB := masterDB
	if cfg.Slave != "" && cfg.Slave != cfg.Master {
		db, err := openDB(ctx, cfg.Slave, cfg)
		if err != nil {
			log.Warn().Err(err).Msg("slave database unavailable, reads fall back to master")
		} else {
			slaveDB = db
		}
	}

	return NewMySQLRepositoryFromDB(masterDB, slaveDB), nil
}

// NewMySQLRepositoryFromDB 使用已有连接创建仓库，slave 为 nil 时读写都走 master
func NewMySQLRepositoryFromDB(master, slave *sql.DB) *MySQLRepository {
	if slave == nil {
		slave = master
	}
	return &MySQLRepository{masterDB: master, slaveDB: slave}
}

func openDB(ctx context.Context, dsn string, cfg config.MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate 创建秒杀券表和订单表
func (r *MySQLRepository) Migrate(ctx context.Context) error {
	for _, ddl := range []string{createSeckillVoucherTable, createVoucherOrderTable} {
		if _, err := r.masterDB.ExecContext(ctx, ddl); err != nil {
			return errors.Wrap(err, "migrate schema")
		}
	}
	return nil
}

// InTx 在独立事务中执行 fn，fn 返回错误或 panic 时回滚
func (r *MySQLRepository) InTx(ctx context.Context, fn func(tx OrderTx) error) (err error) {
	tx, err := r.masterDB.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) CountExistingOrder(ctx context.Context, voucherID, userID int64) (int64, error) {
	var count int64
	query := "SELECT COUNT(*) FROM tb_voucher_order WHERE user_id = ? AND voucher_id = ? FOR UPDATE"
	if err := t.tx.QueryRowContext(ctx, query, userID, voucherID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count existing order")
	}
	return count, nil
}

func (t *mysqlTx) ConditionalDecrementAndInsert(ctx context.Context, order model.Order) (bool, error) {
	result, err := t.tx.ExecContext(ctx,
		"UPDATE tb_seckill_voucher SET stock = stock - 1 WHERE voucher_id = ? AND stock > 0",
		order.VoucherID)
	if err != nil {
		return false, errors.Wrap(err, "decrement stock")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "read decrement result")
	}
	if rowsAffected == 0 {
		return false, nil
	}

	_, err = t.tx.ExecContext(ctx,
		"INSERT INTO tb_voucher_order (id, user_id, voucher_id, create_time) VALUES (?, ?, ?, ?)",
		order.OrderID, order.UserID, order.VoucherID, order.CreatedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return false, errors.Mark(errors.Wrap(err, "insert order"), ErrDuplicateOrder)
		}
		return false, errors.Wrap(err, "insert order")
	}

	return true, nil
}

// SaveCampaign 保存秒杀券活动，已存在时覆盖库存和时间窗口
func (r *MySQLRepository) SaveCampaign(ctx context.Context, c *model.Campaign) error {
	query := `INSERT INTO tb_seckill_voucher (voucher_id, stock, begin_time, end_time)
			 VALUES (?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE
			 stock = VALUES(stock),
			 begin_time = VALUES(begin_time),
			 end_time = VALUES(end_time)`

	if _, err := r.masterDB.ExecContext(ctx, query, c.VoucherID, c.Stock, c.BeginTime, c.EndTime); err != nil {
		return errors.Wrap(err, "save seckill voucher")
	}
	return nil
}

// GetCampaign 查询秒杀券活动及持久化库存
func (r *MySQLRepository) GetCampaign(ctx context.Context, voucherID int64) (*model.Campaign, error) {
	query := "SELECT voucher_id, stock, begin_time, end_time FROM tb_seckill_voucher WHERE voucher_id = ?"

	var c model.Campaign
	err := r.slaveDB.QueryRowContext(ctx, query, voucherID).Scan(&c.VoucherID, &c.Stock, &c.BeginTime, &c.EndTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrCampaignNotFound
		}
		return nil, errors.Wrap(err, "query seckill voucher")
	}
	return &c, nil
}

// GetOrder 按订单号查询订单
func (r *MySQLRepository) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	query := "SELECT id, user_id, voucher_id, create_time FROM tb_voucher_order WHERE id = ?"

	var o model.Order
	err := r.slaveDB.QueryRowContext(ctx, query, orderID).Scan(&o.OrderID, &o.UserID, &o.VoucherID, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, errors.Wrap(err, "query order")
	}
	return &o, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
