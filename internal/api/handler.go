package api

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/littleseckill/internal/api/graph"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/lvdashuaibi/littleseckill/internal/repository"
	"github.com/lvdashuaibi/littleseckill/internal/service"
	"github.com/rs/zerolog"
)

// UserIDHeader 下单用户ID请求头
const UserIDHeader = "X-User-ID"

// Handler REST接口
type Handler struct {
	svc graph.Service
	log zerolog.Logger
}

func NewHandler(svc graph.Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PlaceOrder POST /voucher-order/seckill/:id
func (h *Handler) PlaceOrder(c *gin.Context) {
	voucherID, ok := pathID(c)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(c.GetHeader(UserIDHeader), 10, 64)
	if err != nil || userID <= 0 {
		abort(c, http.StatusBadRequest, errors.New("missing or invalid user id"), "用户未登录")
		return
	}

	orderID, err := h.svc.PlaceOrder(c.Request.Context(), voucherID, userID)
	if err != nil {
		abort(c, statusOf(err), err, errs.Message(err))
		return
	}
	c.JSON(http.StatusOK, model.PlaceOrderResponse{
		Success: true,
		OrderID: orderID,
		Message: errs.Message(nil),
	})
}

// GetOrder GET /voucher-order/:id
func (h *Handler) GetOrder(c *gin.Context) {
	orderID, ok := pathID(c)
	if !ok {
		return
	}
	order, err := h.svc.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		abort(c, statusOf(err), err, "订单不存在")
		return
	}
	c.JSON(http.StatusOK, order)
}

// CreateSeckillVoucher POST /voucher/seckill
func (h *Handler) CreateSeckillVoucher(c *gin.Context) {
	var campaign model.Campaign
	if err := c.ShouldBindJSON(&campaign); err != nil {
		abort(c, http.StatusBadRequest, err, "参数错误")
		return
	}
	if err := h.svc.SeedCampaign(c.Request.Context(), &campaign); err != nil {
		abort(c, statusOf(err), err, "创建秒杀券失败")
		return
	}
	c.JSON(http.StatusOK, campaign)
}

// GetCampaign GET /voucher/seckill/:id
func (h *Handler) GetCampaign(c *gin.Context) {
	voucherID, ok := pathID(c)
	if !ok {
		return
	}
	campaign, err := h.svc.GetCampaign(c.Request.Context(), voucherID)
	if err != nil {
		abort(c, statusOf(err), err, errs.Message(err))
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusBadRequest, errors.Newf("invalid id %q", c.Param("id")), "参数错误")
		return 0, false
	}
	return id, true
}

func abort(c *gin.Context, status int, err error, msg string) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{Success: false, Message: msg})
}

// statusOf 错误分类到HTTP状态码
func statusOf(err error) int {
	switch {
	case errors.IsAny(err, errs.ErrCampaignNotFound, repository.ErrOrderNotFound):
		return http.StatusNotFound
	case errs.IsTerminal(err):
		return http.StatusConflict
	case errs.IsTransient(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrInvalidCampaign):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
