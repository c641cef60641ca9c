package graph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/lvdashuaibi/littleseckill/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	placeErr  error
	seeded    *model.Campaign
	orders    map[int64]*model.Order
	campaigns map[int64]*model.Campaign
	queryErr  error
}

func (s *stubService) PlaceOrder(ctx context.Context, voucherID, userID int64) (int64, error) {
	if s.placeErr != nil {
		return 0, s.placeErr
	}
	return voucherID*1000 + userID, nil
}

func (s *stubService) SeedCampaign(ctx context.Context, c *model.Campaign) error {
	s.seeded = c
	return nil
}

func (s *stubService) GetOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	if o, ok := s.orders[orderID]; ok {
		return o, nil
	}
	return nil, repository.ErrOrderNotFound
}

func (s *stubService) GetCampaign(ctx context.Context, voucherID int64) (*model.Campaign, error) {
	if c, ok := s.campaigns[voucherID]; ok {
		return c, nil
	}
	return nil, errs.ErrCampaignNotFound
}

func exec(t *testing.T, svc Service, query string) (map[string]any, []string) {
	t.Helper()
	s := NewGraphQLServer(svc)
	resp := s.schema.Exec(context.Background(), query, "", nil)

	var msgs []string
	for _, e := range resp.Errors {
		msgs = append(msgs, e.Message)
	}
	var data map[string]any
	if len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, &data))
	}
	return data, msgs
}

func TestPlaceOrderMutation(t *testing.T) {
	data, gqlErrs := exec(t, &stubService{}, `mutation { placeOrder(voucherId: "3", userId: "7") { success orderId message } }`)

	require.Empty(t, gqlErrs)
	assert.Equal(t, map[string]any{"success": true, "orderId": "3007", "message": "下单成功"}, data["placeOrder"])
}

func TestPlaceOrderMutationRejected(t *testing.T) {
	svc := &stubService{placeErr: errs.ErrAlreadyPurchased}
	data, gqlErrs := exec(t, svc, `mutation { placeOrder(voucherId: "3", userId: "7") { success orderId message } }`)

	require.Empty(t, gqlErrs)
	assert.Equal(t, map[string]any{"success": false, "orderId": nil, "message": "不能重复下单"}, data["placeOrder"])

	svc.placeErr = errs.Mark(errors.New("i/o timeout"), errs.ErrQueueUnavailable, "enqueue")
	data, gqlErrs = exec(t, svc, `mutation { placeOrder(voucherId: "3", userId: "7") { success message } }`)
	require.Empty(t, gqlErrs)
	assert.Equal(t, map[string]any{"success": false, "message": "系统繁忙，请稍后重试"}, data["placeOrder"])
}

func TestPlaceOrderMutationInvalidID(t *testing.T) {
	_, gqlErrs := exec(t, &stubService{}, `mutation { placeOrder(voucherId: "x", userId: "7") { success } }`)
	require.Len(t, gqlErrs, 1)
	assert.Contains(t, gqlErrs[0], "invalid id")
}

func TestCreateSeckillVoucherMutation(t *testing.T) {
	svc := &stubService{}
	data, gqlErrs := exec(t, svc, `mutation {
	  createSeckillVoucher(input: {voucherId: "9", stock: 100, beginTime: "2026-11-11T00:00:00Z", endTime: "2026-11-11T01:00:00Z"}) {
	    voucherId stock beginTime endTime
	  }
	}`)

	require.Empty(t, gqlErrs)
	require.NotNil(t, svc.seeded)
	assert.Equal(t, int64(9), svc.seeded.VoucherID)
	assert.Equal(t, time.Hour, svc.seeded.EndTime.Sub(svc.seeded.BeginTime))
	assert.Equal(t, map[string]any{
		"voucherId": "9",
		"stock":     float64(100),
		"beginTime": "2026-11-11T00:00:00Z",
		"endTime":   "2026-11-11T01:00:00Z",
	}, data["createSeckillVoucher"])
}

func TestOrderAndCampaignQueries(t *testing.T) {
	svc := &stubService{
		orders: map[int64]*model.Order{
			5: {OrderID: 5, UserID: 7, VoucherID: 9, CreatedAt: time.Date(2026, 11, 11, 0, 0, 1, 0, time.UTC)},
		},
		campaigns: map[int64]*model.Campaign{9: {VoucherID: 9, Stock: 99}},
	}

	data, gqlErrs := exec(t, svc, `{ order(orderId: "5") { orderId userId voucherId createdAt } campaign(voucherId: "9") { stock } }`)
	require.Empty(t, gqlErrs)
	assert.Equal(t, map[string]any{
		"orderId":   "5",
		"userId":    "7",
		"voucherId": "9",
		"createdAt": "2026-11-11T00:00:01Z",
	}, data["order"])
	assert.Equal(t, map[string]any{"stock": float64(99)}, data["campaign"])

	data, gqlErrs = exec(t, svc, `{ order(orderId: "6") { orderId } campaign(voucherId: "1") { stock } }`)
	require.Empty(t, gqlErrs)
	assert.Nil(t, data["order"])
	assert.Nil(t, data["campaign"])

	svc.queryErr = errors.New("db down")
	_, gqlErrs = exec(t, svc, `{ order(orderId: "5") { orderId } }`)
	assert.Len(t, gqlErrs, 1)
}
