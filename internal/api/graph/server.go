package graph

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/littleseckill/internal/errs"
	"github.com/lvdashuaibi/littleseckill/internal/model"
	"github.com/lvdashuaibi/littleseckill/internal/repository"
)

// Service GraphQL和REST共用的秒杀服务
type Service interface {
	PlaceOrder(ctx context.Context, voucherID, userID int64) (int64, error)
	SeedCampaign(ctx context.Context, c *model.Campaign) error
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	GetCampaign(ctx context.Context, voucherID int64) (*model.Campaign, error)
}

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema  *graphql.Schema
	handler *relay.Handler
}

const schemaString = `
type Order {
  orderId: ID!
  userId: ID!
  voucherId: ID!
  createdAt: String!
}

type Campaign {
  voucherId: ID!
  stock: Int!
  beginTime: String!
  endTime: String!
}

type PlaceOrderResponse {
  success: Boolean!
  orderId: ID
  message: String!
}

input SeckillVoucherInput {
  voucherId: ID!
  stock: Int!
  beginTime: String!
  endTime: String!
}

type Query {
  # 查询已落库的订单
  order(orderId: ID!): Order

  # 查询秒杀券及持久化库存
  campaign(voucherId: ID!): Campaign
}

type Mutation {
  # 秒杀下单，返回时订单尚未落库
  placeOrder(voucherId: ID!, userId: ID!): PlaceOrderResponse!

  # 创建秒杀券并初始化库存
  createSeckillVoucher(input: SeckillVoucherInput!): Campaign!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(svc Service) *GraphQLServer {
	schema := graphql.MustParseSchema(schemaString, NewResolver(svc),
		graphql.UseFieldResolvers(),
	)

	return &GraphQLServer{
		schema:  schema,
		handler: &relay.Handler{Schema: schema},
	}
}

// Handler GraphQL API端点
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// Playground 返回指向 endpoint 的GraphQL Playground页面
func Playground(endpoint string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(playgroundHTML(endpoint)))
	})
}

// Resolver GraphQL解析器
type Resolver struct {
	svc Service
}

// NewResolver 创建新的解析器
func NewResolver(svc Service) *Resolver {
	return &Resolver{svc: svc}
}

func parseID(id graphql.ID) (int64, error) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, errors.Newf("invalid id %q", string(id))
	}
	return n, nil
}

// Order 查询订单，不存在时返回 null
func (r *Resolver) Order(ctx context.Context, args struct{ OrderID graphql.ID }) (*OrderResolver, error) {
	id, err := parseID(args.OrderID)
	if err != nil {
		return nil, err
	}

	order, err := r.svc.GetOrder(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &OrderResolver{order: order}, nil
}

// Campaign 查询秒杀券，不存在时返回 null
func (r *Resolver) Campaign(ctx context.Context, args struct{ VoucherID graphql.ID }) (*CampaignResolver, error) {
	id, err := parseID(args.VoucherID)
	if err != nil {
		return nil, err
	}

	c, err := r.svc.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrCampaignNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &CampaignResolver{campaign: c}, nil
}

// PlaceOrder 业务拒绝和瞬时错误都以 success=false 返回
func (r *Resolver) PlaceOrder(ctx context.Context, args struct {
	VoucherID graphql.ID
	UserID    graphql.ID
}) (*PlaceOrderResponseResolver, error) {
	voucherID, err := parseID(args.VoucherID)
	if err != nil {
		return nil, err
	}
	userID, err := parseID(args.UserID)
	if err != nil {
		return nil, err
	}

	orderID, err := r.svc.PlaceOrder(ctx, voucherID, userID)
	if err != nil && !errs.IsTerminal(err) && !errs.IsTransient(err) {
		return nil, err
	}

	return &PlaceOrderResponseResolver{response: &model.PlaceOrderResponse{
		Success: err == nil,
		OrderID: orderID,
		Message: errs.Message(err),
	}}, nil
}

// CreateSeckillVoucher 创建秒杀券
func (r *Resolver) CreateSeckillVoucher(ctx context.Context, args struct{ Input SeckillVoucherInput }) (*CampaignResolver, error) {
	voucherID, err := parseID(args.Input.VoucherID)
	if err != nil {
		return nil, err
	}
	begin, err := time.Parse(time.RFC3339, args.Input.BeginTime)
	if err != nil {
		return nil, errors.Wrap(err, "parse beginTime")
	}
	end, err := time.Parse(time.RFC3339, args.Input.EndTime)
	if err != nil {
		return nil, errors.Wrap(err, "parse endTime")
	}

	c := &model.Campaign{
		VoucherID: voucherID,
		Stock:     int(args.Input.Stock),
		BeginTime: begin,
		EndTime:   end,
	}
	if err := r.svc.SeedCampaign(ctx, c); err != nil {
		return nil, err
	}
	return &CampaignResolver{campaign: c}, nil
}

// OrderResolver 订单解析器
type OrderResolver struct {
	order *model.Order
}

func (r *OrderResolver) OrderID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.order.OrderID, 10))
}

func (r *OrderResolver) UserID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.order.UserID, 10))
}

func (r *OrderResolver) VoucherID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.order.VoucherID, 10))
}

func (r *OrderResolver) CreatedAt() string {
	return r.order.CreatedAt.Format(time.RFC3339)
}

// CampaignResolver 秒杀券解析器
type CampaignResolver struct {
	campaign *model.Campaign
}

func (r *CampaignResolver) VoucherID() graphql.ID {
	return graphql.ID(strconv.FormatInt(r.campaign.VoucherID, 10))
}

func (r *CampaignResolver) Stock() int32 {
	return int32(r.campaign.Stock)
}

func (r *CampaignResolver) BeginTime() string {
	return r.campaign.BeginTime.Format(time.RFC3339)
}

func (r *CampaignResolver) EndTime() string {
	return r.campaign.EndTime.Format(time.RFC3339)
}

// PlaceOrderResponseResolver 下单响应解析器
type PlaceOrderResponseResolver struct {
	response *model.PlaceOrderResponse
}

func (r *PlaceOrderResponseResolver) Success() bool {
	return r.response.Success
}

func (r *PlaceOrderResponseResolver) OrderID() *graphql.ID {
	if !r.response.Success {
		return nil
	}
	id := graphql.ID(strconv.FormatInt(r.response.OrderID, 10))
	return &id
}

func (r *PlaceOrderResponseResolver) Message() string {
	return r.response.Message
}

// SeckillVoucherInput 创建秒杀券输入
type SeckillVoucherInput struct {
	VoucherID graphql.ID
	Stock     int32
	BeginTime string
	EndTime   string
}

func playgroundHTML(endpoint string) string {
	return `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Little Seckill GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '` + endpoint + `'
      })
    })</script>
</body>
</html>
`
}
