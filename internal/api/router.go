package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lvdashuaibi/littleseckill/internal/api/graph"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterOptions 路由依赖
type RouterOptions struct {
	Service     graph.Service
	Gatherer    prometheus.Gatherer
	GraphQLPath string
	Log         zerolog.Logger
}

// NewRouter 创建HTTP路由：REST下单接口、GraphQL、健康检查和指标
func NewRouter(opts RouterOptions) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(opts.Log))

	h := NewHandler(opts.Service, opts.Log)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	engine.POST("/voucher-order/seckill/:id", h.PlaceOrder)
	engine.GET("/voucher-order/:id", h.GetOrder)
	engine.POST("/voucher/seckill", h.CreateSeckillVoucher)
	engine.GET("/voucher/seckill/:id", h.GetCampaign)

	if opts.GraphQLPath != "" {
		gql := graph.NewGraphQLServer(opts.Service)
		engine.POST(opts.GraphQLPath, gin.WrapH(gql.Handler()))
		engine.GET(opts.GraphQLPath, gin.WrapH(graph.Playground(opts.GraphQLPath)))
	}
	return engine
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	}
}
