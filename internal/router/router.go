package router

import (
	"net/http"
	"strconv"

	"storefront/internal/apperr"
	"storefront/internal/config"
	"storefront/internal/middleware"
	"storefront/internal/model"
	"storefront/internal/order"
	"storefront/internal/payment"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps 路由依赖。Redis 可以为 nil。
type Deps struct {
	DB       *gorm.DB
	Orders   *order.Service
	Payments *payment.Service
	Redis    *rd.Client
	Config   config.AppConfig
	Logger   *zap.Logger
}

type handler struct {
	db       *gorm.DB
	orders   *order.Service
	payments *payment.Service
	rdb      *rd.Client
	cfg      config.AppConfig
	log      *zap.Logger
	debug    bool
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	useJSONFieldNames()

	h := &handler{
		db:       d.DB,
		orders:   d.Orders,
		payments: d.Payments,
		rdb:      d.Redis,
		cfg:      d.Config,
		log:      d.Logger,
		debug:    d.Config.DebugResponses(),
	}

	r.Use(middleware.RequestContext(d.Logger))

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/products", h.listProducts)
	// 网关回调不走 JWT，靠 x-callback-token
	api.POST("/webhook/:provider", h.webhook)
	api.PATCH("/orders/:id/status", middleware.AdminToken(d.Config.AdminToken), h.updateOrderStatus)

	authed := api.Group("", middleware.JWTAuth([]byte(d.Config.JWTSecret)))
	authed.GET("/orders", h.listOrders)
	authed.POST("/orders",
		middleware.RedisRateLimit(d.Redis, "checkout", d.Config.RateLimit, d.Config.RateWindow),
		h.createOrder)
	authed.GET("/orders/:id", h.getOrder)
	authed.DELETE("/orders/:id", h.cancelOrder)

	authed.GET("/payments", h.listPayments)
	authed.POST("/payments",
		middleware.RedisRateLimit(d.Redis, "payment", d.Config.RateLimit, d.Config.RateWindow),
		h.createPayment)
	authed.GET("/payments/:id", h.getPayment)
	authed.DELETE("/payments/:id", h.cancelPayment)
}

// listProducts 商品列表，供客户端挑选 product_id。
func (h *handler) listProducts(c *gin.Context) {
	var list []model.Product
	if err := h.db.WithContext(c.Request.Context()).Order("id").Find(&list).Error; err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "", list)
}

// caller 取已认证调用方；JWTAuth 之后理论上必然存在。
func (h *handler) caller(c *gin.Context) (model.Caller, bool) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		h.fail(c, apperr.New(apperr.KindUnauthorized, "Unauthenticated"))
	}
	return caller, ok
}

func (h *handler) pathID(c *gin.Context, what string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		h.fail(c, apperr.NotFound(what))
		return 0, false
	}
	return uint(id), true
}
