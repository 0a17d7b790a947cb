package router

import (
	"context"
	"net/http"
	"strings"

	"storefront/internal/apperr"
	"storefront/internal/logging"
	"storefront/internal/model"
	"storefront/internal/order"
	rediskey "storefront/pkg/redis"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type checkoutItemRequest struct {
	ProductID uint `json:"product_id" binding:"required,min=1"`
	Quantity  int  `json:"quantity" binding:"required,min=1"`
}

type checkoutRequest struct {
	ShippingAddress string                `json:"shipping_address" binding:"required,max=500"`
	Items           []checkoutItemRequest `json:"items" binding:"required,min=1,dive"`
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// createOrder 下单。带 Idempotency-Key 且启用 Redis 时，同键重复提交返回首单。
func (h *handler) createOrder(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, bindError(err))
		return
	}

	ctx := c.Request.Context()
	log := logging.FromContext(ctx, h.log)

	idemKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	claimed := false
	if idemKey != "" && h.rdb != nil {
		st, err := rediskey.ClaimIdempotency(ctx, h.rdb, caller.UserID, idemKey, h.cfg.IdempotencyPendingTTL)
		switch {
		case err != nil:
			log.Warn("idempotency unavailable", zap.Error(err))
		case st.InFlight:
			h.fail(c, apperr.New(apperr.KindConflict, "A request with this Idempotency-Key is still in progress"))
			return
		case st.OrderID != 0:
			o, err := h.orders.Get(ctx, caller, st.OrderID)
			if err != nil {
				h.fail(c, err)
				return
			}
			respond(c, http.StatusOK, "Order already created", o)
			return
		default:
			claimed = true
		}
	}

	// 客户端断开后请求 ctx 已取消，占位的收尾不能跟着失败。
	bg := context.WithoutCancel(ctx)
	completed := false
	if claimed {
		defer func() {
			if completed {
				return
			}
			if err := rediskey.ReleaseIdempotency(bg, h.rdb, caller.UserID, idemKey); err != nil {
				log.Warn("release idempotency key failed", zap.Error(err))
			}
		}()
	}

	in := order.CheckoutInput{ShippingAddress: req.ShippingAddress}
	for _, it := range req.Items {
		in.Items = append(in.Items, order.CheckoutItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	o, err := h.orders.Checkout(ctx, caller, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	if claimed {
		if err := rediskey.CompleteIdempotency(bg, h.rdb, caller.UserID, idemKey, o.ID, h.cfg.IdempotencyTTL); err != nil {
			log.Warn("record idempotency key failed", zap.Error(err))
		} else {
			completed = true
		}
	}
	respond(c, http.StatusCreated, "Order created successfully", o)
}

func (h *handler) listOrders(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	list, err := h.orders.List(c.Request.Context(), caller)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "", list)
}

func (h *handler) getOrder(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c, "Order")
	if !ok {
		return
	}
	o, err := h.orders.Get(c.Request.Context(), caller, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "", o)
}

// cancelOrder 取消待支付订单，挂着的发票一并作废。
func (h *handler) cancelOrder(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c, "Order")
	if !ok {
		return
	}
	o, err := h.payments.CancelOrder(c.Request.Context(), caller, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Order cancelled successfully", o)
}

// updateOrderStatus 管理端推进履约状态。
func (h *handler) updateOrderStatus(c *gin.Context) {
	id, ok := h.pathID(c, "Order")
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, bindError(err))
		return
	}
	o, err := h.orders.UpdateStatus(c.Request.Context(), id, model.OrderStatus(strings.ToUpper(strings.TrimSpace(req.Status))))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Order status updated", o)
}
