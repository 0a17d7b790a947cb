package router

import (
	"io"
	"net/http"

	"storefront/internal/apperr"
	"storefront/internal/model"
	"storefront/internal/payment"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

type createPaymentRequest struct {
	OrderID       uint   `json:"order_id" binding:"required,min=1"`
	PaymentMethod string `json:"payment_method" binding:"required,oneof=CREDIT_CARD BCA BNI MANDIRI PERMATA BRI OVO DANA LINKAJA QRIS"`
}

func (h *handler) createPayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, bindError(err))
		return
	}

	res, err := h.payments.Create(c.Request.Context(), caller, req.OrderID, model.PaymentMethod(req.PaymentMethod))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, "Payment created successfully", gin.H{
		"payment_id":   res.Payment.ID,
		"order_number": res.OrderNo,
		"invoice_id":   res.InvoiceID,
		"invoice_url":  res.InvoiceURL,
		"external_id":  res.ExternalID,
		"amount":       res.Payment.Amount,
		"status":       res.InvoiceStatus,
		"expiry_date":  res.ExpiresAt,
	})
}

func (h *handler) listPayments(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	list, err := h.payments.List(c.Request.Context(), caller)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "", list)
}

// getPayment 先向网关拉最新状态再返回。
func (h *handler) getPayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c, "Payment")
	if !ok {
		return
	}
	v, err := h.payments.Get(c.Request.Context(), caller, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "", paymentView(v))
}

func (h *handler) cancelPayment(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c, "Payment")
	if !ok {
		return
	}
	v, err := h.payments.Cancel(c.Request.Context(), caller, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "Payment cancelled successfully", paymentView(v))
}

// webhook 网关回调：只返回 200/401/404/500，不做重定向。
func (h *handler) webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.fail(c, apperr.InvalidPayload(map[string]string{"payload": "Unreadable request body"}))
		return
	}
	_, err = h.payments.HandleWebhook(c.Request.Context(), c.Param("provider"), c.GetHeader("x-callback-token"), body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, envelope{Success: true})
}

func paymentView(v *payment.View) gin.H {
	return gin.H{
		"payment_id":   v.Payment.ID,
		"order_id":     v.Payment.OrderID,
		"order_number": v.Order.OrderNo,
		"order_status": v.Order.Status,
		"status":       v.Payment.Status,
		"amount":       v.Payment.Amount,
		"method":       v.Payment.Method,
		"invoice_url":  v.Payment.InvoiceURL,
		"expires_at":   v.Payment.ExpiresAt,
		"paid_at":      v.Payment.PaidAt,
		"created_at":   v.Payment.CreatedAt,
	}
}
