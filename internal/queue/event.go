package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"storefront/internal/model"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// 事件类型
const (
	EventOrderCreated         = "order.created"
	EventOrderPaid            = "order.paid"
	EventOrderCancelled       = "order.cancelled"
	EventOrderStatusChanged   = "order.status_changed"
	EventPaymentCreated       = "payment.created"
	EventPaymentStatusChanged = "payment.status_changed"
)

// Event 是写入 Kafka 的订单/支付领域事件。
type Event struct {
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	OrderID    uint            `json:"order_id"`
	OrderNo    string          `json:"order_number"`
	UserID     uint            `json:"user_id"`
	PaymentID  uint            `json:"payment_id,omitempty"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Validate 做最小字段校验，防止下游处理脏消息。
func (e Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("type is required")
	}
	if e.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	if e.OrderNo == "" {
		return fmt.Errorf("order_number is required")
	}
	return nil
}

// OrderEvent 从订单快照构造事件。
func OrderEvent(typ string, o *model.Order, reason string) Event {
	return Event{
		Type:    typ,
		OrderID: o.ID,
		OrderNo: o.OrderNo,
		UserID:  o.UserID,
		Status:  string(o.Status),
		Amount:  o.TotalAmount,
		Reason:  reason,
	}
}

// PaymentEvent 从支付与所属订单构造事件。
func PaymentEvent(typ string, p *model.Payment, o *model.Order) Event {
	return Event{
		Type:      typ,
		OrderID:   o.ID,
		OrderNo:   o.OrderNo,
		UserID:    o.UserID,
		PaymentID: p.ID,
		Status:    string(p.Status),
		Amount:    p.Amount,
	}
}

// Enqueue 在调用方事务内写 outbox，业务回滚时事件一起消失。
// 以 order_number 作为 Kafka key，同一订单的事件落同一分区、保持有序。
func Enqueue(tx *gorm.DB, e Event) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("outbox event: %w", err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	row := &model.OutboxEvent{
		EventID: e.EventID,
		Type:    e.Type,
		Key:     e.OrderNo,
		Payload: string(b),
	}
	return tx.Create(row).Error
}
