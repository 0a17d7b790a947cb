package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order 订单头。明细与总额在下单时确定，之后只有 Status 会变。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID          uint            `gorm:"not null;index" json:"user_id"`
	OrderNo         string          `gorm:"column:order_number;size:50;uniqueIndex;not null" json:"order_number"`
	ShippingAddress string          `gorm:"type:text;not null" json:"shipping_address"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_amount"`
	Status          OrderStatus     `gorm:"size:32;not null;default:PENDING_PAYMENT;index" json:"status"`
	PaymentMethod   *string         `gorm:"size:50" json:"payment_method"`

	Items   []OrderItem `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
	Payment *Payment    `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"payment,omitempty"`
}

func (Order) TableName() string { return "orders" }

// OrderItem 订单明细，商品名与单价在下单时快照，避免商品改价影响历史订单。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	OrderID     uint            `gorm:"not null;index" json:"order_id"`
	ProductID   uint            `gorm:"not null;index" json:"product_id"`
	ProductName string          `gorm:"size:255;not null" json:"product_name"`
	Quantity    int             `gorm:"not null;check:quantity > 0" json:"quantity"`
	Price       decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Subtotal    decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"subtotal"`
}

func (OrderItem) TableName() string { return "order_items" }
