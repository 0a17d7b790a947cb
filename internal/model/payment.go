package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment 一次发票支付尝试。只在支付网关确认建票后落库。
type Payment struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID         uint            `gorm:"not null;index" json:"order_id"`
	PGTransactionID string          `gorm:"column:pg_transaction_id;size:128;uniqueIndex;not null" json:"pg_transaction_id"`
	ExternalID      string          `gorm:"size:128;index" json:"external_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Method          PaymentMethod   `gorm:"size:50;not null" json:"method"`
	Status          PaymentStatus   `gorm:"size:16;not null;default:CREATED;index" json:"status"`
	InvoiceURL      string          `gorm:"size:512" json:"invoice_url"`
	ExpiresAt       *time.Time      `json:"expires_at"`
	PaidAt          *time.Time      `json:"paid_at"`
	// RawResponse 原样保存网关返回或回调报文，用于审计与排查。
	RawResponse string `gorm:"type:text" json:"-"`
}

func (Payment) TableName() string { return "payments" }
