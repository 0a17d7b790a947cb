package payment

import (
	"context"
	"strings"
	"time"

	"storefront/internal/model"

	"github.com/shopspring/decimal"
)

// InvoiceItem 发票明细行。
type InvoiceItem struct {
	Name     string
	Quantity int
	Price    decimal.Decimal
	Category string
}

// InvoiceRequest 本地支付意图映射到网关发票的入参。
type InvoiceRequest struct {
	ExternalID         string
	Amount             decimal.Decimal
	PayerEmail         string
	Description        string
	Currency           string
	Duration           time.Duration
	Items              []InvoiceItem
	SuccessRedirectURL string
	FailureRedirectURL string
	PaymentMethods     []string
}

// Invoice 网关返回的发票；Status 是网关原始状态，需经 MapProviderStatus 转换。
type Invoice struct {
	ID         string
	ExternalID string
	Status     string
	Amount     decimal.Decimal
	InvoiceURL string
	ExpiresAt  *time.Time
	PaidAt     *time.Time
	// Raw 原始响应报文，落库审计用。
	Raw []byte
}

// Gateway 外部发票服务。所有方法失败时返回 *apperr.Error(KindGateway)。
type Gateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ExpireInvoice(ctx context.Context, id string) (*Invoice, error)
}

// MapProviderStatus 网关状态 -> 本地状态。未知状态按 PENDING 处理，兼容网关新增状态。
func MapProviderStatus(status string) model.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "PENDING":
		return model.PaymentPending
	case "PAID", "SETTLED":
		return model.PaymentSuccess
	case "EXPIRED":
		return model.PaymentExpired
	case "FAILED":
		return model.PaymentFailed
	default:
		return model.PaymentPending
	}
}
